// Package api exposes the repository to an external presentation layer:
// HTTP endpoints for the commands and a WebSocket stream carrying the
// unified state and the one-shot events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/observable"
	"bluetooth-bond/internal/repository"
	"bluetooth-bond/internal/session"
)

const (
	requestTimeout = 30 * time.Second
	writeWait      = 10 * time.Second
	maxSendBytes   = bt.ReadBufferSize
)

// Service is the command surface of the repository.
type Service interface {
	State() *observable.Value[repository.State]
	Events() *observable.Feed[bt.Event]
	ServerRunning() *observable.Value[bool]

	StartDiscovery() error
	StopDiscovery() error
	RefreshPairedDevices() error
	PairDevice(device string) error
	ConnectToDevice(device string) error
	Disconnect() error
	Send(p []byte) error
	RegisterReceiver() error
	UnregisterReceiver() error
	StartServer() error
	StopServer() error
}

// Handler serves the bluetooth endpoints.
type Handler struct {
	svc      Service
	upgrader websocket.Upgrader
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// NewRouter builds the full HTTP surface with logging and panic recovery.
// The WebSocket route is kept out of the request timeout.
func NewRouter(svc Service) http.Handler {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/bluetooth/ws", h.Stream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "service": "btbond"})
		})

		r.Route("/bluetooth", func(r chi.Router) {
			r.Get("/state", h.GetState)

			r.Post("/discovery/start", h.command("discovery started", svc.StartDiscovery))
			r.Post("/discovery/stop", h.command("discovery stopped", svc.StopDiscovery))
			r.Post("/paired/refresh", h.command("paired devices refreshed", svc.RefreshPairedDevices))

			r.Post("/pair/{device}", h.PairDevice)
			r.Post("/connect/{device}", h.ConnectToDevice)
			r.Post("/disconnect", h.command("disconnected", svc.Disconnect))
			r.Post("/send", h.Send)

			r.Post("/receiver/register", h.command("receiver registered", svc.RegisterReceiver))
			r.Post("/receiver/unregister", h.command("receiver unregistered", svc.UnregisterReceiver))

			r.Get("/server", h.GetServer)
			r.Post("/server/start", h.command("server started", svc.StartServer))
			r.Post("/server/stop", h.command("server stopped", svc.StopServer))
		})
	})
	return r
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": message,
	})
}

// statusFor maps command errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrMissingPermissions), errors.Is(err, bt.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrBondNotRequested),
		errors.Is(err, repository.ErrNotBonded),
		errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bt.ErrRadioUnavailable), errors.Is(err, repository.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func commandError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: command failed: %v", err)
	}
	errorResponse(w, status, err.Error())
}

func (h *Handler) command(message string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			commandError(w, err)
			return
		}
		successResponse(w, message)
	}
}

// GetState returns the latest unified state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.svc.State().Get())
}

// GetServer reports whether the serial-port server is accepting.
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]bool{"running": h.svc.ServerRunning().Get()})
}

// PairDevice starts bonding with a device given by address or name.
func (h *Handler) PairDevice(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	if device == "" {
		errorResponse(w, http.StatusBadRequest, "device required")
		return
	}
	if err := h.svc.PairDevice(device); err != nil {
		commandError(w, err)
		return
	}
	successResponse(w, "pairing requested with "+device)
}

// ConnectToDevice opens a session to a bonded device.
func (h *Handler) ConnectToDevice(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	if device == "" {
		errorResponse(w, http.StatusBadRequest, "device required")
		return
	}
	if err := h.svc.ConnectToDevice(device); err != nil {
		commandError(w, err)
		return
	}
	successResponse(w, "connecting to "+device)
}

// SendRequest is the body of POST /bluetooth/send.
type SendRequest struct {
	Text string `json:"text"`
}

// Send writes text to the open session.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*maxSendBytes)).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		errorResponse(w, http.StatusBadRequest, "text required")
		return
	}
	if len(req.Text) > maxSendBytes {
		errorResponse(w, http.StatusRequestEntityTooLarge, "text too long")
		return
	}
	if err := h.svc.Send([]byte(req.Text)); err != nil {
		commandError(w, err)
		return
	}
	successResponse(w, "sent")
}

// Message is one WebSocket frame.
type Message struct {
	Type    string      `json:"type"`
	Kind    string      `json:"kind,omitempty"`
	Payload interface{} `json:"payload"`
}

// Stream upgrades to a WebSocket and pushes the latest state followed by
// every state change and event until the client goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("api: ws client connected: %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Incoming frames are discarded; a read error means the client left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	states := h.svc.State().Watch(ctx)
	events := h.svc.Events().Subscribe(ctx)

	for {
		var msg Message
		select {
		case <-ctx.Done():
			log.Printf("api: ws client disconnected: %s", r.RemoteAddr)
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			msg = Message{Type: "state", Payload: s}
		case e, ok := <-events:
			if !ok {
				return
			}
			msg = Message{Type: "event", Kind: e.Kind(), Payload: e}
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("api: ws write to %s: %v", r.RemoteAddr, err)
			return
		}
	}
}
