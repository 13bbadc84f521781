// Package server runs the serial-port service that accepts inbound
// sessions and echoes what it receives.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/observable"
)

// Transport registers a listening service record.
type Transport interface {
	Listen(ctx context.Context, name, uuid string) (Listener, error)
}

// Listener yields inbound sessions. Accept must return once ctx is done
// or the listener is closed.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, bt.Peer, error)
	Close() error
}

// Radio reports whether the local radio is present and enabled.
type Radio interface {
	Ready() bool
}

// Manager runs at most one accept loop. Sessions are served one at a
// time, in accept order.
type Manager struct {
	transport Transport
	radio     Radio
	name      string
	uuid      string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	running *observable.Value[bool]
}

func New(t Transport, r Radio, name, uuid string) *Manager {
	return &Manager{
		transport: t,
		radio:     r,
		name:      name,
		uuid:      uuid,
		running:   observable.NewValue(false),
	}
}

// Running reports whether the accept loop is alive.
func (m *Manager) Running() *observable.Value[bool] { return m.running }

// Start registers the service and begins accepting. It returns nil when
// the server is already running and bt.ErrRadioUnavailable when the radio
// is absent or disabled.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		log.Printf("server: already running")
		return nil
	}
	if !m.radio.Ready() {
		log.Printf("server: cannot start: radio unavailable")
		return bt.ErrRadioUnavailable
	}

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := m.transport.Listen(ctx, m.name, m.uuid)
	if err != nil {
		cancel()
		return fmt.Errorf("server: listen %s: %w", m.name, err)
	}

	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.running.Set(true)
	go m.serve(ctx, ln, done)
	return nil
}

// Stop cancels the accept loop and any session in progress and waits for
// both sockets to close. It is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("server: stopped")
}

func (m *Manager) serve(ctx context.Context, ln Listener, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		if m.done == done {
			m.cancel()
			m.cancel, m.done = nil, nil
		}
		m.mu.Unlock()
		m.running.Set(false)
	}()

	closed := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(closed)
		ln.Close()
	})
	defer func() {
		if stop() {
			ln.Close()
		} else {
			<-closed
		}
		log.Printf("server: listener closed")
	}()

	log.Printf("server: listening as %q on %s", m.name, m.uuid)
	for {
		log.Printf("server: waiting for client connection")
		conn, peer, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("server: accept loop cancelled (expected)")
			} else {
				log.Printf("server: accept failed: %v", err)
			}
			return
		}
		log.Printf("server: client connected: %s", peer.DisplayName())
		m.handle(ctx, conn, peer)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, conn io.ReadWriteCloser, peer bt.Peer) {
	closed := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(closed)
		conn.Close()
	})
	defer func() {
		if stop() {
			conn.Close()
		} else {
			<-closed
		}
		log.Printf("server: client socket closed for %s", peer.Address)
	}()

	buf := make([]byte, bt.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := buf[:n]
			log.Printf("server: received from %s: %s", peer.Address, payload)
			if _, werr := conn.Write(append([]byte(bt.EchoPrefix), payload...)); werr != nil {
				log.Printf("server: write to %s: %v", peer.Address, werr)
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			log.Printf("server: client %s disconnected", peer.Address)
			return
		case ctx.Err() != nil:
			return
		default:
			log.Printf("server: read from %s: %v", peer.Address, err)
			return
		}
	}
}
