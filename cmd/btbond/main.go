//go:build linux

// btbond discovers, bonds with and talks to serial-port peers through BlueZ.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile usually needs root or membership in the bluetooth group.
//
// Modes
//
//	btbond -mode=daemon -config /etc/btbond.yaml
//	    HTTP command surface and WebSocket stream on http.addr, with
//	    systemd readiness notifications.
//	btbond -mode=scan -timeout=15s
//	    Discover peers and print them.
//	btbond -mode=server -timeout=120s
//	    Accept serial-port sessions and echo what they send.
//	btbond -mode=connect -device AA:BB:CC:DD:EE:FF
//	    Connect to a bonded peer; stdin lines are sent, received data is
//	    printed. Without -device the paired peers are listed to choose from.
//
// Exit/Ctrl-C cancels via context.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bluetooth-bond/internal/api"
	"bluetooth-bond/internal/bluez"
	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/config"
	"bluetooth-bond/internal/permission"
	"bluetooth-bond/internal/radio"
	"bluetooth-bond/internal/receiver"
	"bluetooth-bond/internal/repository"
	"bluetooth-bond/internal/server"
	"bluetooth-bond/internal/session"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := run(); err != nil {
		log.Printf("btbond: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to the YAML config (defaults when empty)")
	mode := flag.String("mode", "daemon", "mode: daemon|scan|server|connect")
	device := flag.String("device", "", "address or name to connect to (connect mode). If empty, choose from the paired list.")
	timeout := flag.Duration("timeout", 0, "stop after this long (0 = until interrupted; scan defaults to 15s)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout == 0 && strings.ToLower(*mode) == "scan" {
		*timeout = 15 * time.Second
	}
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	s, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	runDone := make(chan struct{})
	runCtx, cancelRun := context.WithCancel(context.Background())
	go func() {
		defer close(runDone)
		s.repo.Run(runCtx)
	}()
	defer func() {
		cancelRun()
		<-runDone
	}()

	switch strings.ToLower(*mode) {
	case "daemon":
		return runDaemon(ctx, s.repo, cfg)
	case "scan":
		return runScan(ctx, s.repo)
	case "server":
		return runServer(ctx, s.repo, cfg)
	case "connect":
		return runConnect(ctx, s.repo, *device)
	default:
		return fmt.Errorf("unknown mode: %s", *mode)
	}
}

// stack owns every component wired over one BlueZ connection.
type stack struct {
	conn *bluez.Conn
	recv *receiver.Receiver
	sess *session.Manager
	srv  *server.Manager
	repo *repository.Repository
}

func newStack(cfg *config.Config) (*stack, error) {
	conn, err := bluez.Open(bluez.Options{Adapter: cfg.Adapter, Channel: cfg.Service.Channel})
	if err != nil {
		return nil, fmt.Errorf("open bluez: %w", err)
	}
	perms := permission.NewSystem(cfg.Permissions.Denied...)

	adapter := radio.New(conn, radio.WithSettingsHook(func() {
		log.Printf("discovery needs location services enabled")
	}))
	s := &stack{
		conn: conn,
		recv: receiver.New(conn, perms, adapter),
		sess: session.New(conn, session.WithDialTimeout(cfg.Connect.Timeout)),
		srv:  server.New(conn, adapter, cfg.Service.Name, cfg.Service.UUID),
	}
	s.repo = repository.New(repository.Deps{
		Radio:       adapter,
		Receiver:    s.recv,
		Session:     s.sess,
		Server:      s.srv,
		Permissions: perms,
	}, repository.WithPollInterval(cfg.Discovery.PollInterval))
	return s, nil
}

func (s *stack) Close() {
	s.srv.Stop()
	s.sess.Close()
	s.recv.Close()
	if err := s.conn.Close(); err != nil {
		log.Printf("close error: %v", err)
	}
}

func notify(state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		log.Printf("sd_notify %q: %v", state, err)
	} else if !ok {
		log.Printf("sd_notify %q: not running under systemd", state)
	}
}

func runDaemon(ctx context.Context, repo *repository.Repository, cfg *config.Config) error {
	if err := repo.RegisterReceiver(); err != nil {
		return fmt.Errorf("register receiver: %w", err)
	}
	if err := repo.RefreshPairedDevices(); err != nil {
		log.Printf("refresh paired devices: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(repo),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("btbond listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go reportServer(ctx, repo)
	notify(daemon.SdNotifyReady)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	notify(daemon.SdNotifyStopping)
	log.Println("Shutting down btbond...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Printf("http shutdown: %v", serr)
	}
	if uerr := repo.UnregisterReceiver(); uerr != nil {
		log.Printf("unregister receiver: %v", uerr)
	}
	return err
}

// reportServer mirrors the server's running flag into the systemd status.
func reportServer(ctx context.Context, repo *repository.Repository) {
	for running := range repo.ServerRunning().Watch(ctx) {
		if running {
			notify("STATUS=serial-port server accepting")
		} else {
			notify("STATUS=serial-port server stopped")
		}
	}
}

func runScan(ctx context.Context, repo *repository.Repository) error {
	if err := repo.RegisterReceiver(); err != nil {
		return fmt.Errorf("register receiver: %w", err)
	}
	defer repo.UnregisterReceiver()
	if err := repo.StartDiscovery(); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	log.Printf("Scanning (timeout=%s)...", deadlineStr(ctx))
	<-ctx.Done()

	peers := repo.State().Get().DiscoveredDevices
	if len(peers) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	printPeers(peers)
	return nil
}

func runServer(ctx context.Context, repo *repository.Repository, cfg *config.Config) error {
	if err := repo.StartServer(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer repo.StopServer()
	log.Printf("SPP server started: Name=%s Channel=%d", cfg.Service.Name, cfg.Service.Channel)
	notify(daemon.SdNotifyReady)

	log.Printf("Accepting sessions (timeout=%s)...", deadlineStr(ctx))
	for running := range repo.ServerRunning().Watch(ctx) {
		if !running {
			return errors.New("server stopped")
		}
	}
	notify(daemon.SdNotifyStopping)
	return nil
}

func runConnect(ctx context.Context, repo *repository.Repository, device string) error {
	if err := repo.RegisterReceiver(); err != nil {
		return fmt.Errorf("register receiver: %w", err)
	}
	defer repo.UnregisterReceiver()
	if err := repo.RefreshPairedDevices(); err != nil {
		return fmt.Errorf("refresh paired devices: %w", err)
	}

	lines := readLines(os.Stdin)
	if device == "" {
		paired := repo.State().Get().PairedDevices
		if len(paired) == 0 {
			fmt.Println("no paired devices")
			return nil
		}
		printPeers(paired)
		fmt.Print("Choose index: ")
		i, err := readIndex(ctx, lines, len(paired))
		if err != nil {
			return err
		}
		device = paired[i].Address
	}

	log.Printf("Connecting to %s (timeout=%s)...", device, deadlineStr(ctx))
	if err := repo.ConnectToDevice(device); err != nil {
		return err
	}

	go sendLines(ctx, repo, lines)

	var chunks uint64
	last := bt.StatusUnknown
	for st := range repo.State().Watch(ctx) {
		if st.ReceivedChunks > chunks {
			chunks = st.ReceivedChunks
			fmt.Printf("< %s\n", st.LastReceived)
		}
		if st.ConnectionStatus == last {
			continue
		}
		last = st.ConnectionStatus
		switch last {
		case bt.StatusConnected:
			log.Printf("connected; type lines to send")
		case bt.StatusDisconnected, bt.StatusConnectionFailed, bt.StatusBondLost, bt.StatusKeyMissing:
			return fmt.Errorf("session ended: %s", last)
		default:
			log.Printf("status: %s", last)
		}
	}
	return repo.Disconnect()
}

// readLines feeds stdin line by line to both the device prompt and the
// sender. The channel is closed at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func sendLines(ctx context.Context, repo *repository.Repository, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := repo.Send([]byte(line)); err != nil {
				log.Printf("send: %v", err)
			}
		}
	}
}

func printPeers(peers []bt.Peer) {
	for i, p := range peers {
		fmt.Printf("[%d] MAC=%s Name=%s Bond=%s\n", i, p.Address, p.DisplayName(), p.Bond)
	}
}

func readIndex(ctx context.Context, lines <-chan string, n int) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return 0, errors.New("stdin closed before a device was chosen")
			}
			i, err := strconv.Atoi(strings.TrimSpace(line))
			if err == nil && i >= 0 && i < n {
				return i, nil
			}
			fmt.Printf("enter 0..%d: ", n-1)
		}
	}
}

func deadlineStr(ctx context.Context) string {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d).Truncate(time.Second).String()
	}
	return "none"
}
