// Package session manages the single outbound data session to a bonded
// peer.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/observable"
)

// ErrNotConnected is returned by Send when no session is open.
var ErrNotConnected = errors.New("session: not connected")

// Dialer opens a stream socket to the serial-port service of a peer.
// Dial must return once ctx is done.
type Dialer interface {
	Dial(ctx context.Context, peer bt.Peer) (io.ReadWriteCloser, error)
}

type Option func(*Manager)

// WithDialTimeout bounds each connection attempt. Zero waits for the
// platform to give up on its own.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

// Manager owns at most one session at a time. A new Connect tears the
// previous attempt down before starting.
type Manager struct {
	dialer      Dialer
	dialTimeout time.Duration

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	conn   io.ReadWriteCloser

	seq    uint64
	status *observable.Value[bt.ConnectionStatus]
	data   *observable.Value[bt.Chunk]
}

func New(d Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer: d,
		status: observable.NewValue(bt.StatusNotConnected),
		data:   observable.NewValueFunc(bt.Chunk{}, func(a, b bt.Chunk) bool { return a.Seq == b.Seq }),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Status is the connection status of the current or last session.
func (m *Manager) Status() *observable.Value[bt.ConnectionStatus] { return m.status }

// Data publishes the latest chunk read from the session. Seq is zero
// until the first read.
func (m *Manager) Data() *observable.Value[bt.Chunk] { return m.data }

// SetStatus overrides the status. The aggregator uses it to apply bond
// policy.
func (m *Manager) SetStatus(s bt.ConnectionStatus) {
	m.status.Set(s)
}

// Connect starts an asynchronous connection attempt to peer. It refuses,
// and returns false, unless peer is bonded.
func (m *Manager) Connect(peer bt.Peer) bool {
	if peer.Bond != bt.BondBonded {
		log.Printf("session: refusing to connect to %s: bond state %v", peer.Address, peer.Bond)
		return false
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.teardown() {
		log.Printf("session: previous session closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.status.Set(bt.StatusConnecting)
	log.Printf("session: connecting to %s", peer.DisplayName())
	go m.run(ctx, gen, peer, done)
	return true
}

// Disconnect cancels the session and closes its socket. It does not
// change the status and does nothing when no session exists.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.teardown() {
		log.Printf("session: disconnect: no active session")
		return
	}
	log.Printf("session: disconnected")
}

// Close is Disconnect.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// Send writes p to the open session.
func (m *Manager) Send(p []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// teardown cancels the running attempt and waits for it to exit. Callers
// hold opMu.
func (m *Manager) teardown() bool {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	// Anything the old task still tries to publish is now stale.
	m.gen++
	m.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (m *Manager) run(ctx context.Context, gen uint64, peer bt.Peer, done chan struct{}) {
	defer close(done)

	dctx := ctx
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}

	conn, err := m.dialer.Dial(dctx, peer)
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("session: connect to %s cancelled", peer.Address)
			return
		}
		if errors.Is(err, bt.ErrAccessDenied) {
			log.Printf("session: connect to %s: permission denied: %v", peer.Address, err)
		} else {
			log.Printf("session: connect to %s: %v", peer.Address, err)
		}
		m.publish(gen, bt.StatusConnectionFailed)
		return
	}

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
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	m.publish(gen, bt.StatusConnected)
	log.Printf("session: connected to %s", peer.DisplayName())

	buf := make([]byte, bt.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			log.Printf("session: received %d bytes from %s", n, peer.Address)
			m.mu.Lock()
			m.seq++
			chunk := bt.Chunk{Seq: m.seq, Data: bytes.Clone(buf[:n])}
			m.mu.Unlock()
			m.data.Set(chunk)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			log.Printf("session: session with %s cancelled", peer.Address)
			return
		}
		if errors.Is(err, io.EOF) {
			log.Printf("session: %s closed the session", peer.Address)
		} else {
			log.Printf("session: read from %s: %v", peer.Address, err)
		}
		m.publish(gen, bt.StatusDisconnected)
		return
	}
}

// publish sets s if gen is still the current attempt. A sticky status is
// never replaced here; only Connect moves on from it.
func (m *Manager) publish(gen uint64, s bt.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.status.Update(func(cur bt.ConnectionStatus) bt.ConnectionStatus {
		if cur.Sticky() {
			return cur
		}
		return s
	})
}
