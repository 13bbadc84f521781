package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"bluetooth-bond/internal/bt"
)

type pipeDialer struct {
	mu      sync.Mutex
	err     error
	block   bool
	gate    chan struct{}
	slow    bool
	remotes chan net.Conn
	locals  []*slowConn
}

// slowConn takes a while to close, like a socket flushing on shutdown.
type slowConn struct {
	net.Conn
	mu     sync.Mutex
	closed bool
}

func (c *slowConn) Close() error {
	time.Sleep(20 * time.Millisecond)
	err := c.Conn.Close()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *slowConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{remotes: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(ctx context.Context, peer bt.Peer) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	err, block, gate, slow := d.err, d.block, d.gate, d.slow
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	local, remote := net.Pipe()
	d.remotes <- remote
	if slow {
		c := &slowConn{Conn: local}
		d.mu.Lock()
		d.locals = append(d.locals, c)
		d.mu.Unlock()
		return c, nil
	}
	return local, nil
}

func (d *pipeDialer) remote(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.remotes:
		return c
	case <-time.After(time.Second):
		t.Fatal("no connection dialed")
	}
	return nil
}

var bonded = bt.Peer{Address: "AA:BB:CC:DD:EE:FF", Name: "peer", Bond: bt.BondBonded}

func expectStatus(t *testing.T, ch <-chan bt.ConnectionStatus, want bt.ConnectionStatus) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("status = %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for status %v", want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *Manager) open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func TestConnectRequiresBond(t *testing.T) {
	for _, bond := range []bt.BondState{bt.BondNone, bt.BondBonding, bt.BondError, bt.BondUnknown} {
		m := New(newPipeDialer())
		if m.Connect(bt.Peer{Address: "x", Bond: bond}) {
			t.Errorf("Connect accepted peer with bond %v", bond)
		}
		if got := m.Status().Get(); got != bt.StatusNotConnected {
			t.Errorf("status = %v after refused connect", got)
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	d := newPipeDialer()
	m := New(d)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	status := m.Status().Watch(ctx)
	expectStatus(t, status, bt.StatusNotConnected)

	if !m.Connect(bonded) {
		t.Fatal("Connect refused a bonded peer")
	}
	expectStatus(t, status, bt.StatusConnecting)
	remote := d.remote(t)
	expectStatus(t, status, bt.StatusConnected)

	data := m.Data().Watch(ctx)
	<-data
	if _, err := remote.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-data:
		if string(got.Data) != "hello" || got.Seq != 1 {
			t.Errorf("data = %q seq %d, want hello seq 1", got.Data, got.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no data published")
	}

	remote.Close()
	expectStatus(t, status, bt.StatusDisconnected)
}

func TestSend(t *testing.T) {
	d := newPipeDialer()
	m := New(d)
	defer m.Close()

	if err := m.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect = %v, want ErrNotConnected", err)
	}

	m.Connect(bonded)
	remote := d.remote(t)
	waitFor(t, "open session", m.open)

	go m.Send([]byte("ping"))
	buf := make([]byte, 16)
	remote.SetReadDeadline(time.Now().Add(time.Second))
	n, err := remote.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("remote read %q, want ping", buf[:n])
	}
}

func TestDialFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"io", errors.New("host is down")},
		{"denied", fmt.Errorf("connect profile: %w", bt.ErrAccessDenied)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newPipeDialer()
			d.err = tt.err
			m := New(d)
			defer m.Close()

			m.Connect(bonded)
			waitFor(t, "connection failed", func() bool {
				return m.Status().Get() == bt.StatusConnectionFailed
			})
		})
	}
}

func TestDialTimeout(t *testing.T) {
	d := newPipeDialer()
	d.block = true
	m := New(d, WithDialTimeout(20*time.Millisecond))
	defer m.Close()

	m.Connect(bonded)
	waitFor(t, "connection failed", func() bool {
		return m.Status().Get() == bt.StatusConnectionFailed
	})
}

func TestDisconnectDuringDialKeepsStatus(t *testing.T) {
	d := newPipeDialer()
	d.block = true
	m := New(d)

	m.Connect(bonded)
	m.Disconnect()
	if got := m.Status().Get(); got != bt.StatusConnecting {
		t.Errorf("status = %v, Disconnect must not change it", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	d := newPipeDialer()
	m := New(d)

	m.Disconnect()

	m.Connect(bonded)
	remote := d.remote(t)
	waitFor(t, "open session", m.open)

	m.Disconnect()
	m.Disconnect()

	remote.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := remote.Read(make([]byte, 1)); err == nil {
		t.Error("remote end still open after Disconnect")
	}
	if got := m.Status().Get(); got != bt.StatusConnected {
		t.Errorf("status = %v, Disconnect must not change it", got)
	}
	if m.open() {
		t.Error("session still held after Disconnect")
	}
}

func TestStickyStatusSurvivesPeerClose(t *testing.T) {
	for _, sticky := range []bt.ConnectionStatus{bt.StatusBondLost, bt.StatusKeyMissing} {
		d := newPipeDialer()
		m := New(d)

		m.Connect(bonded)
		remote := d.remote(t)
		waitFor(t, "open session", m.open)

		m.SetStatus(sticky)
		remote.Close()
		waitFor(t, "session end", func() bool { return !m.open() })

		if got := m.Status().Get(); got != sticky {
			t.Errorf("status = %v, want %v kept", got, sticky)
		}
		m.Close()
	}
}

func TestReconnectTearsDownPrevious(t *testing.T) {
	d := newPipeDialer()
	m := New(d)
	defer m.Close()

	m.Connect(bonded)
	first := d.remote(t)
	waitFor(t, "first session", m.open)

	m.Connect(bonded)
	second := d.remote(t)

	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := first.Read(make([]byte, 1)); err == nil {
		t.Error("first session still open after reconnect")
	}

	waitFor(t, "connected", func() bool { return m.Status().Get() == bt.StatusConnected })
	second.Close()
	waitFor(t, "disconnected", func() bool { return m.Status().Get() == bt.StatusDisconnected })
}

func TestDisconnectWaitsForSocketClose(t *testing.T) {
	d := newPipeDialer()
	d.slow = true
	m := New(d)

	m.Connect(bonded)
	d.remote(t)
	waitFor(t, "open session", m.open)

	m.Disconnect()
	d.mu.Lock()
	local := d.locals[0]
	d.mu.Unlock()
	if !local.isClosed() {
		t.Error("Disconnect returned before the socket was closed")
	}
}

func TestStickyStatusSurvivesLateDial(t *testing.T) {
	for _, sticky := range []bt.ConnectionStatus{bt.StatusBondLost, bt.StatusKeyMissing} {
		d := newPipeDialer()
		d.gate = make(chan struct{})
		m := New(d)

		m.Connect(bonded)
		m.SetStatus(sticky)
		close(d.gate)
		d.remote(t)
		waitFor(t, "open session", m.open)

		if got := m.Status().Get(); got != sticky {
			t.Errorf("status = %v, want %v kept", got, sticky)
		}

		m.Connect(bonded)
		if got := m.Status().Get(); got.Sticky() {
			t.Errorf("status after retry = %v, want it left behind", got)
		}
		m.Close()
	}
}

func TestChunksAreNumbered(t *testing.T) {
	d := newPipeDialer()
	m := New(d)
	defer m.Close()

	m.Connect(bonded)
	remote := d.remote(t)
	waitFor(t, "open session", m.open)

	for i := 0; i < 3; i++ {
		if _, err := remote.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		want := uint64(i + 1)
		waitFor(t, "chunk", func() bool { return m.Data().Get().Seq == want })
	}
	if got := m.Data().Get(); string(got.Data) != "ping" {
		t.Errorf("data = %q", got.Data)
	}
}
