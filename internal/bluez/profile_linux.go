//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/server"
)

var pathCounter uint64

var sppUUID = uuid.MustParse(bt.SPPUUID).String()

var errListenerClosed = errors.New("bluez: listener closed")

func profilePath(role string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/org/bluetooth_bond/profile/" + role + "/p" + strconv.FormatUint(id, 10))
}

type connResult struct {
	file *os.File
	peer bt.Peer
}

// profile implements org.bluez.Profile1 and forwards NewConnection sockets.
// A client profile routes each socket to the Dial waiting on its device; a
// server profile queues it for Accept.
type profile struct {
	peers func(dbus.ObjectPath) bt.Peer

	mu      sync.Mutex
	pending map[dbus.ObjectPath]chan connResult
	accept  chan connResult
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; sessions are closed by their owner.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection takes ownership of the RFCOMM socket and hands it to the
// waiting Dial or Accept. Unclaimed sockets are closed and rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	peer := p.peers(dev)
	if peer.Address == "" {
		peer.Address = peerAddress(int(fd))
	}
	f, err := socketFile(int(fd), dev)
	if err != nil {
		log.Printf("bluez: NewConnection %s: %v", dev, err)
		return rejected(err.Error())
	}

	p.mu.Lock()
	ch := p.accept
	if ch == nil {
		ch = p.pending[dev]
	}
	p.mu.Unlock()

	select {
	case ch <- connResult{file: f, peer: peer}:
		return nil
	default:
		// No receiver; close FD and return a rejection to avoid leaks.
		f.Close()
		return rejected("no receiver")
	}
}

func (p *profile) expect(dev dbus.ObjectPath) chan connResult {
	ch := make(chan connResult, 1)
	p.mu.Lock()
	p.pending[dev] = ch
	p.mu.Unlock()
	return ch
}

func (p *profile) forget(dev dbus.ObjectPath, ch chan connResult) {
	p.mu.Lock()
	if p.pending[dev] == ch {
		delete(p.pending, dev)
	}
	p.mu.Unlock()
	select {
	case res := <-ch:
		res.file.Close()
	default:
	}
}

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

// socketFile wraps fd so that Close interrupts a blocked Read.
func socketFile(fd int, dev dbus.ObjectPath) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+macFromPath(dev)), nil
}

// peerAddress reads the remote address of a connected RFCOMM socket.
func peerAddress(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	if !ok {
		return ""
	}
	a := rc.Addr
	// bdaddr is stored little-endian.
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

func (c *Conn) peerFor(dev dbus.ObjectPath) bt.Peer {
	if p, ok := c.tracker.lookup(dev); ok {
		return p
	}
	return bt.Peer{Address: macFromPath(dev)}
}

func (c *Conn) registerProfile(path dbus.ObjectPath, prof *profile, uuidStr string, opts map[string]dbus.Variant) (func(), error) {
	if err := c.bus.Export(prof, path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}
	pm := c.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, uuidStr, opts); call.Err != nil {
		_ = c.bus.Export(nil, path, profileIface)
		return nil, c.wrap("RegisterProfile", call.Err)
	}
	return func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		// Unexport the object path (best-effort).
		_ = c.bus.Export(nil, path, profileIface)
	}, nil
}

// clientProfile registers the client-role profile on first use.
func (c *Conn) clientProfile() (*profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}
	if c.client != nil {
		return c.client, nil
	}
	prof := &profile{peers: c.peerFor, pending: make(map[dbus.ObjectPath]chan connResult)}
	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	unregister, err := c.registerProfile(profilePath("client"), prof, sppUUID, opts)
	if err != nil {
		return nil, err
	}
	c.cleanup = append(c.cleanup, unregister)
	c.client = prof
	return prof, nil
}

// Dial connects the serial-port profile of peer and waits for BlueZ to hand
// over the socket. A rejected link key is broadcast as KeyMissing before the
// error is returned.
func (c *Conn) Dial(ctx context.Context, peer bt.Peer) (io.ReadWriteCloser, error) {
	prof, err := c.clientProfile()
	if err != nil {
		return nil, err
	}
	path := devicePath(c.adapter, peer.Address)
	ch := prof.expect(path)
	defer prof.forget(path, ch)

	call := c.bus.Object(bluezService, path).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, sppUUID)
	if call.Err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
		}
		if keyMissing(call.Err) {
			c.dispatch([]bt.Broadcast{{Action: bt.ActionKeyMissing, Peer: c.peerFor(path)}})
		}
		return nil, c.wrap("ConnectProfile "+peer.Address, call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return res.file, nil
	}
}

// Listen registers a server-role profile under name and uuid on the
// configured RFCOMM channel.
func (c *Conn) Listen(ctx context.Context, name, uuidStr string) (server.Listener, error) {
	_ = ctx // registration is fast and not cancellable via the D-Bus API.
	if name == "" {
		return nil, errors.New("bluez: service name required")
	}
	u, err := uuid.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("bluez: service uuid: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errClosed
	}

	prof := &profile{peers: c.peerFor, accept: make(chan connResult, 1)}
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(name),
		"Role":                  dbus.MakeVariant("server"),
		"RequireAuthentication": dbus.MakeVariant(true),

		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(c.channel),
	}
	unregister, err := c.registerProfile(profilePath("server"), prof, u.String(), opts)
	if err != nil {
		return nil, err
	}
	log.Printf("bluez: server profile %q registered on channel %d", name, c.channel)
	return &listener{prof: prof, unregister: unregister, closed: make(chan struct{})}, nil
}

type listener struct {
	prof       *profile
	unregister func()
	closed     chan struct{}
	once       sync.Once
}

func (l *listener) Accept(ctx context.Context) (io.ReadWriteCloser, bt.Peer, error) {
	select {
	case <-ctx.Done():
		return nil, bt.Peer{}, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	case <-l.closed:
		return nil, bt.Peer{}, errListenerClosed
	case res := <-l.prof.accept:
		return res.file, res.peer, nil
	}
}

// Close unregisters the profile. Sockets already accepted stay open.
func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.unregister()
		select {
		case res := <-l.prof.accept:
			res.file.Close()
		default:
		}
	})
	return nil
}
