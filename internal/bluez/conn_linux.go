//go:build linux

// Package bluez implements the radio driver, broadcast source, outbound
// dialer and inbound transport on top of BlueZ over the D-Bus system bus.
//
// Conn is safe for concurrent use. Close is idempotent.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/radio"
	"bluetooth-bond/internal/receiver"
	"bluetooth-bond/internal/server"
	"bluetooth-bond/internal/session"
)

var (
	_ radio.Driver     = (*Conn)(nil)
	_ receiver.Source  = (*Conn)(nil)
	_ session.Dialer   = (*Conn)(nil)
	_ server.Transport = (*Conn)(nil)
)

const subscriptionBuffer = 64

var errClosed = errors.New("bluez: closed")

// Options selects the adapter and the RFCOMM channel of the server profile.
type Options struct {
	Adapter string
	Channel uint16
}

// Conn is a private system-bus connection bound to one adapter.
type Conn struct {
	bus     *dbus.Conn
	adapter dbus.ObjectPath
	channel uint16
	tracker *tracker
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
	client *profile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// Open connects to the system bus, snapshots the adapter's devices and
// starts translating BlueZ signals. A missing adapter is not an error;
// Present reports it.
func Open(opts Options) (*Conn, error) {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.Channel == 0 {
		opts.Channel = bt.DefaultRFCOMMChannel
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	c := &Conn{
		bus:     bus,
		adapter: adapterPath(opts.Adapter),
		channel: opts.Channel,
		tracker: newTracker(adapterPath(opts.Adapter)),
		done:    make(chan struct{}),
		subs:    make(map[*subscription]struct{}),
	}
	// Close the bus last during cleanup.
	c.cleanup = append(c.cleanup, func() { bus.Close() })

	objs, err := c.managedObjects()
	if err != nil {
		c.Close()
		return nil, err
	}
	if _, ok := objs[c.adapter][adapterIface]; !ok {
		log.Printf("bluez: adapter %s not found", c.adapter)
	}
	c.tracker.seed(objs)

	if err := c.watch(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for s := range c.subs {
		delete(c.subs, s)
		close(s.ch)
	}
	cleanup := c.cleanup
	c.cleanup = nil
	c.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

var signalMatches = [][]dbus.MatchOption{
	{dbus.WithMatchSender(bluezService), dbus.WithMatchInterface(objManagerIface)},
	{dbus.WithMatchSender(bluezService), dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	{dbus.WithMatchSender(bluezService), dbus.WithMatchInterface(deviceIface), dbus.WithMatchMember("Disconnected")},
}

func (c *Conn) watch() error {
	for _, m := range signalMatches {
		m := m // per-iteration copy: module targets go 1.21 (pre-1.22 loopvar semantics)
		if err := c.bus.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
		c.cleanup = append(c.cleanup, func() { _ = c.bus.RemoveMatchSignal(m...) })
	}

	sigCh := make(chan *dbus.Signal, 64)
	c.bus.Signal(sigCh)
	c.cleanup = append(c.cleanup, func() { c.bus.RemoveSignal(sigCh) })

	go func() {
		for {
			select {
			case <-c.done:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				c.dispatch(c.tracker.signal(sig))
			}
		}
	}()
	return nil
}

// dispatch fans broadcasts out to every subscription without blocking.
func (c *Conn) dispatch(bs []bt.Broadcast) {
	if len(bs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range bs {
		for s := range c.subs {
			select {
			case s.ch <- b:
			default:
				log.Printf("bluez: subscriber queue full, dropping %v", b.Action)
			}
		}
	}
}

type subscription struct {
	c    *Conn
	ch   chan bt.Broadcast
	once sync.Once
}

func (s *subscription) Broadcasts() <-chan bt.Broadcast { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		defer s.c.mu.Unlock()
		if _, ok := s.c.subs[s]; ok {
			delete(s.c.subs, s)
			close(s.ch)
		}
	})
	return nil
}

// Subscribe registers for broadcasts until ctx is done or the subscription
// is closed.
func (c *Conn) Subscribe(ctx context.Context) (receiver.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}
	s := &subscription{c: c, ch: make(chan bt.Broadcast, subscriptionBuffer)}
	c.subs[s] = struct{}{}
	context.AfterFunc(ctx, func() { s.Close() })
	return s, nil
}

func (c *Conn) managedObjects() (managedObjects, error) {
	obj := c.bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		if accessDenied(call.Err) {
			return nil, fmt.Errorf("bluez: GetManagedObjects: %w: %v", bt.ErrAccessDenied, call.Err)
		}
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// getProperty reads a property from a BlueZ object.
func getProperty[T any](c *Conn, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := c.bus.Object(bluezService, path).GetProperty(iface + "." + name)
	if err != nil {
		return zero, err
	}
	t, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluez: property %s.%s has unexpected type %T", iface, name, v.Value())
	}
	return t, nil
}
