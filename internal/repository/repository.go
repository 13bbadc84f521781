// Package repository merges the radio, receiver, session and server into
// one state snapshot and applies the bond and connection policies.
//
// All mutation happens on the goroutine running Run: upstream changes and
// commands are applied one at a time, in arrival order, and each one ends
// with a single publish of the recomputed State.
package repository

import (
	"context"
	"errors"
	"log"
	"slices"
	"strings"
	"time"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/observable"
	"bluetooth-bond/internal/permission"
)

var (
	// ErrMissingPermissions is returned after a MissingPermissions event has
	// been published for the command.
	ErrMissingPermissions = errors.New("repository: missing permissions")

	// ErrUnknownDevice reports a name or address found in neither the
	// paired nor the discovered list.
	ErrUnknownDevice = errors.New("repository: unknown device")

	// ErrBondNotRequested reports that no bond request was issued, either
	// because the peer is already bonded or bonding, or the radio refused.
	ErrBondNotRequested = errors.New("repository: bond request not issued")

	// ErrNotBonded reports a connect attempt to a peer that is not bonded.
	ErrNotBonded = errors.New("repository: device not bonded")

	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("repository: stopped")
)

type Radio interface {
	Ready() bool
	Discovering() bool
	StartDiscovery()
	StopDiscovery()
	BondedPeers() []bt.Peer
	InitiateBond(peer bt.Peer) bool
	OnEvent(fn func(bt.Event))
}

type Receiver interface {
	Register(ctx context.Context) error
	Unregister()
	Inject(b bt.Broadcast)
	Discovered() *observable.Value[[]bt.Peer]
	Discovering() *observable.Value[bool]
	Events() *observable.Feed[bt.Event]
}

type Session interface {
	Connect(peer bt.Peer) bool
	Disconnect()
	Send(p []byte) error
	SetStatus(s bt.ConnectionStatus)
	Status() *observable.Value[bt.ConnectionStatus]
	Data() *observable.Value[bt.Chunk]
}

type Server interface {
	Start() error
	Stop()
	Running() *observable.Value[bool]
}

// Deps are the components the repository drives.
type Deps struct {
	Radio       Radio
	Receiver    Receiver
	Session     Session
	Server      Server
	Permissions permission.Checker
}

type Option func(*Repository)

// WithPollInterval makes Run compare the radio's discovering flag with the
// last broadcast every d, and inject the missed discovery-finished
// broadcast when they disagree.
func WithPollInterval(d time.Duration) Option {
	return func(r *Repository) { r.pollInterval = d }
}

type Repository struct {
	Deps
	pollInterval time.Duration

	cmds chan *command
	quit chan struct{}

	state  *observable.Value[State]
	events *observable.Feed[bt.Event]

	// Owned by the Run goroutine.
	ctx     context.Context
	cur     State
	tracked string
}

func New(d Deps, opts ...Option) *Repository {
	r := &Repository{
		Deps:   d,
		cmds:   make(chan *command),
		quit:   make(chan struct{}),
		events: observable.NewFeed[bt.Event](),
	}
	for _, o := range opts {
		o(r)
	}
	r.cur = State{
		DiscoveredDevices: []bt.Peer{},
		PairedDevices:     []bt.Peer{},
		ConnectionStatus:  d.Session.Status().Get(),
	}
	r.state = observable.NewValueFunc(r.cur, State.Equal)

	d.Radio.OnEvent(func(e bt.Event) {
		switch e.(type) {
		case bt.DiscoveryStarted:
			d.Receiver.Inject(bt.Broadcast{Action: bt.ActionDiscoveryStarted})
		case bt.LocationSettingsRequired:
			log.Printf("repository: location service disabled, settings required")
			r.events.Publish(e)
		}
	})
	return r
}

// State is the merged snapshot. Watchers start from the latest one.
func (r *Repository) State() *observable.Value[State] { return r.state }

// Events carries MissingPermissions, BondStateChanged, KeyMissing,
// ConnectionStateChanged and LocationSettingsRequired. Nothing is replayed.
func (r *Repository) Events() *observable.Feed[bt.Event] { return r.events }

// Run owns the state until ctx is done. Commands block until Run is
// serving them and fail with ErrStopped once it has returned.
func (r *Repository) Run(ctx context.Context) error {
	defer close(r.quit)
	r.ctx = ctx

	discovered := r.Receiver.Discovered().Watch(ctx)
	discovering := r.Receiver.Discovering().Watch(ctx)
	status := r.Session.Status().Watch(ctx)
	data := r.Session.Data().Watch(ctx)
	running := r.Server.Running().Watch(ctx)
	events := r.Receiver.Events().Subscribe(ctx)

	var tick <-chan time.Time
	if r.pollInterval > 0 {
		t := time.NewTicker(r.pollInterval)
		defer t.Stop()
		tick = t.C
	}

	r.refreshPaired()
	r.publish()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-discovered:
			if !ok {
				return nil
			}
			r.cur.DiscoveredDevices = v
		case v, ok := <-discovering:
			if !ok {
				return nil
			}
			r.cur.IsDiscovering = v
		case v, ok := <-status:
			if !ok {
				return nil
			}
			r.cur.ConnectionStatus = v
		case v, ok := <-data:
			if !ok {
				return nil
			}
			if v.Seq > r.cur.ReceivedChunks {
				r.cur.LastReceived = string(v.Data)
				r.cur.ReceivedChunks = v.Seq
			}
		case v, ok := <-running:
			if !ok {
				return nil
			}
			r.cur.ServerRunning = v
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(e)
		case c := <-r.cmds:
			c.err = c.fn()
			r.publish()
			close(c.done)
			continue
		case <-tick:
			r.poll()
		}
		r.publish()
	}
}

func (r *Repository) publish() {
	r.cur.TrackedDevice = r.tracked
	r.state.Set(r.cur)
}

type command struct {
	fn   func() error
	err  error
	done chan struct{}
}

// exec runs fn on the Run goroutine and waits until the resulting state
// has been published.
func (r *Repository) exec(fn func() error) error {
	c := &command{fn: fn, done: make(chan struct{})}
	select {
	case r.cmds <- c:
	case <-r.quit:
		return ErrStopped
	}
	<-c.done
	return c.err
}

func (r *Repository) handle(e bt.Event) {
	switch e := e.(type) {
	case bt.BondStateChanged:
		if e.Address == r.tracked {
			next := e.New()
			r.Session.SetStatus(bt.StatusFromBond(next))
			if next == bt.BondNone {
				log.Printf("repository: bond lost with %s, closing session", e.Address)
				r.Session.SetStatus(bt.StatusBondLost)
				r.Session.Disconnect()
				r.tracked = ""
			}
		}
		r.refreshPaired()
		r.events.Publish(e)

	case bt.KeyMissing:
		if e.Address == r.tracked {
			log.Printf("repository: key missing for %s, closing session", e.Address)
			r.Session.SetStatus(bt.StatusKeyMissing)
			r.Session.Disconnect()
			r.tracked = ""
		}
		r.events.Publish(e)

	case bt.ConnectionStateChanged:
		if e.State == bt.ConnStateDisconnected {
			r.Session.Status().Update(func(cur bt.ConnectionStatus) bt.ConnectionStatus {
				if cur.Sticky() {
					return cur
				}
				return bt.StatusDisconnected
			})
		}
		r.events.Publish(e)
	}
}

func (r *Repository) poll() {
	if r.cur.IsDiscovering && !r.Radio.Discovering() {
		log.Printf("repository: radio stopped discovering without a broadcast")
		r.Receiver.Inject(bt.Broadcast{Action: bt.ActionDiscoveryFinished})
	}
}

func (r *Repository) refreshPaired() {
	r.cur.PairedDevices = r.Radio.BondedPeers()
}

// missing publishes MissingPermissions when any of perms is not granted.
func (r *Repository) missing(op string, perms ...string) error {
	denied := permission.Missing(r.Permissions, perms...)
	if len(denied) == 0 {
		return nil
	}
	log.Printf("repository: %s: missing permissions %v", op, denied)
	r.events.Publish(bt.MissingPermissions{Permissions: denied})
	return ErrMissingPermissions
}

// lookup finds a peer by address or name, paired list first.
func (r *Repository) lookup(device string) (bt.Peer, bool) {
	for _, list := range [][]bt.Peer{r.cur.PairedDevices, r.cur.DiscoveredDevices} {
		i := slices.IndexFunc(list, func(p bt.Peer) bool {
			return strings.EqualFold(p.Address, device) || (p.Name != "" && p.Name == device)
		})
		if i >= 0 {
			return list[i], true
		}
	}
	return bt.Peer{}, false
}

func (r *Repository) StartDiscovery() error {
	return r.exec(func() error {
		if err := r.missing("start discovery", permission.Required...); err != nil {
			return err
		}
		r.Radio.StartDiscovery()
		return nil
	})
}

func (r *Repository) StopDiscovery() error {
	return r.exec(func() error {
		r.Radio.StopDiscovery()
		return nil
	})
}

// RefreshPairedDevices re-reads the bonded peers. Failures leave an empty
// list.
func (r *Repository) RefreshPairedDevices() error {
	return r.exec(func() error {
		if err := r.missing("refresh paired devices", permission.Required...); err != nil {
			return err
		}
		r.refreshPaired()
		return nil
	})
}

// PairDevice requests bonding with the peer named device, by address or
// display name. The peer becomes the tracked peer.
func (r *Repository) PairDevice(device string) error {
	return r.exec(func() error {
		if err := r.missing("pair", permission.Connect); err != nil {
			return err
		}
		peer, ok := r.lookup(device)
		if !ok {
			log.Printf("repository: pair: device %q not found", device)
			return ErrUnknownDevice
		}
		r.tracked = peer.Address
		if !r.Radio.InitiateBond(peer) {
			log.Printf("repository: pair: no bond request for %s (%v)", peer.Address, peer.Bond)
			return ErrBondNotRequested
		}
		return nil
	})
}

// ConnectToDevice opens a session to the bonded peer named device. The peer
// becomes the tracked peer.
func (r *Repository) ConnectToDevice(device string) error {
	return r.exec(func() error {
		if err := r.missing("connect", permission.Connect); err != nil {
			return err
		}
		peer, ok := r.lookup(device)
		if !ok {
			log.Printf("repository: connect: device %q not found", device)
			return ErrUnknownDevice
		}
		r.tracked = peer.Address
		if !r.Session.Connect(peer) {
			return ErrNotBonded
		}
		return nil
	})
}

// Disconnect closes the session without changing the status.
func (r *Repository) Disconnect() error {
	return r.exec(func() error {
		r.Session.Disconnect()
		return nil
	})
}

// Send writes p to the open session. It does not go through Run so a slow
// peer never stalls state updates.
func (r *Repository) Send(p []byte) error {
	return r.Session.Send(p)
}

func (r *Repository) RegisterReceiver() error {
	return r.exec(func() error {
		return r.Receiver.Register(r.ctx)
	})
}

// UnregisterReceiver also stops discovery and closes the session.
func (r *Repository) UnregisterReceiver() error {
	return r.exec(func() error {
		r.Receiver.Unregister()
		r.Radio.StopDiscovery()
		r.Session.Disconnect()
		return nil
	})
}

// ServerRunning mirrors the server's running flag.
func (r *Repository) ServerRunning() *observable.Value[bool] { return r.Server.Running() }

func (r *Repository) StartServer() error {
	return r.exec(r.Server.Start)
}

func (r *Repository) StopServer() error {
	return r.exec(func() error {
		r.Server.Stop()
		return nil
	})
}
