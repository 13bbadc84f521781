// Package receiver turns platform broadcasts into the discovered-peer list,
// the discovering flag and a typed event stream.
package receiver

import (
	"context"
	"log"
	"slices"
	"sync"

	"bluetooth-bond/internal/bt"
	"bluetooth-bond/internal/observable"
	"bluetooth-bond/internal/permission"
)

const queueSize = 64

// Source delivers platform broadcasts.
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live broadcast registration. Close cancels it.
type Subscription interface {
	Broadcasts() <-chan bt.Broadcast
	Close() error
}

// BondedLister lists the bonded peers; it is only used for diagnostics.
type BondedLister interface {
	BondedPeers() []bt.Peer
}

// Receiver processes every broadcast on a single goroutine, in arrival
// order, so the discovered list is only ever mutated by one writer.
type Receiver struct {
	src    Source
	perms  permission.Checker
	bonded BondedLister

	queue chan bt.Broadcast
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	sub    Subscription
	cancel context.CancelFunc
	pump   chan struct{}

	discovered  *observable.Value[[]bt.Peer]
	discovering *observable.Value[bool]
	events      *observable.Feed[bt.Event]
}

// New starts the processing goroutine. bonded may be nil.
func New(src Source, perms permission.Checker, bonded BondedLister) *Receiver {
	r := &Receiver{
		src:         src,
		perms:       perms,
		bonded:      bonded,
		queue:       make(chan bt.Broadcast, queueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		discovered:  observable.NewValueFunc([]bt.Peer{}, peersEqual),
		discovering: observable.NewValue(false),
		events:      observable.NewFeed[bt.Event](),
	}
	go r.loop()
	return r
}

func peersEqual(a, b []bt.Peer) bool { return slices.Equal(a, b) }

// Discovered is the discovery set in display order.
func (r *Receiver) Discovered() *observable.Value[[]bt.Peer] { return r.discovered }

// Discovering reports whether a discovery session is running.
func (r *Receiver) Discovering() *observable.Value[bool] { return r.discovering }

// Events carries BondStateChanged, KeyMissing, ConnectionStateChanged and
// DiscoveryStarted.
func (r *Receiver) Events() *observable.Feed[bt.Event] { return r.events }

// Register subscribes to the platform broadcasts. Registering twice is a
// no-op.
func (r *Receiver) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	sub, err := r.src.Subscribe(sctx)
	if err != nil {
		cancel()
		log.Printf("receiver: failed to register: %v", err)
		return err
	}
	r.sub = sub
	r.cancel = cancel
	r.pump = make(chan struct{})
	go r.forward(sctx, sub, r.pump)
	log.Printf("receiver: registered")
	return nil
}

// Unregister drops the subscription. It is idempotent and safe to call
// when Register never succeeded.
func (r *Receiver) Unregister() {
	r.mu.Lock()
	sub, cancel, pump := r.sub, r.cancel, r.pump
	r.sub, r.cancel, r.pump = nil, nil, nil
	r.mu.Unlock()

	if sub == nil {
		log.Printf("receiver: unregister: not registered")
		return
	}
	cancel()
	if err := sub.Close(); err != nil {
		log.Printf("receiver: failed to unregister: %v", err)
	}
	<-pump
	log.Printf("receiver: unregistered")
}

// Inject queues a broadcast as if the platform had delivered it.
func (r *Receiver) Inject(b bt.Broadcast) {
	select {
	case r.queue <- b:
	case <-r.stop:
	}
}

// Close unregisters and stops the processing goroutine.
func (r *Receiver) Close() {
	r.Unregister()
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Receiver) forward(ctx context.Context, sub Subscription, done chan struct{}) {
	defer close(done)
	in := sub.Broadcasts()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			select {
			case r.queue <- b:
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			}
		}
	}
}

func (r *Receiver) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case b := <-r.queue:
			r.handle(b)
		}
	}
}

func (r *Receiver) handle(b bt.Broadcast) {
	switch b.Action {
	case bt.ActionFound:
		r.peerFound(b.Peer)

	case bt.ActionDiscoveryStarted:
		log.Printf("receiver: discovery started")
		r.discovered.Set([]bt.Peer{})
		r.discovering.Set(true)
		r.events.Publish(bt.DiscoveryStarted{})

	case bt.ActionDiscoveryFinished:
		log.Printf("receiver: discovery finished")
		r.discovering.Set(false)

	case bt.ActionBondStateChanged:
		r.bondStateChanged(b)

	case bt.ActionKeyMissing:
		if b.Peer.Address == "" {
			return
		}
		log.Printf("receiver: key missing for %s, local bond retained", r.label(b.Peer))
		r.events.Publish(bt.KeyMissing{Address: b.Peer.Address})

	case bt.ActionConnectionStateChanged:
		if b.ConnectionState != bt.ConnStateDisconnected {
			log.Printf("receiver: connection state %d for %s", b.ConnectionState, r.label(b.Peer))
			return
		}
		r.events.Publish(bt.ConnectionStateChanged{Address: b.Peer.Address, State: b.ConnectionState})

	default:
		log.Printf("receiver: ignoring broadcast %v", b.Action)
	}
}

func (r *Receiver) peerFound(p bt.Peer) {
	if p.Address == "" {
		return
	}
	if !r.perms.Granted(permission.Connect) {
		log.Printf("receiver: peer found but %s not granted, skipping", permission.Connect)
		return
	}
	log.Printf("receiver: device found: %s (%s)", p.DisplayName(), p.Address)
	r.discovered.Update(func(cur []bt.Peer) []bt.Peer {
		if slices.ContainsFunc(cur, func(q bt.Peer) bool { return q.Address == p.Address }) {
			return cur
		}
		return append(slices.Clone(cur), p)
	})
}

func (r *Receiver) bondStateChanged(b bt.Broadcast) {
	if b.Peer.Address == "" {
		return
	}
	next := bt.BondStateFromCode(b.BondState)
	log.Printf("receiver: bond state changed for %s: %v -> %v",
		r.label(b.Peer), bt.BondStateFromCode(b.PreviousBondState), next)

	r.discovered.Update(func(cur []bt.Peer) []bt.Peer {
		i := slices.IndexFunc(cur, func(q bt.Peer) bool { return q.Address == b.Peer.Address })
		if i < 0 || cur[i].Bond == next {
			return cur
		}
		out := slices.Clone(cur)
		out[i].Bond = next
		return out
	})

	if r.bonded != nil {
		peers := r.bonded.BondedPeers()
		if len(peers) == 0 {
			log.Printf("receiver: bonded devices after change: (none)")
		}
		for _, p := range peers {
			log.Printf("receiver: bonded: %s (%v)", p.DisplayName(), p.Bond)
		}
	}

	r.events.Publish(bt.BondStateChanged{
		Address:           b.Peer.Address,
		BondState:         b.BondState,
		PreviousBondState: b.PreviousBondState,
	})
}

// label names a peer for logs without reading its name when the privilege
// to do so is missing.
func (r *Receiver) label(p bt.Peer) string {
	if p.Name != "" && r.perms.Granted(permission.Connect) {
		return p.Name
	}
	return p.Address
}
