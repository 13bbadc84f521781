// Package radio controls the local radio: discovery, the bonded-peer list
// and bond initiation.
package radio

import (
	"errors"
	"log"
	"sync"

	"bluetooth-bond/internal/bt"
)

// Driver is the platform radio driver.
type Driver interface {
	Present() bool
	Enabled() bool
	// LocationRequired reports whether the platform needs a location
	// service enabled before it will scan.
	LocationRequired() bool
	LocationEnabled() bool
	Discovering() bool
	StartDiscovery() error
	StopDiscovery() error
	BondedPeers() ([]bt.Peer, error)
	CreateBond(address string) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSettingsHook sets the function called when discovery needs the user
// to enable a location service first.
func WithSettingsHook(fn func()) Option {
	return func(a *Adapter) { a.needsSettings = fn }
}

// Adapter wraps a Driver with the no-op and fallback rules the rest of the
// system relies on.
type Adapter struct {
	drv           Driver
	needsSettings func()

	mu        sync.Mutex
	listeners []func(bt.Event)
}

func New(drv Driver, opts ...Option) *Adapter {
	a := &Adapter{drv: drv}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnEvent registers fn to be called synchronously for every adapter event:
// DiscoveryStarted, delivered before the driver is asked to scan, and
// LocationSettingsRequired.
func (a *Adapter) OnEvent(fn func(bt.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *Adapter) emit(e bt.Event) {
	a.mu.Lock()
	ls := append([]func(bt.Event){}, a.listeners...)
	a.mu.Unlock()
	for _, fn := range ls {
		fn(e)
	}
}

// Ready reports whether the radio is present and enabled.
func (a *Adapter) Ready() bool {
	return a.drv.Present() && a.drv.Enabled()
}

// Discovering reports whether the radio is scanning right now.
func (a *Adapter) Discovering() bool {
	return a.drv.Present() && a.drv.Discovering()
}

// StartDiscovery begins a scan. It does nothing if the radio is unusable or
// already scanning.
func (a *Adapter) StartDiscovery() {
	ready := a.Ready()
	location := !a.drv.LocationRequired() || a.drv.LocationEnabled()

	log.Printf("radio: start discovery: ready=%v location=%v", ready, location)
	if !ready {
		return
	}
	if !location {
		a.emit(bt.LocationSettingsRequired{})
		if a.needsSettings != nil {
			a.needsSettings()
		}
		return
	}
	if a.drv.Discovering() {
		log.Printf("radio: discovery already running")
		return
	}

	a.emit(bt.DiscoveryStarted{})
	err := a.drv.StartDiscovery()
	log.Printf("radio: attempting to start discovery: success=%v", err == nil)
	if err != nil {
		log.Printf("radio: start discovery: %v", err)
	}
}

// StopDiscovery cancels a scan in progress. It is safe to call when idle.
func (a *Adapter) StopDiscovery() {
	if !a.drv.Present() {
		return
	}
	if err := a.drv.StopDiscovery(); err != nil {
		log.Printf("radio: stop discovery: %v", err)
		return
	}
	log.Printf("radio: discovery cancelled")
}

// BondedPeers returns the currently bonded peers. Every failure yields an
// empty list; the cause is only logged.
func (a *Adapter) BondedPeers() []bt.Peer {
	if !a.drv.Present() {
		log.Printf("radio: bonded peers: no adapter")
		return []bt.Peer{}
	}
	if !a.drv.Enabled() {
		log.Printf("radio: bonded peers: adapter not enabled")
		return []bt.Peer{}
	}
	peers, err := a.drv.BondedPeers()
	if err != nil {
		if errors.Is(err, bt.ErrAccessDenied) {
			log.Printf("radio: bonded peers: access denied: %v", err)
		} else {
			log.Printf("radio: bonded peers: %v", err)
		}
		return []bt.Peer{}
	}
	if peers == nil {
		peers = []bt.Peer{}
	}
	return peers
}

// InitiateBond requests bonding with peer when it is not bonded yet. It
// reports whether a request was issued; the outcome arrives later as a
// bond-state broadcast.
func (a *Adapter) InitiateBond(peer bt.Peer) bool {
	if peer.Bond != bt.BondNone {
		return false
	}
	if !a.Ready() {
		return false
	}
	if err := a.drv.CreateBond(peer.Address); err != nil {
		log.Printf("radio: create bond for %s: %v", peer.Address, err)
		return false
	}
	log.Printf("radio: pairing initiated for %s", peer.Address)
	return true
}
