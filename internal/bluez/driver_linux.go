//go:build linux

package bluez

import (
	"fmt"
	"log"
	"slices"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-bond/internal/bt"
)

func (c *Conn) adapterObject() dbus.BusObject {
	return c.bus.Object(bluezService, c.adapter)
}

func (c *Conn) Present() bool {
	_, err := getProperty[string](c, c.adapter, adapterIface, "Address")
	return err == nil
}

func (c *Conn) Enabled() bool {
	powered, err := getProperty[bool](c, c.adapter, adapterIface, "Powered")
	return err == nil && powered
}

// LocationRequired is false: BlueZ has no location gate on discovery.
func (c *Conn) LocationRequired() bool { return false }

func (c *Conn) LocationEnabled() bool { return true }

func (c *Conn) Discovering() bool {
	v, err := getProperty[bool](c, c.adapter, adapterIface, "Discovering")
	return err == nil && v
}

// StartDiscovery restricts the scan to BR/EDR, where the serial-port
// profile lives, and starts it.
func (c *Conn) StartDiscovery() error {
	obj := c.adapterObject()
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("bredr")}
	if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		log.Printf("bluez: SetDiscoveryFilter: %v", err)
	}
	if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return c.wrap("StartDiscovery", err)
	}
	return nil
}

func (c *Conn) StopDiscovery() error {
	if err := c.adapterObject().Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		return c.wrap("StopDiscovery", err)
	}
	return nil
}

// BondedPeers reads the paired devices of the adapter, sorted by address.
func (c *Conn) BondedPeers() ([]bt.Peer, error) {
	objs, err := c.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []bt.Peer
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(c.adapter, path) {
			continue
		}
		d := &device{}
		d.apply(path, props)
		if d.paired {
			out = append(out, d.peer())
		}
	}
	slices.SortFunc(out, func(a, b bt.Peer) int { return strings.Compare(a.Address, b.Address) })
	return out, nil
}

// CreateBond starts pairing with address without waiting for it to
// complete. The outcome is broadcast: a Bonding transition right away, then
// Bonded from the Paired property or back to None on failure.
func (c *Conn) CreateBond(address string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}

	path := devicePath(c.adapter, address)
	done := make(chan *dbus.Call, 1)
	call := c.bus.Object(bluezService, path).Go(deviceIface+".Pair", 0, done)
	if call.Err != nil {
		return c.wrap("Pair "+address, call.Err)
	}
	c.dispatch(c.tracker.bondingStarted(path))

	go func() {
		res := <-done
		if res.Err == nil {
			log.Printf("bluez: Pair %s completed", address)
			return
		}
		log.Printf("bluez: Pair %s: %v", address, res.Err)
		c.dispatch(c.tracker.bondingFailed(path))
	}()
	return nil
}

func (c *Conn) wrap(op string, err error) error {
	if accessDenied(err) {
		return fmt.Errorf("bluez: %s: %w: %v", op, bt.ErrAccessDenied, err)
	}
	return fmt.Errorf("bluez: %s: %w", op, err)
}
