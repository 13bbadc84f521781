package bluez

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-bond/internal/bt"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	adapterIface        = "org.bluez.Adapter1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	// reasonAuthentication is the Device1.Disconnected reason BlueZ reports
	// when the link key was rejected by the remote side.
	reasonAuthentication = "org.bluez.Reason.Authentication"

	// errKeyMissing is the ConnectProfile failure message for the same
	// condition on outbound connections.
	errKeyMissing = "br-connection-key-missing"

	errAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
	errNotPermitted = "org.bluez.Error.NotPermitted"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterPath returns the object path of a local adapter such as hci0.
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts a device address to its object path under adapter.
// Example: "AA:BB:CC:DD:EE:FF" -> "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// underAdapter reports whether p is a direct child of adapter.
func underAdapter(adapter, p dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(adapter)+"/dev_")
}

func prop[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// accessDenied reports whether err is a D-Bus policy or BlueZ permission
// failure.
func accessDenied(err error) bool {
	return errorName(err) == errAccessDenied || errorName(err) == errNotPermitted
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

// keyMissing reports whether err is the ConnectProfile failure BlueZ
// returns when the stored link key is no longer accepted.
func keyMissing(err error) bool {
	return err != nil && strings.Contains(err.Error(), errKeyMissing)
}

// device is the tracked state of one Device1 object.
type device struct {
	address   string
	name      string
	paired    bool
	bonding   bool
	connected bool
}

func (d *device) bond() bt.BondState {
	switch {
	case d.paired:
		return bt.BondBonded
	case d.bonding:
		return bt.BondBonding
	default:
		return bt.BondNone
	}
}

func (d *device) peer() bt.Peer {
	return bt.Peer{Address: d.address, Name: d.name, Bond: d.bond()}
}

func (d *device) apply(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if v, ok := prop[string](props, "Address"); ok {
		d.address = v
	}
	if d.address == "" {
		d.address = macFromPath(path)
	}
	if v, ok := prop[string](props, "Name"); ok {
		d.name = v
	} else if v, ok := prop[string](props, "Alias"); ok && d.name == "" && v != strings.ReplaceAll(d.address, ":", "-") {
		d.name = v
	}
	if v, ok := prop[bool](props, "Paired"); ok {
		d.paired = v
		if v {
			d.bonding = false
		}
	}
	if v, ok := prop[bool](props, "Connected"); ok {
		d.connected = v
	}
}

// tracker keeps the last known state of every device under one adapter and
// turns BlueZ object and property signals into platform broadcasts.
type tracker struct {
	adapter dbus.ObjectPath

	mu      sync.Mutex
	devices map[dbus.ObjectPath]*device
}

func newTracker(adapter dbus.ObjectPath) *tracker {
	return &tracker{adapter: adapter, devices: make(map[dbus.ObjectPath]*device)}
}

// seed records the devices already known to BlueZ without broadcasting.
func (t *tracker) seed(objs managedObjects) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(t.adapter, path) {
			continue
		}
		d := &device{}
		d.apply(path, props)
		t.devices[path] = d
	}
}

// bonded returns the paired devices in no particular order.
func (t *tracker) bonded() []bt.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []bt.Peer
	for _, d := range t.devices {
		if d.paired {
			out = append(out, d.peer())
		}
	}
	return out
}

func (t *tracker) lookup(path dbus.ObjectPath) (bt.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[path]
	if !ok {
		return bt.Peer{}, false
	}
	return d.peer(), true
}

// signal translates one D-Bus signal. Signals from other adapters or
// unrelated interfaces produce nothing.
func (t *tracker) signal(sig *dbus.Signal) []bt.Broadcast {
	if sig == nil {
		return nil
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return nil
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		return t.interfacesAdded(path, ifaces)

	case objManagerIface + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return nil
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		return t.interfacesRemoved(path, ifaces)

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return nil
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		return t.propertiesChanged(sig.Path, iface, changed)

	case deviceIface + ".Disconnected":
		var reason string
		if len(sig.Body) > 0 {
			reason, _ = sig.Body[0].(string)
		}
		return t.disconnected(sig.Path, reason)
	}
	return nil
}

func (t *tracker) interfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) []bt.Broadcast {
	props, ok := ifaces[deviceIface]
	if !ok || !underAdapter(t.adapter, path) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[path]
	if !ok {
		d = &device{}
		t.devices[path] = d
	}
	d.apply(path, props)
	return []bt.Broadcast{{Action: bt.ActionFound, Peer: d.peer()}}
}

func (t *tracker) interfacesRemoved(path dbus.ObjectPath, ifaces []string) []bt.Broadcast {
	if !slices.Contains(ifaces, deviceIface) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[path]
	if !ok {
		return nil
	}
	delete(t.devices, path)
	var out []bt.Broadcast
	// Removing a device drops its bond.
	if prev := d.bond(); prev != bt.BondNone {
		out = append(out, bondChanged(d.peer(), bt.BondNone, prev))
	}
	if d.connected && !t.connectedExcept(d) {
		out = append(out, bt.Broadcast{Action: bt.ActionConnectionStateChanged, Peer: d.peer(), ConnectionState: bt.ConnStateDisconnected})
	}
	return out
}

func (t *tracker) propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) []bt.Broadcast {
	switch iface {
	case adapterIface:
		if path != t.adapter {
			return nil
		}
		v, ok := prop[bool](changed, "Discovering")
		if !ok {
			return nil
		}
		if v {
			return []bt.Broadcast{{Action: bt.ActionDiscoveryStarted}}
		}
		return []bt.Broadcast{{Action: bt.ActionDiscoveryFinished}}

	case deviceIface:
		if !underAdapter(t.adapter, path) {
			return nil
		}
	default:
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	d, known := t.devices[path]
	if !known {
		d = &device{}
		t.devices[path] = d
	}
	prevBond, prevConn := d.bond(), d.connected
	d.apply(path, changed)

	var out []bt.Broadcast
	// Cached devices only announce themselves through RSSI updates while a
	// discovery is running.
	if _, ok := changed["RSSI"]; ok || !known {
		out = append(out, bt.Broadcast{Action: bt.ActionFound, Peer: d.peer()})
	}
	if next := d.bond(); next != prevBond {
		out = append(out, bondChanged(d.peer(), next, prevBond))
	}
	// The connection state is adapter-wide: it flips only on the first
	// connection and when the last one goes away.
	if d.connected != prevConn && !t.connectedExcept(d) {
		state := bt.ConnStateDisconnected
		if d.connected {
			state = bt.ConnStateConnected
		}
		out = append(out, bt.Broadcast{Action: bt.ActionConnectionStateChanged, Peer: d.peer(), ConnectionState: state})
	}
	return out
}

// connectedExcept reports whether any device other than d is connected.
// Callers hold mu.
func (t *tracker) connectedExcept(d *device) bool {
	for _, o := range t.devices {
		if o != d && o.connected {
			return true
		}
	}
	return false
}

func (t *tracker) disconnected(path dbus.ObjectPath, reason string) []bt.Broadcast {
	if reason != reasonAuthentication || !underAdapter(t.adapter, path) {
		return nil
	}
	return []bt.Broadcast{{Action: bt.ActionKeyMissing, Peer: t.peerAt(path)}}
}

// bondingStarted marks a pairing request as in flight.
func (t *tracker) bondingStarted(path dbus.ObjectPath) []bt.Broadcast {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[path]
	if !ok {
		d = &device{address: macFromPath(path)}
		t.devices[path] = d
	}
	prev := d.bond()
	d.bonding = true
	if next := d.bond(); next != prev {
		return []bt.Broadcast{bondChanged(d.peer(), next, prev)}
	}
	return nil
}

// bondingFailed clears an in-flight pairing request.
func (t *tracker) bondingFailed(path dbus.ObjectPath) []bt.Broadcast {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[path]
	if !ok || !d.bonding {
		return nil
	}
	prev := d.bond()
	d.bonding = false
	if next := d.bond(); next != prev {
		return []bt.Broadcast{bondChanged(d.peer(), next, prev)}
	}
	return nil
}

func (t *tracker) peerAt(path dbus.ObjectPath) bt.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[path]; ok {
		return d.peer()
	}
	return bt.Peer{Address: macFromPath(path)}
}

func bondChanged(p bt.Peer, next, prev bt.BondState) bt.Broadcast {
	p.Bond = next
	return bt.Broadcast{
		Action:            bt.ActionBondStateChanged,
		Peer:              p,
		BondState:         next.Code(),
		PreviousBondState: prev.Code(),
	}
}
