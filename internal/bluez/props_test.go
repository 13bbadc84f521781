package bluez

import (
	"errors"
	"fmt"
	"testing"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-bond/internal/bt"
)

const (
	hci0 = dbus.ObjectPath("/org/bluez/hci0")
	dev1 = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	addr = "AA:BB:CC:DD:EE:FF"
)

func propsChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}

func deviceProps(paired bool) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Address": dbus.MakeVariant(addr),
		"Name":    dbus.MakeVariant("Headset"),
		"Paired":  dbus.MakeVariant(paired),
	}
}

func TestPaths(t *testing.T) {
	if got := adapterPath("hci0"); got != hci0 {
		t.Errorf("adapterPath = %s", got)
	}
	if got := devicePath(hci0, "aa:bb:cc:dd:ee:ff"); got != dev1 {
		t.Errorf("devicePath = %s", got)
	}
	if got := macFromPath(dev1); got != addr {
		t.Errorf("macFromPath = %s", got)
	}
	if macFromPath(hci0) != "" {
		t.Error("adapter path has no address")
	}
	if underAdapter(hci0, "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF") {
		t.Error("device of another adapter accepted")
	}
}

func TestInterfacesAddedIsFound(t *testing.T) {
	tr := newTracker(hci0)
	got := tr.signal(&dbus.Signal{
		Name: objManagerIface + ".InterfacesAdded",
		Body: []interface{}{dev1, map[string]map[string]dbus.Variant{deviceIface: deviceProps(false)}},
	})

	if len(got) != 1 || got[0].Action != bt.ActionFound {
		t.Fatalf("broadcasts = %+v", got)
	}
	want := bt.Peer{Address: addr, Name: "Headset", Bond: bt.BondNone}
	if got[0].Peer != want {
		t.Errorf("peer = %+v, want %+v", got[0].Peer, want)
	}
}

func TestAdapterDiscovering(t *testing.T) {
	tr := newTracker(hci0)
	tests := []struct {
		path dbus.ObjectPath
		on   bool
		want []bt.Action
	}{
		{hci0, true, []bt.Action{bt.ActionDiscoveryStarted}},
		{hci0, false, []bt.Action{bt.ActionDiscoveryFinished}},
		{"/org/bluez/hci1", true, nil},
	}

	for _, tt := range tests {
		got := tr.signal(propsChanged(tt.path, adapterIface, map[string]dbus.Variant{"Discovering": dbus.MakeVariant(tt.on)}))
		if len(got) != len(tt.want) {
			t.Fatalf("%s discovering=%v: %d broadcasts, want %d", tt.path, tt.on, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].Action != tt.want[i] {
				t.Errorf("action = %v, want %v", got[i].Action, tt.want[i])
			}
		}
	}
}

func TestBondLifecycle(t *testing.T) {
	tr := newTracker(hci0)
	tr.seed(managedObjects{dev1: {deviceIface: deviceProps(false)}})

	got := tr.bondingStarted(dev1)
	if len(got) != 1 || got[0].BondState != bt.CodeBondBonding || got[0].PreviousBondState != bt.CodeBondNone {
		t.Fatalf("bonding started = %+v", got)
	}

	got = tr.signal(propsChanged(dev1, deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))
	if len(got) != 1 || got[0].Action != bt.ActionBondStateChanged {
		t.Fatalf("paired = %+v", got)
	}
	if got[0].BondState != bt.CodeBondBonded || got[0].PreviousBondState != bt.CodeBondBonding {
		t.Errorf("transition %d -> %d", got[0].PreviousBondState, got[0].BondState)
	}
	if peers := tr.bonded(); len(peers) != 1 || peers[0].Address != addr {
		t.Errorf("bonded = %+v", peers)
	}

	got = tr.signal(&dbus.Signal{
		Name: objManagerIface + ".InterfacesRemoved",
		Body: []interface{}{dev1, []string{deviceIface}},
	})
	if len(got) != 1 || got[0].BondState != bt.CodeBondNone || got[0].PreviousBondState != bt.CodeBondBonded {
		t.Fatalf("removed = %+v", got)
	}
	if got[0].Peer.Bond != bt.BondNone {
		t.Errorf("peer bond = %v, want none", got[0].Peer.Bond)
	}
}

func TestBondingFailedReturnsToNone(t *testing.T) {
	tr := newTracker(hci0)
	tr.bondingStarted(dev1)

	got := tr.bondingFailed(dev1)
	if len(got) != 1 || got[0].BondState != bt.CodeBondNone || got[0].PreviousBondState != bt.CodeBondBonding {
		t.Fatalf("bonding failed = %+v", got)
	}
	if got := tr.bondingFailed(dev1); got != nil {
		t.Errorf("second failure = %+v", got)
	}
}

func TestRemovingUnbondedDeviceIsSilent(t *testing.T) {
	tr := newTracker(hci0)
	tr.seed(managedObjects{dev1: {deviceIface: deviceProps(false)}})
	got := tr.signal(&dbus.Signal{
		Name: objManagerIface + ".InterfacesRemoved",
		Body: []interface{}{dev1, []string{deviceIface}},
	})
	if len(got) != 0 {
		t.Errorf("broadcasts = %+v", got)
	}
}

func TestConnectedAndRSSI(t *testing.T) {
	tr := newTracker(hci0)
	tr.seed(managedObjects{dev1: {deviceIface: deviceProps(true)}})

	got := tr.signal(propsChanged(dev1, deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}))
	if len(got) != 1 || got[0].Action != bt.ActionFound || got[0].Peer.Bond != bt.BondBonded {
		t.Fatalf("rssi = %+v", got)
	}

	got = tr.signal(propsChanged(dev1, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	if len(got) != 1 || got[0].ConnectionState != bt.ConnStateConnected {
		t.Fatalf("connected = %+v", got)
	}
	got = tr.signal(propsChanged(dev1, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	if len(got) != 1 || got[0].Action != bt.ActionConnectionStateChanged || got[0].ConnectionState != bt.ConnStateDisconnected {
		t.Fatalf("disconnected = %+v", got)
	}
}

func TestConnectionStateIsAdapterWide(t *testing.T) {
	const dev2 = dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")
	connected := func(on bool) map[string]dbus.Variant {
		return map[string]dbus.Variant{"Connected": dbus.MakeVariant(on)}
	}

	tr := newTracker(hci0)
	tr.seed(managedObjects{
		dev1: {deviceIface: deviceProps(true)},
		dev2: {deviceIface: {"Address": dbus.MakeVariant("11:22:33:44:55:66"), "Paired": dbus.MakeVariant(true)}},
	})

	tests := []struct {
		name  string
		path  dbus.ObjectPath
		on    bool
		state int
		emit  bool
	}{
		{"first connection", dev1, true, bt.ConnStateConnected, true},
		{"second connection", dev2, true, 0, false},
		{"other device leaves", dev2, false, 0, false},
		{"last device leaves", dev1, false, bt.ConnStateDisconnected, true},
	}
	for _, tt := range tests {
		got := tr.signal(propsChanged(tt.path, deviceIface, connected(tt.on)))
		if !tt.emit {
			if len(got) != 0 {
				t.Errorf("%s: broadcasts = %+v", tt.name, got)
			}
			continue
		}
		if len(got) != 1 || got[0].Action != bt.ActionConnectionStateChanged || got[0].ConnectionState != tt.state {
			t.Errorf("%s: broadcasts = %+v", tt.name, got)
		}
	}

	tr.signal(propsChanged(dev1, deviceIface, connected(true)))
	got := tr.signal(&dbus.Signal{
		Name: objManagerIface + ".InterfacesRemoved",
		Body: []interface{}{dev1, []string{deviceIface}},
	})
	if len(got) != 2 || got[1].ConnectionState != bt.ConnStateDisconnected {
		t.Errorf("removing the connected device = %+v", got)
	}
}

func TestAuthenticationDisconnectIsKeyMissing(t *testing.T) {
	tr := newTracker(hci0)
	sig := func(reason string) *dbus.Signal {
		return &dbus.Signal{Path: dev1, Name: deviceIface + ".Disconnected", Body: []interface{}{reason, "msg"}}
	}

	got := tr.signal(sig(reasonAuthentication))
	if len(got) != 1 || got[0].Action != bt.ActionKeyMissing || got[0].Peer.Address != addr {
		t.Fatalf("broadcasts = %+v", got)
	}
	if got := tr.signal(sig("org.bluez.Reason.Remote")); len(got) != 0 {
		t.Errorf("remote disconnect = %+v", got)
	}
}

func TestErrorClassification(t *testing.T) {
	denied := fmt.Errorf("call: %w", dbus.Error{Name: errAccessDenied})
	if !accessDenied(denied) {
		t.Error("AccessDenied not recognized")
	}
	if !accessDenied(&dbus.Error{Name: errNotPermitted}) {
		t.Error("NotPermitted not recognized")
	}
	if accessDenied(errors.New("org.freedesktop.DBus.Error.AccessDenied")) {
		t.Error("plain error classified as D-Bus error")
	}

	if !keyMissing(dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"br-connection-key-missing"}}) {
		t.Error("key-missing failure not recognized")
	}
	if keyMissing(nil) {
		t.Error("nil classified as key missing")
	}
}
