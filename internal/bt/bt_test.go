package bt

import (
	"encoding/json"
	"testing"
)

func TestBondStateFromCode(t *testing.T) {
	tests := []struct {
		code int
		want BondState
	}{
		{CodeBondNone, BondNone},
		{CodeBondBonding, BondBonding},
		{CodeBondBonded, BondBonded},
		{CodeError, BondError},
		{0, BondUnknown},
		{13, BondUnknown},
		{-1, BondUnknown},
	}

	for _, tt := range tests {
		if got := BondStateFromCode(tt.code); got != tt.want {
			t.Errorf("BondStateFromCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestBondStateCodeRoundTrip(t *testing.T) {
	for _, s := range []BondState{BondNone, BondBonding, BondBonded, BondError} {
		if got := BondStateFromCode(s.Code()); got != s {
			t.Errorf("BondStateFromCode(%v.Code()) = %v", s, got)
		}
	}
}

func TestStatusFromBond(t *testing.T) {
	tests := []struct {
		bond BondState
		want ConnectionStatus
	}{
		{BondNone, StatusBondNone},
		{BondBonding, StatusBondBonding},
		{BondBonded, StatusBondBonded},
		{BondError, StatusError},
		{BondUnknown, StatusUnknown},
	}

	for _, tt := range tests {
		if got := StatusFromBond(tt.bond); got != tt.want {
			t.Errorf("StatusFromBond(%v) = %v, want %v", tt.bond, got, tt.want)
		}
	}
}

func TestSticky(t *testing.T) {
	for s := StatusNotConnected; s <= StatusUnknown; s++ {
		want := s == StatusBondLost || s == StatusKeyMissing
		if got := s.Sticky(); got != want {
			t.Errorf("%s.Sticky() = %v, want %v", s.Name(), got, want)
		}
	}
}

func TestStatusNamesComplete(t *testing.T) {
	for s := StatusNotConnected; s <= StatusUnknown; s++ {
		if _, ok := statusNames[s]; !ok {
			t.Errorf("status %d has no name", s)
		}
	}
	if got := ConnectionStatus(99).String(); got != "Bond State: UNKNOWN" {
		t.Errorf("out of range String() = %q", got)
	}
}

func TestPeerJSON(t *testing.T) {
	data, err := json.Marshal(Peer{Address: "AA:BB:CC:DD:EE:FF", Bond: BondBonded})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"address":"AA:BB:CC:DD:EE:FF","bondState":"bonded"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestDisplayName(t *testing.T) {
	if got := (Peer{Address: "x"}).DisplayName(); got != UnknownDeviceName {
		t.Errorf("DisplayName() = %q, want placeholder", got)
	}
	if got := (Peer{Address: "x", Name: "Headset"}).DisplayName(); got != "Headset" {
		t.Errorf("DisplayName() = %q", got)
	}
}

func TestBondStateChangedAccessors(t *testing.T) {
	e := BondStateChanged{Address: "x", BondState: CodeBondNone, PreviousBondState: CodeBondBonded}
	if e.New() != BondNone || e.Previous() != BondBonded {
		t.Errorf("accessors = %v/%v", e.Previous(), e.New())
	}
}
