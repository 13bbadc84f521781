// Package bt holds the domain types shared by the radio, receiver, session,
// server and repository packages: peers, bond states, connection status and
// the event tagged union published to the presentation layer.
package bt

import (
	"errors"
	"math"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805F9B34FB"

	// DefaultServiceName is the SDP service name the server listens under.
	DefaultServiceName = "MySPPService"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint16 = 22

	// ReadBufferSize bounds a single read from a session socket.
	ReadBufferSize = 1024

	// EchoPrefix is prepended by the server to every payload it echoes back.
	EchoPrefix = "Echo from server: "

	// UnknownDeviceName is shown when a peer's name cannot be read.
	UnknownDeviceName = "Unknown Device"
)

var (
	// ErrAccessDenied reports that the process lacks the privilege to read
	// device identity or perform an operation.
	ErrAccessDenied = errors.New("bt: access denied")

	// ErrRadioUnavailable reports an absent or disabled radio.
	ErrRadioUnavailable = errors.New("bt: radio unavailable")
)

// Platform bond-state codes carried by bond-state broadcasts.
const (
	CodeBondNone    = 10
	CodeBondBonding = 11
	CodeBondBonded  = 12
	CodeError       = math.MinInt32
)

// Radio-level connection state codes carried by connection-state broadcasts.
const (
	ConnStateDisconnected  = 0
	ConnStateConnecting    = 1
	ConnStateConnected     = 2
	ConnStateDisconnecting = 3
)

// BondState is the persistent pairing relationship with a peer.
type BondState int

const (
	BondUnknown BondState = iota
	BondNone
	BondBonding
	BondBonded
	BondError
)

// BondStateFromCode maps a platform bond-state code. Unrecognized codes map
// to BondUnknown.
func BondStateFromCode(code int) BondState {
	switch code {
	case CodeBondNone:
		return BondNone
	case CodeBondBonding:
		return BondBonding
	case CodeBondBonded:
		return BondBonded
	case CodeError:
		return BondError
	default:
		return BondUnknown
	}
}

// Code returns the platform code for s. BondUnknown has no code and maps to
// CodeError.
func (s BondState) Code() int {
	switch s {
	case BondNone:
		return CodeBondNone
	case BondBonding:
		return CodeBondBonding
	case BondBonded:
		return CodeBondBonded
	default:
		return CodeError
	}
}

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "none"
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	case BondError:
		return "error"
	default:
		return "unknown"
	}
}

func (s BondState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Peer is a remote device. Address is the identity; Name may be empty when
// it could not be read and must never be used as a key.
type Peer struct {
	Address string    `json:"address"`
	Name    string    `json:"name,omitempty"`
	Bond    BondState `json:"bondState"`
}

// DisplayName returns the name, or a placeholder when it is unavailable.
func (p Peer) DisplayName() string {
	if p.Name == "" {
		return UnknownDeviceName
	}
	return p.Name
}

// ConnectionStatus is the process-wide status of the outbound session. It
// reuses the bond states while bonding is in progress.
type ConnectionStatus int

const (
	StatusNotConnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusBondNone
	StatusBondBonding
	StatusBondBonded
	StatusError
	StatusBondLost
	StatusKeyMissing
	StatusDisconnected
	StatusConnectionFailed
	StatusUnknown
)

var statusNames = map[ConnectionStatus][2]string{
	StatusNotConnected:     {"not_connected", "Not Connected"},
	StatusConnecting:       {"connecting", "Connecting..."},
	StatusConnected:        {"connected", "Connected"},
	StatusBondNone:         {"bond_none", "Bond State: BOND_NONE"},
	StatusBondBonding:      {"bond_bonding", "Bond State: BOND_BONDING"},
	StatusBondBonded:       {"bond_bonded", "Bond State: BOND_BONDED"},
	StatusError:            {"error", "Bond State: ERROR"},
	StatusBondLost:         {"bond_lost", "Device unbonded"},
	StatusKeyMissing:       {"key_missing", "Key Missing. Check System Dialog."},
	StatusDisconnected:     {"disconnected", "Disconnected"},
	StatusConnectionFailed: {"connection_failed", "Connection failed"},
	StatusUnknown:          {"unknown", "Bond State: UNKNOWN"},
}

// StatusFromBond returns the status shown while a bond transition is in
// progress.
func StatusFromBond(s BondState) ConnectionStatus {
	switch s {
	case BondNone:
		return StatusBondNone
	case BondBonding:
		return StatusBondBonding
	case BondBonded:
		return StatusBondBonded
	case BondError:
		return StatusError
	default:
		return StatusUnknown
	}
}

// Sticky reports whether s may only be left by an explicit retry. A generic
// disconnect signal must not overwrite it.
func (s ConnectionStatus) Sticky() bool {
	return s == StatusBondLost || s == StatusKeyMissing
}

// String returns the display name.
func (s ConnectionStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n[1]
	}
	return statusNames[StatusUnknown][1]
}

// Name returns the stable identifier used on the wire.
func (s ConnectionStatus) Name() string {
	if n, ok := statusNames[s]; ok {
		return n[0]
	}
	return statusNames[StatusUnknown][0]
}

func (s ConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.Name()), nil
}

// Chunk is one read from a session socket. Seq numbers chunks from 1 for
// the lifetime of the session manager, so a consumer that only sees the
// latest chunk still knows how many arrived.
type Chunk struct {
	Seq  uint64
	Data []byte
}
