package repository

import (
	"slices"

	"bluetooth-bond/internal/bt"
)

// State is the unified snapshot handed to the presentation layer.
type State struct {
	DiscoveredDevices []bt.Peer           `json:"discoveredDevices"`
	PairedDevices     []bt.Peer           `json:"pairedDevices"`
	ConnectionStatus  bt.ConnectionStatus `json:"connectionStatus"`
	IsDiscovering     bool                `json:"isDiscovering"`

	// TrackedDevice is the address of the last peer paired or connected
	// through the repository, empty once its bond or key is lost.
	TrackedDevice string `json:"trackedDevice,omitempty"`
	ServerRunning bool   `json:"serverRunning"`

	// LastReceived is the latest chunk read from the session.
	// ReceivedChunks is its sequence number, so repeats still change the
	// state and chunks coalesced on the way are still counted.
	LastReceived   string `json:"lastReceived,omitempty"`
	ReceivedChunks uint64 `json:"receivedChunks"`
}

func (s State) Equal(o State) bool {
	return slices.Equal(s.DiscoveredDevices, o.DiscoveredDevices) &&
		slices.Equal(s.PairedDevices, o.PairedDevices) &&
		s.ConnectionStatus == o.ConnectionStatus &&
		s.IsDiscovering == o.IsDiscovering &&
		s.TrackedDevice == o.TrackedDevice &&
		s.ServerRunning == o.ServerRunning &&
		s.LastReceived == o.LastReceived &&
		s.ReceivedChunks == o.ReceivedChunks
}
