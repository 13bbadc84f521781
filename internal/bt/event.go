package bt

// Action identifies the kind of a platform broadcast.
type Action int

const (
	ActionFound Action = iota + 1
	ActionDiscoveryStarted
	ActionDiscoveryFinished
	ActionBondStateChanged
	ActionKeyMissing
	ActionConnectionStateChanged
)

func (a Action) String() string {
	switch a {
	case ActionFound:
		return "found"
	case ActionDiscoveryStarted:
		return "discovery_started"
	case ActionDiscoveryFinished:
		return "discovery_finished"
	case ActionBondStateChanged:
		return "bond_state_changed"
	case ActionKeyMissing:
		return "key_missing"
	case ActionConnectionStateChanged:
		return "connection_state_changed"
	default:
		return "unknown"
	}
}

// Broadcast is a system-level notification as delivered by the platform.
// Which fields are meaningful depends on Action.
type Broadcast struct {
	Action Action
	Peer   Peer

	// ActionBondStateChanged: platform bond-state codes.
	BondState         int
	PreviousBondState int

	// ActionConnectionStateChanged: radio-level connection state code.
	ConnectionState int
}

// Event is one of the typed notifications published by the receiver and
// the repository: MissingPermissions, BondStateChanged, KeyMissing,
// ConnectionStateChanged, DiscoveryStarted or LocationSettingsRequired.
type Event interface {
	Kind() string
}

// MissingPermissions lists the privileges that blocked a command.
type MissingPermissions struct {
	Permissions []string `json:"permissions"`
}

// BondStateChanged carries a bond transition with the platform codes.
type BondStateChanged struct {
	Address           string `json:"address"`
	BondState         int    `json:"bondState"`
	PreviousBondState int    `json:"previousBondState"`
}

// KeyMissing signals that pairing material was invalidated on one side.
// The local bond is retained but the peer is unauthenticated.
type KeyMissing struct {
	Address string `json:"address"`
}

// ConnectionStateChanged is only published for the disconnected state.
type ConnectionStateChanged struct {
	Address string `json:"address"`
	State   int    `json:"state"`
}

// DiscoveryStarted marks the start of a discovery session.
type DiscoveryStarted struct{}

// LocationSettingsRequired asks the presentation layer to open the location
// settings before discovery can run.
type LocationSettingsRequired struct{}

func (MissingPermissions) Kind() string       { return "missing_permissions" }
func (BondStateChanged) Kind() string         { return "bond_state_changed" }
func (KeyMissing) Kind() string               { return "key_missing" }
func (ConnectionStateChanged) Kind() string   { return "connection_state_changed" }
func (DiscoveryStarted) Kind() string         { return "discovery_started" }
func (LocationSettingsRequired) Kind() string { return "location_settings_required" }

// New returns the mapped new bond state.
func (e BondStateChanged) New() BondState { return BondStateFromCode(e.BondState) }

// Previous returns the mapped previous bond state.
func (e BondStateChanged) Previous() BondState { return BondStateFromCode(e.PreviousBondState) }
