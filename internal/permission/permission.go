// Package permission decides whether the process holds the privileges the
// Bluetooth commands require.
package permission

import (
	"log"
	"os"
	"os/user"
	"slices"
	"strconv"
	"sync"
)

// Privilege names, as reported in MissingPermissions events.
const (
	Connect        = "BLUETOOTH_CONNECT"
	Scan           = "BLUETOOTH_SCAN"
	CoarseLocation = "ACCESS_COARSE_LOCATION"
	FineLocation   = "ACCESS_FINE_LOCATION"
)

// Required is the full set checked before discovery and paired-list refresh.
var Required = []string{Connect, Scan, CoarseLocation, FineLocation}

// Checker reports whether a single privilege is granted.
type Checker interface {
	Granted(permission string) bool
}

// Missing returns the privileges in perms that c does not grant, in the
// order given.
func Missing(c Checker, perms ...string) []string {
	var out []string
	for _, p := range perms {
		if !c.Granted(p) {
			out = append(out, p)
		}
	}
	return out
}

// Static grants everything except an explicit deny list. It is safe for
// concurrent use.
type Static struct {
	mu     sync.RWMutex
	denied map[string]bool
}

func NewStatic(denied ...string) *Static {
	s := &Static{denied: make(map[string]bool)}
	for _, p := range denied {
		s.denied[p] = true
	}
	return s
}

func (s *Static) Granted(permission string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.denied[permission]
}

// Deny revokes permission.
func (s *Static) Deny(permission string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[permission] = true
}

// Grant restores permission.
func (s *Static) Grant(permission string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.denied, permission)
}

// System grants the radio privileges to root and to members of the
// bluetooth group, which BlueZ's D-Bus policy admits. Location privileges
// have no Linux counterpart and are granted unless denied by configuration.
type System struct {
	static *Static
	radio  bool
}

// NewSystem inspects the current process credentials once.
func NewSystem(denied ...string) *System {
	return &System{
		static: NewStatic(denied...),
		radio:  inBluetoothGroup(),
	}
}

func (s *System) Granted(permission string) bool {
	if !s.static.Granted(permission) {
		return false
	}
	switch permission {
	case Connect, Scan:
		return s.radio
	default:
		return true
	}
}

func inBluetoothGroup() bool {
	if os.Geteuid() == 0 {
		return true
	}
	g, err := user.LookupGroup("bluetooth")
	if err != nil {
		log.Printf("permission: lookup bluetooth group: %v", err)
		return false
	}
	groups, err := os.Getgroups()
	if err != nil {
		log.Printf("permission: getgroups: %v", err)
		return false
	}
	return slices.ContainsFunc(groups, func(id int) bool {
		return strconv.Itoa(id) == g.Gid
	})
}
