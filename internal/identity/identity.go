// Package identity holds this agent's own DeviceInfo: an immutable
// fingerprint/alias/model triple assigned at construction, and a mutable
// self-view (bound address, transport scheme, download capability) that
// concurrent readers observe as consistent value snapshots.
package identity

import (
	"sync"

	"github.com/google/uuid"

	"lansend/internal/wire"
)

// Store is the authoritative holder of this process's own DeviceInfo.
// Readers call Snapshot for a value copy; writers go through the Set*
// mutators, which serialize on a single mutex so no reader ever observes a
// torn struct.
type Store struct {
	mu   sync.RWMutex
	self wire.DeviceInfo
}

// New constructs an IdentityStore with a freshly generated fingerprint.
// alias, deviceModel and deviceType are fixed for the lifetime of the
// process; protocol starts as http, and ip, port and download start at
// their zero values; all four are filled in by the owning component
// (DiscoveryEngine, HttpPlane) once known.
func New(alias, deviceModel, deviceType string) *Store {
	return &Store{
		self: wire.DeviceInfo{
			Alias:       alias,
			Version:     wire.ProtocolVersion,
			DeviceModel: deviceModel,
			DeviceType:  deviceType,
			Fingerprint: uuid.NewString(),
			Protocol:    wire.ProtocolHTTP,
		},
	}
}

// Snapshot returns a value copy of the current self DeviceInfo, with
// Announce always cleared — announce is a per-message wire flag set by the
// caller sending a given datagram, not part of the persisted self-view.
func (s *Store) Snapshot() wire.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.self
	info.Announce = false
	return info
}

// Fingerprint returns the immutable per-instance identifier.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self.Fingerprint
}

// SetBoundAddress records the IP and port this agent's HTTP server is
// actually reachable on.
func (s *Store) SetBoundAddress(ip string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self.IP = ip
	s.self.Port = port
}

// SetTransport records whether this agent's HTTP plane speaks http or https.
func (s *Store) SetTransport(scheme string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self.Protocol = scheme
}

// SetDownloadable records whether this agent currently accepts inbound
// transfers.
func (s *Store) SetDownloadable(can bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self.Download = can
}
