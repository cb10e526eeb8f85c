// Package state holds the coordinator's single writable source of truth:
// registration status, the session map and per-peer capability status.
// Mutations are synchronous, last-write-wins, and every mutation hands the
// full snapshot to all subscribed listeners.
package state

import (
	"sort"
	"sync"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
)

type RegistrationStatus string

const (
	Unregistered RegistrationStatus = "unregistered"
	Registering  RegistrationStatus = "registering"
	Registered   RegistrationStatus = "registered"
	RegFailed    RegistrationStatus = "failed"
)

type Registration struct {
	Status     RegistrationStatus `json:"status"`
	AccountURI string             `json:"account_uri,omitempty"`
	LastError  string             `json:"last_error,omitempty"`
}

// RegistrationUpdate merges only its non-nil fields into the record.
type RegistrationUpdate struct {
	Status     *RegistrationStatus
	AccountURI *string
	LastError  *string
}

type PeerCapability struct {
	PeerID     string                   `json:"peer_id"`
	Capability api.CapabilityPermission `json:"capability"`
}

// Snapshot is a deep, JSON-safe projection of the store, suitable for a peer
// requesting a full resync. Maps are flattened into id-ordered slices.
type Snapshot struct {
	Registration Registration     `json:"registration"`
	Sessions     []Session        `json:"sessions"`
	Capabilities []PeerCapability `json:"capabilities"`
}

type Listener func(Snapshot)

type Store struct {
	mu           sync.Mutex
	registration Registration
	sessions     map[string]*Session
	capabilities map[string]api.CapabilityPermission
	listeners    []Listener

	log *logger.Logger
}

func NewStore(log *logger.Logger) *Store {
	return &Store{
		registration: Registration{Status: Unregistered},
		sessions:     make(map[string]*Session, 2),
		capabilities: make(map[string]api.CapabilityPermission, 4),
		log:          log.Extend(log.With().Str("c", "sta")),
	}
}

// Subscribe registers a listener receiving the full snapshot after every
// mutation.
func (s *Store) Subscribe(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) SetRegistration(up RegistrationUpdate) {
	s.mu.Lock()
	if up.Status != nil {
		s.registration.Status = *up.Status
	}
	if up.AccountURI != nil {
		s.registration.AccountURI = *up.AccountURI
	}
	if up.LastError != nil {
		s.registration.LastError = *up.LastError
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) Registration() Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registration
}

// UpsertSession stores a copy of the session record under its id.
func (s *Store) UpsertSession(sess Session) {
	s.mu.Lock()
	cp := sess
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()
	s.notify()
}

// MutateSession applies fn to the session in place, under the store lock.
// A missing id is a no-op and reports false.
func (s *Store) MutateSession(id string, fn func(*Session)) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		fn(sess)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return *sess, true
	}
	return Session{}, false
}

func (s *Store) Sessions() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) SetCapability(peerID string, c api.CapabilityPermission) {
	s.mu.Lock()
	s.capabilities[peerID] = c
	s.mu.Unlock()
	s.notify()
}

func (s *Store) RemoveCapability(peerID string) {
	s.mu.Lock()
	delete(s.capabilities, peerID)
	s.mu.Unlock()
	s.notify()
}

// Snapshot produces the current point-in-time projection of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Registration: s.registration,
		Sessions:     make([]Session, 0, len(s.sessions)),
		Capabilities: make([]PeerCapability, 0, len(s.capabilities)),
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, *sess)
	}
	for id, c := range s.capabilities {
		snap.Capabilities = append(snap.Capabilities, PeerCapability{PeerID: id, Capability: c})
	}
	s.mu.Unlock()
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].ID < snap.Sessions[j].ID })
	sort.Slice(snap.Capabilities, func(i, j int) bool { return snap.Capabilities[i].PeerID < snap.Capabilities[j].PeerID })
	return snap
}

// notify hands the snapshot to every listener. A panicking listener is
// logged and never aborts the mutation that triggered it.
func (s *Store) notify() {
	snap := s.Snapshot()
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		s.safeNotify(fn, snap)
	}
}

func (s *Store) safeNotify(fn Listener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Msgf("recovered listener panic: %v", r)
		}
	}()
	fn(snap)
}
