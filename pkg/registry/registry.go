// Package registry tracks the peer set and elects the single delegate peer
// allowed to run capability-bound media operations.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
)

// Peer is one coordinating phone context.
type Peer struct {
	ID              string                   `json:"id"`
	DisplayState    api.DisplayState         `json:"display_state"`
	Capability      api.CapabilityPermission `json:"capability"`
	UserAgent       string                   `json:"user_agent,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	LastActiveAt    time.Time                `json:"last_active_at"`
	LastSeenAt      time.Time                `json:"last_seen_at"`
	IsHandlingSess  bool                     `json:"is_handling_session"`
	SessionID       string                   `json:"session_id,omitempty"`
}

// Update carries the optional fields of an idempotent upsert.
type Update struct {
	DisplayState *api.DisplayState
	Capability   *api.CapabilityPermission
	UserAgent    string
}

type Registry struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	leaderID string
	now      func() time.Time

	// OnElected notifies the freshly elected peer, when set.
	OnElected func(peerID string)

	log *logger.Logger
}

func New(log *logger.Logger) *Registry {
	return &Registry{
		peers: make(map[string]*Peer, 4),
		now:   time.Now,
		log:   log.Extend(log.With().Str("c", "reg")),
	}
}

// Upsert inserts a new peer or merges the supplied fields into an existing
// one. Either way the peer's activity marks are refreshed.
func (r *Registry) Upsert(id string, up Update) Peer {
	r.mu.Lock()
	now := r.now()
	p, ok := r.peers[id]
	if !ok {
		p = &Peer{
			ID:           id,
			DisplayState: api.StateHidden,
			Capability:   api.CapNotRequested,
			CreatedAt:    now,
		}
		r.peers[id] = p
		r.log.Debug().Str("cid", id).Msg("peer joined")
	}
	if up.DisplayState != nil {
		p.DisplayState = *up.DisplayState
	}
	if up.Capability != nil {
		p.Capability = *up.Capability
	}
	if up.UserAgent != "" {
		p.UserAgent = up.UserAgent
	}
	p.LastActiveAt = now
	p.LastSeenAt = now
	out := *p
	r.mu.Unlock()
	return out
}

// Remove deletes the peer. A removed leader clears the election, so the next
// selection re-runs over the remaining set.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.peers[id]
	delete(r.peers, id)
	if r.leaderID == id {
		r.leaderID = ""
	}
	r.mu.Unlock()
	if existed {
		r.log.Debug().Str("cid", id).Msg("peer removed")
	}
}

// SetDisplayState updates the peer's visibility. Closing is terminal and
// equivalent to Remove.
func (r *Registry) SetDisplayState(id string, s api.DisplayState) {
	if s == api.StateClosing {
		r.Remove(id)
		return
	}
	r.mu.Lock()
	if p, ok := r.peers[id]; ok {
		p.DisplayState = s
		if s == api.StateActive {
			p.LastActiveAt = r.now()
		}
	}
	r.mu.Unlock()
}

// SetCapability is a targeted field update; no re-election is triggered to
// avoid mid-session leader churn.
func (r *Registry) SetCapability(id string, c api.CapabilityPermission) {
	r.mu.Lock()
	if p, ok := r.peers[id]; ok {
		p.Capability = c
	}
	r.mu.Unlock()
}

// SetHandlingSession marks which peer owns the capability-bound session.
func (r *Registry) SetHandlingSession(id string, sessionID string, handling bool) {
	r.mu.Lock()
	if p, ok := r.peers[id]; ok {
		p.IsHandlingSess = handling
		p.SessionID = sessionID
		if !handling {
			p.SessionID = ""
		}
	}
	r.mu.Unlock()
}

// Touch refreshes the liveness mark of a peer (pong received).
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if p, ok := r.peers[id]; ok {
		p.LastSeenAt = r.now()
	}
	r.mu.Unlock()
}

// Find returns a copy of the peer record.
func (r *Registry) Find(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		return *p, true
	}
	return Peer{}, false
}

// List returns copies of all peers, ordered by id.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stale returns peers whose last sign of life is older than the grace window.
func (r *Registry) Stale(grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := r.now().Add(-grace)
	var ids []string
	for id, p := range r.peers {
		if p.LastSeenAt.Before(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ElectLeader runs the deterministic total order over the current peer set
// and caches the winner. Granted capability dominates, then display state
// (active, visible, hidden), remaining ties go to the most recently active
// peer; equal timestamps fall back to age and id so re-running on an
// unchanged set always yields the same leader.
func (r *Registry) ElectLeader() (string, bool) {
	r.mu.Lock()
	best := r.elect()
	changed := best != "" && best != r.leaderID
	r.leaderID = best
	notify := r.OnElected
	r.mu.Unlock()

	if best == "" {
		return "", false
	}
	if changed {
		r.log.Info().Str("cid", best).Msg("leader elected")
		if notify != nil {
			notify(best)
		}
	}
	return best, true
}

// Leader returns the cached leader, transparently repairing the cache with a
// fresh election when the cached peer is gone.
func (r *Registry) Leader() (Peer, bool) {
	r.mu.Lock()
	if p, ok := r.peers[r.leaderID]; ok {
		out := *p
		r.mu.Unlock()
		return out, true
	}
	r.mu.Unlock()
	id, ok := r.ElectLeader()
	if !ok {
		return Peer{}, false
	}
	return r.Find(id)
}

// LeaderID returns the cached leader id without repairing it.
func (r *Registry) LeaderID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

func (r *Registry) elect() string {
	if len(r.peers) == 0 {
		return ""
	}
	ranked := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool { return higherRank(ranked[i], ranked[j]) })
	return ranked[0].ID
}

func higherRank(a, b *Peer) bool {
	if ar, br := capRank(a.Capability), capRank(b.Capability); ar != br {
		return ar < br
	}
	if ar, br := displayRank(a.DisplayState), displayRank(b.DisplayState); ar != br {
		return ar < br
	}
	if !a.LastActiveAt.Equal(b.LastActiveAt) {
		return a.LastActiveAt.After(b.LastActiveAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func capRank(c api.CapabilityPermission) int {
	if c == api.CapGranted {
		return 0
	}
	return 1
}

func displayRank(s api.DisplayState) int {
	switch s {
	case api.StateActive:
		return 0
	case api.StateVisible:
		return 1
	default:
		return 2
	}
}

// Infos projects the registry for a peer_list_update broadcast.
func (r *Registry) Infos() api.PeerList {
	peers := r.List()
	list := api.PeerList{Peers: make([]api.PeerInfo, 0, len(peers)), LeaderID: r.LeaderID()}
	for _, p := range peers {
		list.Peers = append(list.Peers, api.PeerInfo{
			PeerID:          p.ID,
			DisplayState:    p.DisplayState,
			Capability:      p.Capability,
			HandlingSession: p.IsHandlingSess,
			SessionID:       p.SessionID,
		})
	}
	return list
}
