package state

import "github.com/callcoord/callcoord/pkg/api"

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type LifecycleState string

const (
	Connecting  LifecycleState = "connecting"
	Ringing     LifecycleState = "ringing"
	Established LifecycleState = "established"
	Terminated  LifecycleState = "terminated"
	Failed      LifecycleState = "failed"
)

// Terminal says whether s ends the session's life in the store.
func (s LifecycleState) Terminal() bool { return s == Terminated || s == Failed }

// Session is one logical call requiring negotiation.
type Session struct {
	ID             string         `json:"id"`
	Direction      Direction      `json:"direction"`
	State          LifecycleState `json:"state"`
	RemoteIdentity string         `json:"remote_identity"`
	StartedAt      int64          `json:"started_at"`
	EstablishedAt  int64          `json:"established_at,omitempty"`
	EndedAt        int64          `json:"ended_at,omitempty"`
	// HandlingPeerID is set the first time a capability-bound operation runs
	// and only changes when that peer fails and a fallback is substituted.
	HandlingPeerID  string `json:"handling_peer_id,omitempty"`
	TerminationCode int    `json:"termination_code,omitempty"`
	TerminationText string `json:"termination_reason,omitempty"`
	IsMuted         bool   `json:"is_muted"`
	IsOnHold        bool   `json:"is_on_hold"`

	// Cached negotiation artifacts for hold/resume re-negotiation.
	LocalDescription  *api.Description      `json:"local_description,omitempty"`
	RemoteDescription *api.Description      `json:"remote_description,omitempty"`
	Candidates        []api.CandidateNotice `json:"candidates,omitempty"`
}
