package phone

import (
	"context"

	"github.com/callcoord/callcoord/pkg/api"
)

// CapabilityEngine is the media machinery only the elected peer may run.
// One engine handles one session at a time.
type CapabilityEngine interface {
	// Permission reports the current device permission without prompting.
	Permission() api.CapabilityPermission
	// RequestPermission prompts for the device permission when it was not
	// granted before; the result is sticky.
	RequestPermission(ctx context.Context) (api.CapabilityPermission, error)

	// CreateOffer opens a session and produces the local offer.
	CreateOffer(ctx context.Context, sessionID string, c api.MediaConstraints) (api.Description, error)
	// CreateAnswer opens a session around the stored remote offer and
	// produces the local answer.
	CreateAnswer(ctx context.Context, sessionID string, c api.MediaConstraints) (api.Description, error)
	// SetRemoteDescription applies the far end's description to the session.
	SetRemoteDescription(ctx context.Context, sessionID string, d api.Description) error
	// AddCandidate feeds one far-end candidate to the session.
	AddCandidate(sessionID string, c api.CandidateNotice) error
	// OnCandidate registers the sink for locally gathered candidates.
	OnCandidate(fn func(c api.CandidateNotice))
	// OnStateChange registers the sink for session connectivity transitions.
	OnStateChange(fn func(sessionID string, connected bool))
	// CloseSession releases the session's media resources.
	CloseSession(sessionID string)
	// Close releases the engine.
	Close()
}
