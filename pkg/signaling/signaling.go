// Package signaling defines the boundary to the external signaling protocol
// engine. The coordinator only calls these operations and reacts to these
// events; none of the wire protocol lives in this repository.
package signaling

import (
	"context"
	"errors"
	"fmt"
)

// ErrValidation reports missing or malformed account credentials, detected
// before any engine call. Never retried.
var ErrValidation = errors.New("registration validation failed")

// Account carries the credentials the engine registers with.
type Account struct {
	URI         string `fig:"uri"`
	Username    string `fig:"username"`
	Password    string `fig:"password"`
	DisplayName string `fig:"display_name"`
}

// Validate checks the required signaling credentials.
func (a Account) Validate() error {
	if a.URI == "" {
		return fmt.Errorf("%w: empty account uri", ErrValidation)
	}
	if a.Username == "" {
		return fmt.Errorf("%w: empty username", ErrValidation)
	}
	return nil
}

type EventKind string

const (
	EventIncoming    EventKind = "incoming"
	EventConnecting  EventKind = "connecting"
	EventRinging     EventKind = "ringing"
	EventEstablished EventKind = "established"
	EventTerminated  EventKind = "terminated"
	EventFailed      EventKind = "failed"
)

// Event is one lifecycle notification from the engine.
type Event struct {
	Kind      EventKind
	SessionID string
	Remote    string
	Code      int
	Reason    string
}

type InviteOptions struct {
	Audio bool
	Video bool
}

// Engine is the black-box signaling protocol engine.
type Engine interface {
	Register(ctx context.Context, account Account) error
	Unregister(ctx context.Context) error
	// Invite starts an outgoing session towards targetIdentity and returns
	// its session id.
	Invite(ctx context.Context, targetIdentity string, opts InviteOptions) (string, error)
	Terminate(ctx context.Context, sessionID string) error
	// Events delivers session lifecycle changes, including incoming sessions.
	Events() <-chan Event
}

// DescriptionHandler is what the engine expects from the local side of a
// negotiation: a synchronous-looking two-method get/set description contract.
// The negotiation proxy implements it per session.
type DescriptionHandler interface {
	GetDescription(ctx context.Context, kind string) (sdp string, err error)
	SetDescription(ctx context.Context, kind, sdp string) error
	Close()
}
