package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
)

// Local is an in-process engine for running the coordinator without an
// upstream telephony stack: invites move straight through the lifecycle and
// terminations settle with a normal clearing code.
type Local struct {
	mu       sync.Mutex
	account  Account
	sessions map[string]string
	events   chan Event
	closed   bool
}

func NewLocal() *Local {
	return &Local{
		sessions: make(map[string]string, 1),
		events:   make(chan Event, 16),
	}
}

func (l *Local) Register(_ context.Context, account Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.account = account
	l.mu.Unlock()
	return nil
}

func (l *Local) Unregister(context.Context) error {
	l.mu.Lock()
	l.account = Account{}
	l.mu.Unlock()
	return nil
}

func (l *Local) Invite(_ context.Context, target string, _ InviteOptions) (string, error) {
	id := uuid.Must(uuid.NewV4()).String()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", fmt.Errorf("engine closed")
	}
	l.sessions[id] = target
	l.mu.Unlock()
	l.emit(Event{Kind: EventConnecting, SessionID: id, Remote: target})
	l.emit(Event{Kind: EventRinging, SessionID: id, Remote: target})
	return id, nil
}

func (l *Local) Terminate(_ context.Context, sessionID string) error {
	l.mu.Lock()
	_, ok := l.sessions[sessionID]
	delete(l.sessions, sessionID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %v", sessionID)
	}
	l.emit(Event{Kind: EventTerminated, SessionID: sessionID, Code: 200, Reason: "normal clearing"})
	return nil
}

func (l *Local) Events() <-chan Event { return l.events }

// Accept marks a session answered, as a remote pickup would.
func (l *Local) Accept(sessionID string) {
	l.emit(Event{Kind: EventEstablished, SessionID: sessionID})
}

// Ring injects an incoming session, as a remote caller would.
func (l *Local) Ring(remote string) string {
	id := uuid.Must(uuid.NewV4()).String()
	l.mu.Lock()
	l.sessions[id] = remote
	l.mu.Unlock()
	l.emit(Event{Kind: EventIncoming, SessionID: id, Remote: remote})
	return id
}

func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
}

func (l *Local) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
	}
}
