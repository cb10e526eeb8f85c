// Package negotiation mediates between the signaling engine's abstract
// get/set description calls and whichever peer is currently elected to run
// the capability engine. The signaling side sees a plain local object with a
// two-method contract; the proxy hides that the real work happens in a
// different, possibly failing, possibly replaced execution context.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/registry"
	"github.com/callcoord/callcoord/pkg/state"
)

var (
	// ErrNoCapableSession reports that no peer could be elected, or that the
	// elected peer failed and its one fallback failed too.
	ErrNoCapableSession = errors.New("no capable session")
	ErrHandlerClosed    = errors.New("handler closed")
	// ErrNegotiationRejected reports an explicit failure from the peer's
	// capability engine. Never retried.
	ErrNegotiationRejected = errors.New("negotiation rejected")
)

// Transport is the broker surface the proxy needs.
type Transport interface {
	Request(ctx context.Context, peerID string, m api.Message, timeout time.Duration) (api.Message, error)
	SendTo(peerID string, m api.Message) error
}

// Electorate is the registry surface the proxy needs for leader resolution
// and failure eviction.
type Electorate interface {
	Leader() (registry.Peer, bool)
	ElectLeader() (string, bool)
	Remove(id string)
	SetHandlingSession(id, sessionID string, handling bool)
}

type Role string

const (
	Offer  Role = "offer"
	Answer Role = "answer"
)

type State uint8

const (
	Idle State = iota
	AwaitingLocalDescription
	LocalSet
	AwaitingRemoteAck
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingLocalDescription:
		return "awaiting-local"
	case LocalSet:
		return "local-set"
	case AwaitingRemoteAck:
		return "awaiting-remote-ack"
	case Closed:
		return "closed"
	}
	return "?"
}

type Config struct {
	OfferTimeout  time.Duration
	AnswerTimeout time.Duration
}

// withDefaults keeps the answer timeout at least as long as the offer one,
// since an answer may wait on a prior remote description.
func (c Config) withDefaults() Config {
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 5 * time.Second
	}
	if c.AnswerTimeout < c.OfferTimeout {
		c.AnswerTimeout = c.OfferTimeout
	}
	return c
}

// Proxy is the per-session negotiation state machine.
type Proxy struct {
	sessionID string
	conf      Config

	mu     sync.Mutex
	state  State
	peerID string // cached binding, set once and replaced only on fallback

	transport Transport
	electors  Electorate
	store     *state.Store
	log       *logger.Logger
}

func NewProxy(sessionID string, t Transport, e Electorate, store *state.Store, conf Config, log *logger.Logger) *Proxy {
	return &Proxy{
		sessionID: sessionID,
		conf:      conf.withDefaults(),
		transport: t,
		electors:  e,
		store:     store,
		log:       log.Extend(log.With().Str("c", "sdp").Str("sid", sessionID)),
	}
}

func (p *Proxy) SessionID() string { return p.sessionID }

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// BoundPeer returns the peer currently executing this session's media
// operations, if any.
func (p *Proxy) BoundPeer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

// ProduceLocalDescription asks the bound (or freshly elected) peer to create
// an offer or an answer, retrying exactly once against a new leader when the
// peer fails or times out.
func (p *Proxy) ProduceLocalDescription(ctx context.Context, role Role, constraints api.MediaConstraints) (api.Description, error) {
	if err := p.transition(AwaitingLocalDescription); err != nil {
		return api.Description{}, err
	}
	t := api.GetOffer
	timeout := p.conf.OfferTimeout
	if role == Answer {
		t = api.GetAnswer
		timeout = p.conf.AnswerTimeout
	}
	reply, err := p.exchange(ctx, t, api.DescriptionRequest{SessionID: p.sessionID, Constraints: constraints}, timeout)
	if err != nil {
		p.revert(Idle)
		return api.Description{}, err
	}
	desc, err := api.Unwrap[api.Description](reply)
	if err != nil {
		p.revert(Idle)
		return api.Description{}, fmt.Errorf("%w: %v", ErrNegotiationRejected, err)
	}
	p.revert(LocalSet)
	p.store.MutateSession(p.sessionID, func(s *state.Session) { s.LocalDescription = &desc })
	return desc, nil
}

// ApplyRemoteDescription forwards the remote description to the bound peer,
// creating the binding lazily when negotiation starts on the inbound side.
func (p *Proxy) ApplyRemoteDescription(ctx context.Context, desc api.Description) error {
	if err := p.transition(AwaitingRemoteAck); err != nil {
		return err
	}
	reply, err := p.exchange(ctx, api.SetRemoteDescription,
		api.RemoteDescriptionRequest{SessionID: p.sessionID, Description: desc}, p.conf.AnswerTimeout)
	if err != nil {
		p.revert(Idle)
		return err
	}
	if reply.Error != nil {
		p.revert(Idle)
		return fmt.Errorf("%w: %v", ErrNegotiationRejected, reply.Error)
	}
	p.revert(LocalSet)
	p.store.MutateSession(p.sessionID, func(s *state.Session) { s.RemoteDescription = &desc })
	return nil
}

// ExchangeCandidate forwards one trickled candidate to the bound peer,
// one-way. Queueing candidates that arrive before a remote description is
// the peer's job, not the proxy's.
func (p *Proxy) ExchangeCandidate(c api.CandidateNotice) error {
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return ErrHandlerClosed
	}
	peerID := p.peerID
	p.mu.Unlock()
	if peerID == "" {
		leader, ok := p.electors.Leader()
		if !ok {
			return ErrNoCapableSession
		}
		peerID = leader.ID
	}
	c.SessionID = p.sessionID
	return p.transport.SendTo(peerID, api.New(api.ExchangeCandidate, c))
}

// Close marks the proxy terminal; all subsequent calls fail.
func (p *Proxy) Close() {
	p.mu.Lock()
	peerID := p.peerID
	p.state = Closed
	p.peerID = ""
	p.mu.Unlock()
	if peerID != "" {
		p.electors.SetHandlingSession(peerID, p.sessionID, false)
	}
	p.log.Debug().Msg("closed")
}

// exchange runs one request against the bound peer or the current leader.
// Transport-level failures evict the peer, re-resolve the leader once and
// retry exactly once before giving up; an explicit error reply from the peer
// surfaces as ErrNegotiationRejected without a retry.
func (p *Proxy) exchange(ctx context.Context, t api.Type, payload any, timeout time.Duration) (api.Message, error) {
	peerID, ok := p.resolve()
	if !ok {
		return api.Message{}, ErrNoCapableSession
	}
	reply, err := p.transport.Request(ctx, peerID, api.NewRequest(t, payload), timeout)
	if err == nil && reply.Error == nil {
		p.bind(peerID)
		return reply, nil
	}
	if err == nil && !peerFailure(reply) {
		// an honest rejection is final and leaves the session unbound
		return reply, nil
	}
	if err == nil {
		// answered, but the peer can't serve: same fallback path
		err = fmt.Errorf("%v: %v", t, reply.Error)
	}
	p.log.Warn().Err(err).Str("cid", peerID).Msgf("%v failed, reselecting", t)

	p.unbind(peerID)
	p.electors.Remove(peerID)
	nextID, ok := p.electors.ElectLeader()
	if !ok || nextID == peerID {
		return api.Message{}, fmt.Errorf("%w: no fallback peer", ErrNoCapableSession)
	}
	reply, err = p.transport.Request(ctx, nextID, api.NewRequest(t, payload), timeout)
	if err != nil {
		return api.Message{}, fmt.Errorf("%w: fallback %s: %v", ErrNoCapableSession, nextID, err)
	}
	if reply.Error != nil {
		if reply.Error.Code != api.ErrCodeNegotiationRejected {
			return api.Message{}, fmt.Errorf("%w: fallback %s: %v", ErrNoCapableSession, nextID, reply.Error)
		}
		return reply, nil
	}
	p.bind(nextID)
	return reply, nil
}

// peerFailure classifies replies that should trigger peer reselection, as
// opposed to honest capability-engine rejections.
func peerFailure(reply api.Message) bool {
	return reply.Error != nil && reply.Error.Code != api.ErrCodeNegotiationRejected
}

// resolve reuses the session's cached binding to skip election on every
// negotiation step within one session.
func (p *Proxy) resolve() (string, bool) {
	p.mu.Lock()
	peerID := p.peerID
	p.mu.Unlock()
	if peerID != "" {
		return peerID, true
	}
	leader, ok := p.electors.Leader()
	if !ok {
		return "", false
	}
	return leader.ID, true
}

func (p *Proxy) bind(peerID string) {
	p.mu.Lock()
	already := p.peerID == peerID
	p.peerID = peerID
	p.mu.Unlock()
	if already {
		return
	}
	p.electors.SetHandlingSession(peerID, p.sessionID, true)
	p.store.MutateSession(p.sessionID, func(s *state.Session) { s.HandlingPeerID = peerID })
	p.log.Info().Str("cid", peerID).Msg("session bound")
}

func (p *Proxy) unbind(peerID string) {
	p.mu.Lock()
	if p.peerID == peerID {
		p.peerID = ""
	}
	p.mu.Unlock()
	p.electors.SetHandlingSession(peerID, p.sessionID, false)
}

func (p *Proxy) transition(next State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Closed {
		return ErrHandlerClosed
	}
	p.state = next
	return nil
}

// revert settles the machine after an in-flight operation, unless the proxy
// was closed meanwhile.
func (p *Proxy) revert(next State) {
	p.mu.Lock()
	if p.state != Closed {
		p.state = next
	}
	p.mu.Unlock()
}
