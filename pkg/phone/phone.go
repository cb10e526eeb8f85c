package phone

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	phonecfg "github.com/callcoord/callcoord/pkg/config/phone"
	"github.com/callcoord/callcoord/pkg/logger"
)

const callTimeout = 5 * time.Second

// Phone is one coordinated peer.
type Phone struct {
	conf   phonecfg.Phone
	client *client
	engine CapabilityEngine
	log    *logger.Logger

	mu       sync.Mutex
	id       string
	leaderID string
	display  api.DisplayState
	snapshot *api.Message

	// candidates that arrived before the remote description was applied
	pending map[string][]api.CandidateNotice
	remote  map[string]bool
}

func New(conf phonecfg.Phone, engine CapabilityEngine, log *logger.Logger) (*Phone, error) {
	address, err := url.Parse(conf.Coordinator)
	if err != nil {
		return nil, err
	}
	if conf.PeerID != "" {
		q := address.Query()
		q.Set("id", conf.PeerID)
		address.RawQuery = q.Encode()
	}
	c, err := connect(*address, log)
	if err != nil {
		return nil, err
	}
	p := &Phone{
		conf:    conf,
		client:  c,
		engine:  engine,
		log:     log.Extend(log.With().Str("c", "phone")),
		display: api.StateVisible,
		pending: make(map[string][]api.CandidateNotice, 1),
		remote:  make(map[string]bool, 1),
	}
	p.routes()
	engine.OnCandidate(p.onLocalCandidate)
	engine.OnStateChange(p.onConnectivity)
	return p, nil
}

func (p *Phone) routes() {
	p.client.handle(api.Ping, func(m api.Message) { _ = p.client.notify(api.Pong, nil) })
	p.client.handle(api.PeerSelected, func(m api.Message) {
		n, err := api.Unwrap[api.SelectedNotice](m)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.leaderID = n.PeerID
		selected := n.PeerID == p.id
		p.mu.Unlock()
		if selected {
			p.log.Info().Msg("selected as the handling peer")
		}
	})
	p.client.handle(api.PeerListUpdate, func(m api.Message) {
		l, err := api.Unwrap[api.PeerList](m)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.leaderID = l.LeaderID
		p.mu.Unlock()
	})
	p.client.handle(api.StateSync, func(m api.Message) {
		p.mu.Lock()
		p.snapshot = &m
		p.mu.Unlock()
	})
	p.client.handle(api.SessionFailed, func(m api.Message) {
		n, err := api.Unwrap[api.SessionNotice](m)
		if err != nil {
			return
		}
		p.log.Info().Str("sid", n.SessionID).Str("state", n.State).Msg("session over")
		p.dropSession(n.SessionID)
	})
	p.client.handle(api.ExchangeCandidate, p.onRemoteCandidate)

	p.client.handleRequest(api.GetOffer, p.onGetOffer)
	p.client.handleRequest(api.GetAnswer, p.onGetAnswer)
	p.client.handleRequest(api.SetRemoteDescription, p.onSetRemoteDescription)
}

// Run joins the swarm and blocks until the connection goes away.
func (p *Phone) Run(ctx context.Context) error {
	p.client.listen()

	cap := p.engine.Permission()
	if p.conf.Media.RequestCapability && cap == api.CapNotRequested {
		var err error
		if cap, err = p.engine.RequestPermission(ctx); err != nil {
			p.log.Warn().Err(err).Msg("capability request failed")
		}
	}

	reply, err := p.client.call(ctx, api.PeerJoin, api.JoinRequest{
		PeerID:       p.conf.PeerID,
		DisplayState: p.display,
		Capability:   cap,
		UserAgent:    p.conf.UserAgent,
	}, callTimeout)
	if err != nil {
		p.client.close()
		return err
	}
	join, err := api.Unwrap[api.JoinReply](reply)
	if err != nil {
		p.client.close()
		return err
	}
	p.mu.Lock()
	p.id = join.PeerID
	p.leaderID = join.LeaderID
	p.mu.Unlock()
	p.log.Info().Str("cid", join.PeerID).Str("leader", join.LeaderID).Msg("joined")

	// pull the authoritative state once so a late joiner converges
	if snap, err := p.client.call(ctx, api.StateRequest, nil, callTimeout); err == nil {
		p.mu.Lock()
		p.snapshot = &snap
		p.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	case <-p.client.done():
		return nil
	}
}

// ID returns the coordinator-confirmed peer id.
func (p *Phone) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// IsLeader says whether this peer currently holds the election.
func (p *Phone) IsLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id != "" && p.id == p.leaderID
}

// SetDisplayState reports a visibility change to the coordinator.
func (p *Phone) SetDisplayState(s api.DisplayState) error {
	p.mu.Lock()
	p.display = s
	p.mu.Unlock()
	return p.client.notify(api.PeerUpdateState, api.UpdateStateRequest{DisplayState: &s})
}

// Close announces the departure and tears the connection down.
func (p *Phone) Close() {
	_ = p.client.notify(api.PeerLeave, nil)
	p.engine.Close()
	p.client.close()
}

// --- negotiation requests, they arrive only while this peer is elected ---

func (p *Phone) onGetOffer(m api.Message) (any, error) {
	rq, err := api.Unwrap[api.DescriptionRequest](m)
	if err != nil {
		return nil, err
	}
	if err := p.ensureCapability(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return p.engine.CreateOffer(ctx, rq.SessionID, rq.Constraints)
}

func (p *Phone) onGetAnswer(m api.Message) (any, error) {
	rq, err := api.Unwrap[api.DescriptionRequest](m)
	if err != nil {
		return nil, err
	}
	if err := p.ensureCapability(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	desc, err := p.engine.CreateAnswer(ctx, rq.SessionID, rq.Constraints)
	if err != nil {
		return nil, err
	}
	p.flushCandidates(rq.SessionID)
	return desc, nil
}

func (p *Phone) onSetRemoteDescription(m api.Message) (any, error) {
	rq, err := api.Unwrap[api.RemoteDescriptionRequest](m)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := p.engine.SetRemoteDescription(ctx, rq.SessionID, rq.Description); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.remote[rq.SessionID] = true
	p.mu.Unlock()
	p.flushCandidates(rq.SessionID)
	return nil, nil
}

// ensureCapability prompts lazily and turns a denial into the structured
// rejection the coordinator's proxy treats as final.
func (p *Phone) ensureCapability() error {
	cap := p.engine.Permission()
	if cap == api.CapNotRequested || cap == api.CapPending {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		var err error
		if cap, err = p.engine.RequestPermission(ctx); err != nil {
			return &api.Error{Code: api.ErrCodeNegotiationRejected, Message: err.Error()}
		}
		_ = p.client.notify(api.PeerUpdateState, api.UpdateStateRequest{Capability: &cap})
	}
	if cap != api.CapGranted {
		return &api.Error{Code: api.ErrCodeNegotiationRejected, Message: "media capability denied"}
	}
	return nil
}

// onRemoteCandidate applies a far-end candidate, or parks it until the remote
// description lands. Engines reject early candidates otherwise.
func (p *Phone) onRemoteCandidate(m api.Message) {
	c, err := api.Unwrap[api.CandidateNotice](m)
	if err != nil {
		return
	}
	p.mu.Lock()
	ready := p.remote[c.SessionID]
	if !ready {
		p.pending[c.SessionID] = append(p.pending[c.SessionID], c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if err := p.engine.AddCandidate(c.SessionID, c); err != nil {
		p.log.Warn().Err(err).Str("sid", c.SessionID).Msg("candidate rejected")
	}
}

func (p *Phone) flushCandidates(sessionID string) {
	p.mu.Lock()
	p.remote[sessionID] = true
	queued := p.pending[sessionID]
	delete(p.pending, sessionID)
	p.mu.Unlock()
	for _, c := range queued {
		if err := p.engine.AddCandidate(sessionID, c); err != nil {
			p.log.Warn().Err(err).Str("sid", sessionID).Msg("queued candidate rejected")
		}
	}
}

func (p *Phone) dropSession(sessionID string) {
	p.mu.Lock()
	delete(p.pending, sessionID)
	delete(p.remote, sessionID)
	p.mu.Unlock()
	p.engine.CloseSession(sessionID)
}

func (p *Phone) onLocalCandidate(c api.CandidateNotice) {
	_ = p.client.notify(api.ExchangeCandidate, c)
}

func (p *Phone) onConnectivity(sessionID string, connected bool) {
	t, state := api.SessionReady, "connected"
	if !connected {
		t, state = api.SessionFailed, "failed"
	}
	_ = p.client.notify(t, api.SessionNotice{SessionID: sessionID, State: state})
}
