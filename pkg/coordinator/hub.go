package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/broker"
	coordcfg "github.com/callcoord/callcoord/pkg/config/coordinator"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/negotiation"
	"github.com/callcoord/callcoord/pkg/network/websocket"
	"github.com/callcoord/callcoord/pkg/registry"
	"github.com/callcoord/callcoord/pkg/signaling"
	"github.com/callcoord/callcoord/pkg/state"
)

// Hub wires the broker, the peer registry, the state store and the
// per-session negotiation proxies together and reacts to peer lifecycle and
// signaling events.
type Hub struct {
	conf     coordcfg.Coordinator
	broker   *broker.Broker
	registry *registry.Registry
	store    *state.Store
	engine   signaling.Engine
	upgrader *websocket.Upgrader
	metrics  *metrics
	log      *logger.Logger

	mu      sync.Mutex
	proxies map[string]*negotiation.Proxy

	done chan struct{}
	once sync.Once
}

func NewHub(conf coordcfg.Coordinator, engine signaling.Engine, log *logger.Logger) *Hub {
	h := &Hub{
		conf:     conf,
		broker:   broker.New(log),
		registry: registry.New(log),
		store:    state.NewStore(log),
		engine:   engine,
		upgrader: websocket.NewUpgrader(conf.Origin),
		metrics:  hubMetrics,
		log:      log.Extend(log.With().Str("c", "hub")),
		proxies:  make(map[string]*negotiation.Proxy, 2),
		done:     make(chan struct{}),
	}
	h.registry.OnElected = func(peerID string) {
		_ = h.broker.SendTo(peerID, api.New(api.PeerSelected, api.SelectedNotice{PeerID: peerID}))
	}
	h.store.Subscribe(func(snap state.Snapshot) {
		h.metrics.sessions.Set(float64(len(snap.Sessions)))
	})
	h.routes()
	return h
}

func (h *Hub) Broker() *broker.Broker     { return h.broker }
func (h *Hub) Registry() *registry.Registry { return h.registry }
func (h *Hub) Store() *state.Store        { return h.store }

// routes installs all peer request routes.
func (h *Hub) routes() {
	h.broker.HandleRequest(api.PeerJoin, h.handleJoin)
	h.broker.HandleRequest(api.PeerLeave, h.handleLeave)
	h.broker.HandleRequest(api.PeerUpdateState, h.handleUpdateState)
	h.broker.HandleRequest(api.StateRequest, func(m api.Message) (any, error) {
		return h.store.Snapshot(), nil
	})
	h.broker.Handle(api.Pong, func(m api.Message) { h.registry.Touch(m.OriginPeerID) })
	h.broker.Handle(api.ExchangeCandidate, h.handlePeerCandidate)
	h.broker.Handle(api.SessionReady, h.handleSessionReady)
	h.broker.Handle(api.SessionFailed, h.handleSessionFailed)
}

func (h *Hub) handleJoin(m api.Message) (any, error) {
	rq, err := api.Unwrap[api.JoinRequest](m)
	if err != nil {
		return nil, err
	}
	up := registry.Update{UserAgent: rq.UserAgent}
	if rq.DisplayState != "" {
		up.DisplayState = &rq.DisplayState
	}
	if rq.Capability != "" {
		up.Capability = &rq.Capability
	}
	p := h.registry.Upsert(m.OriginPeerID, up)
	h.store.SetCapability(p.ID, p.Capability)
	leaderID := h.electAndPublish(p.ID)
	return api.JoinReply{PeerID: p.ID, LeaderID: leaderID}, nil
}

func (h *Hub) handleLeave(m api.Message) (any, error) {
	go h.dropPeer(m.OriginPeerID)
	return nil, nil
}

func (h *Hub) handleUpdateState(m api.Message) (any, error) {
	rq, err := api.Unwrap[api.UpdateStateRequest](m)
	if err != nil {
		return nil, err
	}
	id := m.OriginPeerID
	if rq.DisplayState != nil {
		if *rq.DisplayState == api.StateClosing {
			go h.dropPeer(id)
			return nil, nil
		}
		h.registry.SetDisplayState(id, *rq.DisplayState)
	}
	if rq.Capability != nil {
		h.registry.SetCapability(id, *rq.Capability)
		h.store.SetCapability(id, *rq.Capability)
	}
	// display-state changes re-run the election; capability alone does not,
	// to avoid mid-session leader churn
	if rq.DisplayState != nil {
		h.electAndPublish("")
	} else {
		h.broker.Broadcast(api.New(api.PeerListUpdate, h.registry.Infos()), "")
	}
	return nil, nil
}

// handlePeerCandidate caches candidates trickled by the handling peer as the
// session's negotiation artifacts.
func (h *Hub) handlePeerCandidate(m api.Message) {
	c, err := api.Unwrap[api.CandidateNotice](m)
	if err != nil {
		h.log.Warn().Err(err).Msg("bad candidate")
		return
	}
	h.store.MutateSession(c.SessionID, func(s *state.Session) {
		s.Candidates = append(s.Candidates, c)
	})
}

func (h *Hub) handleSessionReady(m api.Message) {
	n, err := api.Unwrap[api.SessionNotice](m)
	if err != nil {
		return
	}
	h.broker.Broadcast(api.New(api.SessionReady, n), m.OriginPeerID)
}

// handleSessionFailed reacts to a peer reporting that its capability engine
// gave up on a session: the coordinator tears the session down.
func (h *Hub) handleSessionFailed(m api.Message) {
	n, err := api.Unwrap[api.SessionNotice](m)
	if err != nil {
		return
	}
	h.log.Warn().Str("sid", n.SessionID).Str("cid", m.OriginPeerID).Msg("peer reported session failure")
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.Timeouts.Request)
	defer cancel()
	_ = h.engine.Terminate(ctx, n.SessionID)
}

// dropPeer removes a peer everywhere: broker channel, registry, capability
// record; a removed leader invalidates the election.
func (h *Hub) dropPeer(id string) {
	wasLeader := h.registry.LeaderID() == id
	h.broker.UnregisterPeer(id)
	h.registry.Remove(id)
	h.store.RemoveCapability(id)
	if wasLeader {
		h.log.Info().Str("cid", id).Msg("leader gone")
	}
	h.electAndPublish("")
}

// electAndPublish re-runs the election and pushes the new peer list to
// everyone. Join replies already carry the leader, so the joining peer can
// be excluded.
func (h *Hub) electAndPublish(exclude string) string {
	leaderID, _ := h.registry.ElectLeader()
	h.metrics.election.Inc()
	h.broker.Broadcast(api.New(api.PeerListUpdate, h.registry.Infos()), exclude)
	return leaderID
}

// Run pumps liveness pings and signaling events until shutdown.
func (h *Hub) Run() error {
	go h.liveness()
	for {
		select {
		case ev, ok := <-h.engine.Events():
			if !ok {
				return nil
			}
			h.onSignalingEvent(ev)
		case <-h.done:
			return nil
		}
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.once.Do(func() { close(h.done) })
	h.broker.Close()
	return nil
}

func (h *Hub) String() string { return "hub" }

// liveness pings all peers on an interval and prunes those silent beyond the
// grace window. This is the only removal path besides an explicit leave or a
// delivery failure.
func (h *Hub) liveness() {
	t := time.NewTicker(h.conf.Liveness.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			h.broker.Broadcast(api.New(api.Ping, nil), "")
			stale := h.registry.Stale(h.conf.Liveness.Grace)
			for _, id := range stale {
				h.log.Info().Str("cid", id).Msg("peer timed out")
				h.dropPeer(id)
			}
		}
	}
}

// --- signaling side ---

func (h *Hub) onSignalingEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventIncoming:
		sess := state.Session{
			ID:             ev.SessionID,
			Direction:      state.Incoming,
			State:          state.Ringing,
			RemoteIdentity: ev.Remote,
			StartedAt:      time.Now().UnixMilli(),
		}
		h.store.UpsertSession(sess)
		h.openProxy(ev.SessionID)
		h.broker.Broadcast(api.New(api.SessionReady, api.SessionNotice{SessionID: ev.SessionID, State: string(state.Ringing), Reason: ev.Remote}), "")
	case signaling.EventConnecting, signaling.EventRinging:
		st := state.Connecting
		if ev.Kind == signaling.EventRinging {
			st = state.Ringing
		}
		h.store.MutateSession(ev.SessionID, func(s *state.Session) { s.State = st })
	case signaling.EventEstablished:
		h.store.MutateSession(ev.SessionID, func(s *state.Session) {
			s.State = state.Established
			s.EstablishedAt = time.Now().UnixMilli()
		})
		h.broker.Broadcast(api.New(api.SessionReady, api.SessionNotice{SessionID: ev.SessionID, State: string(state.Established)}), "")
	case signaling.EventTerminated, signaling.EventFailed:
		h.endSession(ev)
	}
}

// endSession settles a terminal lifecycle state: every peer gets the
// structured reason so all UIs converge, then the record is dropped.
func (h *Hub) endSession(ev signaling.Event) {
	st := state.Terminated
	if ev.Kind == signaling.EventFailed {
		st = state.Failed
	}
	h.store.MutateSession(ev.SessionID, func(s *state.Session) {
		s.State = st
		s.EndedAt = time.Now().UnixMilli()
		s.TerminationCode = ev.Code
		s.TerminationText = ev.Reason
	})
	h.broker.Broadcast(api.New(api.SessionFailed, api.SessionNotice{
		SessionID: ev.SessionID,
		State:     string(st),
		Code:      ev.Code,
		Reason:    ev.Reason,
	}), "")
	h.closeProxy(ev.SessionID)
	h.store.RemoveSession(ev.SessionID)
}

func (h *Hub) openProxy(sessionID string) *negotiation.Proxy {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.proxies[sessionID]; ok {
		return p
	}
	p := negotiation.NewProxy(sessionID, h.broker, h.registry, h.store,
		negotiation.Config{OfferTimeout: h.conf.Timeouts.Offer, AnswerTimeout: h.conf.Timeouts.Answer}, h.log)
	h.proxies[sessionID] = p
	return p
}

func (h *Hub) closeProxy(sessionID string) {
	h.mu.Lock()
	p := h.proxies[sessionID]
	delete(h.proxies, sessionID)
	h.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// Proxy returns the negotiation proxy of a live session.
func (h *Hub) Proxy(sessionID string) (*negotiation.Proxy, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.proxies[sessionID]
	return p, ok
}

// TrickleCandidate pushes a far-end candidate down to whichever peer handles
// the session.
func (h *Hub) TrickleCandidate(c api.CandidateNotice) error {
	p, ok := h.Proxy(c.SessionID)
	if !ok {
		return negotiation.ErrNoCapableSession
	}
	return p.ExchangeCandidate(c)
}

// DescriptionHandler exposes a session's proxy under the two-method contract
// the signaling engine expects.
func (h *Hub) DescriptionHandler(sessionID string) signaling.DescriptionHandler {
	return &descriptionHandler{hub: h, proxy: h.openProxy(sessionID)}
}

// --- call control ---

// RegisterAccount validates credentials first; validation failures are
// reported immediately and never retried.
func (h *Hub) RegisterAccount(ctx context.Context) error {
	account := h.conf.Account
	if err := account.Validate(); err != nil {
		h.setRegistration(state.RegFailed, err.Error())
		return err
	}
	h.setRegistration(state.Registering, "")
	if err := h.engine.Register(ctx, account); err != nil {
		h.setRegistration(state.RegFailed, err.Error())
		return err
	}
	status, uri := state.Registered, account.URI
	h.store.SetRegistration(state.RegistrationUpdate{Status: &status, AccountURI: &uri})
	h.broker.Broadcast(api.New(api.StateSync, h.store.Snapshot()), "")
	return nil
}

func (h *Hub) UnregisterAccount(ctx context.Context) error {
	err := h.engine.Unregister(ctx)
	h.setRegistration(state.Unregistered, "")
	return err
}

// PlaceCall starts an outgoing session towards target.
func (h *Hub) PlaceCall(ctx context.Context, target string) (string, error) {
	if target == "" {
		return "", signaling.ErrValidation
	}
	if _, ok := h.registry.Leader(); !ok {
		return "", negotiation.ErrNoCapableSession
	}
	id, err := h.engine.Invite(ctx, target, signaling.InviteOptions{Audio: true})
	if err != nil {
		return "", err
	}
	h.store.UpsertSession(state.Session{
		ID:             id,
		Direction:      state.Outgoing,
		State:          state.Connecting,
		RemoteIdentity: target,
		StartedAt:      time.Now().UnixMilli(),
	})
	h.openProxy(id)
	return id, nil
}

func (h *Hub) HangUp(ctx context.Context, sessionID string) error {
	return h.engine.Terminate(ctx, sessionID)
}

func (h *Hub) SetMute(sessionID string, muted bool) bool {
	return h.store.MutateSession(sessionID, func(s *state.Session) { s.IsMuted = muted })
}

// SetHold flags the session; the actual re-negotiation reuses the cached
// artifacts on the handling peer's side.
func (h *Hub) SetHold(sessionID string, hold bool) bool {
	ok := h.store.MutateSession(sessionID, func(s *state.Session) { s.IsOnHold = hold })
	if ok {
		if sess, found := h.store.Session(sessionID); found && sess.HandlingPeerID != "" {
			_ = h.broker.SendTo(sess.HandlingPeerID, api.New(api.StateSync, h.store.Snapshot()))
		}
	}
	return ok
}

// setRegistration records a registration transition and lets every peer know.
func (h *Hub) setRegistration(status state.RegistrationStatus, errText string) {
	h.store.SetRegistration(state.RegistrationUpdate{Status: &status, LastError: &errText})
	h.broker.Broadcast(api.New(api.StateSync, h.store.Snapshot()), "")
}

// descriptionHandler adapts a proxy to the signaling engine's synchronous
// get/set contract and keeps the timeout metric honest.
type descriptionHandler struct {
	hub   *Hub
	proxy *negotiation.Proxy
}

func (d *descriptionHandler) GetDescription(ctx context.Context, kind string) (string, error) {
	role := negotiation.Offer
	if kind == "answer" {
		role = negotiation.Answer
	}
	desc, err := d.proxy.ProduceLocalDescription(ctx, role, api.MediaConstraints{Audio: true})
	if errors.Is(err, broker.ErrRequestTimeout) {
		d.hub.metrics.timeouts.Inc()
	}
	if err != nil {
		return "", err
	}
	return desc.SDP, nil
}

func (d *descriptionHandler) SetDescription(ctx context.Context, kind, sdp string) error {
	err := d.proxy.ApplyRemoteDescription(ctx, api.Description{Kind: kind, SDP: sdp})
	if errors.Is(err, broker.ErrRequestTimeout) {
		d.hub.metrics.timeouts.Inc()
	}
	return err
}

func (d *descriptionHandler) Close() { d.hub.closeProxy(d.proxy.SessionID()) }
