// Package broker routes addressed messages between the coordinator and its
// peers and layers a request/reply primitive on top of one-way delivery.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
)

var (
	ErrPeerNotFound   = errors.New("peer not found")
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrRequestTimeout = errors.New("request timeout")
	// ErrPeerGone rejects exchanges whose target peer was unregistered
	// mid-flight, instead of letting them run into the timeout.
	ErrPeerGone = errors.New("peer unregistered")
)

// Channel is one peer's outbound delivery path.
type Channel interface {
	Deliver(m api.Message) error
	Close()
}

type (
	// RequestHandler answers a correlatable message. The returned value is
	// wrapped into the reply payload; a returned error becomes an error reply.
	// At most one responder per message type.
	RequestHandler func(m api.Message) (any, error)
	// Observer watches messages of a type without answering them.
	Observer func(m api.Message)
)

// exchange tracks one outstanding request until the first reply, rejection
// or timeout, whichever comes first.
type exchange struct {
	peerID string
	done   chan struct{}
	reply  api.Message
	err    error
}

type Broker struct {
	mu         sync.Mutex
	peers      map[string]Channel
	pending    map[api.CorrelationID]*exchange
	responders map[api.Type]RequestHandler
	observers  map[api.Type][]*observerEntry

	log *logger.Logger
}

type observerEntry struct{ fn Observer }

func New(log *logger.Logger) *Broker {
	return &Broker{
		peers:      make(map[string]Channel, 4),
		pending:    make(map[api.CorrelationID]*exchange, 4),
		responders: make(map[api.Type]RequestHandler, 16),
		observers:  make(map[api.Type][]*observerEntry, 4),
		log:        log.Extend(log.With().Str("c", "brk")),
	}
}

// RegisterPeer binds a delivery channel to a peer id, replacing and closing
// any previous channel for that id, and greets the new channel.
func (b *Broker) RegisterPeer(id string, ch Channel) {
	b.mu.Lock()
	prev := b.peers[id]
	b.peers[id] = ch
	b.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	m := api.New(api.Ready, nil)
	m.TargetPeerID = id
	if err := ch.Deliver(m); err != nil {
		b.log.Warn().Err(err).Str("cid", id).Msg("ready notification failed")
	}
	b.log.Debug().Str("cid", id).Str(logger.DirectionField, "+").Msg("peer channel")
}

// UnregisterPeer closes and forgets the channel and fails fast every pending
// exchange that could only be answered by this peer.
func (b *Broker) UnregisterPeer(id string) {
	b.mu.Lock()
	ch := b.peers[id]
	delete(b.peers, id)
	var gone []*exchange
	for cid, ex := range b.pending {
		if ex.peerID == id {
			delete(b.pending, cid)
			gone = append(gone, ex)
		}
	}
	b.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	for _, ex := range gone {
		ex.err = fmt.Errorf("%w: %s", ErrPeerGone, id)
		close(ex.done)
	}
	b.log.Debug().Str("cid", id).Str(logger.DirectionField, "x").Msg("peer channel")
}

// SendTo delivers a message to a single peer. A throwing channel is taken as
// evidence of a dead peer and gets unregistered.
func (b *Broker) SendTo(id string, m api.Message) error {
	b.mu.Lock()
	ch, ok := b.peers[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	m.TargetPeerID = id
	if err := ch.Deliver(m); err != nil {
		b.UnregisterPeer(id)
		return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, id, err)
	}
	return nil
}

// Broadcast fans a message out to every registered peer except excludePeerID.
// Individual delivery failures are isolated and unregister only that peer.
func (b *Broker) Broadcast(m api.Message, excludePeerID string) {
	b.mu.Lock()
	targets := make(map[string]Channel, len(b.peers))
	for id, ch := range b.peers {
		if id != excludePeerID {
			targets[id] = ch
		}
	}
	b.mu.Unlock()

	for id, ch := range targets {
		out := m
		out.TargetPeerID = id
		if err := ch.Deliver(out); err != nil {
			b.log.Warn().Err(err).Str("cid", id).Msg("broadcast delivery failed")
			b.UnregisterPeer(id)
		}
	}
}

// Owns reports whether ch is still the registered channel for a peer id.
func (b *Broker) Owns(id string, ch Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[id] == ch
}

// Peers returns the ids of all currently registered channels.
func (b *Broker) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	return ids
}

// Request sends a correlatable message to a peer and suspends the caller
// until a matching reply, the timeout, or ctx cancellation.
func (b *Broker) Request(ctx context.Context, peerID string, m api.Message, timeout time.Duration) (api.Message, error) {
	if m.ID.IsEmpty() {
		m.ID = api.NewCorrelationID()
	}
	ex := &exchange{peerID: peerID, done: make(chan struct{})}
	b.mu.Lock()
	if _, dup := b.pending[m.ID]; dup {
		b.mu.Unlock()
		panic("broker: correlation id reused before resolution: " + m.ID.String())
	}
	b.pending[m.ID] = ex
	b.mu.Unlock()

	b.log.Debug().Str("cid", peerID).Str(logger.DirectionField, "→").Msgf("%v", m.Type)
	if err := b.SendTo(peerID, m); err != nil {
		b.pop(m.ID)
		return api.Message{}, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ex.done:
		return ex.reply, ex.err
	case <-t.C:
		if b.pop(m.ID) != nil {
			return api.Message{}, fmt.Errorf("%w: %v after %v", ErrRequestTimeout, m.Type, timeout)
		}
		// lost the race to a concurrent resolution
		<-ex.done
		return ex.reply, ex.err
	case <-ctx.Done():
		if b.pop(m.ID) != nil {
			return api.Message{}, ctx.Err()
		}
		<-ex.done
		return ex.reply, ex.err
	}
}

// HandleRequest installs the single authoritative responder for a message
// type, replacing any previous one.
func (b *Broker) HandleRequest(t api.Type, fn RequestHandler) {
	b.mu.Lock()
	b.responders[t] = fn
	b.mu.Unlock()
}

// Handle adds an observer for a message type and returns its cancel function.
func (b *Broker) Handle(t api.Type, fn Observer) (cancel func()) {
	e := &observerEntry{fn: fn}
	b.mu.Lock()
	b.observers[t] = append(b.observers[t], e)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.observers[t]
		for i, x := range list {
			if x == e {
				b.observers[t] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Off drops the responder for a message type.
func (b *Broker) Off(t api.Type) {
	b.mu.Lock()
	delete(b.responders, t)
	b.mu.Unlock()
}

// Dispatch routes one message arriving from a peer: replies are matched to
// pending exchanges, everything else goes through observers and the
// responder. Unmatched replies are dropped, unroutable requests are answered
// with a no_handler error so a waiting peer isn't left hanging.
//
// Messages from a single peer are dispatched in channel order, so per-peer
// FIFO holds as long as the transport delivers in order.
func (b *Broker) Dispatch(fromPeer string, m api.Message) {
	m.OriginPeerID = fromPeer
	b.log.Debug().Str("cid", fromPeer).Str(logger.DirectionField, "←").Msgf("%v", m.Type)

	if m.IsReply() {
		ex := b.pop(m.ReplyTo)
		if ex == nil {
			b.log.Debug().Str("cid", fromPeer).Msgf("dropped reply %v", m.ReplyTo)
			return
		}
		ex.reply = m
		close(ex.done)
		return
	}

	b.mu.Lock()
	watchers := make([]Observer, 0, len(b.observers[m.Type]))
	for _, e := range b.observers[m.Type] {
		watchers = append(watchers, e.fn)
	}
	responder := b.responders[m.Type]
	b.mu.Unlock()

	for _, fn := range watchers {
		b.invoke(fn, m)
	}

	if responder == nil {
		if !m.ID.IsEmpty() {
			_ = b.SendTo(fromPeer, m.Fail(api.ErrCodeNoHandler, fmt.Sprintf("no handler for %v", m.Type)))
		} else if len(watchers) == 0 {
			b.log.Warn().Str("cid", fromPeer).Msgf("unroutable %v", m.Type)
		}
		return
	}

	payload, err := responder(m)
	if m.ID.IsEmpty() {
		if err != nil {
			b.log.Error().Err(err).Str("cid", fromPeer).Msgf("%v", m.Type)
		}
		return
	}
	if err != nil {
		_ = b.SendTo(fromPeer, m.Fail(codeOf(err), err.Error()))
		return
	}
	_ = b.SendTo(fromPeer, m.Reply(payload))
}

// invoke shields the dispatch path from a panicking handler.
func (b *Broker) invoke(fn Observer, m api.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Msgf("recovered handler panic on %v: %v", m.Type, r)
		}
	}()
	fn(m)
}

// Close drops all channels and rejects everything in flight.
func (b *Broker) Close() {
	b.mu.Lock()
	peers := b.peers
	pend := b.pending
	b.peers = make(map[string]Channel)
	b.pending = make(map[api.CorrelationID]*exchange)
	b.mu.Unlock()
	for _, ch := range peers {
		ch.Close()
	}
	for _, ex := range pend {
		ex.err = ErrPeerGone
		close(ex.done)
	}
}

// pop extracts and removes an exchange from the pending queue by its id.
func (b *Broker) pop(id api.CorrelationID) *exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex := b.pending[id]
	delete(b.pending, id)
	return ex
}

func codeOf(err error) api.ErrCode {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return api.ErrCodeInternal
}
