package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/registry"
	"github.com/callcoord/callcoord/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var log = logger.Default()

// script says how a peer answers one request.
type script struct {
	fail   error        // transport-level failure
	reject *api.Error   // structured error reply
	desc   *api.Description
}

type fakeTransport struct {
	scripts map[string]script
	calls   []string // peer ids in request order
	oneWay  []string // peer ids of SendTo targets
}

func (f *fakeTransport) Request(_ context.Context, peerID string, m api.Message, _ time.Duration) (api.Message, error) {
	f.calls = append(f.calls, peerID)
	sc := f.scripts[peerID]
	if sc.fail != nil {
		return api.Message{}, sc.fail
	}
	if sc.reject != nil {
		return m.Fail(sc.reject.Code, sc.reject.Message), nil
	}
	d := sc.desc
	if d == nil {
		d = &api.Description{Kind: "offer", SDP: "v=0"}
	}
	return m.Reply(*d), nil
}

func (f *fakeTransport) SendTo(peerID string, m api.Message) error {
	f.oneWay = append(f.oneWay, peerID)
	return nil
}

type fakeElectorate struct {
	order    []string // leaders in election order, head is current
	handling map[string]string
}

func newElectorate(leaders ...string) *fakeElectorate {
	return &fakeElectorate{order: leaders, handling: map[string]string{}}
}

func (f *fakeElectorate) Leader() (registry.Peer, bool) {
	if len(f.order) == 0 {
		return registry.Peer{}, false
	}
	return registry.Peer{ID: f.order[0]}, true
}

func (f *fakeElectorate) ElectLeader() (string, bool) {
	if len(f.order) == 0 {
		return "", false
	}
	return f.order[0], true
}

func (f *fakeElectorate) Remove(id string) {
	for i, x := range f.order {
		if x == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			return
		}
	}
}

func (f *fakeElectorate) SetHandlingSession(id, sessionID string, handling bool) {
	if handling {
		f.handling[id] = sessionID
	} else {
		delete(f.handling, id)
	}
}

func newProxy(t *fakeTransport, e *fakeElectorate) (*Proxy, *state.Store) {
	store := state.NewStore(log)
	store.UpsertSession(state.Session{ID: "s1", State: state.Connecting})
	return NewProxy("s1", t, e, store, Config{OfferTimeout: 50 * time.Millisecond}, log), store
}

func TestProduceBindsLeader(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{}}
	el := newElectorate("c")
	p, store := newProxy(tr, el)

	desc, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{Audio: true})
	require.NoError(t, err)
	assert.Equal(t, "v=0", desc.SDP)
	assert.Equal(t, "c", p.BoundPeer())
	assert.Equal(t, "s1", el.handling["c"])

	sess, _ := store.Session("s1")
	require.NotNil(t, sess.LocalDescription)
	assert.Equal(t, "c", sess.HandlingPeerID)
}

func TestRetryOnceOnNewLeader(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{
		"c": {fail: errors.New("request timeout")},
	}}
	el := newElectorate("c", "a")
	p, _ := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{Audio: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, tr.calls, "exactly one fallback attempt")
	assert.Equal(t, "a", p.BoundPeer())
	assert.NotContains(t, el.order, "c", "the failed peer must be evicted")
}

func TestNoSecondRetry(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{
		"c": {fail: errors.New("request timeout")},
		"a": {fail: errors.New("request timeout")},
	}}
	el := newElectorate("c", "a", "b")
	p, _ := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	assert.ErrorIs(t, err, ErrNoCapableSession)
	assert.Equal(t, []string{"c", "a"}, tr.calls, "peer b must never be tried")
}

func TestNoPeersAtAll(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{}}
	p, _ := newProxy(tr, newElectorate())

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	assert.ErrorIs(t, err, ErrNoCapableSession)
	assert.Empty(t, tr.calls)
}

func TestExplicitRejectionIsFinal(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{
		"c": {reject: &api.Error{Code: api.ErrCodeNegotiationRejected, Message: "permission denied"}},
	}}
	el := newElectorate("c", "a")
	p, _ := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	assert.ErrorIs(t, err, ErrNegotiationRejected)
	assert.Equal(t, []string{"c"}, tr.calls, "a rejection must not trigger a fallback")
	assert.Contains(t, el.order, "c", "a rejecting peer is healthy, not evicted")
}

func TestRejectionLeavesSessionUnbound(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{
		"c": {reject: &api.Error{Code: api.ErrCodeNegotiationRejected, Message: "permission denied"}},
	}}
	el := newElectorate("c", "a")
	p, store := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	assert.ErrorIs(t, err, ErrNegotiationRejected)
	assert.Empty(t, p.BoundPeer(), "a refusing peer must not become the session handler")
	assert.Empty(t, el.handling)
	sess, _ := store.Session("s1")
	assert.Empty(t, sess.HandlingPeerID)
}

func TestFallbackRejectionLeavesSessionUnbound(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{
		"c": {fail: errors.New("request timeout")},
		"a": {reject: &api.Error{Code: api.ErrCodeNegotiationRejected, Message: "permission denied"}},
	}}
	el := newElectorate("c", "a")
	p, _ := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	assert.ErrorIs(t, err, ErrNegotiationRejected)
	assert.Empty(t, p.BoundPeer())
	assert.Empty(t, el.handling)
}

func TestInternalErrorReplyTriggersFallback(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{
		"c": {reject: &api.Error{Code: api.ErrCodeInternal, Message: "engine crashed"}},
	}}
	el := newElectorate("c", "a")
	p, _ := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, tr.calls)
	assert.Equal(t, "a", p.BoundPeer())
}

func TestBindingIsReusedAcrossSteps(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{}}
	el := newElectorate("c")
	p, store := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{Audio: true})
	require.NoError(t, err)

	// drain the electorate: the cached binding must carry the next steps
	el.order = nil
	err = p.ApplyRemoteDescription(context.Background(), api.Description{Kind: "answer", SDP: "v=1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "c"}, tr.calls)

	sess, _ := store.Session("s1")
	require.NotNil(t, sess.RemoteDescription)
	assert.Equal(t, "v=1", sess.RemoteDescription.SDP)
}

func TestExchangeCandidateTargetsBinding(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{}}
	el := newElectorate("c")
	p, _ := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	require.NoError(t, err)
	require.NoError(t, p.ExchangeCandidate(api.CandidateNotice{Candidate: "candidate:1"}))
	assert.Equal(t, []string{"c"}, tr.oneWay)
}

func TestExchangeCandidateWithoutLeader(t *testing.T) {
	p, _ := newProxy(&fakeTransport{scripts: map[string]script{}}, newElectorate())
	err := p.ExchangeCandidate(api.CandidateNotice{Candidate: "candidate:1"})
	assert.ErrorIs(t, err, ErrNoCapableSession)
}

func TestClosedProxyFailsEverything(t *testing.T) {
	tr := &fakeTransport{scripts: map[string]script{}}
	el := newElectorate("c")
	p, _ := newProxy(tr, el)

	_, err := p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	require.NoError(t, err)
	p.Close()

	assert.Empty(t, el.handling, "close must release the handling mark")
	_, err = p.ProduceLocalDescription(context.Background(), Offer, api.MediaConstraints{})
	assert.ErrorIs(t, err, ErrHandlerClosed)
	assert.ErrorIs(t, p.ApplyRemoteDescription(context.Background(), api.Description{}), ErrHandlerClosed)
	assert.ErrorIs(t, p.ExchangeCandidate(api.CandidateNotice{}), ErrHandlerClosed)
}
