package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	coordcfg "github.com/callcoord/callcoord/pkg/config/coordinator"
	"github.com/callcoord/callcoord/pkg/config/shared"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/signaling"
	"github.com/callcoord/callcoord/pkg/state"
)

var testLog = logger.Default()

func testConf() coordcfg.Coordinator {
	return coordcfg.Coordinator{
		Liveness: shared.Liveness{PingInterval: time.Hour, Grace: time.Hour},
		Timeouts: shared.Timeouts{Request: time.Second, Offer: time.Second, Answer: time.Second},
	}
}

type testChannel struct {
	mu  sync.Mutex
	box []api.Message
}

func (c *testChannel) Deliver(m api.Message) error {
	c.mu.Lock()
	c.box = append(c.box, m)
	c.mu.Unlock()
	return nil
}

func (c *testChannel) Close() {}

func (c *testChannel) find(t api.Type) (api.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.box) - 1; i >= 0; i-- {
		if c.box[i].Type == t {
			return c.box[i], true
		}
	}
	return api.Message{}, false
}

// join runs the peer_join round for a fake peer and returns its channel.
func join(t *testing.T, h *Hub, id string, cap api.CapabilityPermission, display api.DisplayState) *testChannel {
	t.Helper()
	ch := &testChannel{}
	h.broker.RegisterPeer(id, ch)
	rq := api.NewRequest(api.PeerJoin, api.JoinRequest{DisplayState: display, Capability: cap})
	h.broker.Dispatch(id, rq)
	if _, ok := ch.find(api.PeerJoin); !ok {
		t.Fatalf("no join reply for %v", id)
	}
	return ch
}

func TestJoinElectsAndReplies(t *testing.T) {
	h := NewHub(testConf(), signaling.NewLocal(), testLog)
	defer h.Shutdown(context.Background())

	ch := join(t, h, "a", api.CapGranted, api.StateActive)

	reply, _ := ch.find(api.PeerJoin)
	jr, err := api.Unwrap[api.JoinReply](reply)
	if err != nil {
		t.Fatal(err)
	}
	if jr.PeerID != "a" || jr.LeaderID != "a" {
		t.Errorf("sole granted peer should lead, got %+v", jr)
	}
	if sel, ok := ch.find(api.PeerSelected); !ok {
		t.Error("the winner must be notified")
	} else if n, _ := api.Unwrap[api.SelectedNotice](sel); n.PeerID != "a" {
		t.Errorf("wrong selection notice %+v", n)
	}
}

func TestRepeatedHubConstruction(t *testing.T) {
	// collectors live on the process-wide registry; building hubs back to
	// back must not trip duplicate registration
	for i := 0; i < 3; i++ {
		h := NewHub(testConf(), signaling.NewLocal(), testLog)
		h.Shutdown(context.Background())
	}
}

func TestLeaderFailoverOnDrop(t *testing.T) {
	h := NewHub(testConf(), signaling.NewLocal(), testLog)
	defer h.Shutdown(context.Background())

	join(t, h, "a", api.CapGranted, api.StateActive)
	chB := join(t, h, "b", api.CapGranted, api.StateVisible)

	h.dropPeer("a")

	if id := h.registry.LeaderID(); id != "b" {
		t.Fatalf("survivor should take over, got %v", id)
	}
	if _, ok := chB.find(api.PeerSelected); !ok {
		t.Error("the new leader must be notified")
	}
	if m, ok := chB.find(api.PeerListUpdate); !ok {
		t.Error("survivors must get the updated roster")
	} else if l, _ := api.Unwrap[api.PeerList](m); len(l.Peers) != 1 {
		t.Errorf("roster still lists the dropped peer: %+v", l)
	}
}

func TestStateRequestReturnsSnapshot(t *testing.T) {
	h := NewHub(testConf(), signaling.NewLocal(), testLog)
	defer h.Shutdown(context.Background())

	ch := join(t, h, "a", api.CapGranted, api.StateActive)
	h.store.UpsertSession(state.Session{ID: "s1", State: state.Established})

	h.broker.Dispatch("a", api.NewRequest(api.StateRequest, nil))
	m, ok := ch.find(api.StateRequest)
	if !ok {
		t.Fatal("no snapshot reply")
	}
	snap, err := api.Unwrap[state.Snapshot](m)
	if err != nil || len(snap.Sessions) != 1 || snap.Sessions[0].ID != "s1" {
		t.Errorf("bad snapshot %+v %v", snap, err)
	}
}

func TestIncomingCallFlow(t *testing.T) {
	engine := signaling.NewLocal()
	h := NewHub(testConf(), engine, testLog)
	go h.Run()
	defer h.Shutdown(context.Background())

	ch := join(t, h, "a", api.CapGranted, api.StateActive)

	sid := engine.Ring("sip:bob@example.com")
	waitFor(t, func() bool {
		_, ok := h.store.Session(sid)
		return ok
	}, "incoming session never stored")

	if _, ok := h.Proxy(sid); !ok {
		t.Error("an incoming session must open its negotiation proxy")
	}
	waitFor(t, func() bool {
		_, ok := ch.find(api.SessionReady)
		return ok
	}, "peers must hear about the ringing session")

	engine.Accept(sid)
	waitFor(t, func() bool {
		s, ok := h.store.Session(sid)
		return ok && s.State == state.Established
	}, "establishment never reached the store")

	if err := h.HangUp(context.Background(), sid); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := h.store.Session(sid)
		return !ok
	}, "terminated session should leave the store")

	m, ok := ch.find(api.SessionFailed)
	if !ok {
		t.Fatal("terminal notice missing")
	}
	n, _ := api.Unwrap[api.SessionNotice](m)
	if n.State != string(state.Terminated) || n.Code != 200 {
		t.Errorf("terminal notice should carry the clearing code, got %+v", n)
	}
	if _, ok := h.Proxy(sid); ok {
		t.Error("the proxy must close with its session")
	}
}

func TestPlaceCallNeedsALeader(t *testing.T) {
	h := NewHub(testConf(), signaling.NewLocal(), testLog)
	defer h.Shutdown(context.Background())

	if _, err := h.PlaceCall(context.Background(), "sip:bob@example.com"); err == nil {
		t.Error("no peers, no call")
	}

	join(t, h, "a", api.CapGranted, api.StateActive)
	id, err := h.PlaceCall(context.Background(), "sip:bob@example.com")
	if err != nil || id == "" {
		t.Fatalf("call should start: %v", err)
	}
	sess, ok := h.store.Session(id)
	if !ok || sess.Direction != state.Outgoing {
		t.Errorf("outgoing session not recorded: %+v", sess)
	}
}

func TestMuteAndHold(t *testing.T) {
	h := NewHub(testConf(), signaling.NewLocal(), testLog)
	defer h.Shutdown(context.Background())

	h.store.UpsertSession(state.Session{ID: "s1", State: state.Established})
	if !h.SetMute("s1", true) {
		t.Fatal("mute on a live session should stick")
	}
	sess, _ := h.store.Session("s1")
	if !sess.IsMuted {
		t.Error("mute flag lost")
	}
	if h.SetMute("ghost", true) {
		t.Error("mute on a missing session must report false")
	}
	if !h.SetHold("s1", true) {
		t.Fatal("hold on a live session should stick")
	}
	sess, _ = h.store.Session("s1")
	if !sess.IsOnHold {
		t.Error("hold flag lost")
	}
}

func TestRegistrationValidation(t *testing.T) {
	conf := testConf()
	conf.Account = signaling.Account{URI: "sip:alice@example.com"} // no credentials
	h := NewHub(conf, signaling.NewLocal(), testLog)
	defer h.Shutdown(context.Background())

	if err := h.RegisterAccount(context.Background()); err == nil {
		t.Fatal("invalid account must fail fast")
	}
	if h.store.Registration().Status != state.RegFailed {
		t.Errorf("failure should land in the store, got %v", h.store.Registration().Status)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(time.Millisecond):
		}
	}
}
