package phone

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/network/websocket"
	"github.com/goccy/go-json"
)

var log = logger.Default()

// fakeCoordinator is a ws endpoint that answers get_offer requests and can
// push arbitrary messages to the connected client.
type fakeCoordinator struct {
	srv  *httptest.Server
	sock chan *websocket.WS
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	f := &fakeCoordinator{sock: make(chan *websocket.WS, 1)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.NewServer(w, r, log)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		sock.OnMessage = func(message []byte, err error) {
			if err != nil {
				return
			}
			var m api.Message
			if err := json.Unmarshal(message, &m); err != nil {
				return
			}
			if m.Type == api.GetOffer && !m.ID.IsEmpty() {
				out, _ := json.Marshal(m.Reply(api.Description{Kind: "offer", SDP: "v=0"}))
				sock.Write(out)
			}
		}
		sock.Listen()
		f.sock <- sock
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) address(t *testing.T) url.URL {
	t.Helper()
	u, err := url.Parse("ws" + strings.TrimPrefix(f.srv.URL, "http"))
	if err != nil {
		t.Fatal(err)
	}
	return *u
}

func (f *fakeCoordinator) push(t *testing.T, m api.Message) {
	t.Helper()
	select {
	case sock := <-f.sock:
		data, _ := json.Marshal(m)
		sock.Write(data)
		f.sock <- sock
	case <-time.After(time.Second):
		t.Fatal("no client ever connected")
	}
}

func TestCallRoundTrip(t *testing.T) {
	coord := newFakeCoordinator(t)
	c, err := connect(coord.address(t), log)
	if err != nil {
		t.Fatal(err)
	}
	defer c.close()
	c.listen()

	reply, err := c.call(context.Background(), api.GetOffer, api.DescriptionRequest{SessionID: "s1"}, time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	desc, err := api.Unwrap[api.Description](reply)
	if err != nil || desc.SDP != "v=0" {
		t.Errorf("wrong reply: %+v %v", desc, err)
	}
}

func TestCallTimeout(t *testing.T) {
	coord := newFakeCoordinator(t)
	c, err := connect(coord.address(t), log)
	if err != nil {
		t.Fatal(err)
	}
	defer c.close()
	c.listen()

	// the fake only answers get_offer, so anything else starves
	_, err = c.call(context.Background(), api.GetAnswer, nil, 50*time.Millisecond)
	if err != errCallTimeout {
		t.Errorf("expected the call timeout, got %v", err)
	}
}

func TestCallReplyRacingTimeout(t *testing.T) {
	coord := newFakeCoordinator(t)
	c, err := connect(coord.address(t), log)
	if err != nil {
		t.Fatal(err)
	}
	defer c.close()
	c.listen()

	// resolve each call by hand so the reply lands right around the timer
	// firing; a reply that won the queue race must never surface as a timeout
	for i := 0; i < 25; i++ {
		resolved := make(chan *call, 1)
		go func() {
			for {
				c.mu.Lock()
				var id api.CorrelationID
				var cl *call
				for k, v := range c.queue {
					id, cl = k, v
				}
				c.mu.Unlock()
				if cl == nil {
					continue
				}
				data, _ := json.Marshal(api.Message{Type: api.GetAnswer, ReplyTo: id})
				c.handleMessage(data, nil)
				resolved <- cl
				return
			}
		}()

		_, err := c.call(context.Background(), api.GetAnswer, nil, time.Millisecond)
		cl := <-resolved
		if err == errCallTimeout {
			select {
			case <-cl.done:
				t.Fatal("reply was consumed but discarded as a timeout")
			default:
			}
		}
	}
}

func TestIncomingRequestAutoReply(t *testing.T) {
	coord := newFakeCoordinator(t)
	c, err := connect(coord.address(t), log)
	if err != nil {
		t.Fatal(err)
	}
	defer c.close()

	handled := make(chan api.Message, 1)
	c.handleRequest(api.SetRemoteDescription, func(m api.Message) (any, error) {
		handled <- m
		return nil, nil
	})
	c.listen()

	rq := api.NewRequest(api.SetRemoteDescription, api.RemoteDescriptionRequest{SessionID: "s1"})
	coord.push(t, rq)

	select {
	case m := <-handled:
		got, _ := api.Unwrap[api.RemoteDescriptionRequest](m)
		if got.SessionID != "s1" {
			t.Errorf("handler saw wrong payload: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("request handler never ran")
	}
}

func TestObserverSeesNotices(t *testing.T) {
	coord := newFakeCoordinator(t)
	c, err := connect(coord.address(t), log)
	if err != nil {
		t.Fatal(err)
	}
	defer c.close()

	seen := make(chan api.Message, 1)
	c.handle(api.PeerSelected, func(m api.Message) { seen <- m })
	c.listen()

	coord.push(t, api.New(api.PeerSelected, api.SelectedNotice{PeerID: "a"}))

	select {
	case m := <-seen:
		n, _ := api.Unwrap[api.SelectedNotice](m)
		if n.PeerID != "a" {
			t.Errorf("wrong notice %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("observer never ran")
	}
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	coord := newFakeCoordinator(t)
	c, err := connect(coord.address(t), log)
	if err != nil {
		t.Fatal(err)
	}
	c.listen()

	done := make(chan error, 1)
	go func() {
		_, err := c.call(context.Background(), api.GetAnswer, nil, 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.close()

	select {
	case err := <-done:
		if err != errConnClosed {
			t.Errorf("expected connection-closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call survived close")
	}
}
