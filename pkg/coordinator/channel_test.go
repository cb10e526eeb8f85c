package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/signaling"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// newSocketHub serves the hub's websocket endpoint over a throwaway listener.
func newSocketHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(testConf(), signaling.NewLocal(), testLog)
	srv := httptest.NewServer(http.HandlerFunc(h.handleWS))
	t.Cleanup(func() {
		srv.Close()
		h.Shutdown(context.Background())
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialSocket(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readSocket(t *testing.T, conn *websocket.Conn) api.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var m api.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func writeSocket(t *testing.T, conn *websocket.Conn, m api.Message) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

// callSocket sends a request over the raw socket and reads until its reply.
func callSocket(t *testing.T, conn *websocket.Conn, rq api.Message) api.Message {
	t.Helper()
	writeSocket(t, conn, rq)
	for {
		m := readSocket(t, conn)
		if m.ReplyTo == rq.ID {
			return m
		}
	}
}

func TestSocketJoinRoundTrip(t *testing.T) {
	_, addr := newSocketHub(t)
	conn := dialSocket(t, addr+"?id=p1")

	if m := readSocket(t, conn); m.Type != api.Ready {
		t.Fatalf("the greeting must arrive before anything else, got %v", m.Type)
	}

	reply := callSocket(t, conn,
		api.NewRequest(api.PeerJoin, api.JoinRequest{DisplayState: api.StateActive, Capability: api.CapGranted}))
	jr, err := api.Unwrap[api.JoinReply](reply)
	if err != nil {
		t.Fatal(err)
	}
	if jr.PeerID != "p1" || jr.LeaderID != "p1" {
		t.Errorf("join over the wire should elect the sole peer, got %+v", jr)
	}
}

func TestReconnectKeepsPeerRegistered(t *testing.T) {
	h, addr := newSocketHub(t)

	first := dialSocket(t, addr+"?id=p1")
	if m := readSocket(t, first); m.Type != api.Ready {
		t.Fatalf("no greeting on the first connection, got %v", m.Type)
	}

	second := dialSocket(t, addr+"?id=p1")
	if m := readSocket(t, second); m.Type != api.Ready {
		t.Fatalf("no greeting on the replacement, got %v", m.Type)
	}

	// registering the replacement closes the first socket; drain it until the
	// server-side teardown has run
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)

	registered := false
	for _, id := range h.Broker().Peers() {
		if id == "p1" {
			registered = true
		}
	}
	if !registered {
		t.Fatal("the superseded connection's teardown dropped the reconnected peer")
	}

	// the replacement channel must still answer
	reply := callSocket(t, second, api.NewRequest(api.StateRequest, nil))
	if reply.Error != nil {
		t.Fatalf("snapshot over the replacement failed: %v", reply.Error)
	}
}
