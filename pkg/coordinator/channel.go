package coordinator

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/network/websocket"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
)

var errChannelClosed = errors.New("channel closed")

// wsChannel adapts one peer websocket into a broker delivery channel.
type wsChannel struct {
	sock   *websocket.WS
	closed atomic.Bool
}

func (c *wsChannel) Deliver(m api.Message) (err error) {
	if c.closed.Load() {
		return errChannelClosed
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	// the send pump may shut down concurrently with a delivery
	defer func() {
		if recover() != nil {
			err = errChannelClosed
		}
	}()
	select {
	case <-c.sock.Done:
		return errChannelClosed
	default:
	}
	c.sock.Write(data)
	return nil
}

func (c *wsChannel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.sock.Close()
	}
}

// handleWS accepts a new peer connection, binds it to the broker under a
// stable id (?id= query param, random otherwise) and pumps its messages into
// the dispatch path until it goes away.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.NewServer(w, r, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("socket upgrade failed")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.Must(uuid.NewV4()).String()
	}
	ch := &wsChannel{sock: conn}
	conn.OnMessage = func(message []byte, err error) {
		if err != nil {
			return
		}
		var m api.Message
		if err := json.Unmarshal(message, &m); err != nil {
			h.log.Warn().Err(err).Str("cid", id).Msg("bad message")
			return
		}
		h.metrics.messages.Inc()
		h.broker.Dispatch(id, m)
	}
	// the pumps must run before the broker greets the channel, Deliver blocks
	// on the writer otherwise
	conn.Listen()
	h.broker.RegisterPeer(id, ch)
	h.metrics.peers.Inc()

	<-conn.Done
	h.metrics.peers.Dec()
	// a reconnect under the same id replaces this channel; only the owning
	// connection tears the peer down
	if h.broker.Owns(id, ch) {
		h.dropPeer(id)
	}
}
