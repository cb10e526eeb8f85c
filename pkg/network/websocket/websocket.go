package websocket

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
)

type WSMessageHandler func(message []byte, err error)

// WS wraps one gorilla connection with serialized reader/writer pumps.
type WS struct {
	conn deadlinedConn
	send chan []byte

	OnMessage WSMessageHandler

	pingPong bool

	once     sync.Once
	shutdown *sync.WaitGroup
	Done     chan struct{}

	log *logger.Logger
}

type Upgrader struct {
	websocket.Upgrader
}

// NewUpgrader restricts handshakes to the given origin; "*" allows anyone.
func NewUpgrader(origin string) *Upgrader {
	u := &Upgrader{Upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		WriteBufferPool: &sync.Pool{},
	}}
	switch origin {
	case "*":
		u.CheckOrigin = func(r *http.Request) bool { return true }
	case "":
	default:
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return u
}

var defaultUpgrader = NewUpgrader("")

// NewServer upgrades an incoming request into a socket with protocol-level
// ping/pong keepalive.
func NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	return defaultUpgrader.NewServer(w, r, log)
}

func (u *Upgrader) NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, log), nil
}

func NewClient(address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, pingPong bool, log *logger.Logger) *WS {
	shut := sync.WaitGroup{}
	shut.Add(2)
	ws := &WS{
		conn:     deadlinedConn{sock: conn, wt: writeWait},
		send:     make(chan []byte),
		pingPong: pingPong,
		shutdown: &shut,
		Done:     make(chan struct{}),
		log:      log.Extend(log.With().Str("c", "ws")),
	}
	return ws
}

// Listen starts both pumps. OnMessage must be set before the call.
func (ws *WS) Listen() {
	go ws.writer()
	go ws.reader()
}

// reader pumps messages from the connection to the OnMessage callback.
// Serializes all reads.
func (ws *WS) reader() {
	defer func() {
		close(ws.send)
		ws.shutdown.Done()
		ws.close()
	}()
	ws.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if ws.pingPong {
			_ = conn.SetReadDeadline(time.Now().Add(pongTime))
			conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(pongTime)); return nil })
		}
	})
	for {
		message, err := ws.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.log.Error().Err(err).Msg("read")
			}
			return
		}
		ws.OnMessage(message, nil)
	}
}

// writer pumps messages from the send channel to the connection.
// Serializes all writes.
func (ws *WS) writer() {
	var ticker *time.Ticker
	if ws.pingPong {
		ticker = time.NewTicker(pingTime)
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		ws.shutdown.Done()
		ws.close()
	}()
	for {
		if ticker != nil {
			select {
			case message, ok := <-ws.send:
				if !ws.handleMessage(message, ok) {
					return
				}
			case <-ticker.C:
				if err := ws.conn.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		} else {
			message, ok := <-ws.send
			if !ws.handleMessage(message, ok) {
				return
			}
		}
	}
}

func (ws *WS) handleMessage(message []byte, ok bool) bool {
	if !ok {
		_ = ws.conn.write(websocket.CloseMessage, []byte{})
		return false
	}
	return ws.conn.write(websocket.TextMessage, message) == nil
}

// Write queues data for the writer pump. Panics after close, so callers
// serialize Write against Close themselves.
func (ws *WS) Write(data []byte) { ws.send <- data }

func (ws *WS) Close() {
	_ = ws.conn.write(websocket.CloseMessage, []byte{})
	_ = ws.conn.close()
}

func (ws *WS) close() {
	ws.shutdown.Wait()
	_ = ws.conn.close()
	ws.once.Do(func() { close(ws.Done) })
}
