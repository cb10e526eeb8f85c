// Package phone implements the peer runtime: it connects to the coordinator,
// takes part in the election and, when selected, drives the capability engine
// through the negotiation requests it receives.
package phone

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/callcoord/callcoord/pkg/network/websocket"
	"github.com/goccy/go-json"
)

var (
	errConnClosed  = errors.New("connection closed")
	errCallTimeout = errors.New("call timeout")
)

type call struct {
	response api.Message
	err      error
	done     chan struct{}
}

// RequestHandler answers a coordinator request; the result is sent back under
// the request's correlation id.
type RequestHandler func(m api.Message) (any, error)

// Observer sees a one-way message.
type Observer func(m api.Message)

// client is the phone side of the wire: it correlates its own outgoing calls
// and routes incoming coordinator traffic to typed handlers.
type client struct {
	conn *websocket.WS
	log  *logger.Logger

	mu        sync.Mutex
	queue     map[api.CorrelationID]*call
	requests  map[api.Type]RequestHandler
	observers map[api.Type][]Observer
	closed    bool
}

func connect(address url.URL, log *logger.Logger) (*client, error) {
	conn, err := websocket.NewClient(address, log)
	if err != nil {
		return nil, err
	}
	c := &client{
		conn:      conn,
		log:       log,
		queue:     make(map[api.CorrelationID]*call, 2),
		requests:  make(map[api.Type]RequestHandler, 8),
		observers: make(map[api.Type][]Observer, 4),
	}
	conn.OnMessage = c.handleMessage
	return c, nil
}

func (c *client) listen() { c.conn.Listen() }

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := make([]*call, 0, len(c.queue))
	for id, cl := range c.queue {
		delete(c.queue, id)
		calls = append(calls, cl)
	}
	c.mu.Unlock()
	for _, cl := range calls {
		cl.err = errConnClosed
		close(cl.done)
	}
	c.conn.Close()
}

func (c *client) done() chan struct{} { return c.conn.Done }

// handleRequest installs the single responder for a request type.
func (c *client) handleRequest(t api.Type, fn RequestHandler) {
	c.mu.Lock()
	c.requests[t] = fn
	c.mu.Unlock()
}

// handle installs an observer for a one-way type.
func (c *client) handle(t api.Type, fn Observer) {
	c.mu.Lock()
	c.observers[t] = append(c.observers[t], fn)
	c.mu.Unlock()
}

// call sends a request and blocks until its reply, the timeout or ctx.
func (c *client) call(ctx context.Context, t api.Type, payload any, timeout time.Duration) (api.Message, error) {
	rq := api.NewRequest(t, payload)
	cl := &call{done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return api.Message{}, errConnClosed
	}
	c.queue[rq.ID] = cl
	c.mu.Unlock()

	if err := c.send(rq); err != nil {
		c.pop(rq.ID)
		return api.Message{}, err
	}

	select {
	case <-cl.done:
	case <-ctx.Done():
		if c.pop(rq.ID) != nil {
			return api.Message{}, ctx.Err()
		}
		<-cl.done
	case <-time.After(timeout):
		if c.pop(rq.ID) != nil {
			return api.Message{}, errCallTimeout
		}
		// lost the race to a concurrent resolution
		<-cl.done
	case <-c.conn.Done:
		if c.pop(rq.ID) != nil {
			return api.Message{}, errConnClosed
		}
		<-cl.done
	}
	if cl.err != nil {
		return api.Message{}, cl.err
	}
	if cl.response.Error != nil {
		return cl.response, cl.response.Error
	}
	return cl.response, nil
}

// notify sends a one-way message.
func (c *client) notify(t api.Type, payload any) error { return c.send(api.New(t, payload)) }

func (c *client) send(m api.Message) (err error) {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	defer func() {
		if recover() != nil {
			err = errConnClosed
		}
	}()
	select {
	case <-c.conn.Done:
		return errConnClosed
	default:
	}
	c.conn.Write(data)
	return nil
}

func (c *client) handleMessage(message []byte, err error) {
	if err != nil {
		return
	}
	var m api.Message
	if err := json.Unmarshal(message, &m); err != nil {
		c.log.Warn().Err(err).Msg("bad message")
		return
	}

	if m.IsReply() {
		cl := c.pop(m.ReplyTo)
		if cl == nil {
			c.log.Debug().Str("id", m.ReplyTo.String()).Msg("stray reply")
			return
		}
		cl.response = m
		close(cl.done)
		return
	}

	c.mu.Lock()
	obs := append([]Observer(nil), c.observers[m.Type]...)
	responder := c.requests[m.Type]
	c.mu.Unlock()

	for _, fn := range obs {
		fn(m)
	}
	if m.ID.IsEmpty() {
		return
	}
	if responder == nil {
		_ = c.send(m.Fail(api.ErrCodeNoHandler, string(m.Type)))
		return
	}
	out, rerr := responder(m)
	if rerr != nil {
		code := api.ErrCodeInternal
		var apiErr *api.Error
		if errors.As(rerr, &apiErr) {
			code = apiErr.Code
		}
		_ = c.send(m.Fail(code, rerr.Error()))
		return
	}
	_ = c.send(m.Reply(out))
}

func (c *client) pop(id api.CorrelationID) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := c.queue[id]
	delete(c.queue, id)
	return cl
}
