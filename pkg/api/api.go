// Package api defines the wire API shared by the coordinator and phone applications.
//
// Each message is a JSON-encoded envelope of the following structure:
//
//	     type - (required) one of the predefined message types;
//	       id - (optional) a unique correlation id when a reply is expected;
//	  replyTo - (optional) the correlation id of the request this message answers;
//	   origin - (optional) the sending peer id;
//	   target - (optional) the addressed peer id;
//	  payload - (optional) type-dependent body;
//	    error - (optional) a structured error instead of a payload.
//
// Replies are matched to requests through the replyTo field only, so a peer's
// own message ids can never collide with reply routing.
//
// Example:
//
//	{"type":"get_offer","id":"0f9c...","targetPeerId":"a3b1...","timestamp":1700000000000,"payload":{"session_id":"..."}}
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// Type tags every message. The enumeration is closed: anything else is
// answered with NoHandler.
type Type string

const (
	// peer lifecycle
	PeerJoin        Type = "peer_join"
	PeerLeave       Type = "peer_leave"
	PeerUpdateState Type = "peer_update_state"
	PeerSelected    Type = "peer_selected"
	PeerListUpdate  Type = "peer_list_update"

	// session negotiation
	GetOffer             Type = "get_offer"
	GetAnswer            Type = "get_answer"
	SetRemoteDescription Type = "set_remote_description"
	ExchangeCandidate    Type = "exchange_candidate"
	SessionReady         Type = "session_ready"
	SessionFailed        Type = "session_failed"

	// state sync
	StateRequest Type = "state_request"
	StateSync    Type = "state_sync"

	// liveness
	Ping Type = "ping"
	Pong Type = "pong"

	// generic
	ErrorReply Type = "error"
	NoHandler  Type = "no_handler"
	// Ready greets a freshly bound channel so the peer knows routing is live.
	Ready Type = "ready"
)

// CorrelationID links a request message to its eventual reply.
type CorrelationID string

func (c CorrelationID) IsEmpty() bool  { return c == "" }
func (c CorrelationID) String() string { return string(c) }

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.Must(uuid.NewV4()).String())
}

// ErrCode is a machine-readable error class carried inside the envelope.
type ErrCode string

const (
	ErrCodePeerNotFound         ErrCode = "peer_not_found"
	ErrCodeDeliveryFailed       ErrCode = "delivery_failed"
	ErrCodeRequestTimeout       ErrCode = "request_timeout"
	ErrCodeNoHandler            ErrCode = "no_handler"
	ErrCodeNoCapableSession     ErrCode = "no_capable_session"
	ErrCodeNegotiationRejected  ErrCode = "negotiation_rejected"
	ErrCodeRegistrationRejected ErrCode = "registration_validation_failed"
	ErrCodeInternal             ErrCode = "internal"
)

type Error struct {
	Code    ErrCode `json:"code"`
	Message string  `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

type Message struct {
	Type         Type            `json:"type"`
	ID           CorrelationID   `json:"id,omitempty"`
	ReplyTo      CorrelationID   `json:"replyTo,omitempty"`
	OriginPeerID string          `json:"originPeerId,omitempty"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        *Error          `json:"error,omitempty"`
}

// New makes a one-way message of type t. The payload is marshaled in place;
// a value that can't be marshaled is a programming error.
func New(t Type, payload any) Message {
	return Message{Type: t, Timestamp: now(), Payload: Wrap(payload)}
}

// NewRequest makes a message with a fresh correlation id, so the other side
// knows a reply is awaited.
func NewRequest(t Type, payload any) Message {
	m := New(t, payload)
	m.ID = NewCorrelationID()
	return m
}

// Reply builds the answer to m, keeping m's type and carrying m's id in replyTo.
func (m Message) Reply(payload any) Message {
	return Message{Type: m.Type, ReplyTo: m.ID, TargetPeerID: m.OriginPeerID, Timestamp: now(), Payload: Wrap(payload)}
}

// Fail builds an error answer to m.
func (m Message) Fail(code ErrCode, message string) Message {
	t := ErrorReply
	if code == ErrCodeNoHandler {
		t = NoHandler
	}
	return Message{Type: t, ReplyTo: m.ID, TargetPeerID: m.OriginPeerID, Timestamp: now(), Error: &Error{Code: code, Message: message}}
}

// IsReply says whether m answers an outstanding request.
func (m Message) IsReply() bool { return !m.ReplyTo.IsEmpty() }

func now() int64 { return time.Now().UnixMilli() }

// Wrap marshals a payload body. Payload types are own JSON-safe structs,
// so a marshal failure here is always a bug.
func Wrap(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: unmarshalable payload %T: %v", v, err))
	}
	return raw
}

// Unwrap unmarshals a message payload into a distinct request/response
// structure, the 2nd pass of the 2-pass decode.
func Unwrap[T any](m Message) (T, error) {
	var v T
	if m.Error != nil {
		return v, m.Error
	}
	if len(m.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("api: bad %v payload: %w", m.Type, err)
	}
	return v, nil
}
