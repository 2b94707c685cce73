// Package wire defines the JSON protocol spoken on the upstream
// realtime socket. All traffic is an Envelope: a type tag plus a raw
// payload decoded lazily by the interested subscriber.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the frame format for every realtime message, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound message types.
const (
	TypeJoin    = "join"
	TypeLeave   = "leave"
	TypeComment = "comment"
)

// Inbound message types.
const (
	TypeSnapshot = "snapshot"
	TypeJoinAck  = "join_ack"
	TypeError    = "error"
)

// RoomRef is the payload for join and leave requests.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// CommentSend is the payload for an outgoing comment. Delivery is
// best-effort; the server echoes accepted comments back inside the next
// snapshot, never as a direct response.
type CommentSend struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// Author identifies a comment author. A nil author renders as anonymous.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Comment is one record inside a room snapshot. Order within the
// snapshot is server-defined and authoritative.
type Comment struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Author    *Author `json:"author,omitempty"`
	CreatedAt int64   `json:"createdAt"`
	ReplyTo   string  `json:"replyTo,omitempty"`
}

// Snapshot is the complete current state of one room. It replaces
// whatever the client held for that room; it is never a delta.
// Seq is an optional server order token; zero means unordered delivery
// and the client stamps its own sequence on arrival.
type Snapshot struct {
	RoomID   string    `json:"roomId"`
	Seq      uint64    `json:"seq,omitempty"`
	Comments []Comment `json:"comments"`
}

// JoinAck confirms a join request was accepted.
type JoinAck struct {
	RoomID string `json:"roomId"`
}

// ServerError is a server-reported room or protocol error.
type ServerError struct {
	Message string `json:"message"`
}

// NewJoin builds a join envelope for the given room.
func NewJoin(roomID string) Envelope {
	return mustEnvelope(TypeJoin, RoomRef{RoomID: roomID})
}

// NewLeave builds a leave envelope for the given room.
func NewLeave(roomID string) Envelope {
	return mustEnvelope(TypeLeave, RoomRef{RoomID: roomID})
}

// NewComment builds a comment envelope scoped to the given room.
func NewComment(roomID, text string) Envelope {
	return mustEnvelope(TypeComment, CommentSend{RoomID: roomID, Text: text})
}

func mustEnvelope(typ string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload structs above contain only marshalable fields.
		panic(err)
	}
	return Envelope{Type: typ, Payload: data}
}

// Decode parses a raw frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode serializes an Envelope for the socket.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeSnapshot parses a snapshot payload.
func DecodeSnapshot(env Envelope) (*Snapshot, error) {
	if env.Type != TypeSnapshot {
		return nil, fmt.Errorf("envelope type %q is not a snapshot", env.Type)
	}
	var s Snapshot
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// DecodeJoinAck parses a join acknowledgement payload.
func DecodeJoinAck(env Envelope) (*JoinAck, error) {
	if env.Type != TypeJoinAck {
		return nil, fmt.Errorf("envelope type %q is not a join_ack", env.Type)
	}
	var a JoinAck
	if err := json.Unmarshal(env.Payload, &a); err != nil {
		return nil, fmt.Errorf("decode join_ack: %w", err)
	}
	return &a, nil
}

// DecodeServerError parses an error payload.
func DecodeServerError(env Envelope) (*ServerError, error) {
	var e ServerError
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return nil, fmt.Errorf("decode error payload: %w", err)
	}
	return &e, nil
}
