package model

import (
	"encoding/json"
	"time"
)

type EventType string

// Client -> server.
const (
	EventPrivateMessage EventType = "private-message"
	EventCallUser       EventType = "call-user"
	EventAnswerCall     EventType = "answer-call"
	EventICECandidate   EventType = "ice-candidate"
	EventRejectCall     EventType = "reject-call"
	EventEndCall        EventType = "end-call"
)

// Server -> client. ice-candidate is shared with the inbound set.
const (
	EventUserOnline     EventType = "user-online"
	EventUserOffline    EventType = "user-offline"
	EventReceiveMessage EventType = "receive-message"
	EventMessageSent    EventType = "message-sent"
	EventMessageError   EventType = "message-error"
	EventIncomingCall   EventType = "incoming-call"
	EventCallAnswered   EventType = "call-answered"
	EventCallRejected   EventType = "call-rejected"
	EventCallEnded      EventType = "call-ended"
)

// Envelope is one websocket frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope. The payload types in this
// package always marshal, so a failure here is a programming error.
func NewEnvelope(event EventType, data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		panic("model: marshal " + string(event) + ": " + err.Error())
	}
	return Envelope{Event: event, Data: raw}
}

// Inbound payloads.

type PrivateMessage struct {
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content"`
}

type CallUser struct {
	ReceiverID string          `json:"receiverId" validate:"required"`
	Offer      json.RawMessage `json:"offer"`
	CallID     string          `json:"callId" validate:"required"`
}

type AnswerCall struct {
	CallID     string          `json:"callId" validate:"required"`
	Answer     json.RawMessage `json:"answer"`
	ReceiverID string          `json:"receiverId"`
}

type ICECandidate struct {
	ReceiverID string          `json:"receiverId" validate:"required"`
	Candidate  json.RawMessage `json:"candidate"`
	CallID     string          `json:"callId"`
}

type RejectCall struct {
	ReceiverID string `json:"receiverId"`
	CallID     string `json:"callId" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

type EndCall struct {
	ReceiverID string `json:"receiverId"`
	CallID     string `json:"callId" validate:"required"`
}

// Outbound payloads.

type UserOnline struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserOffline struct {
	UserID string `json:"userId"`
}

type ReceiveMessage struct {
	ID        string    `json:"id"`
	Sender    Identity  `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageSent struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type MessageError struct {
	Error string `json:"error"`
}

type IncomingCall struct {
	From   Identity        `json:"from"`
	Offer  json.RawMessage `json:"offer"`
	CallID string          `json:"callId"`
}

type CallAnswered struct {
	From   Identity        `json:"from"`
	Answer json.RawMessage `json:"answer"`
	CallID string          `json:"callId"`
}

type ForwardedCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	CallID    string          `json:"callId"`
}

type CallRejected struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type CallEnded struct {
	CallID string `json:"callId"`
}
