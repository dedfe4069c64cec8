// Package signaling holds the call negotiation state machine. It tracks one
// CallSession per call id and decides which signaling events are valid; the
// relay package turns those decisions into outbound events.
package signaling

import "time"

type State string

const (
	StateOffered  State = "offered"
	StateAnswered State = "answered"
	StateEnded    State = "ended"
	StateRejected State = "rejected"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected
}

type CallSession struct {
	CallID   string
	CallerID string
	CalleeID string
	// CallerConn placed the offer; CalleeConn answered it and stays empty
	// while the call is ringing.
	CallerConn string
	CalleeConn string
	State      State
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Peer returns the other party of the call, or "" if userID is not a party.
func (s CallSession) Peer(userID string) string {
	switch userID {
	case s.CallerID:
		return s.CalleeID
	case s.CalleeID:
		return s.CallerID
	default:
		return ""
	}
}
