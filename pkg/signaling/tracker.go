package signaling

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrUnknownCall  = errors.New("unknown call")
	ErrCallExists   = errors.New("call already exists")
	ErrInvalidState = errors.New("invalid call state")
	ErrNotAParty    = errors.New("not a party to the call")
	ErrSelfCall     = errors.New("cannot call yourself")
)

// Tracker is the live CallSession table. Terminal sessions leave the table
// immediately and are remembered as tombstones for ttl, so a late or
// repeated event cannot bring a finished call id back to life.
type Tracker struct {
	mu         sync.Mutex
	calls      map[string]*CallSession
	tombstones map[string]time.Time
	ttl        time.Duration
	now        func() time.Time
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		calls:      make(map[string]*CallSession),
		tombstones: make(map[string]time.Time),
		ttl:        ttl,
		now:        time.Now,
	}
}

// Offer opens a new session in the Offered state.
func (t *Tracker) Offer(callID, callerID, callerConn, calleeID string) (CallSession, error) {
	if callerID == calleeID {
		return CallSession{}, ErrSelfCall
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)
	if _, live := t.calls[callID]; live {
		return CallSession{}, ErrCallExists
	}
	if _, dead := t.tombstones[callID]; dead {
		return CallSession{}, ErrCallExists
	}

	s := &CallSession{
		CallID:     callID,
		CallerID:   callerID,
		CalleeID:   calleeID,
		CallerConn: callerConn,
		State:      StateOffered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.calls[callID] = s
	return *s, nil
}

// Cancel drops an Offered session that never reached the callee. It leaves
// no tombstone so the caller may retry with the same id.
func (t *Tracker) Cancel(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.calls[callID]; ok && s.State == StateOffered {
		delete(t.calls, callID)
	}
}

// Answer moves an Offered session to Answered. Only the callee may answer,
// and only the first answer counts.
func (t *Tracker) Answer(callID, userID, connID string) (CallSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.calls[callID]
	if !ok {
		return CallSession{}, ErrUnknownCall
	}
	if userID != s.CalleeID {
		return CallSession{}, ErrNotAParty
	}
	if s.State != StateOffered {
		return CallSession{}, ErrInvalidState
	}

	s.State = StateAnswered
	s.CalleeConn = connID
	s.UpdatedAt = t.now()
	return *s, nil
}

// Reject ends an Offered session on the callee's behalf.
func (t *Tracker) Reject(callID, userID string) (CallSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.calls[callID]
	if !ok {
		return CallSession{}, ErrUnknownCall
	}
	if userID != s.CalleeID {
		return CallSession{}, ErrNotAParty
	}
	if s.State != StateOffered {
		return CallSession{}, ErrInvalidState
	}

	return t.finishLocked(s, StateRejected), nil
}

// End terminates an Offered or Answered session. Either party may end it.
func (t *Tracker) End(callID, userID string) (CallSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.calls[callID]
	if !ok {
		return CallSession{}, ErrUnknownCall
	}
	if s.Peer(userID) == "" {
		return CallSession{}, ErrNotAParty
	}

	return t.finishLocked(s, StateEnded), nil
}

// DropConnection ends every live session that depended on connID: calls it
// placed, calls it answered, and ringing calls to a callee who has no
// connection left (userOffline).
func (t *Tracker) DropConnection(userID, connID string, userOffline bool) []CallSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ended []CallSession
	for _, s := range t.calls {
		switch {
		case s.CallerID == userID && s.CallerConn == connID,
			s.CalleeID == userID && s.CalleeConn == connID,
			s.CalleeID == userID && s.State == StateOffered && userOffline:
			ended = append(ended, t.finishLocked(s, StateEnded))
		}
	}
	return ended
}

func (t *Tracker) Get(callID string) (CallSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.calls[callID]
	if !ok {
		return CallSession{}, false
	}
	return *s, true
}

// Live returns the number of sessions that are Offered or Answered.
func (t *Tracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// finishLocked must be called with t.mu held.
func (t *Tracker) finishLocked(s *CallSession, state State) CallSession {
	now := t.now()
	s.State = state
	s.UpdatedAt = now
	delete(t.calls, s.CallID)
	t.tombstones[s.CallID] = now
	return *s
}

func (t *Tracker) pruneLocked(now time.Time) {
	for id, at := range t.tombstones {
		if now.Sub(at) > t.ttl {
			delete(t.tombstones, id)
		}
	}
}
