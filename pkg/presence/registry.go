// Package presence tracks which users are online and the live connections
// through which each of them can be reached.
package presence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mahaj/callrelay/pkg/model"
	"github.com/samber/lo"
)

// Conn is a live client connection. Send must not block; it reports false
// when the frame could not be queued.
type Conn interface {
	ID() string
	Send(env model.Envelope) bool
}

type entry struct {
	identity model.Identity
	conns    map[string]Conn
}

// Registry maps a user id to its set of live connections. A user is online
// iff that set is non-empty. All mutations and the online/offline broadcast
// decision happen under one lock, so exactly one user-online is emitted per
// zero-to-one transition and exactly one user-offline per one-to-zero.
type Registry struct {
	mu    sync.Mutex
	users map[string]*entry

	mirror   Mirror
	mirrorMu sync.Mutex
	log      *slog.Logger
}

type Option func(*Registry)

// WithMirror copies online/offline transitions to an external store.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		users: make(map[string]*entry),
		log:   log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds conn to the user's connection set and reports whether this
// was the user's first connection. Registering the same connection twice is
// a no-op.
func (r *Registry) Register(identity model.Identity, conn Conn) bool {
	r.mu.Lock()
	e, ok := r.users[identity.ID]
	if !ok {
		e = &entry{identity: identity, conns: make(map[string]Conn)}
		r.users[identity.ID] = e
	}
	if _, dup := e.conns[conn.ID()]; dup {
		r.mu.Unlock()
		return false
	}
	e.conns[conn.ID()] = conn
	first := len(e.conns) == 1
	if first {
		r.broadcastLocked(model.NewEnvelope(model.EventUserOnline, model.UserOnline{
			UserID:   identity.ID,
			Username: identity.Username,
		}), conn.ID())
	}
	r.mu.Unlock()

	r.log.Debug("Connection registered", "user_id", identity.ID, "conn_id", conn.ID(), "first", first)
	if first {
		r.syncMirror(identity)
	}
	return first
}

// Unregister removes conn and reports whether it was the user's last live
// connection. Unknown connections are ignored.
func (r *Registry) Unregister(identity model.Identity, conn Conn) bool {
	r.mu.Lock()
	e, ok := r.users[identity.ID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, known := e.conns[conn.ID()]; !known {
		r.mu.Unlock()
		return false
	}
	delete(e.conns, conn.ID())
	last := len(e.conns) == 0
	if last {
		delete(r.users, identity.ID)
		r.broadcastLocked(model.NewEnvelope(model.EventUserOffline, model.UserOffline{
			UserID: identity.ID,
		}), "")
	}
	r.mu.Unlock()

	r.log.Debug("Connection unregistered", "user_id", identity.ID, "conn_id", conn.ID(), "last", last)
	if last {
		r.syncMirror(identity)
	}
	return last
}

// Deliver sends env to every live connection of userID and returns how many
// accepted it. An offline user is not an error.
func (r *Registry) Deliver(userID string, env model.Envelope) int {
	return r.DeliverExcept(userID, "", env)
}

// DeliverExcept is Deliver skipping the connection with id exceptConnID.
func (r *Registry) DeliverExcept(userID, exceptConnID string, env model.Envelope) int {
	conns := r.Connections(userID)
	delivered := 0
	for _, c := range conns {
		if c.ID() == exceptConnID {
			continue
		}
		if c.Send(env) {
			delivered++
		}
	}
	if delivered == 0 {
		r.log.Debug("No live connection accepted event", "user_id", userID, "event", env.Event)
	}
	return delivered
}

// Connections returns a snapshot of userID's live connections.
func (r *Registry) Connections(userID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		return nil
	}
	return lo.Values(e.conns)
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// Online returns the identities of every online user.
func (r *Registry) Online() []model.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.MapToSlice(r.users, func(_ string, e *entry) model.Identity {
		return e.identity
	})
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.SumBy(lo.Values(r.users), func(e *entry) int { return len(e.conns) })
}

// Close detaches every connection without broadcasting. Used on shutdown.
func (r *Registry) Close() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []Conn
	for _, e := range r.users {
		all = append(all, lo.Values(e.conns)...)
	}
	r.users = make(map[string]*entry)
	return all
}

// broadcastLocked must be called with r.mu held.
func (r *Registry) broadcastLocked(env model.Envelope, exceptConnID string) {
	for _, e := range r.users {
		for id, c := range e.conns {
			if id == exceptConnID {
				continue
			}
			c.Send(env)
		}
	}
}

// syncMirror writes the user's current state rather than the transition that
// triggered it, so whichever call runs last leaves the mirror correct.
func (r *Registry) syncMirror(identity model.Identity) {
	if r.mirror == nil {
		return
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	var err error
	if r.IsOnline(identity.ID) {
		err = r.mirror.SetOnline(ctx, identity)
	} else {
		err = r.mirror.SetOffline(ctx, identity.ID)
	}
	if err != nil {
		r.log.Warn("Failed to mirror presence", "user_id", identity.ID, "error", err)
	}
}
