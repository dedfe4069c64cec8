// Package relay routes inbound client events to handlers and delivers the
// events they produce. Handlers are plain functions of (deps, origin,
// payload) that return outbound events; only the Router touches connections.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/presence"
	"github.com/mahaj/callrelay/pkg/signaling"
)

// Origin identifies the connection an event arrived on.
type Origin struct {
	Identity model.Identity
	ConnID   string
}

// Outbound is an event addressed to the origin connection (UserID empty) or
// to every live connection of UserID except ExceptConn.
type Outbound struct {
	UserID     string
	ExceptConn string
	Envelope   model.Envelope
	// OnUndelivered runs when no connection accepted a user-addressed event.
	OnUndelivered func()
}

func ToOrigin(env model.Envelope) Outbound {
	return Outbound{Envelope: env}
}

func ToUser(userID string, env model.Envelope) Outbound {
	return Outbound{UserID: userID, Envelope: env}
}

type Deps struct {
	Directory        Directory
	Store            MessageSaver
	Publisher        EventPublisher
	Calls            *signaling.Tracker
	Validate         *validator.Validate
	Log              *slog.Logger
	MaxContentLength int
}

type HandlerFunc func(ctx context.Context, deps *Deps, from Origin, data json.RawMessage) []Outbound

var handlers = map[model.EventType]HandlerFunc{
	model.EventPrivateMessage: handlePrivateMessage,
	model.EventCallUser:       handleCallUser,
	model.EventAnswerCall:     handleAnswerCall,
	model.EventICECandidate:   handleICECandidate,
	model.EventRejectCall:     handleRejectCall,
	model.EventEndCall:        handleEndCall,
}

type Router struct {
	deps     *Deps
	registry *presence.Registry
}

func NewRouter(deps Deps, registry *presence.Registry) *Router {
	if deps.Validate == nil {
		deps.Validate = validator.New()
	}
	if deps.Directory == nil {
		deps.Directory = registry
	}
	return &Router{deps: &deps, registry: registry}
}

// Dispatch runs the handler for env and delivers what it returns. Unknown
// events are dropped.
func (r *Router) Dispatch(ctx context.Context, from Origin, origin presence.Conn, env model.Envelope) {
	handle, ok := handlers[env.Event]
	if !ok {
		r.deps.Log.Debug("Dropping unknown event", "event", env.Event, "user_id", from.Identity.ID)
		return
	}
	r.apply(origin, handle(ctx, r.deps, from, env.Data))
}

// Disconnect ends the calls that depended on a dropped connection and tells
// each remaining peer.
func (r *Router) Disconnect(from Origin, userOffline bool) {
	ended := r.deps.Calls.DropConnection(from.Identity.ID, from.ConnID, userOffline)
	out := make([]Outbound, 0, len(ended))
	for _, s := range ended {
		r.deps.Log.Info("Call ended by disconnect", "call_id", s.CallID, "user_id", from.Identity.ID)
		out = append(out, ToUser(s.Peer(from.Identity.ID), callEnded(s.CallID)))
	}
	r.apply(nil, out)
}

func (r *Router) apply(origin presence.Conn, out []Outbound) {
	for _, o := range out {
		if o.UserID == "" {
			if origin != nil && !origin.Send(o.Envelope) {
				r.deps.Log.Warn("Failed to queue event for origin", "event", o.Envelope.Event, "conn_id", origin.ID())
			}
			continue
		}
		if r.registry.DeliverExcept(o.UserID, o.ExceptConn, o.Envelope) == 0 && o.OnUndelivered != nil {
			o.OnUndelivered()
		}
	}
}

// decode unmarshals and validates a payload.
func decode(deps *Deps, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return ErrBadPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := deps.Validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
