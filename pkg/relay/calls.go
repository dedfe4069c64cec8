package relay

import (
	"context"
	"encoding/json"

	"github.com/mahaj/callrelay/pkg/model"
)

const defaultRejectReason = "User declined the call"

// Signaling is best effort: every rejected event below is dropped without
// telling the sender.

func handleCallUser(_ context.Context, deps *Deps, from Origin, data json.RawMessage) []Outbound {
	var req model.CallUser
	if err := decode(deps, data, &req); err != nil {
		deps.Log.Debug("Dropping call-user", "user_id", from.Identity.ID, "error", err)
		return nil
	}
	if !deps.Directory.IsOnline(req.ReceiverID) {
		deps.Log.Debug("Dropping call-user to offline user", "call_id", req.CallID, "receiver_id", req.ReceiverID)
		return nil
	}

	if _, err := deps.Calls.Offer(req.CallID, from.Identity.ID, from.ConnID, req.ReceiverID); err != nil {
		deps.Log.Debug("Dropping call-user", "call_id", req.CallID, "error", err)
		return nil
	}
	deps.Log.Info("Call offered", "call_id", req.CallID, "caller_id", from.Identity.ID, "callee_id", req.ReceiverID)

	out := ToUser(req.ReceiverID, model.NewEnvelope(model.EventIncomingCall, model.IncomingCall{
		From:   from.Identity,
		Offer:  req.Offer,
		CallID: req.CallID,
	}))
	out.OnUndelivered = func() { deps.Calls.Cancel(req.CallID) }
	return []Outbound{out}
}

func handleAnswerCall(_ context.Context, deps *Deps, from Origin, data json.RawMessage) []Outbound {
	var req model.AnswerCall
	if err := decode(deps, data, &req); err != nil {
		deps.Log.Debug("Dropping answer-call", "user_id", from.Identity.ID, "error", err)
		return nil
	}

	s, err := deps.Calls.Answer(req.CallID, from.Identity.ID, from.ConnID)
	if err != nil {
		deps.Log.Debug("Dropping answer-call", "call_id", req.CallID, "error", err)
		return nil
	}
	deps.Log.Info("Call answered", "call_id", s.CallID, "callee_id", s.CalleeID, "conn_id", from.ConnID)

	return []Outbound{
		ToUser(s.CallerID, model.NewEnvelope(model.EventCallAnswered, model.CallAnswered{
			From:   from.Identity,
			Answer: req.Answer,
			CallID: s.CallID,
		})),
		stopRingingElsewhere(from, s.CallID),
	}
}

// handleICECandidate forwards candidates whatever the call state: they can
// legitimately arrive before the answer.
func handleICECandidate(_ context.Context, deps *Deps, from Origin, data json.RawMessage) []Outbound {
	var req model.ICECandidate
	if err := decode(deps, data, &req); err != nil {
		deps.Log.Debug("Dropping ice-candidate", "user_id", from.Identity.ID, "error", err)
		return nil
	}

	return []Outbound{
		ToUser(req.ReceiverID, model.NewEnvelope(model.EventICECandidate, model.ForwardedCandidate{
			Candidate: req.Candidate,
			CallID:    req.CallID,
		})),
	}
}

func handleRejectCall(_ context.Context, deps *Deps, from Origin, data json.RawMessage) []Outbound {
	var req model.RejectCall
	if err := decode(deps, data, &req); err != nil {
		deps.Log.Debug("Dropping reject-call", "user_id", from.Identity.ID, "error", err)
		return nil
	}

	s, err := deps.Calls.Reject(req.CallID, from.Identity.ID)
	if err != nil {
		deps.Log.Debug("Dropping reject-call", "call_id", req.CallID, "error", err)
		return nil
	}
	deps.Log.Info("Call rejected", "call_id", s.CallID, "callee_id", s.CalleeID)

	reason := req.Reason
	if reason == "" {
		reason = defaultRejectReason
	}
	return []Outbound{
		ToUser(s.CallerID, model.NewEnvelope(model.EventCallRejected, model.CallRejected{
			CallID: s.CallID,
			Reason: reason,
		})),
		stopRingingElsewhere(from, s.CallID),
	}
}

func handleEndCall(_ context.Context, deps *Deps, from Origin, data json.RawMessage) []Outbound {
	var req model.EndCall
	if err := decode(deps, data, &req); err != nil {
		deps.Log.Debug("Dropping end-call", "user_id", from.Identity.ID, "error", err)
		return nil
	}

	s, err := deps.Calls.End(req.CallID, from.Identity.ID)
	if err != nil {
		deps.Log.Debug("Dropping end-call", "call_id", req.CallID, "error", err)
		return nil
	}
	deps.Log.Info("Call ended", "call_id", s.CallID, "user_id", from.Identity.ID)

	return []Outbound{ToUser(s.Peer(from.Identity.ID), callEnded(s.CallID))}
}

// stopRingingElsewhere tells the callee's other devices that the call was
// handled on the origin connection.
func stopRingingElsewhere(from Origin, callID string) Outbound {
	return Outbound{
		UserID:     from.Identity.ID,
		ExceptConn: from.ConnID,
		Envelope:   callEnded(callID),
	}
}

func callEnded(callID string) model.Envelope {
	return model.NewEnvelope(model.EventCallEnded, model.CallEnded{CallID: callID})
}
