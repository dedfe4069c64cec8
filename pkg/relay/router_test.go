package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/callrelay/mocks"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/presence"
	"github.com/mahaj/callrelay/pkg/signaling"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	alice = model.Identity{ID: "u-alice", Username: "alice"}
	bob   = model.Identity{ID: "u-bob", Username: "bob"}
)

type recordingConn struct {
	id string

	mu     sync.Mutex
	frames []model.Envelope
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(env model.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return true
}

// received returns the frames of the given events, in arrival order.
func (c *recordingConn) received(events ...model.EventType) []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Envelope
	for _, f := range c.frames {
		for _, e := range events {
			if f.Event == e {
				out = append(out, f)
			}
		}
	}
	return out
}

var callEvents = []model.EventType{
	model.EventIncomingCall,
	model.EventCallAnswered,
	model.EventICECandidate,
	model.EventCallRejected,
	model.EventCallEnded,
}

type harness struct {
	registry  *presence.Registry
	calls     *signaling.Tracker
	router    *Router
	saver     *mocks.MockMessageSaver
	publisher *mocks.MockEventPublisher
}

func newHarness(t *testing.T) *harness {
	ctrl := gomock.NewController(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	h := &harness{
		registry:  presence.NewRegistry(log),
		calls:     signaling.NewTracker(time.Minute),
		saver:     mocks.NewMockMessageSaver(ctrl),
		publisher: mocks.NewMockEventPublisher(ctrl),
	}
	h.router = NewRouter(Deps{
		Store:            h.saver,
		Publisher:        h.publisher,
		Calls:            h.calls,
		Log:              log,
		MaxContentLength: 20,
	}, h.registry)
	return h
}

func (h *harness) connect(identity model.Identity, connID string) *recordingConn {
	conn := &recordingConn{id: connID}
	h.registry.Register(identity, conn)
	return conn
}

func (h *harness) send(identity model.Identity, conn *recordingConn, event model.EventType, payload any) {
	h.router.Dispatch(context.Background(), Origin{Identity: identity, ConnID: conn.id}, conn, model.NewEnvelope(event, payload))
}

func (h *harness) disconnect(identity model.Identity, conn *recordingConn) {
	offline := h.registry.Unregister(identity, conn)
	h.router.Disconnect(Origin{Identity: identity, ConnID: conn.id}, offline)
}

func decodeData[T any](t *testing.T, env model.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func stored(sender, receiver, content string) *model.ChatMessage {
	return &model.ChatMessage{
		ID:         "m-1",
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRouter_PrivateMessage_PersistsThenDelivers(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1, a2 := h.connect(alice, "a1"), h.connect(alice, "a2")
	b1, b2 := h.connect(bob, "b1"), h.connect(bob, "b2")
	msg := stored(alice.ID, bob.ID, "hi")

	// Given the store accepts the message
	gomock.InOrder(
		h.saver.EXPECT().SaveMessage(gomock.Any(), alice.ID, bob.ID, "hi").Return(msg, nil),
		h.publisher.EXPECT().PublishMessage(gomock.Any(), *msg).Return(nil),
	)

	// When alice sends from her first device
	h.send(alice, a1, model.EventPrivateMessage, model.PrivateMessage{ReceiverID: bob.ID, Content: "hi"})

	// Then every bob device receives it once, with the stored id and time
	for _, conn := range []*recordingConn{b1, b2} {
		frames := conn.received(model.EventReceiveMessage)
		req.Len(frames, 1)
		got := decodeData[model.ReceiveMessage](t, frames[0])
		req.Equal(msg.ID, got.ID)
		req.Equal(alice, got.Sender)
		req.Equal("hi", got.Content)
		req.True(msg.CreatedAt.Equal(got.CreatedAt))
	}

	// And only the sending connection is acknowledged
	acks := a1.received(model.EventMessageSent)
	req.Len(acks, 1)
	req.Equal(msg.ID, decodeData[model.MessageSent](t, acks[0]).ID)
	req.Empty(a2.received(model.EventMessageSent, model.EventReceiveMessage))
	req.Empty(a1.received(model.EventReceiveMessage))
}

func TestRouter_PrivateMessage_PersistenceFailure(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	b1 := h.connect(bob, "b1")

	h.saver.EXPECT().SaveMessage(gomock.Any(), alice.ID, bob.ID, "hi").Return(nil, errors.New("connection refused"))
	h.publisher.EXPECT().PublishMessage(gomock.Any(), gomock.Any()).Times(0)

	h.send(alice, a1, model.EventPrivateMessage, model.PrivateMessage{ReceiverID: bob.ID, Content: "hi"})

	// The receiver sees nothing and the sender gets a generic error
	req.Empty(b1.received(model.EventReceiveMessage))
	req.Empty(a1.received(model.EventMessageSent))
	errs := a1.received(model.EventMessageError)
	req.Len(errs, 1)
	req.Equal(ErrPersistence.Error(), decodeData[model.MessageError](t, errs[0]).Error)
}

func TestRouter_PrivateMessage_RejectedBeforeStore(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    error
	}{
		{"empty content", model.PrivateMessage{ReceiverID: bob.ID, Content: ""}, ErrEmptyContent},
		{"whitespace content", model.PrivateMessage{ReceiverID: bob.ID, Content: "  \n\t"}, ErrEmptyContent},
		{"too long", model.PrivateMessage{ReceiverID: bob.ID, Content: strings.Repeat("x", 21)}, ErrTooLong},
		{"missing receiver", model.PrivateMessage{Content: "hi"}, ErrBadPayload},
		{"not an object", []string{"hi"}, ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			h := newHarness(t)
			a1 := h.connect(alice, "a1")
			h.saver.EXPECT().SaveMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

			h.send(alice, a1, model.EventPrivateMessage, tt.payload)

			errs := a1.received(model.EventMessageError)
			req.Len(errs, 1)
			req.Equal(tt.want.Error(), decodeData[model.MessageError](t, errs[0]).Error)
		})
	}
}

func TestRouter_PrivateMessage_OfflineReceiverStillStored(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	msg := stored(alice.ID, bob.ID, "later")

	h.saver.EXPECT().SaveMessage(gomock.Any(), alice.ID, bob.ID, "later").Return(msg, nil)
	h.publisher.EXPECT().PublishMessage(gomock.Any(), *msg).Return(errors.New("broker down"))

	h.send(alice, a1, model.EventPrivateMessage, model.PrivateMessage{ReceiverID: bob.ID, Content: "later"})

	// A failed publish does not turn into a client error
	req.Len(a1.received(model.EventMessageSent), 1)
	req.Empty(a1.received(model.EventMessageError))
}

func TestRouter_CallLifecycle(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	b1 := h.connect(bob, "b1")
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)

	// When alice calls bob, both trickle two candidates, bob answers and alice hangs up
	h.send(alice, a1, model.EventCallUser, model.CallUser{ReceiverID: bob.ID, Offer: offer, CallID: "c1"})
	h.send(alice, a1, model.EventICECandidate, model.ICECandidate{ReceiverID: bob.ID, Candidate: json.RawMessage(`{"candidate":"a"}`), CallID: "c1"})
	h.send(bob, b1, model.EventAnswerCall, model.AnswerCall{CallID: "c1", Answer: answer, ReceiverID: alice.ID})
	h.send(bob, b1, model.EventICECandidate, model.ICECandidate{ReceiverID: alice.ID, Candidate: json.RawMessage(`{"candidate":"b"}`), CallID: "c1"})
	h.send(alice, a1, model.EventICECandidate, model.ICECandidate{ReceiverID: bob.ID, Candidate: json.RawMessage(`{"candidate":"c"}`), CallID: "c1"})
	h.send(bob, b1, model.EventICECandidate, model.ICECandidate{ReceiverID: alice.ID, Candidate: json.RawMessage(`{"candidate":"d"}`), CallID: "c1"})
	h.send(alice, a1, model.EventEndCall, model.EndCall{ReceiverID: bob.ID, CallID: "c1"})

	// Then bob sees the offer, the candidates and the hang up
	bobFrames := b1.received(callEvents...)
	req.Equal([]model.EventType{
		model.EventIncomingCall, model.EventICECandidate, model.EventICECandidate, model.EventCallEnded,
	}, eventsOf(bobFrames))
	incoming := decodeData[model.IncomingCall](t, bobFrames[0])
	req.Equal(alice, incoming.From)
	req.Equal("c1", incoming.CallID)
	req.JSONEq(string(offer), string(incoming.Offer))

	// And alice sees the answer and both of bob's candidates, with no echo of her own end-call
	aliceFrames := a1.received(callEvents...)
	req.Equal([]model.EventType{
		model.EventCallAnswered, model.EventICECandidate, model.EventICECandidate,
	}, eventsOf(aliceFrames))
	answered := decodeData[model.CallAnswered](t, aliceFrames[0])
	req.Equal(bob, answered.From)
	req.JSONEq(string(answer), string(answered.Answer))
	req.JSONEq(`{"candidate":"b"}`, string(decodeData[model.ForwardedCandidate](t, aliceFrames[1]).Candidate))
	req.JSONEq(`{"candidate":"d"}`, string(decodeData[model.ForwardedCandidate](t, aliceFrames[2]).Candidate))

	_, live := h.calls.Get("c1")
	req.False(live)
}

func TestRouter_ICEBeforeCallIsForwarded(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	b1 := h.connect(bob, "b1")

	h.send(alice, a1, model.EventICECandidate, model.ICECandidate{ReceiverID: bob.ID, Candidate: json.RawMessage(`{"candidate":"early"}`), CallID: "c9"})

	frames := b1.received(model.EventICECandidate)
	req.Len(frames, 1)
	got := decodeData[model.ForwardedCandidate](t, frames[0])
	req.Equal("c9", got.CallID)
	req.JSONEq(`{"candidate":"early"}`, string(got.Candidate))
}

func TestRouter_CallUser_Dropped(t *testing.T) {
	tests := []struct {
		name    string
		payload model.CallUser
	}{
		{"offline callee", model.CallUser{ReceiverID: "u-nobody", CallID: "c1"}},
		{"self call", model.CallUser{ReceiverID: alice.ID, CallID: "c1"}},
		{"missing call id", model.CallUser{ReceiverID: bob.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			h := newHarness(t)
			a1, a2 := h.connect(alice, "a1"), h.connect(alice, "a2")
			b1 := h.connect(bob, "b1")

			h.send(alice, a1, model.EventCallUser, tt.payload)

			req.Empty(a1.received(callEvents...))
			req.Empty(a2.received(callEvents...))
			req.Empty(b1.received(callEvents...))
			req.Zero(h.calls.Live())
		})
	}
}

func TestRouter_AnswerOnOneDevice(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	b1, b2 := h.connect(bob, "b1"), h.connect(bob, "b2")

	// Given both of bob's devices ring
	h.send(alice, a1, model.EventCallUser, model.CallUser{ReceiverID: bob.ID, CallID: "c1"})
	req.Len(b1.received(model.EventIncomingCall), 1)
	req.Len(b2.received(model.EventIncomingCall), 1)

	// When the second device answers, then the first one also tries
	h.send(bob, b2, model.EventAnswerCall, model.AnswerCall{CallID: "c1", ReceiverID: alice.ID})
	h.send(bob, b1, model.EventAnswerCall, model.AnswerCall{CallID: "c1", ReceiverID: alice.ID})

	// Then alice hears one answer and the first device stops ringing
	req.Len(a1.received(model.EventCallAnswered), 1)
	req.Len(b1.received(model.EventCallEnded), 1)
	req.Empty(b2.received(model.EventCallEnded))

	s, _ := h.calls.Get("c1")
	req.Equal("b2", s.CalleeConn)
}

func TestRouter_RejectCall(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	b1 := h.connect(bob, "b1")

	h.send(alice, a1, model.EventCallUser, model.CallUser{ReceiverID: bob.ID, CallID: "c1"})
	h.send(bob, b1, model.EventRejectCall, model.RejectCall{ReceiverID: alice.ID, CallID: "c1"})
	// A second reject for a finished call goes nowhere
	h.send(bob, b1, model.EventRejectCall, model.RejectCall{ReceiverID: alice.ID, CallID: "c1", Reason: "busy"})

	frames := a1.received(model.EventCallRejected)
	req.Len(frames, 1)
	got := decodeData[model.CallRejected](t, frames[0])
	req.Equal(model.CallRejected{CallID: "c1", Reason: defaultRejectReason}, got)
}

func TestRouter_CallerCannotAnswerOwnCall(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	h.connect(bob, "b1")

	h.send(alice, a1, model.EventCallUser, model.CallUser{ReceiverID: bob.ID, CallID: "c1"})
	h.send(alice, a1, model.EventAnswerCall, model.AnswerCall{CallID: "c1"})

	req.Empty(a1.received(model.EventCallAnswered))
	s, _ := h.calls.Get("c1")
	req.Equal(signaling.StateOffered, s.State)
}

func TestRouter_DisconnectEndsCall(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")
	b1 := h.connect(bob, "b1")
	h.send(alice, a1, model.EventCallUser, model.CallUser{ReceiverID: bob.ID, CallID: "c1"})
	h.send(bob, b1, model.EventAnswerCall, model.AnswerCall{CallID: "c1"})

	// When bob's answering connection drops
	h.disconnect(bob, b1)

	// Then alice is told the call ended
	frames := a1.received(model.EventCallEnded)
	req.Len(frames, 1)
	req.Equal("c1", decodeData[model.CallEnded](t, frames[0]).CallID)
	req.Zero(h.calls.Live())
}

func TestRouter_UnknownEventIsDropped(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a1 := h.connect(alice, "a1")

	h.router.Dispatch(context.Background(), Origin{Identity: alice, ConnID: "a1"}, a1, model.Envelope{Event: "typing"})

	req.Empty(a1.received(model.EventMessageError))
}

func eventsOf(frames []model.Envelope) []model.EventType {
	out := make([]model.EventType, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestMessageError_ReportsCategoryOnly(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited", ErrRateLimited, "rate limit exceeded"},
		{"wrapped persistence failure", errors.Join(ErrPersistence, errors.New("disk full")), "failed to save message"},
		{"wrapped bad payload", errors.Join(ErrBadPayload, errors.New("json: unexpected end")), "malformed payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			env := MessageError(tt.err)
			req.Equal(model.EventMessageError, env.Event)
			req.Equal(tt.want, decodeData[model.MessageError](t, env).Error)
		})
	}
}
