package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/mahaj/callrelay/pkg/auth"
	"github.com/mahaj/callrelay/pkg/db"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/presence"
	"github.com/mahaj/callrelay/pkg/relay"
	"github.com/mahaj/callrelay/pkg/signaling"
	"github.com/mahaj/callrelay/pkg/store"
	"github.com/mahaj/callrelay/pkg/stream"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var (
	alice = model.Identity{ID: "u-alice", Username: "alice"}
	bob   = model.Identity{ID: "u-bob", Username: "bob"}
)

type testEnv struct {
	server   *httptest.Server
	jwt      *auth.JWT
	registry *presence.Registry
	store    *store.SQLiteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, ClientOptions{
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
		RateBurst:      100,
		RateInterval:   time.Second,
	})
}

func newTestEnvWith(t *testing.T, opts ClientOptions) *testEnv {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	st := store.NewSQLiteStore(conn)
	require.NoError(t, st.Migrate(t.Context()))

	registry := presence.NewRegistry(log)
	router := relay.NewRouter(relay.Deps{
		Store:            st,
		Publisher:        stream.NewDirectPublisher(st),
		Calls:            signaling.NewTracker(time.Minute),
		Validate:         validator.New(),
		Log:              log,
		MaxContentLength: 1000,
	}, registry)
	hub := NewHub(registry, router, log)
	jwt := auth.NewJWT("test-secret", time.Hour)
	gateway := NewGateway(hub, jwt, newOriginPolicy([]string{"http://localhost:3000"}, log), opts, log)

	server := httptest.NewServer(gateway.Routes())
	t.Cleanup(func() {
		server.Close()
		hub.shutdown()
		st.Close()
	})
	return &testEnv{server: server, jwt: jwt, registry: registry, store: st}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

func (e *testEnv) token(t *testing.T, identity model.Identity) string {
	t.Helper()
	token, _, err := e.jwt.GenerateToken(identity)
	require.NoError(t, err)
	return token
}

// connect dials as identity and waits until the registry has the connection.
func (e *testEnv) connect(t *testing.T, identity model.Identity) *websocket.Conn {
	t.Helper()
	before := len(e.registry.Connections(identity.ID))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, identity))

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return len(e.registry.Connections(identity.ID)) == before+1
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event model.EventType, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(model.NewEnvelope(event, payload)))
}

// expect reads frames until one carries event, skipping the rest.
func expect(t *testing.T, conn *websocket.Conn, event model.EventType) model.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env model.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func TestServeWs_RejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		url  string
	}{
		{"no token", env.wsURL()},
		{"garbage token", env.wsURL() + "?token=not-a-jwt"},
		{"token signed elsewhere", env.wsURL() + "?token=" + mustToken(t, auth.NewJWT("other-secret", time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)

			req.ErrorIs(err, websocket.ErrBadHandshake)
			req.Equal(http.StatusUnauthorized, resp.StatusCode)
			req.Zero(env.registry.ConnectionCount())
		})
	}
}

func mustToken(t *testing.T, j *auth.JWT) string {
	t.Helper()
	token, _, err := j.GenerateToken(alice)
	require.NoError(t, err)
	return token
}

func TestServeWs_QueryTokenAndOrigin(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	url := env.wsURL() + "?token=" + env.token(t, alice)

	// A disallowed browser origin is refused
	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	req.Error(err)
	req.Equal(http.StatusForbidden, resp.StatusCode)

	// The configured origin connects with the token in the query string
	header.Set("Origin", "http://LOCALHOST:3000")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	req.NoError(err)
	defer conn.Close()
	req.Eventually(func() bool { return env.registry.IsOnline(alice.ID) }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_PresenceBroadcasts(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	aliceConn := env.connect(t, alice)

	// When bob connects, alice hears about it
	bobConn := env.connect(t, bob)
	online := expect(t, aliceConn, model.EventUserOnline)
	var payload model.UserOnline
	req.NoError(json.Unmarshal(online.Data, &payload))
	req.Equal(model.UserOnline{UserID: bob.ID, Username: bob.Username}, payload)

	// When bob leaves, alice hears that too
	req.NoError(bobConn.Close())
	offline := expect(t, aliceConn, model.EventUserOffline)
	var gone model.UserOffline
	req.NoError(json.Unmarshal(offline.Data, &gone))
	req.Equal(bob.ID, gone.UserID)
	req.Eventually(func() bool { return !env.registry.IsOnline(bob.ID) }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_PrivateMessage(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	aliceConn := env.connect(t, alice)
	bobConn := env.connect(t, bob)

	send(t, aliceConn, model.EventPrivateMessage, model.PrivateMessage{ReceiverID: bob.ID, Content: "hello bob"})

	received := expect(t, bobConn, model.EventReceiveMessage)
	var msg model.ReceiveMessage
	req.NoError(json.Unmarshal(received.Data, &msg))
	req.Equal(alice, msg.Sender)
	req.Equal("hello bob", msg.Content)

	ack := expect(t, aliceConn, model.EventMessageSent)
	var sent model.MessageSent
	req.NoError(json.Unmarshal(ack.Data, &sent))
	req.Equal(msg.ID, sent.ID)

	// The message is in history and the conversation index
	history, err := env.store.Conversation(t.Context(), alice.ID, bob.ID, store.ConversationLimit)
	req.NoError(err)
	req.Len(history, 1)
	convs, err := env.store.Conversations(t.Context(), bob.ID)
	req.NoError(err)
	req.Len(convs, 1)
}

func TestGateway_RateLimitedMessagesAreReported(t *testing.T) {
	req := require.New(t)
	// A burst of 10 that refills once an hour
	env := newTestEnvWith(t, ClientOptions{
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		RateBurst:      10,
		RateInterval:   time.Hour,
	})
	aliceConn := env.connect(t, alice)

	// Given more private messages than the burst allows
	const sent = 130
	for i := range sent {
		send(t, aliceConn, model.EventPrivateMessage, model.PrivateMessage{ReceiverID: bob.ID, Content: fmt.Sprintf("msg %d", i)})
	}

	// When alice reads every reply to her messages
	acks, failures := 0, 0
	req.NoError(aliceConn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	for acks+failures < sent {
		var frame model.Envelope
		req.NoError(aliceConn.ReadJSON(&frame), "acks=%d errors=%d", acks, failures)
		switch frame.Event {
		case model.EventMessageSent:
			acks++
		case model.EventMessageError:
			var msgErr model.MessageError
			req.NoError(json.Unmarshal(frame.Data, &msgErr))
			req.Equal("rate limit exceeded", msgErr.Error)
			failures++
		}
	}

	// Then every message was either acknowledged or reported as failed
	req.Equal(sent, acks+failures)
	req.Equal(10, acks)
	history, err := env.store.Conversation(t.Context(), alice.ID, bob.ID, sent)
	req.NoError(err)
	req.Len(history, acks)
}

func TestGateway_CallSignaling(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	aliceConn := env.connect(t, alice)
	bobConn := env.connect(t, bob)

	send(t, aliceConn, model.EventCallUser, model.CallUser{ReceiverID: bob.ID, CallID: "c1", Offer: json.RawMessage(`{"sdp":"o"}`)})
	incoming := expect(t, bobConn, model.EventIncomingCall)
	var call model.IncomingCall
	req.NoError(json.Unmarshal(incoming.Data, &call))
	req.Equal("c1", call.CallID)
	req.Equal(alice, call.From)

	send(t, bobConn, model.EventAnswerCall, model.AnswerCall{CallID: "c1", ReceiverID: alice.ID, Answer: json.RawMessage(`{"sdp":"a"}`)})
	expect(t, aliceConn, model.EventCallAnswered)

	// Dropping alice's connection ends the call for bob
	req.NoError(aliceConn.Close())
	ended := expect(t, bobConn, model.EventCallEnded)
	var payload model.CallEnded
	req.NoError(json.Unmarshal(ended.Data, &payload))
	req.Equal("c1", payload.CallID)
}

func TestGateway_Health(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	req.NoError(err)
	defer resp.Body.Close()

	req.Equal(http.StatusOK, resp.StatusCode)
	var body map[string]any
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("ok", body["status"])
}

func TestClient_SendClosesSlowClient(t *testing.T) {
	req := require.New(t)
	c := &Client{
		id:   "c1",
		send: make(chan []byte, 1),
		done: make(chan struct{}),
		log:  logs.GetLoggerFromLevel(slog.LevelDebug),
	}
	env := model.NewEnvelope(model.EventCallEnded, model.CallEnded{CallID: "x"})

	req.True(c.Send(env))
	// The buffer is full: the client is closed rather than blocking the sender
	req.False(c.Send(env))
	select {
	case <-c.done:
	default:
		req.Fail("client should be closed")
	}
	req.False(c.Send(env))
}
