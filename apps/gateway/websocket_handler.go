package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/callrelay/pkg/auth"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type ClientOptions struct {
	MaxMessageSize int64
	SendBuffer     int
	RateBurst      int
	RateInterval   time.Duration
}

// Client is a middleman between the websocket connection and the hub. It
// implements presence.Conn.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string
	identity model.Identity

	// Buffered channel of outbound frames. Never closed; done signals the
	// write pump to stop.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	limiter *rateLimiter
	log     *slog.Logger
}

func (c *Client) ID() string { return c.id }

// Send queues env without blocking. A client whose buffer is full is too
// slow to keep up and is disconnected.
func (c *Client) Send(env model.Envelope) bool {
	frame, err := json.Marshal(env)
	if err != nil {
		c.log.Error("Failed to encode event", "event", env.Event, "error", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("Send buffer full, closing slow client", "event", env.Event)
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) origin() relay.Origin {
	return relay.Origin{Identity: c.identity, ConnID: c.id}
}

// readPump dispatches inbound events one at a time, so events from a single
// connection are handled in the order they were sent.
func (c *Client) readPump(maxMessageSize int64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.log.Warn("Frame exceeded maximum size", "limit", maxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				c.log.Warn("Unexpected websocket close", "error", err)
			default:
				c.log.Debug("Connection closed", "error", err)
			}
			return
		}

		allowed := c.limiter.allow()

		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.log.Debug("Discarding malformed frame", "error", err)
			continue
		}

		if !allowed {
			c.log.Warn("Rate limit exceeded, discarding event", "event", env.Event)
			// A dropped chat message is always reported to its sender.
			if env.Event == model.EventPrivateMessage {
				c.Send(relay.MessageError(relay.ErrRateLimited))
			}
			continue
		}

		if !c.dispatch(ctx, env) {
			return
		}
	}
}

// dispatch reports false if the handler panicked; the connection is then
// dropped while every other connection carries on.
func (c *Client) dispatch(ctx context.Context, env model.Envelope) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Handler panicked, closing connection", "event", env.Event, "panic", r)
			ok = false
		}
	}()
	c.hub.router.Dispatch(ctx, c.origin(), c, env)
	return true
}

// writePump pumps frames from the send buffer to the websocket connection.
// Each frame is written as its own text message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Gateway authenticates websocket requests and turns them into clients.
type Gateway struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader websocket.Upgrader
	opts     ClientOptions
	log      *slog.Logger
}

func NewGateway(hub *Hub, verifier auth.Verifier, origins *originPolicy, opts ClientOptions, log *slog.Logger) *Gateway {
	return &Gateway{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		opts: opts,
		log:  log,
	}
}

func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.serveWs)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"connections": g.hub.registry.ConnectionCount(),
		})
	})
	return mux
}

// serveWs verifies the token once, before the upgrade. A request without a
// valid token never becomes a connection.
func (g *Gateway) serveWs(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		// Browsers cannot set headers on websocket requests.
		token = r.URL.Query().Get("token")
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.log.Info("Rejected websocket connection", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("Websocket upgrade failed", "user_id", identity.ID, "error", err)
		return
	}

	client := &Client{
		hub:      g.hub,
		conn:     conn,
		id:       uuid.NewString(),
		identity: *identity,
		send:     make(chan []byte, g.opts.SendBuffer),
		done:     make(chan struct{}),
		limiter:  newRateLimiter(g.opts.RateBurst, g.opts.RateInterval),
	}
	client.log = g.log.With("user_id", identity.ID, "conn_id", client.id)
	g.hub.attach(client)

	go client.writePump()
	go client.readPump(g.opts.MaxMessageSize)
}
