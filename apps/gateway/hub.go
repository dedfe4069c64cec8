package main

import (
	"log/slog"

	"github.com/mahaj/callrelay/pkg/presence"
	"github.com/mahaj/callrelay/pkg/relay"
)

// Hub ties client lifecycles to the presence registry and the router.
type Hub struct {
	registry *presence.Registry
	router   *relay.Router
	log      *slog.Logger
}

func NewHub(registry *presence.Registry, router *relay.Router, log *slog.Logger) *Hub {
	return &Hub{registry: registry, router: router, log: log}
}

func (h *Hub) attach(c *Client) {
	first := h.registry.Register(c.identity, c)
	h.log.Info("Client registered",
		"user_id", c.identity.ID, "conn_id", c.id, "first_connection", first,
		"connections", h.registry.ConnectionCount())
}

// detach is safe to call more than once for the same client.
func (h *Hub) detach(c *Client) {
	c.close()
	offline := h.registry.Unregister(c.identity, c)
	h.router.Disconnect(c.origin(), offline)
	h.log.Info("Client unregistered",
		"user_id", c.identity.ID, "conn_id", c.id, "went_offline", offline,
		"connections", h.registry.ConnectionCount())
}

// shutdown closes every live client without presence broadcasts.
func (h *Hub) shutdown() int {
	conns := h.registry.Close()
	for _, conn := range conns {
		if c, ok := conn.(*Client); ok {
			c.close()
		}
	}
	return len(conns)
}
