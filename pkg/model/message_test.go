package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelID(t *testing.T) {
	req := require.New(t)

	req.Equal("dm:a:b", ChannelID("a", "b"))
	req.Equal(ChannelID("alice", "bob"), ChannelID("bob", "alice"))
}

func TestNewEnvelope(t *testing.T) {
	req := require.New(t)

	env := NewEnvelope(EventCallEnded, CallEnded{CallID: "c1"})

	req.Equal(EventCallEnded, env.Event)
	req.JSONEq(`{"callId":"c1"}`, string(env.Data))
}
