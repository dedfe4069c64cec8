package main

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestOriginPolicy(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"http://localhost:3000"}, "", true},
		{"exact match", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"case insensitive", []string{"https://Chat.Example.com"}, "https://chat.example.com", true},
		{"other port", []string{"http://localhost:3000"}, "http://localhost:4000", false},
		{"other scheme", []string{"http://localhost:3000"}, "https://localhost:3000", false},
		{"wildcard", []string{"*"}, "https://anything.example.com", true},
		{"invalid config entry is ignored", []string{"localhost"}, "http://localhost", false},
		{"garbage header", []string{"http://localhost:3000"}, "::::", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, log)
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			require.Equal(t, tt.want, policy.check(r))
		})
	}
}
