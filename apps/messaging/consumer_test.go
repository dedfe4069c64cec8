package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mahaj/callrelay/pkg/db"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/store"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestIndexer_Handle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "messaging.db"))
	req.NoError(err)
	st := store.NewSQLiteStore(conn)
	defer st.Close()
	req.NoError(st.Migrate(ctx))

	indexer := NewIndexer(st, logs.GetLoggerFromLevel(slog.LevelDebug))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// When the same event is delivered twice
	msg := model.ChatMessage{ID: "m-1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: at}
	req.NoError(indexer.Handle(ctx, msg))
	req.NoError(indexer.Handle(ctx, msg))

	// Then both participants see exactly one conversation
	for user, other := range map[string]string{"alice": "bob", "bob": "alice"} {
		convs, err := st.Conversations(ctx, user)
		req.NoError(err)
		req.Len(convs, 1)
		req.Equal(other, convs[0].OtherUserID)
		req.True(at.Equal(convs[0].LastUpdated))
	}
}
