package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/replybot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteAppendAndRecentMessages(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, text := range []string{"hi", "1", "xyz"} {
		require.NoError(t, s.AppendMessage(ctx, &domain.LoggedMessage{
			ID:        "msg-" + text,
			Number:    "alice",
			Message:   text,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.AppendMessage(ctx, &domain.LoggedMessage{
		ID: "other", Number: "bob", Message: "hello", Timestamp: base,
	}))

	msgs, err := s.RecentMessages(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "xyz", msgs[0].Message)
	require.Equal(t, "1", msgs[1].Message)
	require.True(t, msgs[0].Timestamp.Equal(base.Add(2*time.Second)))

	n, err := s.CountMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	require.NoError(t, s.Ping(ctx))
}

func TestSQLiteRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	msg := &domain.LoggedMessage{ID: "dup", Number: "alice", Message: "hi", Timestamp: time.Now()}
	require.NoError(t, s.AppendMessage(ctx, msg))
	require.Error(t, s.AppendMessage(ctx, msg))
}
