package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/db"
	"github.com/enruana/claude-orka-sub000/internal/db/dialect"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")

	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)

	pool := db.NewPool(
		sqlx.NewDb(writer, dialect.SQLite3),
		sqlx.NewDb(reader, dialect.SQLite3),
	)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool, dialect.SQLite3, newTestLogger(t))
	require.NoError(t, err)
	return s
}

func TestJournal_AppendFillsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{
		AgentID: "agent-1",
		Kind:    KindHook,
		Detail:  "Stop received",
	}))

	entries, err := s.List(ctx, "agent-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.WithinDuration(t, time.Now(), entries[0].CreatedAt, 5*time.Second)
}

func TestJournal_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, detail := range []string{"first", "second", "third"} {
		require.NoError(t, s.Append(ctx, Entry{
			AgentID:   "agent-1",
			Kind:      KindAction,
			Detail:    detail,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Append(ctx, Entry{
		AgentID: "agent-2",
		Kind:    KindAction,
		Detail:  "other agent",
	}))

	entries, err := s.List(ctx, "agent-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "third", entries[0].Detail)
	assert.Equal(t, "second", entries[1].Detail)
	assert.Equal(t, "first", entries[2].Detail)
}

func TestJournal_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{AgentID: "a", Kind: KindHook, EventType: "Stop", Detail: "received"}))
	require.NoError(t, s.Append(ctx, Entry{AgentID: "a", Kind: KindDrop, EventType: "Stop", Detail: "cooldown"}))
	require.NoError(t, s.Append(ctx, Entry{AgentID: "a", Kind: KindDecision, Detail: "respond"}))

	drops, err := s.List(ctx, "a", ListOptions{Kind: KindDrop})
	require.NoError(t, err)
	require.Len(t, drops, 1)
	assert.Equal(t, "cooldown", drops[0].Detail)

	limited, err := s.List(ctx, "a", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJournal_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{
		AgentID:   "a",
		Kind:      KindHook,
		Detail:    "stale",
		CreatedAt: time.Now().UTC().AddDate(0, 0, -10),
	}))
	require.NoError(t, s.Append(ctx, Entry{
		AgentID: "a",
		Kind:    KindHook,
		Detail:  "fresh",
	}))

	removed, err := s.Prune(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := s.List(ctx, "a", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Detail)

	_, err = s.Prune(ctx, 0)
	assert.Error(t, err)
}
