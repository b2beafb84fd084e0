// Package journal keeps a durable, append-only activity trail per agent:
// received hooks, drops, decisions, executed actions, and status
// transitions. The in-memory ring buffer answers "what just happened";
// the journal answers "what happened last Tuesday".
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/db"
	"github.com/enruana/claude-orka-sub000/internal/db/dialect"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindHook records an inbound hook event accepted for processing.
	KindHook Kind = "hook"
	// KindDrop records an inbound hook event that was filtered out.
	KindDrop Kind = "drop"
	// KindDecision records an oracle or fast-path decision.
	KindDecision Kind = "decision"
	// KindAction records keystrokes executed against the pane.
	KindAction Kind = "action"
	// KindStatus records an agent status transition.
	KindStatus Kind = "status"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Entry is one journal row.
type Entry struct {
	ID        string    `db:"id" json:"id"`
	AgentID   string    `db:"agent_id" json:"agentId"`
	Kind      Kind      `db:"kind" json:"kind"`
	EventType string    `db:"event_type" json:"eventType,omitempty"`
	Detail    string    `db:"detail" json:"detail"`
	Data      string    `db:"data" json:"data,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// ListOptions narrows List results.
type ListOptions struct {
	Kind  Kind
	Limit int
}

// Store is the journal over a read/write pool. It works against SQLite
// and Postgres through the dialect helpers.
type Store struct {
	pool   *db.Pool
	driver string
	log    *logger.Logger
}

// New initializes the schema and returns the store.
func New(pool *db.Pool, driver string, log *logger.Logger) (*Store, error) {
	s := &Store{pool: pool, driver: driver, log: log}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_journal (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_journal_agent_created
		ON agent_journal(agent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_agent_journal_kind
		ON agent_journal(agent_id, kind);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Append writes one entry. A missing id or timestamp is filled in.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO agent_journal (id, agent_id, kind, event_type, detail, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		e.ID, e.AgentID, string(e.Kind), e.EventType, e.Detail, e.Data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// List returns an agent's entries, newest first.
func (s *Store) List(ctx context.Context, agentID string, opts ListOptions) ([]Entry, error) {
	query := `
		SELECT id, agent_id, kind, event_type, detail, data, created_at
		FROM agent_journal
		WHERE agent_id = ?`
	args := []any{agentID}

	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(opts.Kind))
	}

	limit := opts.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	r := s.pool.Reader()
	entries := []Entry{}
	if err := r.SelectContext(ctx, &entries, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than the given number of days and returns
// how many rows went away.
func (s *Store) Prune(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("prune days must be positive, got %d", days)
	}

	w := s.pool.Writer()
	query := fmt.Sprintf(`DELETE FROM agent_journal WHERE created_at < %s`,
		dialect.NowMinusDays(s.driver, "?"))
	res, err := w.ExecContext(ctx, w.Rebind(query), days)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if removed > 0 {
		s.log.Info("Journal pruned",
			zap.Int64("removed", removed),
			zap.Int("older_than_days", days))
	}
	return removed, nil
}
