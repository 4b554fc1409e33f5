// Package genstate tracks which conversations have a generation in flight.
// The flag lives in SQLite so every tab and process sharing the database
// observes it; an in-process notification bus spares local readers from
// polling.
package genstate

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/GGPrompts/chatbridge/domain"
)

// Tracker is the durable generation-state store.
type Tracker struct {
	db  *sql.DB
	bus *Bus
}

// New opens (or creates) the state database at dsn.
func New(dsn string) (*Tracker, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection so the schema and rows stay visible across
	// goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	t := &Tracker{db: db, bus: NewBus()}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return t, nil
}

func (t *Tracker) migrate() error {
	_, err := t.db.Exec(`CREATE TABLE IF NOT EXISTS generation_state (
		conversation_id TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		started_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Bus exposes the change-notification bus so readers can subscribe.
func (t *Tracker) Bus() *Bus {
	return t.bus
}

// Claim atomically marks a conversation as generating on the given backend.
// It reports false when the flag is already held, so two writers sharing the
// database can never both proceed: the insert either lands or it doesn't.
func (t *Tracker) Claim(ctx context.Context, conversationID, backend string) (bool, error) {
	now := time.Now()
	res, err := t.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO generation_state (conversation_id, backend, started_at) VALUES (?, ?, ?)`,
		conversationID, backend, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim generation state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim generation state: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	t.bus.Publish(Change{ConversationID: conversationID, Backend: backend, Active: true, At: now})
	return true, nil
}

// Clear removes the generating flag for a conversation. Clearing an absent
// entry is a no-op.
func (t *Tracker) Clear(ctx context.Context, conversationID string) error {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM generation_state WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to clear generation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.bus.Publish(Change{ConversationID: conversationID, Active: false, At: time.Now()})
	}
	return nil
}

// IsActive reports whether a conversation currently has a generation flag.
func (t *Tracker) IsActive(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := t.db.QueryRowContext(ctx,
		`SELECT 1 FROM generation_state WHERE conversation_id = ?`, conversationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query generation state: %w", err)
	}
	return true, nil
}

// Get returns the state entry for a conversation, or nil if none exists.
func (t *Tracker) Get(ctx context.Context, conversationID string) (*domain.GenerationState, error) {
	var state domain.GenerationState
	err := t.db.QueryRowContext(ctx,
		`SELECT conversation_id, backend, started_at FROM generation_state WHERE conversation_id = ?`,
		conversationID).Scan(&state.ConversationID, &state.Backend, &state.StartedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query generation state: %w", err)
	}
	return &state, nil
}

// Load returns every active generation keyed by conversation id.
func (t *Tracker) Load(ctx context.Context) (map[string]domain.GenerationState, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT conversation_id, backend, started_at FROM generation_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to load generation state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]domain.GenerationState)
	for rows.Next() {
		var state domain.GenerationState
		if err := rows.Scan(&state.ConversationID, &state.Backend, &state.StartedAt); err != nil {
			return nil, err
		}
		states[state.ConversationID] = state
	}
	return states, rows.Err()
}

// SweepStale clears entries older than maxAge and returns how many were
// removed. A crashed generation must not look in-progress forever.
func (t *Tracker) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	rows, err := t.db.QueryContext(ctx,
		`SELECT conversation_id FROM generation_state WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to scan stale state: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if err := t.Clear(ctx, id); err != nil {
			log.Printf("ERROR: failed to clear stale generation state for %s: %v", id, err)
		}
	}
	return len(stale), nil
}

// StartSweeper runs SweepStale on the given interval until ctx is done.
func (t *Tracker) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := t.SweepStale(ctx, maxAge)
				if err != nil {
					log.Printf("ERROR: generation-state sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("INFO: cleared %d stale generation flags", n)
				}
			}
		}
	}()
}
