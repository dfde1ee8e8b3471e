package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// ProcessedStore remembers which processor events have been applied.
type ProcessedStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records an event. Marking an event twice is not an error.
	Mark(ctx context.Context, eventID, eventType string) error
}

// MemoryProcessedStore is an in-memory ProcessedStore for demo/development mode.
type MemoryProcessedStore struct {
	mu     sync.RWMutex
	events map[string]time.Time
}

// NewMemoryProcessedStore creates an empty in-memory store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{events: make(map[string]time.Time)}
}

func (m *MemoryProcessedStore) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *MemoryProcessedStore) Mark(_ context.Context, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		m.events[eventID] = time.Now().UTC()
	}
	return nil
}

// PostgresProcessedStore persists processed events in PostgreSQL.
type PostgresProcessedStore struct {
	db *sql.DB
}

// NewPostgresProcessedStore creates a PostgreSQL-backed store.
func NewPostgresProcessedStore(db *sql.DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{db: db}
}

func (p *PostgresProcessedStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

func (p *PostgresProcessedStore) Mark(ctx context.Context, eventID, eventType string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to mark processed event: %w", err)
	}
	return nil
}

var (
	_ ProcessedStore = (*MemoryProcessedStore)(nil)
	_ ProcessedStore = (*PostgresProcessedStore)(nil)
)
