package webhooks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, url, secret, events, active, consecutive_fails,
	last_success_at, last_error, created_at`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events := make([]string, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, user_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.UserID, sub.URL, sub.Secret, pq.Array(events), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	defer func() { _ = rows.Close() }()

	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) Delete(ctx context.Context, id, userID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			last_success_at   = $2,
			last_error        = NULL,
			consecutive_fails = 0
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record delivery success: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordFailure(ctx context.Context, id, msg string, maxFails int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			last_error        = $2,
			consecutive_fails = consecutive_fails + 1,
			active            = active AND ($3::int <= 0 OR consecutive_fails + 1 < $3::int)
		WHERE id = $1
	`, id, msg, maxFails)
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	subs := []*Subscription{}
	for rows.Next() {
		sub := &Subscription{}
		var (
			events      []string
			lastSuccess sql.NullTime
			lastError   sql.NullString
		)
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, pq.Array(&events), &sub.Active,
			&sub.ConsecutiveFails, &lastSuccess, &lastError, &sub.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		for _, e := range events {
			sub.Events = append(sub.Events, EventType(e))
		}
		if lastSuccess.Valid {
			t := lastSuccess.Time
			sub.LastSuccess = &t
		}
		sub.LastError = lastError.String
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

var _ Store = (*PostgresStore)(nil)
