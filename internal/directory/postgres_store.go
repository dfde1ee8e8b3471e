package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists the directory in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, display_name, country, active, customer_id, payout_account_id,
	can_receive_transfers, charges_enabled, details_submitted, created_at, updated_at`

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresStore) GetUserByPayoutAccount(ctx context.Context, accountID string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE payout_account_id = $1`, accountID)
	return scanUser(row)
}

func (p *PostgresStore) UpsertUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, country, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email        = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			country      = EXCLUDED.country,
			active       = EXCLUDED.active,
			updated_at   = NOW()
	`, u.ID, u.Email, u.DisplayName, u.Country, u.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (p *PostgresStore) SetCustomerID(ctx context.Context, userID, customerID string) error {
	return p.setOnce(ctx, "customer_id", userID, customerID)
}

func (p *PostgresStore) SetPayoutAccount(ctx context.Context, userID, accountID string) error {
	return p.setOnce(ctx, "payout_account_id", userID, accountID)
}

// setOnce fills a processor reference column only while it is NULL.
// column is one of two constants above, never caller input.
func (p *PostgresStore) setOnce(ctx context.Context, column, userID, value string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET `+column+` = $2, updated_at = NOW()
		WHERE id = $1 AND (`+column+` IS NULL OR `+column+` = $2)
	`, userID, value) // #nosec G202 -- column is a package constant
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrRefConflict
		}
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := p.GetUser(ctx, userID); err != nil {
		return err
	}
	return ErrRefConflict
}

func (p *PostgresStore) UpdateCapability(ctx context.Context, accountID string, c Capability) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			can_receive_transfers = $2,
			charges_enabled       = $3,
			details_submitted     = $4,
			updated_at            = NOW()
		WHERE payout_account_id = $1
	`, accountID, c.CanReceiveTransfers, c.ChargesEnabled, c.DetailsSubmitted)
	if err != nil {
		return fmt.Errorf("failed to update capability: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetQuestion(ctx context.Context, id string) (*Question, error) {
	q := &Question{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, author_id, title, bounty_amount, created_at FROM questions WHERE id = $1
	`, id).Scan(&q.ID, &q.AuthorID, &q.Title, &q.BountyAmount, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	return q, nil
}

func (p *PostgresStore) UpsertQuestion(ctx context.Context, q *Question) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO questions (id, author_id, title, bounty_amount, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			author_id     = EXCLUDED.author_id,
			title         = EXCLUDED.title,
			bounty_amount = EXCLUDED.bounty_amount
	`, q.ID, q.AuthorID, q.Title, q.BountyAmount)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert question: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var (
		customerID      sql.NullString
		payoutAccountID sql.NullString
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.Country, &u.Active, &customerID, &payoutAccountID,
		&u.CanReceiveTransfers, &u.ChargesEnabled, &u.DetailsSubmitted, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CustomerID = customerID.String
	u.PayoutAccountID = payoutAccountID.String
	return u, nil
}

var _ Store = (*PostgresStore)(nil)
