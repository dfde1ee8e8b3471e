package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bountyescrow/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payer_id, payee_id, question_id, amount, currency, platform_fee,
		       description, status, processor_hold_id, processor_transfer_id, processor_refund_id,
		       auto_release_at, release_reason, refund_reason, dispute_reason,
		       settlement_op, settlement_token, settlement_expires_at,
		       created_at, held_at, released_at, refunded_at, disputed_at, expired_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, created Transition) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, payer_id, payee_id, question_id, amount, currency,
			description, status, processor_hold_id, auto_release_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,6), $6,
			$7, $8, $9, $10,
			$11, $12
		)`,
		e.ID, e.PayerID, nullString(e.PayeeID), e.QuestionID, e.Amount, e.Currency,
		nullString(e.Description), string(e.Status), nullString(e.ProcessorHoldID), nullTime(e.AutoReleaseAt),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert escrow: %w", err)
	}
	if err := insertTransition(ctx, tx, created); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTransition(ctx context.Context, tx *sql.Tx, t Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_transitions (escrow_id, from_status, to_status, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.EscrowID, nullString(string(t.From)), string(t.To), t.ActorID, nullString(t.Reason), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByHoldRef(ctx context.Context, holdRef string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE processor_hold_id = $1`, holdRef)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) AttachHold(ctx context.Context, id, holdRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET processor_hold_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND processor_hold_id IS NULL`,
		id, holdRef,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	// Nothing updated: decide between idempotent retry and conflict.
	current, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case current.ProcessorHoldID == holdRef:
		return nil
	case current.ProcessorHoldID != "":
		return ErrConflict
	default:
		return ErrPreconditionFailed
	}
}

func (p *PostgresStore) Claim(ctx context.Context, id string, op Op, from []Status, token string, now, until time.Time) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_transactions
		SET settlement_op = $2, settlement_token = $3, settlement_expires_at = $4
		WHERE id = $1
		  AND status = ANY($5)
		  AND (settlement_token IS NULL
		       OR (settlement_op = $2 AND settlement_expires_at <= $6))
		RETURNING `+escrowColumns,
		id, string(op), token, until, pq.Array(statusStrings(from)), now,
	)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrPrecondition(ctx, id)
	}
	return e, err
}

func (p *PostgresStore) Unclaim(ctx context.Context, id, token string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET settlement_op = NULL, settlement_token = NULL, settlement_expires_at = NULL
		WHERE id = $1 AND settlement_token = $2`,
		id, token,
	)
	return err
}

// Transition runs the conditional update and the audit insert in one
// transaction. Timestamp and reason columns are chosen by the target status.
func (p *PostgresStore) Transition(ctx context.Context, c Change) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var fee interface{}
	if c.PlatformFee != nil {
		fee = *c.PlatformFee
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE escrow_transactions SET
			status      = $3::text,
			updated_at  = $4::timestamptz,
			held_at     = CASE WHEN $3::text = 'held'     THEN $4::timestamptz ELSE held_at END,
			released_at = CASE WHEN $3::text = 'released' THEN $4::timestamptz ELSE released_at END,
			refunded_at = CASE WHEN $3::text = 'refunded' THEN $4::timestamptz ELSE refunded_at END,
			disputed_at = CASE WHEN $3::text = 'disputed' THEN $4::timestamptz ELSE disputed_at END,
			expired_at  = CASE WHEN $3::text = 'expired'  THEN $4::timestamptz ELSE expired_at END,
			release_reason = CASE WHEN $3::text = 'released' THEN $5::text ELSE release_reason END,
			refund_reason  = CASE WHEN $3::text IN ('refunded', 'expired') THEN $5::text ELSE refund_reason END,
			dispute_reason = CASE WHEN $3::text = 'disputed' THEN $5::text ELSE dispute_reason END,
			platform_fee          = COALESCE(platform_fee, $6::numeric),
			processor_transfer_id = COALESCE(processor_transfer_id, $7::text),
			processor_refund_id   = COALESCE(processor_refund_id, $8::text),
			settlement_op         = CASE WHEN $9::text <> '' THEN NULL ELSE settlement_op END,
			settlement_token      = CASE WHEN $9::text <> '' THEN NULL ELSE settlement_token END,
			settlement_expires_at = CASE WHEN $9::text <> '' THEN NULL ELSE settlement_expires_at END
		WHERE id = $1
		  AND status = $2
		  AND ($9::text = '' OR settlement_token = $9::text)
		  AND (NOT $10::boolean OR settlement_token IS NULL)
		  AND ($11::text = '' OR processor_hold_id = $11::text)
		RETURNING `+escrowColumns,
		c.EscrowID, string(c.From), string(c.To), c.At, nullString(c.Reason),
		fee, nullString(c.TransferID), nullString(c.RefundID),
		c.ClaimToken, c.Unclaimed, c.HoldRef,
	)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, p.missOrPrecondition(ctx, c.EscrowID)
	}
	if err != nil {
		return nil, err
	}

	err = insertTransition(ctx, tx, Transition{
		EscrowID:  c.EscrowID,
		From:      c.From,
		To:        c.To,
		ActorID:   c.ActorID,
		Reason:    c.Reason,
		CreatedAt: c.At,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// missOrPrecondition distinguishes a missing escrow from a failed guard
// after a conditional update matched no row.
func (p *PostgresStore) missOrPrecondition(ctx context.Context, id string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

func (p *PostgresStore) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, from_status, to_status, actor_id, reason, created_at
		FROM escrow_transitions
		WHERE escrow_id = $1
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Transition
	for rows.Next() {
		var (
			t      Transition
			from   sql.NullString
			to     string
			reason sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.EscrowID, &from, &to, &t.ActorID, &reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.From = Status(from.String)
		t.To = Status(to)
		t.Reason = reason.String
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		if err := p.missOrPrecondition(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
	}
	return result, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, f ListFilter) (*Page, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, ErrInvalidInput
	}
	limit := pagination.ClampLimit(f.Limit)

	var (
		where []string
		args  = []interface{}{userID}
	)
	switch f.Role {
	case RolePayer:
		where = append(where, "payer_id = $1")
	case RolePayee:
		where = append(where, "payee_id = $1")
	default:
		where = append(where, "(payer_id = $1 OR payee_id = $1)")
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit+1)

	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE ` +
		strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	list, err := scanEscrows(rows)
	if err != nil {
		return nil, err
	}
	items, next := pagination.ComputePage(list, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if items == nil {
		items = []*Escrow{}
	}
	return &Page{Escrows: items, NextCursor: next}, nil
}

func (p *PostgresStore) ListByQuestion(ctx context.Context, questionID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE question_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, questionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListDueForAutoRelease(ctx context.Context, now time.Time, after *ScanCursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE status = 'held'
		  AND auto_release_at IS NOT NULL
		  AND auto_release_at < $1`
	args := []any{now, limit}
	if after != nil {
		query += ` AND (auto_release_at, id) > ($3, $4)`
		args = append(args, after.At, after.ID)
	}
	query += ` ORDER BY auto_release_at ASC, id ASC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, before time.Time, after *ScanCursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE status = 'pending'
		  AND processor_hold_id IS NOT NULL
		  AND created_at < $1`
	args := []any{before, limit}
	if after != nil {
		query += ` AND (created_at, id) > ($3, $4)`
		args = append(args, after.At, after.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Stats(ctx context.Context, currency string) (*Stats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(platform_fee), 0)
		FROM escrow_transactions
		WHERE currency = $1
		GROUP BY status`, currency)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	st := &Stats{ByStatus: make(map[Status]int64)}
	for rows.Next() {
		var (
			status string
			count  int64
			amount decimal.Decimal
			fees   decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &amount, &fees); err != nil {
			return nil, err
		}
		st.Total += count
		st.ByStatus[Status(status)] = count
		switch Status(status) {
		case StatusHeld, StatusDisputed:
			st.HeldAmount = st.HeldAmount.Add(amount)
		case StatusReleased:
			st.ReleasedAmount = st.ReleasedAmount.Add(amount)
			st.PlatformFees = st.PlatformFees.Add(fees)
		case StatusRefunded:
			st.RefundedAmount = st.RefundedAmount.Add(amount)
		}
	}
	return st, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		payeeID       sql.NullString
		platformFee   decimal.NullDecimal
		description   sql.NullString
		status        string
		holdID        sql.NullString
		transferID    sql.NullString
		refundID      sql.NullString
		autoReleaseAt sql.NullTime
		releaseReason sql.NullString
		refundReason  sql.NullString
		disputeReason sql.NullString
		settlementOp  sql.NullString
		settlementTok sql.NullString
		settlementExp sql.NullTime
		heldAt        sql.NullTime
		releasedAt    sql.NullTime
		refundedAt    sql.NullTime
		disputedAt    sql.NullTime
		expiredAt     sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.PayerID, &payeeID, &e.QuestionID, &e.Amount, &e.Currency, &platformFee,
		&description, &status, &holdID, &transferID, &refundID,
		&autoReleaseAt, &releaseReason, &refundReason, &disputeReason,
		&settlementOp, &settlementTok, &settlementExp,
		&e.CreatedAt, &heldAt, &releasedAt, &refundedAt, &disputedAt, &expiredAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.PayeeID = payeeID.String
	e.Description = description.String
	e.ProcessorHoldID = holdID.String
	e.ProcessorTransferID = transferID.String
	e.ProcessorRefundID = refundID.String
	e.ReleaseReason = releaseReason.String
	e.RefundReason = refundReason.String
	e.DisputeReason = disputeReason.String
	if platformFee.Valid {
		fee := platformFee.Decimal
		e.PlatformFee = &fee
	}
	e.AutoReleaseAt = timePtr(autoReleaseAt)
	e.HeldAt = timePtr(heldAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.DisputedAt = timePtr(disputedAt)
	e.ExpiredAt = timePtr(expiredAt)
	if settlementTok.Valid {
		e.Settlement = &Settlement{
			Op:        Op(settlementOp.String),
			Token:     settlementTok.String,
			ExpiresAt: settlementExp.Time,
		}
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
