package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Change is a conditional state transition. A store applies it, together
// with its audit row, only if the escrow is currently in From and the
// claim condition holds. Otherwise it returns ErrPreconditionFailed, or
// ErrNotFound when the escrow does not exist.
type Change struct {
	EscrowID string
	From     Status
	To       Status
	At       time.Time
	ActorID  string
	Reason   string // stored in the reason column that belongs to To

	// ClaimToken, when set, must match the escrow's settlement claim. The
	// claim is cleared by the same update.
	ClaimToken string
	// Unclaimed requires that no settlement claim exists at all.
	Unclaimed bool
	// HoldRef, when set, must equal the stored processor hold reference.
	HoldRef string

	TransferID  string
	RefundID    string
	PlatformFee *decimal.Decimal
}

// ScanCursor is a keyset position for the batch timers: the sort time and
// id of the last escrow already visited.
type ScanCursor struct {
	At time.Time
	ID string
}

// After reports whether (at, id) sorts strictly after the cursor. A nil
// cursor comes before everything.
func (c *ScanCursor) After(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	return at.After(c.At) || (at.Equal(c.At) && id > c.ID)
}

// Store persists escrows and their transition log.
type Store interface {
	// Create inserts a new escrow with its creation audit row.
	Create(ctx context.Context, e *Escrow, created Transition) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByHoldRef(ctx context.Context, holdRef string) (*Escrow, error)

	// AttachHold records the processor hold reference on a PENDING escrow.
	// Attaching the same reference again is a no-op; a different reference
	// returns ErrConflict.
	AttachHold(ctx context.Context, id, holdRef string) error

	// Claim takes the settlement claim for op if the escrow is in one of
	// from and has no claim, or has an expired claim for the same op.
	Claim(ctx context.Context, id string, op Op, from []Status, token string, now, until time.Time) (*Escrow, error)
	// Unclaim drops a claim after the processor definitively refused the
	// operation. A token that no longer matches is ignored.
	Unclaim(ctx context.Context, id, token string) error

	// Transition applies c atomically. See Change.
	Transition(ctx context.Context, c Change) (*Escrow, error)

	History(ctx context.Context, id string) ([]Transition, error)
	ListByUser(ctx context.Context, userID string, f ListFilter) (*Page, error)
	ListByQuestion(ctx context.Context, questionID string, limit int) ([]*Escrow, error)
	// ListDueForAutoRelease returns HELD escrows whose auto-release time is
	// before now, ordered by (auto_release_at, id) and strictly after the
	// cursor when one is given.
	ListDueForAutoRelease(ctx context.Context, now time.Time, after *ScanCursor, limit int) ([]*Escrow, error)
	// ListStalePending returns PENDING escrows with a hold created before
	// the given time, ordered by (created_at, id) and strictly after the
	// cursor when one is given.
	ListStalePending(ctx context.Context, before time.Time, after *ScanCursor, limit int) ([]*Escrow, error)
	Stats(ctx context.Context, currency string) (*Stats, error)
}

// applyChange mutates e as the store's conditional update would. Callers
// have already checked the preconditions.
func applyChange(e *Escrow, c Change) {
	at := c.At
	e.Status = c.To
	e.UpdatedAt = at
	switch c.To {
	case StatusHeld:
		e.HeldAt = &at
	case StatusReleased:
		e.ReleasedAt = &at
		e.ReleaseReason = c.Reason
	case StatusRefunded:
		e.RefundedAt = &at
		e.RefundReason = c.Reason
	case StatusDisputed:
		e.DisputedAt = &at
		e.DisputeReason = c.Reason
	case StatusExpired:
		e.ExpiredAt = &at
		e.RefundReason = c.Reason
	}
	if c.PlatformFee != nil && e.PlatformFee == nil {
		fee := *c.PlatformFee
		e.PlatformFee = &fee
	}
	if c.TransferID != "" && e.ProcessorTransferID == "" {
		e.ProcessorTransferID = c.TransferID
	}
	if c.RefundID != "" && e.ProcessorRefundID == "" {
		e.ProcessorRefundID = c.RefundID
	}
	if c.ClaimToken != "" {
		e.Settlement = nil
	}
}

// claimable reports whether op may take the settlement claim on e.
// An expired claim can only be taken over by the same operation: the
// processor call behind it may have succeeded.
func claimable(e *Escrow, op Op, now time.Time) bool {
	if e.Settlement == nil {
		return true
	}
	return e.Settlement.Op == op && !now.Before(e.Settlement.ExpiresAt)
}
