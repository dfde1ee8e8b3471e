// Package escrow holds a payer's bounty funds against a question and
// resolves them to exactly one outcome.
//
// Flow:
//  1. Payer creates an escrow → record persisted PENDING, processor hold opened
//  2. Payer completes payment → webhook or ConfirmPayment moves it to HELD
//  3. Payer or question author releases → fee frozen, payout transferred, RELEASED
//  4. Payer refunds → full refund of the hold, REFUNDED
//  5. Either party disputes → DISPUTED, frozen until released or refunded
//  6. Auto-release deadline passes → Sweeper releases (payee set) or refunds
//  7. Hold fails before payment completes → EXPIRED
//
// Every transition is a single conditional update on the store keyed by
// the expected prior status. Release and refund additionally take a
// settlement claim before calling the processor, so a manual action and
// the sweeper can never both move money for the same escrow.
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MaxDescriptionLength   = 500
	MaxRefundReasonLength  = 500
	MaxDisputeReasonLength = 1000
	MaxReleaseReasonLength = 500
	MinAutoReleaseDays     = 1
	MaxAutoReleaseDays     = 90

	AutoReleaseReason = "auto-release due to expiration"
	AutoRefundReason  = "auto-refund due to expiration"

	// SystemActor is recorded in the transition log for changes driven by
	// processor events rather than a user.
	SystemActor = "system"
)

// Escrow is a bounty escrow transaction.
type Escrow struct {
	ID                  string           `json:"id"`
	PayerID             string           `json:"payerId"`
	PayeeID             string           `json:"payeeId,omitempty"`
	QuestionID          string           `json:"questionId"`
	Amount              decimal.Decimal  `json:"amount"`
	Currency            string           `json:"currency"`
	PlatformFee         *decimal.Decimal `json:"platformFee,omitempty"`
	Description         string           `json:"description,omitempty"`
	Status              Status           `json:"status"`
	ProcessorHoldID     string           `json:"processorHoldId,omitempty"`
	ProcessorTransferID string           `json:"processorTransferId,omitempty"`
	ProcessorRefundID   string           `json:"processorRefundId,omitempty"`
	AutoReleaseAt       *time.Time       `json:"autoReleaseAt,omitempty"`
	ReleaseReason       string           `json:"releaseReason,omitempty"`
	RefundReason        string           `json:"refundReason,omitempty"`
	DisputeReason       string           `json:"disputeReason,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	HeldAt              *time.Time       `json:"heldAt,omitempty"`
	ReleasedAt          *time.Time       `json:"releasedAt,omitempty"`
	RefundedAt          *time.Time       `json:"refundedAt,omitempty"`
	DisputedAt          *time.Time       `json:"disputedAt,omitempty"`
	ExpiredAt           *time.Time       `json:"expiredAt,omitempty"`
	UpdatedAt           time.Time        `json:"updatedAt"`

	// Settlement claim, set while a release or refund is talking to the
	// processor. Not part of the public representation.
	Settlement *Settlement `json:"-"`
}

// Settlement is an in-flight release or refund claim.
type Settlement struct {
	Op        Op
	Token     string
	ExpiresAt time.Time
}

// Op names a money-moving operation that can hold a settlement claim.
type Op string

const (
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Transition is one row of the append-only audit log.
type Transition struct {
	ID        int64     `json:"id"`
	EscrowID  string    `json:"escrowId"`
	From      Status    `json:"from,omitempty"` // empty for creation
	To        Status    `json:"to"`
	ActorID   string    `json:"actorId"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats aggregates escrow volume.
type Stats struct {
	Total          int64            `json:"total"`
	ByStatus       map[Status]int64 `json:"byStatus"`
	HeldAmount     decimal.Decimal  `json:"heldAmount"`
	ReleasedAmount decimal.Decimal  `json:"releasedAmount"`
	RefundedAmount decimal.Decimal  `json:"refundedAmount"`
	PlatformFees   decimal.Decimal  `json:"platformFees"`
}

// Account is the subset of a user the engine needs.
type Account struct {
	ID     string
	Active bool
}

// Subject is the bounty-bearing question an escrow is tied to.
type Subject struct {
	ID           string
	AuthorID     string
	BountyAmount decimal.NullDecimal
}

// PayeeCapability reports whether a user can be paid out.
type PayeeCapability struct {
	PayoutAccountID     string
	HasPayoutAccount    bool
	CanReceiveTransfers bool
}

// Directory abstracts user and question lookups so escrow doesn't import
// the directory package. Lookups of unknown ids return an error matching
// ErrNotFound.
type Directory interface {
	Account(ctx context.Context, userID string) (*Account, error)
	Subject(ctx context.Context, questionID string) (*Subject, error)
	EnsureCustomer(ctx context.Context, userID string) (string, error)
	PayeeCapability(ctx context.Context, userID string) (*PayeeCapability, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	PayerID         string          `json:"-"`
	PayeeID         string          `json:"payeeId"`
	QuestionID      string          `json:"questionId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description"`
	AutoReleaseDays int             `json:"autoReleaseDays"` // 0 means no auto-release
}

// CreateResult is returned by Create. ClientSecret lets the payer's client
// complete the payment; it is never persisted.
type CreateResult struct {
	Escrow       *Escrow `json:"escrow"`
	ClientSecret string  `json:"clientSecret,omitempty"`
}

// ListFilter narrows ListByUser.
type ListFilter struct {
	Status Status // empty for any
	Role   Role
	Cursor string
	Limit  int
}

// Role selects which side of an escrow a user is on.
type Role string

const (
	RoleAny   Role = ""
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// Page is one page of a listing.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
}
