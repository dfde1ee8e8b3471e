// Package directory mirrors the users and questions the escrow engine
// depends on, together with each user's processor references: the
// customer that pays holds and the connected account that receives
// payouts.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/bountyescrow/internal/escrow"
)

// Errors. ErrNotFound matches escrow.ErrNotFound so escrow callers can
// test for it without importing this package.
var (
	ErrNotFound         = fmt.Errorf("directory: %w", escrow.ErrNotFound)
	ErrAlreadyOnboarded = errors.New("directory: payout account already fully configured")
	ErrRefConflict      = errors.New("directory: processor reference already set")
)

// User is a platform user as far as payments are concerned.
type User struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email,omitempty"`
	DisplayName         string    `json:"displayName,omitempty"`
	Country             string    `json:"country"`
	Active              bool      `json:"active"`
	CustomerID          string    `json:"customerId,omitempty"`
	PayoutAccountID     string    `json:"payoutAccountId,omitempty"`
	CanReceiveTransfers bool      `json:"canReceiveTransfers"`
	ChargesEnabled      bool      `json:"chargesEnabled"`
	DetailsSubmitted    bool      `json:"detailsSubmitted"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Question is a bounty-bearing question.
type Question struct {
	ID           string              `json:"id"`
	AuthorID     string              `json:"authorId"`
	Title        string              `json:"title,omitempty"`
	BountyAmount decimal.NullDecimal `json:"bountyAmount"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Capability flags reported by the processor for a payout account.
type Capability struct {
	CanReceiveTransfers bool
	ChargesEnabled      bool
	DetailsSubmitted    bool
}

// PayoutStatus reports where a user is in payout onboarding.
type PayoutStatus struct {
	AccountID        string `json:"accountId,omitempty"`
	IsOnboarded      bool   `json:"isOnboarded"`
	ChargesEnabled   bool   `json:"chargesEnabled"`
	DetailsSubmitted bool   `json:"detailsSubmitted"`
}

// Onboarding is the result of starting payout onboarding.
type Onboarding struct {
	AccountID     string `json:"accountId"`
	OnboardingURL string `json:"onboardingUrl"`
}

// Store persists users and questions.
type Store interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByPayoutAccount(ctx context.Context, accountID string) (*User, error)
	// UpsertUser writes profile fields. Processor references and
	// capability flags are left untouched on update.
	UpsertUser(ctx context.Context, u *User) error
	// SetCustomerID and SetPayoutAccount are write-once. Setting the same
	// value again succeeds; a different value returns ErrRefConflict.
	SetCustomerID(ctx context.Context, userID, customerID string) error
	SetPayoutAccount(ctx context.Context, userID, accountID string) error
	UpdateCapability(ctx context.Context, accountID string, c Capability) error

	GetQuestion(ctx context.Context, id string) (*Question, error)
	UpsertQuestion(ctx context.Context, q *Question) error
}
