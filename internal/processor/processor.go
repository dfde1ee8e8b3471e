// Package processor is the boundary to the external payment processor.
//
// Escrow code talks to a Gateway. StripeGateway is the production
// implementation, Fake is an in-memory stand-in for development and
// tests, and Instrumented wraps either with retries, a circuit breaker,
// metrics and tracing.
//
// Every call that moves money takes an idempotency key. Callers derive it
// from the escrow id so that repeating a call after a crash or a lost
// response never charges, transfers or refunds twice.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSignature means a webhook payload failed verification.
	ErrInvalidSignature = errors.New("processor: invalid webhook signature")
	// ErrNotFound means the processor has no object with the given reference.
	ErrNotFound = errors.New("processor: object not found")
)

// Error describes a failed processor call.
type Error struct {
	Method    string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("processor %s failed (%s): %s", e.Method, e.Code, msg)
	}
	return fmt.Sprintf("processor %s failed: %s", e.Method, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient processor failure that
// may succeed if the same call is repeated with the same idempotency key.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsDefinitive reports whether err proves the processor did not carry out
// the call: a classified refusal that is not transient and was not cut
// short by cancellation or a deadline. Every other failure leaves the
// outcome in doubt.
func IsDefinitive(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *Error
	return errors.As(err, &pe) && !pe.Retryable
}

// HoldStatus is the processor-side state of a payment hold.
type HoldStatus string

const (
	HoldPending   HoldStatus = "pending"   // Awaiting payment method, confirmation or processing
	HoldSucceeded HoldStatus = "succeeded" // Funds captured
	HoldFailed    HoldStatus = "failed"    // Last payment attempt failed
	HoldCanceled  HoldStatus = "canceled"  // Abandoned or canceled
)

// Hold is a payment intent holding the payer's funds.
type Hold struct {
	Ref          string
	ClientSecret string
	Status       HoldStatus
	Amount       decimal.Decimal
	Currency     string
	ChargeRef    string // Settled charge backing the hold, once captured
	FailureMsg   string
}

// CustomerParams provisions a processor customer for a payer.
type CustomerParams struct {
	UserID string
	Email  string
	Name   string
}

// HoldParams opens a hold for an escrow.
type HoldParams struct {
	EscrowID       string
	CustomerID     string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// TransferParams pays a connected payout account.
type TransferParams struct {
	EscrowID       string
	Destination    string
	HoldRef        string // Funds source; lets the transfer settle against the captured charge
	Amount         decimal.Decimal
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// RefundParams returns a hold's full amount to the payer.
type RefundParams struct {
	EscrowID       string
	HoldRef        string
	Metadata       map[string]string
	IdempotencyKey string
}

// PayoutAccountParams creates a connected account for an expert.
type PayoutAccountParams struct {
	UserID  string
	Email   string
	Country string
}

// OnboardingLinkParams builds a hosted onboarding link.
type OnboardingLinkParams struct {
	AccountID  string
	RefreshURL string
	ReturnURL  string
}

// Capability summarizes whether a payout account can receive transfers.
type Capability struct {
	AccountID           string
	HasPayoutAccount    bool
	CanReceiveTransfers bool
	ChargesEnabled      bool
	DetailsSubmitted    bool
}

// EventType enumerates the webhook events the engine reacts to.
type EventType string

const (
	EventHoldSucceeded  EventType = "payment_intent.succeeded"
	EventHoldFailed     EventType = "payment_intent.payment_failed"
	EventHoldCanceled   EventType = "payment_intent.canceled"
	EventAccountUpdated EventType = "account.updated"
)

// Event is a verified processor webhook event.
type Event struct {
	ID         string
	Type       EventType
	HoldRef    string      // Payment intent events
	FailureMsg string      // Failed payment events
	Account    *Capability // account.updated
	CreatedAt  time.Time
}

// Gateway is the minimal processor contract the escrow engine needs.
type Gateway interface {
	CreateCustomer(ctx context.Context, p CustomerParams) (string, error)
	CreateHold(ctx context.Context, p HoldParams) (*Hold, error)
	CaptureStatus(ctx context.Context, holdRef string) (*Hold, error)
	Transfer(ctx context.Context, p TransferParams) (string, error)
	Refund(ctx context.Context, p RefundParams) (string, error)
	AccountCapability(ctx context.Context, accountID string) (*Capability, error)
	CreatePayoutAccount(ctx context.Context, p PayoutAccountParams) (string, error)
	CreateOnboardingLink(ctx context.Context, p OnboardingLinkParams) (string, error)
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

// Idempotency keys for money-moving calls. One per escrow and operation.
func HoldKey(escrowID string) string     { return "escrow:" + escrowID + ":hold" }
func TransferKey(escrowID string) string { return "escrow:" + escrowID + ":transfer" }
func RefundKey(escrowID string) string   { return "escrow:" + escrowID + ":refund" }
