// Package reconciliation applies processor webhook events to escrows and
// polls holds whose events never arrived.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/processor"
	"github.com/mbd888/bountyescrow/internal/traces"
)

// ErrUnauthorized is returned when a webhook signature does not verify.
var ErrUnauthorized = errors.New("reconciliation: invalid webhook signature")

// EscrowService is the slice of the escrow service the reconciler drives.
type EscrowService interface {
	GetByHoldRef(ctx context.Context, holdRef string) (*escrow.Escrow, error)
	ConfirmPayment(ctx context.Context, id, holdRef, actorID string) (*escrow.Escrow, error)
	Expire(ctx context.Context, id, failure string) (*escrow.Escrow, error)
}

// CapabilityRefresher stores payout capability flags for an account.
type CapabilityRefresher interface {
	RefreshCapability(ctx context.Context, c *processor.Capability) error
}

// Verifier checks and parses a signed webhook payload.
type Verifier interface {
	VerifyWebhook(payload []byte, signature string) (*processor.Event, error)
}

// Reconciler handles inbound processor webhooks.
type Reconciler struct {
	escrows   EscrowService
	directory CapabilityRefresher
	verifier  Verifier
	processed ProcessedStore
	logger    *slog.Logger
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(escrows EscrowService, directory CapabilityRefresher, verifier Verifier, processed ProcessedStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		escrows:   escrows,
		directory: directory,
		verifier:  verifier,
		processed: processed,
		logger:    logging.OrDiscard(logger),
	}
}

// Result describes what a webhook delivery did.
type Result struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Outcome   string `json:"outcome"` // applied, duplicate, noop, ignored
	EscrowID  string `json:"escrowId,omitempty"`
}

// HandleWebhook verifies a delivery and applies it. An event is recorded as
// processed only after it was applied, so a failed delivery is retried by
// the processor. Redeliveries that race past the processed check are made
// harmless by the escrow store's conditional transitions.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (res *Result, err error) {
	evt, err := r.verifier.VerifyWebhook(payload, signature)
	if err != nil {
		webhookEventsTotal.WithLabelValues("unknown", "unauthorized").Inc()
		logging.L(ctx).Warn("rejected webhook", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	ctx, span := traces.StartSpan(ctx, "reconciliation.HandleWebhook",
		traces.EventID(evt.ID), traces.EventType(string(evt.Type)))
	defer func() {
		traces.End(span, err)
		outcome := "error"
		if err == nil {
			outcome = res.Outcome
		}
		webhookEventsTotal.WithLabelValues(string(evt.Type), outcome).Inc()
	}()

	res = &Result{EventID: evt.ID, EventType: string(evt.Type)}
	seen, err := r.processed.Seen(ctx, evt.ID)
	if err != nil {
		return nil, fmt.Errorf("check processed event: %w", err)
	}
	if seen {
		res.Outcome = "duplicate"
		return res, nil
	}

	switch evt.Type {
	case processor.EventHoldSucceeded:
		err = r.holdSucceeded(ctx, evt, res)
	case processor.EventHoldFailed, processor.EventHoldCanceled:
		err = r.holdFailed(ctx, evt, res)
	case processor.EventAccountUpdated:
		err = r.accountUpdated(ctx, evt, res)
	default:
		res.Outcome = "ignored"
	}
	if err != nil {
		return nil, err
	}

	if err := r.processed.Mark(ctx, evt.ID, string(evt.Type)); err != nil {
		// The event was applied; a redelivery will be a no-op.
		logging.L(ctx).Warn("failed to record processed event", "eventId", evt.ID, "error", err)
	}
	logging.L(ctx).Info("webhook processed",
		"eventId", evt.ID, "type", evt.Type, "outcome", res.Outcome, "escrowId", res.EscrowID)
	return res, nil
}

func (r *Reconciler) holdSucceeded(ctx context.Context, evt *processor.Event, res *Result) error {
	e, err := r.escrows.GetByHoldRef(ctx, evt.HoldRef)
	if err != nil {
		return fmt.Errorf("hold %s: %w", evt.HoldRef, err)
	}
	res.EscrowID = e.ID
	if e.Status != escrow.StatusPending {
		res.Outcome = "noop"
		return nil
	}
	_, err = r.escrows.ConfirmPayment(ctx, e.ID, evt.HoldRef, escrow.SystemActor)
	if errors.Is(err, escrow.ErrPreconditionFailed) {
		// Moved on since we read it.
		res.Outcome = "noop"
		return nil
	}
	if err != nil {
		return err
	}
	res.Outcome = "applied"
	return nil
}

func (r *Reconciler) holdFailed(ctx context.Context, evt *processor.Event, res *Result) error {
	e, err := r.escrows.GetByHoldRef(ctx, evt.HoldRef)
	if err != nil {
		return fmt.Errorf("hold %s: %w", evt.HoldRef, err)
	}
	res.EscrowID = e.ID
	if e.Status != escrow.StatusPending {
		res.Outcome = "noop"
		return nil
	}
	failure := evt.FailureMsg
	if failure == "" && evt.Type == processor.EventHoldCanceled {
		failure = "canceled"
	}
	_, err = r.escrows.Expire(ctx, e.ID, failure)
	if errors.Is(err, escrow.ErrPreconditionFailed) {
		res.Outcome = "noop"
		return nil
	}
	if err != nil {
		return err
	}
	res.Outcome = "applied"
	return nil
}

func (r *Reconciler) accountUpdated(ctx context.Context, evt *processor.Event, res *Result) error {
	if evt.Account == nil {
		return fmt.Errorf("%w: account event without account", escrow.ErrInvalidInput)
	}
	err := r.directory.RefreshCapability(ctx, evt.Account)
	if errors.Is(err, escrow.ErrNotFound) {
		// Accounts created outside this platform are not ours to track.
		res.Outcome = "ignored"
		return nil
	}
	if err != nil {
		return err
	}
	res.Outcome = "applied"
	return nil
}
