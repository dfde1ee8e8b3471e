package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/mbd888/bountyescrow/internal/idgen"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/metrics"
	"github.com/mbd888/bountyescrow/internal/money"
	"github.com/mbd888/bountyescrow/internal/processor"
	"github.com/mbd888/bountyescrow/internal/traces"
)

// Service implements the escrow state machine.
type Service struct {
	store   Store
	dir     Directory
	gateway processor.Gateway
	hooks   Hooks
	logger  *slog.Logger
	feeRate decimal.Decimal
	lease   time.Duration
	settle  time.Duration
	defCur  string
	now     func() time.Time
	hookWG  sync.WaitGroup
}

// NewService creates a new escrow service.
func NewService(store Store, dir Directory, gateway processor.Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		dir:     dir,
		gateway: gateway,
		logger:  logging.OrDiscard(logger),
		feeRate: money.DefaultFeeRate,
		lease:   2 * time.Minute,
		settle:  time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithHooks registers lifecycle hooks.
func (s *Service) WithHooks(h Hooks) *Service {
	s.hooks = h
	return s
}

// WithFeeRate overrides the platform fee rate applied at release time.
func (s *Service) WithFeeRate(rate decimal.Decimal) *Service {
	s.feeRate = rate
	return s
}

// WithSettlementLease sets how long a release or refund claim blocks
// competing settlements before it may be taken over.
func (s *Service) WithSettlementLease(d time.Duration) *Service {
	if d > 0 {
		s.lease = d
	}
	return s
}

// WithSettleTimeout bounds a transfer or refund call, retries included.
// The call runs detached from the caller's context so a disconnect cannot
// abort money movement halfway.
func (s *Service) WithSettleTimeout(d time.Duration) *Service {
	if d > 0 {
		s.settle = d
	}
	return s
}

// WithDefaultCurrency sets the currency used when a request omits one.
func (s *Service) WithDefaultCurrency(code string) *Service {
	s.defCur = code
	return s
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// FeeRate returns the rate the next release will use.
func (s *Service) FeeRate() decimal.Decimal { return s.feeRate }

// Create persists a PENDING escrow and opens the processor hold for it.
//
// The record is written before the processor is called. If the hold cannot
// be opened the escrow is still returned, together with an error wrapping
// ErrProcessor, so the caller can retry with RetryHold.
func (s *Service) Create(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.ActorID(req.PayerID))
	defer func() { traces.End(span, err); s.observe("create", err) }()

	code := req.Currency
	if strings.TrimSpace(code) == "" {
		code = s.defCur
	}
	currency, err := money.NormalizeCurrency(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := money.Validate(req.Amount, currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	questionID := strings.TrimSpace(req.QuestionID)
	if questionID == "" {
		return nil, fmt.Errorf("%w: questionId is required", ErrInvalidInput)
	}
	description := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return nil, fmt.Errorf("%w: description exceeds %d characters", ErrInvalidInput, MaxDescriptionLength)
	}
	if req.AutoReleaseDays != 0 && (req.AutoReleaseDays < MinAutoReleaseDays || req.AutoReleaseDays > MaxAutoReleaseDays) {
		return nil, fmt.Errorf("%w: autoReleaseDays must be between %d and %d", ErrInvalidInput, MinAutoReleaseDays, MaxAutoReleaseDays)
	}
	payeeID := strings.TrimSpace(req.PayeeID)
	if payeeID != "" && payeeID == req.PayerID {
		return nil, fmt.Errorf("%w: payer and payee cannot be the same user", ErrInvalidInput)
	}

	payer, err := s.dir.Account(ctx, req.PayerID)
	if err != nil {
		return nil, fmt.Errorf("payer: %w", err)
	}
	if !payer.Active {
		return nil, fmt.Errorf("%w: payer account is not active", ErrForbidden)
	}
	if _, err := s.dir.Subject(ctx, questionID); err != nil {
		return nil, fmt.Errorf("question: %w", err)
	}
	if payeeID != "" {
		if _, err := s.dir.Account(ctx, payeeID); err != nil {
			return nil, fmt.Errorf("payee: %w", err)
		}
	}

	now := s.now()
	e := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		PayerID:     req.PayerID,
		PayeeID:     payeeID,
		QuestionID:  questionID,
		Amount:      req.Amount,
		Currency:    currency,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.AutoReleaseDays > 0 {
		at := now.AddDate(0, 0, req.AutoReleaseDays)
		e.AutoReleaseAt = &at
	}

	err = s.store.Create(ctx, e, Transition{
		EscrowID:  e.ID,
		To:        StatusPending,
		ActorID:   req.PayerID,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowCreatedAmount.WithLabelValues(currency).Add(e.Amount.InexactFloat64())

	return s.openHold(ctx, e)
}

// RetryHold reopens the processor hold for a PENDING escrow whose hold
// creation failed, or returns a fresh client secret for one that exists.
// Only the payer may call it.
func (s *Service) RetryHold(ctx context.Context, id, actorID string) (res *CreateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RetryHold", traces.EscrowID(id), traces.ActorID(actorID))
	defer func() { traces.End(span, err); s.observe("retry_hold", err) }()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != e.PayerID {
		return nil, ErrForbidden
	}
	if e.Status != StatusPending {
		return nil, fmt.Errorf("%w: escrow is %s", ErrPreconditionFailed, e.Status)
	}
	return s.openHold(ctx, e)
}

// openHold provisions the payer's customer record and creates the hold.
// Both calls are idempotent so a retry never opens a second hold.
func (s *Service) openHold(ctx context.Context, e *Escrow) (*CreateResult, error) {
	res := &CreateResult{Escrow: e}

	customerID, err := s.dir.EnsureCustomer(ctx, e.PayerID)
	if err != nil {
		return res, s.processorFailure(ctx, e, "ensure customer", err)
	}

	hold, err := s.gateway.CreateHold(ctx, processor.HoldParams{
		EscrowID:    e.ID,
		CustomerID:  customerID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Description: holdDescription(e),
		Metadata: map[string]string{
			"escrow_id":   e.ID,
			"question_id": e.QuestionID,
			"payer_id":    e.PayerID,
		},
		IdempotencyKey: processor.HoldKey(e.ID),
	})
	if err != nil {
		return res, s.processorFailure(ctx, e, "create hold", err)
	}

	if err := s.store.AttachHold(ctx, e.ID, hold.Ref); err != nil {
		return res, fmt.Errorf("attach hold %s: %w", hold.Ref, err)
	}
	e.ProcessorHoldID = hold.Ref
	res.ClientSecret = hold.ClientSecret
	return res, nil
}

func holdDescription(e *Escrow) string {
	if e.Description != "" {
		return e.Description
	}
	return "Bounty escrow for question " + e.QuestionID
}

// ConfirmPayment moves a PENDING escrow to HELD once the processor reports
// its hold as captured. It is idempotent: confirming an escrow that is
// already HELD with the same hold reference succeeds without a new
// transition. Users may only confirm their own escrows; processor-driven
// confirmations pass SystemActor.
func (s *Service) ConfirmPayment(ctx context.Context, id, holdRef, actorID string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmPayment",
		traces.EscrowID(id), traces.HoldRef(holdRef), traces.ActorID(actorID))
	defer func() { traces.End(span, err); s.observe("confirm", err) }()

	if strings.TrimSpace(holdRef) == "" {
		return nil, fmt.Errorf("%w: hold reference is required", ErrInvalidInput)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != SystemActor && actorID != current.PayerID {
		return nil, ErrForbidden
	}
	if current.ProcessorHoldID != holdRef {
		return nil, fmt.Errorf("%w: hold reference does not match escrow", ErrConflict)
	}
	if current.Status == StatusHeld {
		return current, nil
	}
	if current.Status != StatusPending {
		return nil, fmt.Errorf("%w: escrow is %s", ErrPreconditionFailed, current.Status)
	}

	hold, err := s.gateway.CaptureStatus(ctx, holdRef)
	if err != nil {
		return nil, s.processorFailure(ctx, current, "capture status", err)
	}
	if hold.Status != processor.HoldSucceeded {
		return nil, fmt.Errorf("%w: payment is %s", ErrPreconditionFailed, hold.Status)
	}

	updated, err := s.store.Transition(ctx, Change{
		EscrowID: id,
		From:     StatusPending,
		To:       StatusHeld,
		At:       s.now(),
		ActorID:  actorID,
		HoldRef:  holdRef,
	})
	if errors.Is(err, ErrPreconditionFailed) {
		// A concurrent confirmation (webhook vs client) won the race.
		fresh, getErr := s.store.Get(ctx, id)
		if getErr == nil && fresh.Status == StatusHeld && fresh.ProcessorHoldID == holdRef {
			return fresh, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.committed(ctx, StatusPending, updated)
	return updated, nil
}

// Expire moves a PENDING escrow whose payment failed to EXPIRED.
func (s *Service) Expire(ctx context.Context, id, failure string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Expire", traces.EscrowID(id))
	defer func() { traces.End(span, err); s.observe("expire", err) }()

	reason := "payment failed"
	if failure = strings.TrimSpace(failure); failure != "" {
		reason += ": " + failure
	}
	updated, err := s.store.Transition(ctx, Change{
		EscrowID: id,
		From:     StatusPending,
		To:       StatusExpired,
		At:       s.now(),
		ActorID:  SystemActor,
		Reason:   truncate(reason, MaxRefundReasonLength),
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, StatusPending, updated)
	return updated, nil
}

// SyncHold polls the processor for a PENDING escrow's hold and applies
// the outcome. Used for escrows whose webhook never arrived.
func (s *Service) SyncHold(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending || e.ProcessorHoldID == "" {
		return e, nil
	}
	hold, err := s.gateway.CaptureStatus(ctx, e.ProcessorHoldID)
	if err != nil {
		return nil, s.processorFailure(ctx, e, "capture status", err)
	}
	switch hold.Status {
	case processor.HoldSucceeded:
		return s.ConfirmPayment(ctx, id, e.ProcessorHoldID, SystemActor)
	case processor.HoldFailed, processor.HoldCanceled:
		msg := hold.FailureMsg
		if msg == "" {
			msg = string(hold.Status)
		}
		return s.Expire(ctx, id, msg)
	default:
		return e, nil
	}
}

// Release pays a HELD or DISPUTED escrow out to its payee, keeping the
// platform fee. The actor must be the payer or the question's author.
func (s *Service) Release(ctx context.Context, id, actorID, reason string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id), traces.ActorID(actorID))
	defer func() { traces.End(span, err); s.observe("release", err) }()

	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxReleaseReasonLength {
		return nil, fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, MaxReleaseReasonLength)
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.PayeeID == "" {
		return nil, fmt.Errorf("%w: escrow has no payee", ErrPreconditionFailed)
	}
	allowed, err := s.canRelease(ctx, current, actorID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden
	}
	if current.Status != StatusHeld && current.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: escrow is %s", ErrPreconditionFailed, current.Status)
	}

	capability, err := s.dir.PayeeCapability(ctx, current.PayeeID)
	if err != nil {
		return nil, fmt.Errorf("payee capability: %w", err)
	}
	if !capability.HasPayoutAccount || !capability.CanReceiveTransfers || capability.PayoutAccountID == "" {
		return nil, fmt.Errorf("%w: payee cannot receive transfers yet", ErrPreconditionFailed)
	}

	fee, payout, err := money.Split(current.Amount, s.feeRate, current.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	claimed, token, err := s.claim(ctx, id, OpRelease)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := s.settleContext(ctx)
	transferID, err := s.gateway.Transfer(callCtx, processor.TransferParams{
		EscrowID:    id,
		Destination: capability.PayoutAccountID,
		HoldRef:     claimed.ProcessorHoldID,
		Amount:      payout,
		Currency:    claimed.Currency,
		Metadata: map[string]string{
			"escrow_id":    id,
			"question_id":  claimed.QuestionID,
			"payee_id":     claimed.PayeeID,
			"platform_fee": fee.String(),
		},
		IdempotencyKey: processor.TransferKey(id),
	})
	cancel()
	if err != nil {
		s.abandonClaim(ctx, id, token, err)
		return nil, s.processorFailure(ctx, claimed, "transfer", err)
	}

	updated, err := s.commitSettlement(ctx, Change{
		EscrowID:    id,
		From:        claimed.Status,
		To:          StatusReleased,
		At:          s.now(),
		ActorID:     actorID,
		Reason:      reason,
		ClaimToken:  token,
		TransferID:  transferID,
		PlatformFee: &fee,
	})
	if err != nil {
		return nil, err
	}
	metrics.PlatformFeesTotal.WithLabelValues(updated.Currency).Add(fee.InexactFloat64())
	s.committed(ctx, claimed.Status, updated)
	return updated, nil
}

// Refund returns a HELD or DISPUTED escrow to its payer in full. Only the
// payer may refund.
func (s *Service) Refund(ctx context.Context, id, actorID, reason string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id), traces.ActorID(actorID))
	defer func() { traces.End(span, err); s.observe("refund", err) }()

	reason, err = requireReason(reason, MaxRefundReasonLength)
	if err != nil {
		return nil, err
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != current.PayerID {
		return nil, ErrForbidden
	}
	if current.Status != StatusHeld && current.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: escrow is %s", ErrPreconditionFailed, current.Status)
	}
	if current.ProcessorHoldID == "" {
		return nil, fmt.Errorf("%w: escrow has no processor hold", ErrPreconditionFailed)
	}

	claimed, token, err := s.claim(ctx, id, OpRefund)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := s.settleContext(ctx)
	refundID, err := s.gateway.Refund(callCtx, processor.RefundParams{
		EscrowID: id,
		HoldRef:  claimed.ProcessorHoldID,
		Metadata: map[string]string{
			"escrow_id":   id,
			"question_id": claimed.QuestionID,
			"reason":      reason,
		},
		IdempotencyKey: processor.RefundKey(id),
	})
	cancel()
	if err != nil {
		s.abandonClaim(ctx, id, token, err)
		return nil, s.processorFailure(ctx, claimed, "refund", err)
	}

	updated, err := s.commitSettlement(ctx, Change{
		EscrowID:   id,
		From:       claimed.Status,
		To:         StatusRefunded,
		At:         s.now(),
		ActorID:    actorID,
		Reason:     reason,
		ClaimToken: token,
		RefundID:   refundID,
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, claimed.Status, updated)
	return updated, nil
}

// Dispute freezes a HELD escrow. Either party may dispute. A disputed
// escrow is skipped by the sweeper and resolves only by manual release
// or refund.
func (s *Service) Dispute(ctx context.Context, id, actorID, reason string) (e *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.EscrowID(id), traces.ActorID(actorID))
	defer func() { traces.End(span, err); s.observe("dispute", err) }()

	reason, err = requireReason(reason, MaxDisputeReasonLength)
	if err != nil {
		return nil, err
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != current.PayerID && (current.PayeeID == "" || actorID != current.PayeeID) {
		return nil, ErrForbidden
	}
	if current.Status != StatusHeld {
		return nil, fmt.Errorf("%w: escrow is %s", ErrPreconditionFailed, current.Status)
	}

	// Unclaimed: a dispute cannot interrupt a settlement already talking
	// to the processor.
	updated, err := s.store.Transition(ctx, Change{
		EscrowID:  id,
		From:      StatusHeld,
		To:        StatusDisputed,
		At:        s.now(),
		ActorID:   actorID,
		Reason:    reason,
		Unclaimed: true,
	})
	if err != nil {
		return nil, err
	}
	s.committed(ctx, StatusHeld, updated)
	return updated, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByHoldRef returns the escrow tied to a processor hold.
func (s *Service) GetByHoldRef(ctx context.Context, holdRef string) (*Escrow, error) {
	return s.store.GetByHoldRef(ctx, holdRef)
}

// History returns the transition log of an escrow, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]Transition, error) {
	return s.store.History(ctx, id)
}

// ListByUser returns a page of escrows the user takes part in, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, f ListFilter) (*Page, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	switch f.Role {
	case RoleAny, RolePayer, RolePayee:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, f.Role)
	}
	return s.store.ListByUser(ctx, userID, f)
}

// ListByQuestion returns the escrows backing a question's bounty.
func (s *Service) ListByQuestion(ctx context.Context, questionID string, limit int) ([]*Escrow, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByQuestion(ctx, questionID, limit)
}

// Stats aggregates escrow volume for one currency.
func (s *Service) Stats(ctx context.Context, currency string) (*Stats, error) {
	c, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.store.Stats(ctx, c)
}

// canRelease reports whether actorID may release e: the payer, or the
// author of the question the escrow backs.
func (s *Service) canRelease(ctx context.Context, e *Escrow, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	if actorID == e.PayerID {
		return true, nil
	}
	subject, err := s.dir.Subject(ctx, e.QuestionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return subject.AuthorID == actorID, nil
}

func (s *Service) claim(ctx context.Context, id string, op Op) (*Escrow, string, error) {
	token := idgen.New()
	now := s.now()
	claimed, err := s.store.Claim(ctx, id, op, []Status{StatusHeld, StatusDisputed}, token, now, now.Add(s.lease))
	if errors.Is(err, ErrPreconditionFailed) {
		return nil, "", fmt.Errorf("%w: escrow is already being settled or resolved", err)
	}
	if err != nil {
		return nil, "", err
	}
	return claimed, token, nil
}

// settleContext detaches a money-moving call from ctx's cancellation
// while keeping its values, and bounds it by the settle timeout.
func (s *Service) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.settle)
}

// abandonClaim drops the claim only when the processor definitively
// refused the operation. After any other failure, cancellation and
// deadlines included, the claim stays until its lease expires, and only
// the same operation may take it over, so an in-doubt transfer can never
// be followed by a refund.
func (s *Service) abandonClaim(ctx context.Context, id, token string, cause error) {
	if !processor.IsDefinitive(cause) {
		logging.L(ctx).Warn("settlement outcome unknown, claim kept until lease expiry",
			"escrowId", id, "lease", s.lease, "error", cause)
		return
	}
	if err := s.store.Unclaim(context.WithoutCancel(ctx), id, token); err != nil {
		logging.L(ctx).Error("failed to drop settlement claim", "escrowId", id, "error", err)
	}
}

// commitSettlement records a release or refund after the money moved.
// The commit is retried once. If a concurrent holder of the same
// operation already committed, its result is returned.
func (s *Service) commitSettlement(ctx context.Context, c Change) (*Escrow, error) {
	ctx = context.WithoutCancel(ctx)

	updated, err := s.store.Transition(ctx, c)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrPreconditionFailed) {
		updated, err = s.store.Transition(ctx, c)
		if err == nil {
			return updated, nil
		}
	}

	fresh, getErr := s.store.Get(ctx, c.EscrowID)
	if getErr == nil && fresh.Status == c.To {
		return fresh, nil
	}

	// CRITICAL: money moved at the processor but the escrow record is stale.
	// The claim stays in place so nothing else settles it; reconcile by hand.
	s.logger.Error("CRITICAL: escrow settled at processor but status update failed",
		"escrowId", c.EscrowID,
		"to", c.To,
		"transferId", c.TransferID,
		"refundId", c.RefundID,
		"error", err,
	)
	return nil, fmt.Errorf("failed to update escrow after settlement (requires manual resolution): %w", err)
}

// committed records metrics and fires hooks for a transition that just
// committed.
func (s *Service) committed(ctx context.Context, from Status, e *Escrow) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(e.Status)).Inc()
	if e.Status.IsTerminal() {
		metrics.EscrowDuration.WithLabelValues(string(e.Status)).Observe(e.UpdatedAt.Sub(e.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("escrow transition",
		"escrowId", e.ID, "from", from, "to", e.Status, "amount", e.Amount.String(), "currency", e.Currency)
	s.notify(ctx, e)
}

func (s *Service) processorFailure(ctx context.Context, e *Escrow, op string, err error) error {
	logging.L(ctx).Warn("processor call failed",
		"escrowId", e.ID, "op", op, "retryable", processor.IsRetryable(err), "error", err)
	return fmt.Errorf("%w: %s: %w", ErrProcessor, op, err)
}

func (s *Service) observe(op string, err error) {
	metrics.EscrowOperationsTotal.WithLabelValues(op, Outcome(err)).Inc()
}

// Outcome classifies an operation error into a short metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrProcessor):
		return "processor_error"
	default:
		return "error"
	}
}

func requireReason(reason string, limit int) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(reason) > limit {
		return "", fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, limit)
	}
	return reason, nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
