package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/bountyescrow/internal/circuitbreaker"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/metrics"
	"github.com/mbd888/bountyescrow/internal/retry"
	"github.com/mbd888/bountyescrow/internal/traces"
)

// Instrumented decorates a Gateway with retries for transient failures,
// a per-method circuit breaker, Prometheus metrics and tracing spans.
// Retrying money-moving calls is safe because they carry idempotency keys.
type Instrumented struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

// Instrument wraps next. A nil breaker disables circuit breaking.
func Instrument(next Gateway, breaker *circuitbreaker.Breaker, policy retry.Policy, logger *slog.Logger) *Instrumented {
	return &Instrumented{
		next:    next,
		breaker: breaker,
		policy:  policy,
		logger:  logging.OrDiscard(logger),
	}
}

var _ Gateway = (*Instrumented)(nil)

// OpenCircuits lists processor methods whose circuit is open.
func (g *Instrumented) OpenCircuits() []string {
	if g.breaker == nil {
		return nil
	}
	return g.breaker.OpenKeys()
}

func (g *Instrumented) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "processor."+method, traces.ProcessorMethod(method))
	start := time.Now()
	attempts := 0

	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		attempts++
		var err error
		if g.breaker != nil {
			err = g.breaker.Execute(method, func() error { return fn(ctx) }, IsRetryable)
		} else {
			err = fn(ctx)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(&Error{Method: method, Code: "circuit_open", Retryable: true, Err: err})
		}
		if !IsRetryable(err) {
			return retry.Permanent(err)
		}
		g.logger.Warn("processor call failed, retrying", "method", method, "attempt", attempts, "error", err)
		return err
	})

	metrics.ProcessorCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	metrics.ProcessorCallsTotal.WithLabelValues(method, resultLabel(err)).Inc()
	traces.End(span, err)
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRetryable(err):
		return "transient"
	default:
		return "error"
	}
}

func (g *Instrumented) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	var id string
	err := g.call(ctx, "create_customer", func(ctx context.Context) error {
		var err error
		id, err = g.next.CreateCustomer(ctx, p)
		return err
	})
	return id, err
}

func (g *Instrumented) CreateHold(ctx context.Context, p HoldParams) (*Hold, error) {
	var h *Hold
	err := g.call(ctx, "create_hold", func(ctx context.Context) error {
		var err error
		h, err = g.next.CreateHold(ctx, p)
		return err
	})
	return h, err
}

func (g *Instrumented) CaptureStatus(ctx context.Context, holdRef string) (*Hold, error) {
	var h *Hold
	err := g.call(ctx, "capture_status", func(ctx context.Context) error {
		var err error
		h, err = g.next.CaptureStatus(ctx, holdRef)
		return err
	})
	return h, err
}

func (g *Instrumented) Transfer(ctx context.Context, p TransferParams) (string, error) {
	var ref string
	err := g.call(ctx, "transfer", func(ctx context.Context) error {
		var err error
		ref, err = g.next.Transfer(ctx, p)
		return err
	})
	return ref, err
}

func (g *Instrumented) Refund(ctx context.Context, p RefundParams) (string, error) {
	var ref string
	err := g.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		ref, err = g.next.Refund(ctx, p)
		return err
	})
	return ref, err
}

func (g *Instrumented) AccountCapability(ctx context.Context, accountID string) (*Capability, error) {
	var c *Capability
	err := g.call(ctx, "account_capability", func(ctx context.Context) error {
		var err error
		c, err = g.next.AccountCapability(ctx, accountID)
		return err
	})
	return c, err
}

func (g *Instrumented) CreatePayoutAccount(ctx context.Context, p PayoutAccountParams) (string, error) {
	var id string
	err := g.call(ctx, "create_payout_account", func(ctx context.Context) error {
		var err error
		id, err = g.next.CreatePayoutAccount(ctx, p)
		return err
	})
	return id, err
}

func (g *Instrumented) CreateOnboardingLink(ctx context.Context, p OnboardingLinkParams) (string, error) {
	var url string
	err := g.call(ctx, "create_onboarding_link", func(ctx context.Context) error {
		var err error
		url, err = g.next.CreateOnboardingLink(ctx, p)
		return err
	})
	return url, err
}

// VerifyWebhook is local signature math; it is neither retried nor
// counted against the breaker.
func (g *Instrumented) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	return g.next.VerifyWebhook(payload, signature)
}
