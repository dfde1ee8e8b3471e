package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/idgen"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/metrics"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter turns escrow lifecycle notifications into webhook deliveries to
// the payer's and payee's subscriptions. Errors are logged, never returned.
type Emitter struct {
	d       *Dispatcher
	timeout time.Duration
	logger  *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, timeout: 30 * time.Second, logger: logging.OrDiscard(logger)}
}

var _ escrow.Hooks = (*Emitter)(nil)

func (e *Emitter) OnEscrowHeld(ctx context.Context, es *escrow.Escrow) {
	e.emit(ctx, EventEscrowHeld, es)
}

func (e *Emitter) OnEscrowReleased(ctx context.Context, es *escrow.Escrow) {
	e.emit(ctx, EventEscrowReleased, es)
}

func (e *Emitter) OnEscrowRefunded(ctx context.Context, es *escrow.Escrow) {
	e.emit(ctx, EventEscrowRefunded, es)
}

func (e *Emitter) OnEscrowDisputed(ctx context.Context, es *escrow.Escrow) {
	e.emit(ctx, EventEscrowDisputed, es)
}

func (e *Emitter) OnEscrowExpired(ctx context.Context, es *escrow.Escrow) {
	e.emit(ctx, EventEscrowExpired, es)
}

func (e *Emitter) emit(ctx context.Context, eventType EventType, es *escrow.Escrow) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      eventData(es),
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.d.DispatchToUsers(ctx, []string{es.PayerID, es.PayeeID}, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "escrowId", es.ID, "error", err)
	}
}

func eventData(es *escrow.Escrow) map[string]any {
	data := map[string]any{
		"escrowId":   es.ID,
		"status":     es.Status,
		"payerId":    es.PayerID,
		"questionId": es.QuestionID,
		"amount":     es.Amount.String(),
		"currency":   es.Currency,
	}
	if es.PayeeID != "" {
		data["payeeId"] = es.PayeeID
	}
	if es.PlatformFee != nil {
		data["platformFee"] = es.PlatformFee.String()
	}
	switch es.Status {
	case escrow.StatusReleased:
		data["reason"] = es.ReleaseReason
	case escrow.StatusRefunded, escrow.StatusExpired:
		data["reason"] = es.RefundReason
	case escrow.StatusDisputed:
		data["reason"] = es.DisputeReason
	}
	return data
}
