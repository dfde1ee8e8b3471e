package escrow

import (
	"context"
	"fmt"
	"log/slog"
)

// Hooks receives lifecycle notifications after a transition has been
// committed. Implementations must not assume delivery order across
// escrows and must tolerate being called concurrently.
type Hooks interface {
	OnEscrowHeld(ctx context.Context, e *Escrow)
	OnEscrowReleased(ctx context.Context, e *Escrow)
	OnEscrowRefunded(ctx context.Context, e *Escrow)
	OnEscrowDisputed(ctx context.Context, e *Escrow)
	OnEscrowExpired(ctx context.Context, e *Escrow)
}

// MultiHooks fans a notification out to every member.
type MultiHooks []Hooks

func (m MultiHooks) OnEscrowHeld(ctx context.Context, e *Escrow) {
	for _, h := range m {
		h.OnEscrowHeld(ctx, e)
	}
}

func (m MultiHooks) OnEscrowReleased(ctx context.Context, e *Escrow) {
	for _, h := range m {
		h.OnEscrowReleased(ctx, e)
	}
}

func (m MultiHooks) OnEscrowRefunded(ctx context.Context, e *Escrow) {
	for _, h := range m {
		h.OnEscrowRefunded(ctx, e)
	}
}

func (m MultiHooks) OnEscrowDisputed(ctx context.Context, e *Escrow) {
	for _, h := range m {
		h.OnEscrowDisputed(ctx, e)
	}
}

func (m MultiHooks) OnEscrowExpired(ctx context.Context, e *Escrow) {
	for _, h := range m {
		h.OnEscrowExpired(ctx, e)
	}
}

// notify dispatches the hook for e's new status on a separate goroutine.
// Hook failures and panics never reach the caller.
func (s *Service) notify(ctx context.Context, e *Escrow) {
	if s.hooks == nil {
		return
	}
	var fn func(Hooks, context.Context, *Escrow)
	switch e.Status {
	case StatusHeld:
		fn = Hooks.OnEscrowHeld
	case StatusReleased:
		fn = Hooks.OnEscrowReleased
	case StatusRefunded:
		fn = Hooks.OnEscrowRefunded
	case StatusDisputed:
		fn = Hooks.OnEscrowDisputed
	case StatusExpired:
		fn = Hooks.OnEscrowExpired
	default:
		return
	}

	hookCtx := context.WithoutCancel(ctx)
	snapshot := clone(e)
	s.hookWG.Add(1)
	go func() {
		defer s.hookWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in escrow hook",
					"escrowId", snapshot.ID, "status", snapshot.Status, "panic", fmt.Sprint(r))
			}
		}()
		fn(s.hooks, hookCtx, snapshot)
	}()
}

// WaitHooks blocks until every dispatched hook has returned. Used on
// shutdown and in tests.
func (s *Service) WaitHooks() {
	s.hookWG.Wait()
}

// LogHooks writes each lifecycle event to a logger.
type LogHooks struct {
	Logger *slog.Logger
}

func (l LogHooks) log(ctx context.Context, event string, e *Escrow) {
	l.Logger.InfoContext(ctx, event,
		"escrowId", e.ID,
		"payerId", e.PayerID,
		"payeeId", e.PayeeID,
		"amount", e.Amount.String(),
		"currency", e.Currency,
	)
}

func (l LogHooks) OnEscrowHeld(ctx context.Context, e *Escrow)     { l.log(ctx, "escrow held", e) }
func (l LogHooks) OnEscrowReleased(ctx context.Context, e *Escrow) { l.log(ctx, "escrow released", e) }
func (l LogHooks) OnEscrowRefunded(ctx context.Context, e *Escrow) { l.log(ctx, "escrow refunded", e) }
func (l LogHooks) OnEscrowDisputed(ctx context.Context, e *Escrow) { l.log(ctx, "escrow disputed", e) }
func (l LogHooks) OnEscrowExpired(ctx context.Context, e *Escrow)  { l.log(ctx, "escrow expired", e) }
