package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/metrics"
)

// SweepResult summarizes one pass of the sweeper.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Refunded int `json:"refunded"`
	Skipped  int `json:"skipped"` // Settled elsewhere, disputed, or payee not payable
	Failed   int `json:"failed"`
}

// Sweeper periodically resolves HELD escrows whose auto-release deadline
// has passed: released to the payee when one is set, otherwise refunded
// to the payer. Disputed escrows are never touched.
type Sweeper struct {
	service     *Service
	store       Store
	interval    time.Duration
	batchSize   int
	concurrency int
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewSweeper creates a new auto-release sweeper.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:     service,
		store:       store,
		interval:    time.Hour,
		batchSize:   200,
		concurrency: 4,
		logger:      logging.OrDiscard(logger),
		stop:        make(chan struct{}),
	}
}

// WithInterval sets the time between sweeps.
func (w *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithBatch sets how many due escrows are loaded per query and how many
// are settled in parallel.
func (w *Sweeper) WithBatch(size, concurrency int) *Sweeper {
	if size > 0 {
		w.batchSize = size
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	return w
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.ProcessExpiredEscrows(ctx); err != nil {
		w.logger.Warn("escrow sweep failed", "error", err)
	}
}

// ProcessExpiredEscrows runs a single pass over every due escrow, loading
// them batchSize at a time in (auto_release_at, id) order. A failure on one
// escrow is logged and counted but never stops the others; that escrow
// stays HELD and is picked up again on the next pass. Escrows skipped in
// one batch never hide the ones behind them.
func (w *Sweeper) ProcessExpiredEscrows(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	metrics.SweepRunsTotal.Inc()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := w.service.now()
	var (
		res    SweepResult
		cursor *ScanCursor
	)
	for {
		due, err := w.store.ListDueForAutoRelease(ctx, now, cursor, w.batchSize)
		if err != nil {
			return res, fmt.Errorf("list due escrows: %w", err)
		}
		w.settleBatch(ctx, due, &res)

		if len(due) < w.batchSize || ctx.Err() != nil {
			break
		}
		last := due[len(due)-1]
		cursor = &ScanCursor{At: *last.AutoReleaseAt, ID: last.ID}
	}

	if res.Scanned > 0 {
		w.logger.Info("escrow sweep complete",
			"scanned", res.Scanned,
			"released", res.Released,
			"refunded", res.Refunded,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// settleBatch settles one page of due escrows concurrently and adds the
// outcomes to res.
func (w *Sweeper) settleBatch(ctx context.Context, due []*Escrow, res *SweepResult) {
	var released, refunded, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, e := range due {
		g.Go(func() error {
			outcome := w.settle(gctx, e)
			metrics.SweepEscrowsTotal.WithLabelValues(outcome).Inc()
			switch outcome {
			case "released":
				released.Add(1)
			case "refunded":
				refunded.Add(1)
			case "skipped":
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Scanned += len(due)
	res.Released += int(released.Load())
	res.Refunded += int(refunded.Load())
	res.Skipped += int(skipped.Load())
	res.Failed += int(failed.Load())
}

// settle resolves one due escrow, acting as its payer.
func (w *Sweeper) settle(ctx context.Context, e *Escrow) string {
	var (
		err     error
		outcome string
	)
	if e.PayeeID != "" {
		_, err = w.service.Release(ctx, e.ID, e.PayerID, AutoReleaseReason)
		outcome = "released"
	} else {
		_, err = w.service.Refund(ctx, e.ID, e.PayerID, AutoRefundReason)
		outcome = "refunded"
	}

	switch {
	case err == nil:
		w.logger.Info("auto-settled escrow",
			"escrowId", e.ID,
			"outcome", outcome,
			"payerId", e.PayerID,
			"payeeId", e.PayeeID,
			"amount", e.Amount.String(),
		)
		return outcome
	case errors.Is(err, ErrPreconditionFailed):
		// Already resolved, disputed, or payee not yet payable.
		w.logger.Debug("skipping escrow in sweep", "escrowId", e.ID, "reason", err)
		return "skipped"
	default:
		w.logger.Warn("failed to auto-settle escrow",
			"escrowId", e.ID,
			"outcome", outcome,
			"error", err,
		)
		return "failed"
	}
}
