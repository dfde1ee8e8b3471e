package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/logging"
)

// StaleLister finds PENDING escrows that still wait for their hold outcome.
type StaleLister interface {
	ListStalePending(ctx context.Context, before time.Time, after *escrow.ScanCursor, limit int) ([]*escrow.Escrow, error)
}

// HoldSyncer polls the processor for one escrow's hold and applies it.
type HoldSyncer interface {
	SyncHold(ctx context.Context, id string) (*escrow.Escrow, error)
}

// PendingResult summarizes one pending reconciliation pass.
type PendingResult struct {
	Scanned   int `json:"scanned"`
	Confirmed int `json:"confirmed"`
	Expired   int `json:"expired"`
	Waiting   int `json:"waiting"`
	Failed    int `json:"failed"`
}

// PendingReconciler periodically polls holds for PENDING escrows whose
// webhook never arrived.
type PendingReconciler struct {
	store       StaleLister
	syncer      HoldSyncer
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewPendingReconciler creates a reconciler with a 5 minute interval that
// considers holds older than 15 minutes stale.
func NewPendingReconciler(store StaleLister, syncer HoldSyncer, logger *slog.Logger) *PendingReconciler {
	return &PendingReconciler{
		store:       store,
		syncer:      syncer,
		interval:    5 * time.Minute,
		staleAfter:  15 * time.Minute,
		batchSize:   100,
		concurrency: 4,
		now:         time.Now,
		logger:      logging.OrDiscard(logger),
		stop:        make(chan struct{}),
	}
}

// WithInterval sets how often the loop runs.
func (t *PendingReconciler) WithInterval(d time.Duration) *PendingReconciler {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithStaleAfter sets how old a hold must be before it is polled.
func (t *PendingReconciler) WithStaleAfter(d time.Duration) *PendingReconciler {
	if d > 0 {
		t.staleAfter = d
	}
	return t
}

// WithBatch sets how many stale escrows are loaded per query and how many
// holds are polled in parallel.
func (t *PendingReconciler) WithBatch(size, concurrency int) *PendingReconciler {
	if size > 0 {
		t.batchSize = size
	}
	if concurrency > 0 {
		t.concurrency = concurrency
	}
	return t
}

// WithClock overrides the time source.
func (t *PendingReconciler) WithClock(now func() time.Time) *PendingReconciler {
	t.now = now
	return t
}

// Running reports whether the loop is actively running.
func (t *PendingReconciler) Running() bool {
	return t.running.Load()
}

// Start begins the periodic loop. Call in a goroutine.
func (t *PendingReconciler) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (t *PendingReconciler) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *PendingReconciler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in pending reconciler", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.RunOnce(ctx); err != nil {
		t.logger.Warn("pending reconciliation failed", "error", err)
	}
}

// RunOnce polls every stale PENDING escrow once, loading them batchSize at
// a time in (created_at, id) order so holds still waiting on the payer
// never hide newer ones. Per-escrow failures are logged and retried next
// pass.
func (t *PendingReconciler) RunOnce(ctx context.Context) (PendingResult, error) {
	start := time.Now()
	defer func() { pendingRunDuration.Observe(time.Since(start).Seconds()) }()

	before := t.now().Add(-t.staleAfter)
	var (
		res    PendingResult
		cursor *escrow.ScanCursor
	)
	for {
		stale, err := t.store.ListStalePending(ctx, before, cursor, t.batchSize)
		if err != nil {
			return res, fmt.Errorf("list stale pending escrows: %w", err)
		}
		t.syncBatch(ctx, stale, &res)

		if len(stale) < t.batchSize || ctx.Err() != nil {
			break
		}
		last := stale[len(stale)-1]
		cursor = &escrow.ScanCursor{At: last.CreatedAt, ID: last.ID}
	}

	if res.Scanned > 0 {
		t.logger.Info("pending reconciliation complete",
			"scanned", res.Scanned,
			"confirmed", res.Confirmed,
			"expired", res.Expired,
			"waiting", res.Waiting,
			"failed", res.Failed,
		)
	}
	return res, nil
}

func (t *PendingReconciler) syncBatch(ctx context.Context, stale []*escrow.Escrow, res *PendingResult) {
	var confirmed, expired, waiting, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)

	for _, e := range stale {
		g.Go(func() error {
			updated, err := t.syncer.SyncHold(gctx, e.ID)
			result := "waiting"
			switch {
			case err != nil:
				result = "failed"
				failed.Add(1)
				t.logger.Warn("failed to sync pending hold", "escrowId", e.ID, "holdRef", e.ProcessorHoldID, "error", err)
			case updated.Status == escrow.StatusHeld:
				result = "confirmed"
				confirmed.Add(1)
			case updated.Status == escrow.StatusExpired:
				result = "expired"
				expired.Add(1)
			default:
				waiting.Add(1)
			}
			pendingSyncedTotal.WithLabelValues(result).Inc()
			return nil
		})
	}
	_ = g.Wait()

	res.Scanned += len(stale)
	res.Confirmed += int(confirmed.Load())
	res.Expired += int(expired.Load())
	res.Waiting += int(waiting.Load())
	res.Failed += int(failed.Load())
}
