package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/reconciliation"
	"github.com/mbd888/bountyescrow/internal/validation"
)

// StaleLister finds PENDING escrows created before a cutoff.
type StaleLister interface {
	ListStalePending(ctx context.Context, before time.Time, after *escrow.ScanCursor, limit int) ([]*escrow.Escrow, error)
}

// HoldSyncer applies the processor's current hold outcome to one escrow.
type HoldSyncer interface {
	SyncHold(ctx context.Context, id string) (*escrow.Escrow, error)
}

// PendingRunner runs one pending reconciliation pass.
type PendingRunner interface {
	RunOnce(ctx context.Context) (reconciliation.PendingResult, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	stale      StaleLister
	syncer     HoldSyncer
	pending    PendingRunner
	circuits   func() []string
	staleAfter time.Duration
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(stale StaleLister, syncer HoldSyncer) *Handler {
	return &Handler{
		stale:      stale,
		syncer:     syncer,
		staleAfter: 15 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithPendingRunner enables on-demand reconciliation.
func (h *Handler) WithPendingRunner(r PendingRunner) *Handler {
	h.pending = r
	return h
}

// WithCircuits reports open processor circuits in reconciliation reports.
func (h *Handler) WithCircuits(open func() []string) *Handler {
	h.circuits = open
	return h
}

// WithStaleAfter sets the age at which a PENDING escrow counts as stuck.
func (h *Handler) WithStaleAfter(d time.Duration) *Handler {
	if d > 0 {
		h.staleAfter = d
	}
	return h
}

// RegisterRoutes sets up admin routes. The group must already require the
// admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/stuck", h.listStuck)
	r.POST("/escrows/:id/sync-hold", validation.IDParamMiddleware("id"), h.syncHold)
	r.POST("/reconcile", h.triggerReconciliation)
}

// listStuck returns PENDING escrows older than the stale threshold.
func (h *Handler) listStuck(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	now := h.now()
	list, err := h.stale.ListStalePending(c.Request.Context(), now.Add(-h.staleAfter), nil, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck escrows", "message": err.Error()})
		return
	}

	out := make([]StuckEscrow, 0, len(list))
	for _, e := range list {
		age := now.Sub(e.CreatedAt)
		out = append(out, StuckEscrow{
			ID:        e.ID,
			PayerID:   e.PayerID,
			HoldRef:   e.ProcessorHoldID,
			Amount:    e.Amount.String(),
			Currency:  e.Currency,
			CreatedAt: e.CreatedAt,
			AgeSecs:   int64(age / time.Second),
		})
	}
	c.JSON(http.StatusOK, gin.H{"escrows": out, "count": len(out)})
}

// syncHold polls the processor for one escrow and applies the result.
func (h *Handler) syncHold(c *gin.Context) {
	e, err := h.syncer.SyncHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, escrow.ErrProcessor):
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": "sync_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// triggerReconciliation runs an on-demand pending reconciliation pass.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.pending == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	start := time.Now()
	res, err := h.pending.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	report := ReconciliationReport{
		Pending:      res,
		OpenCircuits: []string{},
		DurationMs:   time.Since(start).Milliseconds(),
		Timestamp:    h.now(),
	}
	if h.circuits != nil {
		if open := h.circuits(); open != nil {
			report.OpenCircuits = open
		}
	}
	report.Healthy = res.Failed == 0 && len(report.OpenCircuits) == 0

	c.JSON(http.StatusOK, gin.H{"report": report})
}
