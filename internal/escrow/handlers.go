package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyescrow/internal/auth"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/processor"
	"github.com/mbd888/bountyescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	sweeper *Sweeper
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithSweeper exposes an on-demand sweep to admins.
func (h *Handler) WithSweeper(s *Sweeper) *Handler {
	h.sweeper = s
	return h
}

// ConfirmRequest is the body of POST /v1/escrows/:id/confirm.
type ConfirmRequest struct {
	HoldRef string `json:"holdRef" binding:"required"`
}

// ReasonRequest is the body of release, refund and dispute calls.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// RegisterProtectedRoutes sets up escrow routes. The group must already
// require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/me/escrows", h.ListMyEscrows)
	r.GET("/questions/:id/escrows", validation.IDParamMiddleware("id"), h.ListQuestionEscrows)

	e := r.Group("/escrows/:id", validation.IDParamMiddleware("id"))
	e.GET("", h.GetEscrow)
	e.GET("/history", h.GetHistory)
	e.POST("/confirm", h.ConfirmPayment)
	e.POST("/retry-hold", h.RetryHold)
	e.POST("/release", h.ReleaseEscrow)
	e.POST("/refund", h.RefundEscrow)
	e.POST("/dispute", h.DisputeEscrow)
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/stats", h.GetStats)
	r.GET("/escrows/:id", validation.IDParamMiddleware("id"), h.GetEscrow)
	r.GET("/escrows/:id/history", validation.IDParamMiddleware("id"), h.GetHistory)
	r.GET("/users/:id/escrows", validation.IDParamMiddleware("id"), h.ListUserEscrows)
	r.POST("/sweeps", h.RunSweep)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("questionId", req.QuestionID),
		validation.ValidID("questionId", req.QuestionID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, MaxDescriptionLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.PayerID = auth.UserID(c)
	res, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if res != nil && errors.Is(err, ErrProcessor) {
			// The escrow exists; the client retries the hold against it.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":     "processor_error",
				"message":   "Escrow created but the payment hold could not be opened",
				"retryable": true,
				"escrow":    res.Escrow,
			})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	view, err := h.service.View(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// GetHistory handles GET /v1/escrows/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	// View enforces visibility.
	if _, err := h.service.View(ctx, id, auth.UserID(c), auth.IsAdmin(c)); err != nil {
		writeError(c, err)
		return
	}
	history, err := h.service.History(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transitions": history,
		"count":       len(history),
	})
}

// ListMyEscrows handles GET /v1/me/escrows?status=&role=&cursor=&limit=
func (h *Handler) ListMyEscrows(c *gin.Context) {
	userID := auth.UserID(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.service.ListByUser(c.Request.Context(), userID, ListFilter{
		Status: Status(c.Query("status")),
		Role:   Role(c.Query("role")),
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	views, err := h.service.Views(c.Request.Context(), page.Escrows, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    views,
		"count":      len(views),
		"nextCursor": page.NextCursor,
	})
}

// ListQuestionEscrows handles GET /v1/questions/:id/escrows. Non-admins
// only see escrows they take part in or whose question they wrote.
func (h *Handler) ListQuestionEscrows(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, err := h.service.ListByQuestion(ctx, c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	visible := list[:0]
	for _, e := range list {
		ok, err := h.service.visibleTo(ctx, e, userID, auth.IsAdmin(c))
		if err != nil {
			writeError(c, err)
			return
		}
		if ok {
			visible = append(visible, e)
		}
	}
	views, err := h.service.Views(ctx, visible, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": views,
		"count":   len(views),
	})
}

// ConfirmPayment handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "holdRef is required",
		})
		return
	}

	escrow, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), req.HoldRef, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RetryHold handles POST /v1/escrows/:id/retry-hold
func (h *Handler) RetryHold(c *gin.Context) {
	res, err := h.service.RetryHold(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.reasonAction(c, h.service.Release)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.reasonAction(c, h.service.Refund)
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	h.reasonAction(c, h.service.Dispute)
}

type reasonFunc func(ctx context.Context, id, actorID, reason string) (*Escrow, error)

func (h *Handler) reasonAction(c *gin.Context, fn reasonFunc) {
	var req ReasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	escrow, err := fn(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListUserEscrows handles GET /v1/admin/users/:id/escrows?status=&role=&cursor=&limit=
func (h *Handler) ListUserEscrows(c *gin.Context) {
	userID := c.Param("id")
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.service.ListByUser(c.Request.Context(), userID, ListFilter{
		Status: Status(c.Query("status")),
		Role:   Role(c.Query("role")),
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	views, err := h.service.Views(c.Request.Context(), page.Escrows, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":     userID,
		"escrows":    views,
		"count":      len(views),
		"nextCursor": page.NextCursor,
	})
}

// GetStats handles GET /v1/admin/escrows/stats?currency=
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Query("currency"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// RunSweep handles POST /v1/admin/sweeps
func (h *Handler) RunSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "sweeper_disabled",
			"message": "Auto-release sweeper is not configured",
		})
		return
	}
	res, err := h.sweeper.ProcessExpiredEscrows(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": res})
}

// visibleTo reports whether userID may see e.
func (s *Service) visibleTo(ctx context.Context, e *Escrow, userID string, admin bool) (bool, error) {
	if admin || userID == e.PayerID || (e.PayeeID != "" && userID == e.PayeeID) {
		return true, nil
	}
	return s.isAuthor(ctx, e, userID)
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	body := gin.H{}

	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrPreconditionFailed):
		status, code = http.StatusConflict, "precondition_failed"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrProcessor):
		status, code = http.StatusBadGateway, "processor_error"
		body["retryable"] = processor.IsRetryable(err)
	}

	body["error"] = code
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		body["message"] = "Internal error"
	} else {
		body["message"] = err.Error()
	}
	c.JSON(status, body)
}
