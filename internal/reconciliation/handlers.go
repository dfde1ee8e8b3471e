package reconciliation

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/logging"
)

// maxWebhookBody bounds the payload read from the processor.
const maxWebhookBody = 64 << 10

// Handler exposes the processor webhook endpoint.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new webhook handler.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{reconciler: r}
}

// RegisterRoutes sets up the unauthenticated webhook route. The processor
// signature is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.ReceiveStripe)
}

// ReceiveStripe handles POST /webhooks/stripe
func (h *Handler) ReceiveStripe(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable or oversized body"})
		return
	}

	res, err := h.reconciler.HandleWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": res.Outcome})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
	case errors.Is(err, escrow.ErrNotFound):
		// Non-2xx makes the processor redeliver; the escrow may not be
		// committed yet.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, escrow.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("webhook handling failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
