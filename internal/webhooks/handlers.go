package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyescrow/internal/auth"
	"github.com/mbd888/bountyescrow/internal/idgen"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/security"
	"github.com/mbd888/bountyescrow/internal/validation"
)

// maxSubscriptionsPerUser caps how many URLs one user can register.
const maxSubscriptionsPerUser = 10

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	requireHTTPS bool
	urlValidator func(context.Context, string) error
}

// NewHandler creates a new webhook handler. It accepts http URLs until
// WithEndpointPolicy installs a stricter policy.
func NewHandler(store Store) *Handler {
	return (&Handler{store: store}).WithEndpointPolicy(security.NewEndpointPolicy(false))
}

// WithEndpointPolicy sets which URLs a subscription may point at.
func (h *Handler) WithEndpointPolicy(p *security.EndpointPolicy) *Handler {
	h.requireHTTPS = p.RequireHTTPS()
	h.urlValidator = p.Check
	return h
}

// RegisterRoutes sets up the caller's webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/me/webhooks", h.CreateWebhook)
	r.GET("/me/webhooks", h.ListWebhooks)
	r.DELETE("/me/webhooks/:id", validation.IDParamMiddleware("id"), h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/me/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidURL("url", req.URL, h.requireHTTPS),
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if err := h.urlValidator(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	events := AllEvents
	if len(req.Events) > 0 {
		events = make([]EventType, 0, len(req.Events))
		for _, e := range req.Events {
			et := EventType(e)
			if !et.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "validation_error",
					"message": "unknown event type: " + e,
				})
				return
			}
			events = append(events, et)
		}
	}

	userID := auth.UserID(c)
	existing, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if len(existing) >= maxSubscriptionsPerUser {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhook subscriptions",
		})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internalError(c, err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(body, secret))",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/me/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/me/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("webhook request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
