package directory

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/bountyescrow/internal/auth"
	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/processor"
	"github.com/mbd888/bountyescrow/internal/validation"
)

// Handler provides HTTP endpoints for users, questions and payouts.
type Handler struct {
	service *Service
}

// NewHandler creates a new directory handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for the authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.GetMe)
	r.POST("/payouts/onboarding", h.StartOnboarding)
	r.GET("/payouts/status", h.GetPayoutStatus)
}

// RegisterAdminRoutes sets up directory maintenance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id", validation.IDParamMiddleware("id"), h.GetUser)
	r.PUT("/users/:id", validation.IDParamMiddleware("id"), h.PutUser)
	r.PUT("/questions/:id", validation.IDParamMiddleware("id"), h.PutQuestion)
}

// GetMe handles GET /v1/me
func (h *Handler) GetMe(c *gin.Context) {
	u, err := h.service.GetUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// StartOnboarding handles POST /v1/payouts/onboarding
func (h *Handler) StartOnboarding(c *gin.Context) {
	res, err := h.service.OnboardPayee(c.Request.Context(), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetPayoutStatus handles GET /v1/payouts/status
func (h *Handler) GetPayoutStatus(c *gin.Context) {
	status, err := h.service.PayoutStatus(c.Request.Context(), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetUser handles GET /v1/admin/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.service.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// PutUserRequest is the body of PUT /v1/admin/users/:id.
type PutUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Country     string `json:"country"`
	Active      *bool  `json:"active"`
}

// PutUser handles PUT /v1/admin/users/:id
func (h *Handler) PutUser(c *gin.Context) {
	var req PutUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("email", req.Email, 320),
		validation.MaxLength("displayName", req.DisplayName, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	u := &User{
		ID:          c.Param("id"),
		Email:       req.Email,
		DisplayName: validation.SanitizeString(req.DisplayName, 255),
		Country:     req.Country,
		Active:      req.Active == nil || *req.Active,
	}
	if err := h.service.PutUser(c.Request.Context(), u); err != nil {
		writeError(c, err)
		return
	}
	stored, err := h.service.GetUser(c.Request.Context(), u.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": stored})
}

// PutQuestionRequest is the body of PUT /v1/admin/questions/:id.
type PutQuestionRequest struct {
	AuthorID     string              `json:"authorId" binding:"required"`
	Title        string              `json:"title"`
	BountyAmount decimal.NullDecimal `json:"bountyAmount"`
}

// PutQuestion handles PUT /v1/admin/questions/:id
func (h *Handler) PutQuestion(c *gin.Context) {
	var req PutQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "authorId is required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("authorId", req.AuthorID),
		validation.MaxLength("title", req.Title, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	q := &Question{
		ID:           c.Param("id"),
		AuthorID:     req.AuthorID,
		Title:        req.Title,
		BountyAmount: req.BountyAmount,
	}
	if err := h.service.PutQuestion(c.Request.Context(), q); err != nil {
		writeError(c, err)
		return
	}
	stored, err := h.service.GetQuestion(c.Request.Context(), q.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"question": stored})
}

func writeError(c *gin.Context, err error) {
	var pe *processor.Error
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, escrow.ErrInvalidInput), errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	case errors.Is(err, ErrAlreadyOnboarded):
		c.JSON(http.StatusBadRequest, gin.H{"error": "already_onboarded", "message": err.Error()})
	case errors.Is(err, ErrRefConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.As(err, &pe):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "processor_error",
			"message":   pe.Error(),
			"retryable": pe.Retryable,
		})
	default:
		logging.L(c.Request.Context()).Error("directory request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
