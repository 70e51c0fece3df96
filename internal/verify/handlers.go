package verify

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/checkpoint/internal/logging"
	"github.com/mbd888/checkpoint/internal/validation"
)

// Handler provides HTTP handlers for the verification API.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a new verification handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterRoutes sets up the verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/verifications", h.Start)
	r.GET("/verifications/:id", h.GetDecision)
	r.POST("/verifications/:id/signal", h.SupplySignal)
	r.POST("/verifications/:id/proof", h.SupplyProof)
	r.POST("/verifications/:id/abort", h.Abort)
	r.POST("/verifications/:id/cancel", h.Cancel)
}

// attemptCtx tags the request context with the :id param so every log line
// for this request, the completion line included, names the attempt.
func attemptCtx(c *gin.Context) context.Context {
	ctx := logging.WithAttempt(c.Request.Context(), c.Param("id"))
	c.Request = c.Request.WithContext(ctx)
	return ctx
}

// Start handles POST /v1/verifications
func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("subjectId", req.SubjectID),
		validation.ValidIdent("subjectId", req.SubjectID),
		validation.Required("contextId", req.ContextID),
		validation.ValidIdent("contextId", req.ContextID),
		validation.MaxLength("text", req.Text, validation.MaxTextLength),
		validation.OneOf("difficulty", string(req.Difficulty), "low", "medium", "high"),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	attempt, err := h.pipeline.Start(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrCollaboratorUnavailable) {
			// Attempt exists; caller should abort it or retry the widget.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "collaborator_unavailable",
				"message": "Automated signal provider is unavailable; abort the attempt or retry",
				"attempt": attempt,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to start verification",
		})
		return
	}

	c.JSON(http.StatusCreated, attempt)
}

// GetDecision handles GET /v1/verifications/:id
func (h *Handler) GetDecision(c *gin.Context) {
	attempt, err := h.pipeline.Decision(attemptCtx(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No verification attempt with this id",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            attempt.ID,
		"state":         attempt.State,
		"finalDecision": attempt.FinalDecision,
		"reason":        attempt.Reason,
		"score":         attempt.LastScore(),
		"decidedAt":     attempt.DecidedAt,
	})
}

// SupplySignal handles POST /v1/verifications/:id/signal
func (h *Handler) SupplySignal(c *gin.Context) {
	var sig AutomatedSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.InRange("confidence", sig.Confidence, 0, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	attempt, err := h.pipeline.SupplyAutomatedSignal(attemptCtx(c), c.Param("id"), sig)
	h.respond(c, attempt, err)
}

// SupplyProof handles POST /v1/verifications/:id/proof
func (h *Handler) SupplyProof(c *gin.Context) {
	var req struct {
		ProofToken string `json:"proofToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("proofToken", req.ProofToken),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	attempt, err := h.pipeline.SupplyChallengeProof(attemptCtx(c), c.Param("id"), req.ProofToken)
	h.respond(c, attempt, err)
}

// Abort handles POST /v1/verifications/:id/abort
func (h *Handler) Abort(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	attempt, err := h.pipeline.Abort(attemptCtx(c), c.Param("id"), req.Reason)
	h.respond(c, attempt, err)
}

// Cancel handles POST /v1/verifications/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	attempt, err := h.pipeline.Cancel(attemptCtx(c), c.Param("id"))
	h.respond(c, attempt, err)
}

// respond maps pipeline results onto HTTP responses.
func (h *Handler) respond(c *gin.Context, attempt *Attempt, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, attempt)
	case errors.Is(err, ErrAttemptNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No verification attempt with this id",
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
			"attempt": attempt,
		})
	case errors.Is(err, ErrCollaboratorUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "collaborator_unavailable",
			"message": "External widget provider is unavailable; abort the attempt or retry",
			"attempt": attempt,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process verification step",
		})
	}
}
