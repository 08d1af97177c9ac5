package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/pkg/middleware/requestid"
	"github.com/noah-isme/ecole-peg-api/pkg/response"
)

// Reconciler is the subset of the reconciler exposed to operators.
type Reconciler interface {
	ReconcileSession(ctx context.Context, sessionID string) (*models.ReconcileReport, error)
	ReconcileEnrollment(ctx context.Context, enrollmentID string) (*models.ReconcileReport, error)
	Sweep(ctx context.Context) (*models.SweepReport, error)
}

// OpsHandler exposes manual reconciliation endpoints.
type OpsHandler struct {
	reconciler Reconciler
	logger     *zap.Logger
}

// NewOpsHandler constructs OpsHandler.
func NewOpsHandler(reconciler Reconciler, logger *zap.Logger) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{reconciler: reconciler, logger: logger}
}

// ReconcileSession godoc
// @Summary Reconcile a session
// @Description Applies the end-date transition and recomputes the session status.
// @Tags Ops
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/sessions/{id}/reconcile [post]
func (h *OpsHandler) ReconcileSession(c *gin.Context) {
	id := c.Param("id")
	report, err := h.reconciler.ReconcileSession(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("manual reconcile", zap.String("actor", actorFromContext(c)), zap.String("request_id", requestid.Value(c)), zap.String("session_id", id), zap.Int("transitions", len(report.Transitions)))
	response.JSON(c, http.StatusOK, report)
}

// ReconcileEnrollment godoc
// @Summary Reconcile an enrollment
// @Description Recomputes the enrollment status, then its session.
// @Tags Ops
// @Produce json
// @Security BearerAuth
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/enrollments/{id}/reconcile [post]
func (h *OpsHandler) ReconcileEnrollment(c *gin.Context) {
	id := c.Param("id")
	report, err := h.reconciler.ReconcileEnrollment(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("manual reconcile", zap.String("actor", actorFromContext(c)), zap.String("request_id", requestid.Value(c)), zap.String("enrollment_id", id), zap.Int("transitions", len(report.Transitions)))
	response.JSON(c, http.StatusOK, report)
}

// Sweep godoc
// @Summary Run the reconcile sweep now
// @Tags Ops
// @Produce json
// @Security BearerAuth
// @Success 202 {object} response.Envelope
// @Router /admin/sweep [post]
func (h *OpsHandler) Sweep(c *gin.Context) {
	report, err := h.reconciler.Sweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("manual sweep", zap.String("actor", actorFromContext(c)), zap.String("request_id", requestid.Value(c)), zap.Int("due", report.Due))
	response.Accepted(c, report)
}
