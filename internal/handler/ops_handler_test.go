package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ecole-peg-api/internal/middleware"
	"github.com/noah-isme/ecole-peg-api/internal/models"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
)

type stubReconciler struct {
	report *models.ReconcileReport
	sweep  *models.SweepReport
	err    error
	calls  []string
}

func (s *stubReconciler) ReconcileSession(ctx context.Context, id string) (*models.ReconcileReport, error) {
	s.calls = append(s.calls, "session:"+id)
	return s.report, s.err
}

func (s *stubReconciler) ReconcileEnrollment(ctx context.Context, id string) (*models.ReconcileReport, error) {
	s.calls = append(s.calls, "enrollment:"+id)
	return s.report, s.err
}

func (s *stubReconciler) Sweep(ctx context.Context) (*models.SweepReport, error) {
	s.calls = append(s.calls, "sweep")
	return s.sweep, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(ctx context.Context) error { return p.err }

func newOpsContext(method, path string, params gin.Params) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(method, path, nil)
	c.Params = params
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "ops", Role: models.RoleAdmin})
	return c, recorder
}

func TestOpsReconcileSession(t *testing.T) {
	stub := &stubReconciler{report: &models.ReconcileReport{
		SessionID:   "s1",
		Transitions: []models.Transition{{Entity: models.EntitySession, ID: "s1", From: "OPEN", To: "CLOSED"}},
	}}
	h := NewOpsHandler(stub, nil)
	c, recorder := newOpsContext(http.MethodPost, "/api/v1/admin/sessions/s1/reconcile", gin.Params{{Key: "id", Value: "s1"}})

	h.ReconcileSession(c)

	require.Equal(t, http.StatusOK, recorder.Code)
	var body struct {
		Data models.ReconcileReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "CLOSED", body.Data.Transitions[0].To)
	assert.Equal(t, []string{"session:s1"}, stub.calls)
}

func TestOpsReconcileEnrollmentNotFound(t *testing.T) {
	stub := &stubReconciler{err: appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")}
	h := NewOpsHandler(stub, nil)
	c, recorder := newOpsContext(http.MethodPost, "/api/v1/admin/enrollments/e1/reconcile", gin.Params{{Key: "id", Value: "e1"}})

	h.ReconcileEnrollment(c)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "NOT_FOUND")
}

func TestOpsSweepAccepted(t *testing.T) {
	stub := &stubReconciler{sweep: &models.SweepReport{Due: 3, Enqueued: 2, Coalesced: 1}}
	h := NewOpsHandler(stub, nil)
	c, recorder := newOpsContext(http.MethodPost, "/api/v1/admin/sweep", nil)

	h.Sweep(c)

	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"due":3`)
}

func TestReadyReflectsDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)

	up := NewMetricsHandler(nil, stubPinger{})
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/ready", nil)
	up.Ready(c)
	assert.Equal(t, http.StatusOK, recorder.Code)

	down := NewMetricsHandler(nil, stubPinger{err: errors.New("connection refused")})
	recorder = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/ready", nil)
	down.Ready(c)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	recorder = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	down.Prometheus(c)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}
