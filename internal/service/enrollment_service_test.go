package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
)

type enrollmentFixture struct {
	store      *fakeStore
	metrics    *MetricsService
	reconciler *ReconcilerService
	svc        *EnrollmentService
}

func newEnrollmentFixture(today time.Time) *enrollmentFixture {
	store := newFakeStore()
	metrics := NewMetricsService()
	reconciler := NewReconcilerService(fakeSessionRepo{store}, fakeEnrollmentRepo{store}, metrics, nil, zap.NewNop())
	reconciler.now = fixedClock(today)
	svc := NewEnrollmentService(fakeEnrollmentRepo{store}, fakeStudentReader{}, reconciler, metrics, nil, nil, zap.NewNop())
	svc.now = fixedClock(today)
	return &enrollmentFixture{store: store, metrics: metrics, reconciler: reconciler, svc: svc}
}

const (
	sessionA = "9a3e4b4c-8f0e-4d2b-9d55-0d6b0c2f0a01"
	sessionB = "9a3e4b4c-8f0e-4d2b-9d55-0d6b0c2f0a02"
)

func studentID(n int) string {
	return fmt.Sprintf("5c1f3a2e-0000-4000-8000-%012d", n)
}

func futureSession(id string, capacity int) models.Session {
	return models.Session{ID: id, StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: capacity, Status: models.SessionStatusOpen}
}

func TestEnrollAdmitsIntoOpenSession(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 3))

	enrollment, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA, RegistrationFeeCents: 4000})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Equal(t, day(2024, 9, 2), enrollment.EnrolledOn)
	assert.Equal(t, models.SessionStatusOpen, f.store.session(sessionA).Status)
}

func TestEnrollFillingLastSeatClosesSession(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 2))

	for i := 1; i <= 2; i++ {
		_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(i), SessionID: sessionA})
		require.NoError(t, err)
	}
	assert.Equal(t, models.SessionStatusClosed, f.store.session(sessionA).Status)

	_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(3), SessionID: sessionA})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrCapacityExceeded))
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Fields, "session_id")
	assert.Equal(t, models.SessionStatusClosed, f.store.session(sessionA).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.admissionRejections.WithLabelValues("CAPACITY_EXCEEDED")))
}

func TestEnrollTwoOfThreeKeepsSessionOpen(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 3))

	for i := 1; i <= 2; i++ {
		_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(i), SessionID: sessionA})
		require.NoError(t, err)
	}
	assert.Equal(t, models.SessionStatusOpen, f.store.session(sessionA).Status)
}

func TestEnrollRejectsStartedSession(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 10, 2))
	f.store.putSession(futureSession(sessionA, 10))

	_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA})
	assert.True(t, errors.Is(err, appErrors.ErrSessionClosed))
}

func TestEnrollRejectsDuplicateAndUnknownReferences(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 10))

	_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA})
	require.NoError(t, err)
	_, err = f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA})
	assert.True(t, errors.Is(err, appErrors.ErrConflict))

	_, err = f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(2), SessionID: sessionB})
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	f.svc.students = fakeStudentReader{missing: true}
	_, err = f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(3), SessionID: sessionA})
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
	assert.Contains(t, appErr.Fields, "student_id")
}

func TestEnrollValidatesPayload(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))

	_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: "nope", SessionID: sessionA, RegistrationFeeCents: -1})
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Contains(t, appErr.Fields, "student_id")
	assert.Contains(t, appErr.Fields, "registration_fee_cents")
}

func TestConcurrentEnrollNeverOverfills(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 5))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(n), SessionID: sessionA})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				return
			}
			if errors.Is(err, appErrors.ErrCapacityExceeded) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 15, rejected)
	f.store.mu.Lock()
	active := f.store.activeCount(sessionA)
	f.store.mu.Unlock()
	assert.Equal(t, 5, active)
	assert.Equal(t, models.SessionStatusClosed, f.store.session(sessionA).Status)
}

func TestDeleteFromFullSessionReopens(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 1))

	enrollment, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA})
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusClosed, f.store.session(sessionA).Status)

	require.NoError(t, f.svc.Delete(context.Background(), enrollment.ID))
	assert.Equal(t, models.SessionStatusOpen, f.store.session(sessionA).Status)

	err = f.svc.Delete(context.Background(), enrollment.ID)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestWithdrawDeactivatesAndFreesSeat(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 1))

	enrollment, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA, EnrolledOn: "2024-08-20"})
	require.NoError(t, err)

	_, err = f.svc.Withdraw(context.Background(), enrollment.ID, WithdrawRequest{ExitDate: "2024-08-10"})
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Fields, "exit_date")

	updated, err := f.svc.Withdraw(context.Background(), enrollment.ID, WithdrawRequest{ExitDate: "2024-09-01", Reason: "moved away"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusInactive, updated.Status)
	require.NotNil(t, updated.ExitReason)
	assert.Equal(t, "moved away", *updated.ExitReason)
	assert.Equal(t, models.SessionStatusOpen, f.store.session(sessionA).Status)
}

func TestMoveReconcilesBothSessions(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	f.store.putSession(futureSession(sessionA, 1))
	f.store.putSession(futureSession(sessionB, 1))

	enrollment, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA})
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusClosed, f.store.session(sessionA).Status)

	target := sessionB
	moved, err := f.svc.Update(context.Background(), enrollment.ID, UpdateEnrollmentRequest{SessionID: &target})
	require.NoError(t, err)
	assert.Equal(t, sessionB, moved.SessionID)
	assert.Equal(t, models.SessionStatusOpen, f.store.session(sessionA).Status)
	assert.Equal(t, models.SessionStatusClosed, f.store.session(sessionB).Status)

	other, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(2), SessionID: sessionA})
	require.NoError(t, err)
	_, err = f.svc.Update(context.Background(), other.ID, UpdateEnrollmentRequest{SessionID: &target})
	assert.True(t, errors.Is(err, appErrors.ErrCapacityExceeded))
	assert.Equal(t, sessionA, f.store.enrollment(other.ID).SessionID)
}

func TestEnrollAfterSweepReopensDriftedSession(t *testing.T) {
	f := newEnrollmentFixture(day(2024, 9, 2))
	drifted := futureSession(sessionA, 1)
	drifted.Status = models.SessionStatusClosed
	f.store.putSession(drifted)

	_, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA})
	require.True(t, errors.Is(err, appErrors.ErrSessionClosed))

	report, err := f.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, models.SessionStatusOpen, f.store.session(sessionA).Status)

	enrollment, err := f.svc.Enroll(context.Background(), EnrollRequest{StudentID: studentID(1), SessionID: sessionA})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Equal(t, models.SessionStatusClosed, f.store.session(sessionA).Status)
}
