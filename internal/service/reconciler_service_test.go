package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
	"github.com/noah-isme/ecole-peg-api/pkg/jobs"
)

type recordingQueue struct {
	jobs    []jobs.Job
	pending map[string]bool
	err     error
}

func (q *recordingQueue) Enqueue(job jobs.Job) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	if q.pending == nil {
		q.pending = map[string]bool{}
	}
	if q.pending[job.Key] {
		return false, nil
	}
	q.pending[job.Key] = true
	q.jobs = append(q.jobs, job)
	return true, nil
}

func reconcilerAt(store *fakeStore, today time.Time) *ReconcilerService {
	r := NewReconcilerService(fakeSessionRepo{store}, fakeEnrollmentRepo{store}, NewMetricsService(), nil, zap.NewNop())
	r.now = fixedClock(today)
	return r
}

func TestReconcileSessionClosesAtStartDate(t *testing.T) {
	store := newFakeStore()
	store.putSession(models.Session{ID: "s1", StartDate: day(2024, 9, 2), EndDate: day(2024, 12, 20), CapacityMax: 10, Status: models.SessionStatusOpen})
	r := reconcilerAt(store, day(2024, 9, 2))

	report, err := r.ReconcileSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, report.Transitions, 1)
	assert.Equal(t, models.Transition{Entity: models.EntitySession, ID: "s1", From: "OPEN", To: "CLOSED"}, report.Transitions[0])
	assert.Equal(t, models.SessionStatusClosed, store.session("s1").Status)

	again, err := r.ReconcileSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, again.Transitions)
}

func TestReconcileSessionDeactivatesAfterEndDate(t *testing.T) {
	store := newFakeStore()
	store.putSession(models.Session{ID: "s1", StartDate: day(2024, 1, 8), EndDate: day(2024, 3, 29), CapacityMax: 2, Status: models.SessionStatusClosed})
	store.putEnrollment(models.Enrollment{ID: "e1", StudentID: "st1", SessionID: "s1", Status: models.EnrollmentStatusActive})
	store.putEnrollment(models.Enrollment{ID: "e2", StudentID: "st2", SessionID: "s1", Status: models.EnrollmentStatusActive})
	r := reconcilerAt(store, day(2024, 3, 30))

	report, err := r.ReconcileSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, report.Transitions, 2)
	assert.Equal(t, models.EnrollmentStatusInactive, store.enrollment("e1").Status)
	assert.Equal(t, models.EnrollmentStatusInactive, store.enrollment("e2").Status)
	// Started sessions stay closed even with room.
	assert.Equal(t, models.SessionStatusClosed, store.session("s1").Status)
}

func TestReconcileEnrollmentReportsEnrollmentFirst(t *testing.T) {
	store := newFakeStore()
	store.putSession(models.Session{ID: "s1", StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: 1, Status: models.SessionStatusClosed})
	exit := day(2024, 9, 1)
	store.putEnrollment(models.Enrollment{ID: "e1", StudentID: "st1", SessionID: "s1", Status: models.EnrollmentStatusActive, ExitDate: &exit})
	r := reconcilerAt(store, day(2024, 9, 2))

	report, err := r.ReconcileEnrollment(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, report.Transitions, 2)
	assert.Equal(t, models.EntityEnrollment, report.Transitions[0].Entity)
	assert.Equal(t, models.Transition{Entity: models.EntitySession, ID: "s1", From: "CLOSED", To: "OPEN"}, report.Transitions[1])
	assert.Equal(t, "s1", report.SessionID)
}

func TestReconcileMissingEntitiesAreNotFound(t *testing.T) {
	r := reconcilerAt(newFakeStore(), day(2024, 9, 2))

	_, err := r.ReconcileSession(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
	_, err = r.ReconcileEnrollment(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestOnHooksSwallowFailures(t *testing.T) {
	store := newFakeStore()
	store.putSession(models.Session{ID: "s1", StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: 1, Status: models.SessionStatusOpen})
	store.failWith = errors.New("connection reset")
	r := reconcilerAt(store, day(2024, 9, 2))

	assert.NotPanics(t, func() {
		r.OnSessionChanged(context.Background(), "s1")
		r.OnEnrollmentChanged(context.Background(), "missing")
	})
	_, err := r.ReconcileSession(context.Background(), "s1")
	assert.True(t, errors.Is(err, appErrors.ErrInternal))
}

func TestSweepInline(t *testing.T) {
	store := newFakeStore()
	store.putSession(models.Session{ID: "started", StartDate: day(2024, 9, 2), EndDate: day(2024, 12, 20), CapacityMax: 5, Status: models.SessionStatusOpen})
	store.putSession(models.Session{ID: "future", StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: 5, Status: models.SessionStatusOpen})
	store.putSession(models.Session{ID: "ended", StartDate: day(2024, 1, 8), EndDate: day(2024, 3, 29), CapacityMax: 5, Status: models.SessionStatusClosed})
	store.putEnrollment(models.Enrollment{ID: "e1", StudentID: "st1", SessionID: "ended", Status: models.EnrollmentStatusActive})
	r := reconcilerAt(store, day(2024, 9, 2))

	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 2, report.Reconciled)
	assert.Equal(t, 0, report.Enqueued)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, models.SessionStatusClosed, store.session("started").Status)
	assert.Equal(t, models.SessionStatusOpen, store.session("future").Status)
	assert.Equal(t, models.EnrollmentStatusInactive, store.enrollment("e1").Status)

	second, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Due)
}

func TestSweepThroughQueue(t *testing.T) {
	store := newFakeStore()
	store.putSession(models.Session{ID: "started", StartDate: day(2024, 9, 2), EndDate: day(2024, 12, 20), CapacityMax: 5, Status: models.SessionStatusOpen})
	r := reconcilerAt(store, day(2024, 9, 2))
	queue := &recordingQueue{}
	r.UseQueue(queue)

	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, 0, report.Reconciled)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, jobs.Job{Type: JobReconcileSession, Key: "reconcile_session:started", Payload: "started"}, queue.jobs[0])
	// Queued, not applied yet.
	assert.Equal(t, models.SessionStatusOpen, store.session("started").Status)

	again, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Coalesced)

	queue.err = jobs.ErrQueueFull
	full, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, full.Failed)
}

func TestSweepRepairsCapacityDrift(t *testing.T) {
	store := newFakeStore()
	// Seat freed while notifications were lost.
	store.putSession(models.Session{ID: "freed", StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: 1, Status: models.SessionStatusClosed})
	// Filled while notifications were lost.
	store.putSession(models.Session{ID: "filled", StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: 1, Status: models.SessionStatusOpen})
	store.putEnrollment(models.Enrollment{ID: "e1", StudentID: "st1", SessionID: "filled", Status: models.EnrollmentStatusActive})
	// Consistent: full and closed, room and open.
	store.putSession(models.Session{ID: "full", StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: 1, Status: models.SessionStatusClosed})
	store.putEnrollment(models.Enrollment{ID: "e2", StudentID: "st2", SessionID: "full", Status: models.EnrollmentStatusActive})
	store.putSession(models.Session{ID: "room", StartDate: day(2024, 10, 1), EndDate: day(2024, 12, 20), CapacityMax: 3, Status: models.SessionStatusOpen})
	r := reconcilerAt(store, day(2024, 9, 2))

	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 2, report.Reconciled)
	assert.Equal(t, models.SessionStatusOpen, store.session("freed").Status)
	assert.Equal(t, models.SessionStatusClosed, store.session("filled").Status)
	assert.Equal(t, models.SessionStatusClosed, store.session("full").Status)
	assert.Equal(t, models.SessionStatusOpen, store.session("room").Status)

	again, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Due)
}
