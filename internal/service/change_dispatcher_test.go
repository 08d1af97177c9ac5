package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/pkg/database"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
	"github.com/noah-isme/ecole-peg-api/pkg/jobs"
)

type stubReconciler struct {
	sessions    []string
	enrollments []string
	err         error
}

func (s *stubReconciler) ReconcileSession(ctx context.Context, id string) (*models.ReconcileReport, error) {
	s.sessions = append(s.sessions, id)
	if s.err != nil {
		return nil, s.err
	}
	return &models.ReconcileReport{SessionID: id}, nil
}

func (s *stubReconciler) ReconcileEnrollment(ctx context.Context, id string) (*models.ReconcileReport, error) {
	s.enrollments = append(s.enrollments, id)
	if s.err != nil {
		return nil, s.err
	}
	return &models.ReconcileReport{}, nil
}

type stubInvoices struct {
	invalidated []string
	renumbered  []string
}

func (s *stubInvoices) Invalidate(ctx context.Context, id string) {
	s.invalidated = append(s.invalidated, id)
}

func (s *stubInvoices) Renumber(ctx context.Context, studentID string) error {
	s.renumbered = append(s.renumbered, studentID)
	return nil
}

func TestNotifyEnqueuesAndCoalesces(t *testing.T) {
	metrics := NewMetricsService()
	d := NewChangeDispatcher(&stubReconciler{}, &stubInvoices{}, metrics, zap.NewNop())
	queue := &recordingQueue{}
	d.UseQueue(queue)
	ctx := context.Background()

	d.Notify(ctx, database.Notification{Channel: ChannelSessionChanged, Payload: "s1"})
	d.Notify(ctx, database.Notification{Channel: ChannelSessionChanged, Payload: "s1"})
	d.Notify(ctx, database.Notification{Channel: ChannelEnrollmentChanged, Payload: " e1 "})
	d.Notify(ctx, database.Notification{Channel: ChannelInvoiceDeleted, Payload: "st1"})
	d.Notify(ctx, database.Notification{Channel: "grades_changed", Payload: "g1"})
	d.Notify(ctx, database.Notification{Channel: ChannelInvoiceChanged, Payload: ""})

	require.Len(t, queue.jobs, 3)
	assert.Equal(t, jobs.Job{Type: JobReconcileSession, Key: "reconcile_session:s1", Payload: "s1"}, queue.jobs[0])
	assert.Equal(t, jobs.Job{Type: JobReconcileEnrollment, Key: "reconcile_enrollment:e1", Payload: "e1"}, queue.jobs[1])
	assert.Equal(t, JobRenumberInvoices, queue.jobs[2].Type)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notifications.WithLabelValues(ChannelSessionChanged, "coalesced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notifications.WithLabelValues("grades_changed", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notifications.WithLabelValues(ChannelInvoiceChanged, "ignored")))

	queue.err = jobs.ErrQueueFull
	d.Notify(ctx, database.Notification{Channel: ChannelSessionChanged, Payload: "s2"})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.notifications.WithLabelValues(ChannelSessionChanged, "dropped")))
}

func TestNotifyWithoutQueueHandlesInline(t *testing.T) {
	reconciler := &stubReconciler{}
	invoices := &stubInvoices{}
	d := NewChangeDispatcher(reconciler, invoices, nil, nil)

	d.Notify(context.Background(), database.Notification{Channel: ChannelInvoiceChanged, Payload: "inv1"})
	d.Notify(context.Background(), database.Notification{Channel: ChannelSessionChanged, Payload: "s1"})
	assert.Equal(t, []string{"inv1"}, invoices.invalidated)
	assert.Equal(t, []string{"s1"}, reconciler.sessions)
}

func TestHandleRoutesJobs(t *testing.T) {
	reconciler := &stubReconciler{}
	invoices := &stubInvoices{}
	d := NewChangeDispatcher(reconciler, invoices, nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, jobs.Job{Type: JobReconcileEnrollment, Payload: "e1"}))
	require.NoError(t, d.Handle(ctx, jobs.Job{Type: JobRenumberInvoices, Payload: "st1"}))
	assert.Equal(t, []string{"e1"}, reconciler.enrollments)
	assert.Equal(t, []string{"st1"}, invoices.renumbered)

	assert.Error(t, d.Handle(ctx, jobs.Job{Type: "bogus"}))

	reconciler.err = appErrors.Clone(appErrors.ErrNotFound, "session not found")
	assert.NoError(t, d.Handle(ctx, jobs.Job{Type: JobReconcileSession, Payload: "gone"}))

	reconciler.err = errors.New("deadlock detected")
	assert.Error(t, d.Handle(ctx, jobs.Job{Type: JobReconcileSession, Payload: "s1"}))
}

func TestDispatcherDrivesQueueEndToEnd(t *testing.T) {
	store := newFakeStore()
	store.putSession(futureSession(sessionA, 1))
	store.putEnrollment(models.Enrollment{ID: "e1", StudentID: studentID(1), SessionID: sessionA, Status: models.EnrollmentStatusActive})
	reconciler := reconcilerAt(store, day(2024, 9, 2))
	d := NewChangeDispatcher(reconciler, nil, nil, zap.NewNop())

	done := make(chan struct{})
	queue := jobs.NewQueue("reconcile", func(ctx context.Context, job jobs.Job) error {
		defer close(done)
		return d.Handle(ctx, job)
	}, jobs.QueueConfig{Workers: 1})
	d.UseQueue(queue)
	queue.Start(context.Background())
	defer queue.Stop()

	d.Notify(context.Background(), database.Notification{Channel: ChannelEnrollmentChanged, Payload: "e1"})
	<-done
	assert.Equal(t, models.SessionStatusClosed, store.session(sessionA).Status)
}
