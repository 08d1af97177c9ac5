package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/internal/repository"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
	"github.com/noah-isme/ecole-peg-api/pkg/jobs"
	"github.com/noah-isme/ecole-peg-api/pkg/middleware/requestid"
)

type sessionReconcileRepository interface {
	ReconcileStatus(ctx context.Context, id string, ended repository.SessionEndedFunc, derive repository.SessionStatusFunc) (*models.ReconcileReport, error)
	ListDueForReconcile(ctx context.Context, today time.Time) ([]string, error)
}

type enrollmentReconcileRepository interface {
	ReconcileStatus(ctx context.Context, id string, derive repository.EnrollmentStatusFunc) (string, *models.Transition, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) (bool, error)
}

// ReconcilerService recomputes derived statuses after committed writes. The
// On* hooks never return errors: failures are logged and counted, not retried.
type ReconcilerService struct {
	sessions    sessionReconcileRepository
	enrollments enrollmentReconcileRepository
	metrics     *MetricsService
	queue       jobEnqueuer
	location    *time.Location
	logger      *zap.Logger
	now         func() time.Time
}

// NewReconcilerService constructs the reconciler. "Today" is evaluated in loc.
func NewReconcilerService(sessions sessionReconcileRepository, enrollments enrollmentReconcileRepository, metrics *MetricsService, loc *time.Location, logger *zap.Logger) *ReconcilerService {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcilerService{
		sessions:    sessions,
		enrollments: enrollments,
		metrics:     metrics,
		location:    loc,
		logger:      logger,
		now:         time.Now,
	}
}

// UseQueue routes sweep work through the worker queue instead of reconciling inline.
func (s *ReconcilerService) UseQueue(queue jobEnqueuer) {
	s.queue = queue
}

// Today returns the current calendar date in the configured location.
func (s *ReconcilerService) Today() time.Time {
	return models.DateOf(s.now(), s.location)
}

// OnEnrollmentChanged reconciles an enrollment and then its session.
func (s *ReconcilerService) OnEnrollmentChanged(ctx context.Context, enrollmentID string) {
	if _, err := s.ReconcileEnrollment(ctx, enrollmentID); err != nil {
		s.logger.Warn("enrollment reconcile failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
	}
}

// OnSessionChanged applies the end-date transition and recomputes the session status.
func (s *ReconcilerService) OnSessionChanged(ctx context.Context, sessionID string) {
	if _, err := s.ReconcileSession(ctx, sessionID); err != nil {
		s.logger.Warn("session reconcile failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// ReconcileSession reconciles one session and reports the transitions written.
func (s *ReconcilerService) ReconcileSession(ctx context.Context, sessionID string) (*models.ReconcileReport, error) {
	today := s.Today()
	start := time.Now()
	report, err := s.sessions.ReconcileStatus(ctx, sessionID,
		func(session models.Session) bool {
			return SessionEnded(session, today)
		},
		func(session models.Session, activeCount int) models.SessionStatus {
			return DeriveSessionStatus(session, activeCount, today)
		},
	)
	s.metrics.ObserveReconcile(models.EntitySession, time.Since(start), err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reconcile session")
	}
	s.record(ctx, report.Transitions)
	return report, nil
}

// ReconcileEnrollment reconciles an enrollment, then its session. The
// combined report lists the enrollment transition first.
func (s *ReconcilerService) ReconcileEnrollment(ctx context.Context, enrollmentID string) (*models.ReconcileReport, error) {
	today := s.Today()
	start := time.Now()
	sessionID, transition, err := s.enrollments.ReconcileStatus(ctx, enrollmentID, func(enrollment models.Enrollment, session models.Session) models.EnrollmentStatus {
		return DeriveEnrollmentStatus(enrollment, session, today)
	})
	s.metrics.ObserveReconcile(models.EntityEnrollment, time.Since(start), err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reconcile enrollment")
	}

	report := &models.ReconcileReport{SessionID: sessionID, Transitions: []models.Transition{}}
	if transition != nil {
		s.record(ctx, []models.Transition{*transition})
		report.Transitions = append(report.Transitions, *transition)
	}

	sessionReport, err := s.ReconcileSession(ctx, sessionID)
	if err != nil {
		return report, err
	}
	report.Transitions = append(report.Transitions, sessionReport.Transitions...)
	return report, nil
}

// Sweep finds sessions whose state went stale because the date moved and
// reconciles them, through the queue when one is attached.
func (s *ReconcilerService) Sweep(ctx context.Context) (*models.SweepReport, error) {
	start := time.Now()
	ids, err := s.sessions.ListDueForReconcile(ctx, s.Today())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions due for reconcile")
	}

	report := &models.SweepReport{Due: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if s.queue != nil {
			queued, err := s.queue.Enqueue(jobs.Job{Type: JobReconcileSession, Key: JobReconcileSession + ":" + id, Payload: id})
			switch {
			case err != nil:
				report.Failed++
				s.logger.Warn("sweep enqueue failed", zap.String("session_id", id), zap.Error(err))
			case queued:
				report.Enqueued++
			default:
				report.Coalesced++
			}
			continue
		}
		if _, err := s.ReconcileSession(ctx, id); err != nil {
			report.Failed++
			s.logger.Warn("session reconcile failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		report.Reconciled++
	}

	s.metrics.ObserveSweep(time.Since(start), report.Due)
	s.logger.Info("sweep finished",
		zap.Int("due", report.Due),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("coalesced", report.Coalesced),
		zap.Int("reconciled", report.Reconciled),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *ReconcilerService) record(ctx context.Context, transitions []models.Transition) {
	s.metrics.RecordTransitions(transitions)
	logger := s.logger
	if reqID := requestid.FromContext(ctx); reqID != "" {
		logger = logger.With(zap.String("request_id", reqID))
	}
	for _, t := range transitions {
		logger.Info("status changed",
			zap.String("entity", t.Entity),
			zap.String("id", t.ID),
			zap.String("from", t.From),
			zap.String("to", t.To),
		)
	}
}
