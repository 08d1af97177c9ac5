package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
)

type sessionRepository interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error)
	Create(ctx context.Context, session *models.Session) error
	Update(ctx context.Context, session *models.Session) error
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

// changeNotifier receives post-commit change hooks.
type changeNotifier interface {
	OnEnrollmentChanged(ctx context.Context, enrollmentID string)
	OnSessionChanged(ctx context.Context, sessionID string)
}

// SessionRequest is the payload for creating or updating a session.
type SessionRequest struct {
	CourseID    string  `json:"course_id" validate:"required,uuid"`
	TeacherID   *string `json:"teacher_id,omitempty" validate:"omitempty,uuid"`
	StartDate   string  `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string  `json:"end_date" validate:"required,datetime=2006-01-02"`
	DayPeriod   string  `json:"day_period" validate:"required,oneof=M S"`
	CapacityMax int     `json:"capacity_max" validate:"min=1"`
}

// SessionService is the session write path. It never writes status itself.
type SessionService struct {
	repo       sessionRepository
	courses    courseReader
	reconciler changeNotifier
	validator  *validator.Validate
	location   *time.Location
	logger     *zap.Logger
	now        func() time.Time
}

// NewSessionService constructs SessionService.
func NewSessionService(repo sessionRepository, courses courseReader, reconciler changeNotifier, validate *validator.Validate, loc *time.Location, logger *zap.Logger) *SessionService {
	if validate == nil {
		validate = NewValidator()
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{repo: repo, courses: courses, reconciler: reconciler, validator: validate, location: loc, logger: logger, now: time.Now}
}

// Get returns a session with its active enrollment count.
func (s *SessionService) Get(ctx context.Context, id string) (*models.SessionDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return detail, nil
}

// Create validates and stores a new session, then reconciles it.
func (s *SessionService) Create(ctx context.Context, req SessionRequest) (*models.SessionDetail, error) {
	start, end, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if start.Before(models.DateOf(s.now(), s.location)) {
		return nil, appErrors.Field(appErrors.ErrValidation, "start_date", "must not be in the past")
	}

	session := &models.Session{
		CourseID:    req.CourseID,
		TeacherID:   req.TeacherID,
		StartDate:   start,
		EndDate:     end,
		DayPeriod:   models.DayPeriod(req.DayPeriod),
		CapacityMax: req.CapacityMax,
		Status:      models.SessionStatusOpen,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	s.logger.Info("session created", zap.String("session_id", session.ID), zap.Int("capacity_max", session.CapacityMax))

	s.reconciler.OnSessionChanged(ctx, session.ID)
	return s.Get(ctx, session.ID)
}

// Update rewrites the editable fields of a session, then reconciles it.
func (s *SessionService) Update(ctx context.Context, id string, req SessionRequest) (*models.SessionDetail, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	start, end, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	session.CourseID = req.CourseID
	session.TeacherID = req.TeacherID
	session.StartDate = start
	session.EndDate = end
	session.DayPeriod = models.DayPeriod(req.DayPeriod)
	session.CapacityMax = req.CapacityMax
	if err := s.repo.Update(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session")
	}

	s.reconciler.OnSessionChanged(ctx, session.ID)
	return s.Get(ctx, session.ID)
}

func (s *SessionService) validate(ctx context.Context, req SessionRequest) (time.Time, time.Time, error) {
	if err := s.validator.Struct(req); err != nil {
		return time.Time{}, time.Time{}, validationError(err, "invalid session payload")
	}
	start, err := models.ParseDate(req.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, appErrors.Field(appErrors.ErrValidation, "start_date", "invalid date")
	}
	end, err := models.ParseDate(req.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, appErrors.Field(appErrors.ErrValidation, "end_date", "invalid date")
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, appErrors.Field(appErrors.ErrValidation, "end_date", "must be after start_date")
	}
	if _, err := s.courses.FindByID(ctx, req.CourseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, time.Time{}, appErrors.Field(appErrors.ErrValidation, "course_id", "course not found")
		}
		return time.Time{}, time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return start, end, nil
}
