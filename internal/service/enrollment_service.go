package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/internal/repository"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
)

type enrollmentRepository interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	Admit(ctx context.Context, enrollment *models.Enrollment, admit repository.AdmissionFunc) error
	Update(ctx context.Context, enrollment *models.Enrollment, admit repository.AdmissionFunc) (string, error)
	Delete(ctx context.Context, id string) (string, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

// EnrollRequest describes enrollment creation.
type EnrollRequest struct {
	StudentID            string  `json:"student_id" validate:"required,uuid"`
	SessionID            string  `json:"session_id" validate:"required,uuid"`
	EnrolledOn           string  `json:"enrolled_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PreRegistration      bool    `json:"pre_registration"`
	Goal                 *string `json:"goal,omitempty" validate:"omitempty,max=500"`
	RegistrationFeeCents int64   `json:"registration_fee_cents" validate:"min=0"`
}

// UpdateEnrollmentRequest carries the fields to change; nil means unchanged.
type UpdateEnrollmentRequest struct {
	SessionID            *string `json:"session_id,omitempty" validate:"omitempty,uuid"`
	PreRegistration      *bool   `json:"pre_registration,omitempty"`
	Goal                 *string `json:"goal,omitempty" validate:"omitempty,max=500"`
	RegistrationFeeCents *int64  `json:"registration_fee_cents,omitempty" validate:"omitempty,min=0"`
	ExitDate             *string `json:"exit_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ExitReason           *string `json:"exit_reason,omitempty" validate:"omitempty,max=100"`
}

// WithdrawRequest records a student's departure from a session.
type WithdrawRequest struct {
	ExitDate string `json:"exit_date" validate:"required,datetime=2006-01-02"`
	Reason   string `json:"exit_reason" validate:"max=100"`
}

// EnrollmentService is the enrollment write path. Admission is decided under
// the session row lock; status is reconciled after every committed write.
type EnrollmentService struct {
	repo       enrollmentRepository
	students   studentReader
	reconciler changeNotifier
	metrics    *MetricsService
	validator  *validator.Validate
	location   *time.Location
	logger     *zap.Logger
	now        func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, students studentReader, reconciler changeNotifier, metrics *MetricsService, validate *validator.Validate, loc *time.Location, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = NewValidator()
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		repo:       repo,
		students:   students,
		reconciler: reconciler,
		metrics:    metrics,
		validator:  validate,
		location:   loc,
		logger:     logger,
		now:        time.Now,
	}
}

// Enroll admits a student into a session.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid enrollment payload")
	}
	today := s.today()
	enrolledOn := today
	if req.EnrolledOn != "" {
		parsed, err := models.ParseDate(req.EnrolledOn)
		if err != nil {
			return nil, appErrors.Field(appErrors.ErrValidation, "enrolled_on", "invalid date")
		}
		enrolledOn = parsed
	}
	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Field(appErrors.ErrNotFound, "student_id", "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	enrollment := &models.Enrollment{
		StudentID:            req.StudentID,
		SessionID:            req.SessionID,
		EnrolledOn:           enrolledOn,
		Status:               models.EnrollmentStatusActive,
		PreRegistration:      req.PreRegistration,
		Goal:                 req.Goal,
		RegistrationFeeCents: req.RegistrationFeeCents,
	}
	if err := s.repo.Admit(ctx, enrollment, s.admission(today)); err != nil {
		return nil, s.writeError(err, "failed to create enrollment")
	}
	s.logger.Info("enrollment admitted", zap.String("enrollment_id", enrollment.ID), zap.String("session_id", enrollment.SessionID))

	s.reconciler.OnEnrollmentChanged(ctx, enrollment.ID)
	return s.load(ctx, enrollment.ID)
}

// Update changes an enrollment. Moving it to another session goes through the
// same admission check as a new enrollment.
func (s *EnrollmentService) Update(ctx context.Context, id string, req UpdateEnrollmentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid enrollment payload")
	}
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	problems := fieldErrors{}
	if req.SessionID != nil {
		enrollment.SessionID = *req.SessionID
	}
	if req.PreRegistration != nil {
		enrollment.PreRegistration = *req.PreRegistration
	}
	if req.Goal != nil {
		enrollment.Goal = req.Goal
	}
	if req.RegistrationFeeCents != nil {
		enrollment.RegistrationFeeCents = *req.RegistrationFeeCents
	}
	if req.ExitReason != nil {
		enrollment.ExitReason = req.ExitReason
	}
	if req.ExitDate != nil {
		exit, parseErr := models.ParseDate(*req.ExitDate)
		if parseErr != nil {
			problems.add("exit_date", "invalid date")
		} else if exit.Before(enrollment.EnrolledOn) {
			problems.add("exit_date", "must not be before enrolled_on")
		} else {
			enrollment.ExitDate = &exit
		}
	}
	if err := problems.err("invalid enrollment payload"); err != nil {
		return nil, err
	}

	return s.save(ctx, enrollment)
}

// Withdraw records an exit date, which makes the enrollment INACTIVE.
func (s *EnrollmentService) Withdraw(ctx context.Context, id string, req WithdrawRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid withdrawal payload")
	}
	update := UpdateEnrollmentRequest{ExitDate: &req.ExitDate}
	if req.Reason != "" {
		update.ExitReason = &req.Reason
	}
	return s.Update(ctx, id, update)
}

// Delete removes an enrollment and reconciles the session it left.
func (s *EnrollmentService) Delete(ctx context.Context, id string) error {
	sessionID, err := s.repo.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete enrollment")
	}
	s.logger.Info("enrollment deleted", zap.String("enrollment_id", id), zap.String("session_id", sessionID))
	s.reconciler.OnSessionChanged(ctx, sessionID)
	return nil
}

func (s *EnrollmentService) save(ctx context.Context, enrollment *models.Enrollment) (*models.Enrollment, error) {
	previous, err := s.repo.Update(ctx, enrollment, s.admission(s.today()))
	if err != nil {
		return nil, s.writeError(err, "failed to update enrollment")
	}

	s.reconciler.OnEnrollmentChanged(ctx, enrollment.ID)
	if previous != "" && previous != enrollment.SessionID {
		s.reconciler.OnSessionChanged(ctx, previous)
	}
	return s.load(ctx, enrollment.ID)
}

func (s *EnrollmentService) admission(today time.Time) repository.AdmissionFunc {
	return func(session models.Session, activeCount int) error {
		return CheckAdmission(session, activeCount, today)
	}
}

func (s *EnrollmentService) writeError(err error, message string) error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
		if appErr.Code == appErrors.ErrCapacityExceeded.Code || appErr.Code == appErrors.ErrSessionClosed.Code {
			s.metrics.RecordAdmissionRejection(appErr.Code)
		}
		return appErr
	case errors.Is(err, repository.ErrDuplicateEnrollment):
		s.metrics.RecordAdmissionRejection(appErrors.ErrConflict.Code)
		return appErrors.Field(appErrors.ErrConflict, "student_id", "student already enrolled in this session")
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Field(appErrors.ErrNotFound, "session_id", "session not found")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
	}
}

func (s *EnrollmentService) load(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) today() time.Time {
	return models.DateOf(s.now(), s.location)
}
