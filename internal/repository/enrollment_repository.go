package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/pkg/database"
)

const enrollmentColumns = `id, student_id, session_id, enrolled_on, status, pre_registration, goal, registration_fee_cents, exit_date, exit_reason, created_at, updated_at`

// ErrDuplicateEnrollment is returned when the student already holds an enrollment in the session.
var ErrDuplicateEnrollment = errors.New("student already enrolled in session")

// ErrEnrollmentMoved is returned when an enrollment changed session between read and lock.
var ErrEnrollmentMoved = errors.New("enrollment moved to another session")

// AdmissionFunc decides whether the locked session accepts one more enrollment.
type AdmissionFunc func(session models.Session, activeCount int) error

// EnrollmentStatusFunc derives an enrollment status from the locked rows.
type EnrollmentStatusFunc func(enrollment models.Enrollment, session models.Session) models.EnrollmentStatus

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListDetailsBySession returns every enrollment of a session with student info, ordered for rosters.
func (r *EnrollmentRepository) ListDetailsBySession(ctx context.Context, sessionID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.session_id, e.enrolled_on, e.status, e.pre_registration, e.goal, e.registration_fee_cents,
        e.exit_date, e.exit_reason, e.created_at, e.updated_at,
        s.last_name AS student_last_name, s.first_name AS student_first_name, s.email AS student_email
        FROM enrollments e
        JOIN students s ON s.id = e.student_id
        WHERE e.session_id = $1
        ORDER BY s.last_name, s.first_name, e.id`
	var details []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &details, query, sessionID); err != nil {
		return nil, fmt.Errorf("list session enrollments: %w", err)
	}
	return details, nil
}

// Admit inserts the enrollment while holding the session row lock. admit runs
// against the locked session and its current active count; a non-nil result
// aborts the insert and is returned unchanged.
func (r *EnrollmentRepository) Admit(ctx context.Context, enrollment *models.Enrollment, admit AdmissionFunc) (err error) {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	enrollment.CreatedAt = now
	enrollment.UpdatedAt = now
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusActive
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrollment admission: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	session, err := lockSession(ctx, tx, enrollment.SessionID)
	if err != nil {
		return err
	}
	exists, err := pairExists(ctx, tx, enrollment.StudentID, enrollment.SessionID, "")
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEnrollment
	}
	activeCount, err := countActiveTx(ctx, tx, session.ID)
	if err != nil {
		return err
	}
	if err = admit(*session, activeCount); err != nil {
		return err
	}

	const insert = `INSERT INTO enrollments (` + enrollmentColumns + `)
        VALUES (:id, :student_id, :session_id, :enrolled_on, :status, :pre_registration, :goal, :registration_fee_cents, :exit_date, :exit_reason, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insert, enrollment); err != nil {
		if constraint, ok := database.IsUniqueViolation(err); ok && constraint == "enrollments_student_session_key" {
			return ErrDuplicateEnrollment
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment admission: %w", err)
	}
	return nil
}

// Update writes the editable columns of an enrollment and returns the session
// it belonged to before the write. When the session changes, both session rows
// are locked in ascending id order and admit is evaluated against the target.
func (r *EnrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment, admit AdmissionFunc) (previousSessionID string, err error) {
	current, err := r.FindByID(ctx, enrollment.ID)
	if err != nil {
		return "", err
	}
	previousSessionID = current.SessionID

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enrollment update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ids := []string{current.SessionID}
	if enrollment.SessionID != current.SessionID {
		ids = append(ids, enrollment.SessionID)
	}
	sort.Strings(ids)
	locked := make(map[string]*models.Session, len(ids))
	for _, id := range ids {
		session, lockErr := lockSession(ctx, tx, id)
		if lockErr != nil {
			err = lockErr
			return "", err
		}
		locked[id] = session
	}

	row, err := lockEnrollment(ctx, tx, enrollment.ID)
	if err != nil {
		return "", err
	}
	if row.SessionID != current.SessionID {
		err = ErrEnrollmentMoved
		return "", err
	}

	if enrollment.SessionID != current.SessionID {
		exists, existsErr := pairExists(ctx, tx, row.StudentID, enrollment.SessionID, row.ID)
		if existsErr != nil {
			err = existsErr
			return "", err
		}
		if exists {
			err = ErrDuplicateEnrollment
			return "", err
		}
		if admit != nil {
			target := locked[enrollment.SessionID]
			activeCount, countErr := countActiveTx(ctx, tx, target.ID)
			if countErr != nil {
				err = countErr
				return "", err
			}
			if err = admit(*target, activeCount); err != nil {
				return "", err
			}
		}
	}

	enrollment.UpdatedAt = time.Now().UTC()
	const update = `UPDATE enrollments SET session_id = :session_id, enrolled_on = :enrolled_on, pre_registration = :pre_registration, goal = :goal,
        registration_fee_cents = :registration_fee_cents, exit_date = :exit_date, exit_reason = :exit_reason, updated_at = :updated_at
        WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, update, enrollment); err != nil {
		if constraint, ok := database.IsUniqueViolation(err); ok && constraint == "enrollments_student_session_key" {
			err = ErrDuplicateEnrollment
			return "", err
		}
		return "", fmt.Errorf("update enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enrollment update: %w", err)
	}
	return previousSessionID, nil
}

// Delete removes an enrollment and returns the session it belonged to.
func (r *EnrollmentRepository) Delete(ctx context.Context, id string) (string, error) {
	const query = `DELETE FROM enrollments WHERE id = $1 RETURNING session_id`
	var sessionID string
	if err := r.db.GetContext(ctx, &sessionID, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("delete enrollment: %w", err)
	}
	return sessionID, nil
}

// ReconcileStatus locks the owning session then the enrollment, and writes the
// derived status when it differs. It returns the owning session id and the
// transition, which is nil when nothing changed.
func (r *EnrollmentRepository) ReconcileStatus(ctx context.Context, id string, derive EnrollmentStatusFunc) (sessionID string, transition *models.Transition, err error) {
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return "", nil, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("begin enrollment reconcile: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	session, err := lockSession(ctx, tx, current.SessionID)
	if err != nil {
		return "", nil, err
	}
	row, err := lockEnrollment(ctx, tx, id)
	if err != nil {
		return "", nil, err
	}
	if row.SessionID != session.ID {
		err = ErrEnrollmentMoved
		return "", nil, err
	}

	next := derive(*row, *session)
	if next != row.Status {
		const update = `UPDATE enrollments SET status = $1, updated_at = $2 WHERE id = $3`
		if _, err = tx.ExecContext(ctx, update, next, time.Now().UTC(), id); err != nil {
			return "", nil, fmt.Errorf("update enrollment status: %w", err)
		}
		transition = &models.Transition{
			Entity: models.EntityEnrollment,
			ID:     id,
			From:   string(row.Status),
			To:     string(next),
		}
	}

	if err = tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit enrollment reconcile: %w", err)
	}
	return session.ID, transition, nil
}

func lockEnrollment(ctx context.Context, tx *sqlx.Tx, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 FOR UPDATE`
	var enrollment models.Enrollment
	if err := tx.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, fmt.Errorf("lock enrollment %s: %w", id, err)
	}
	return &enrollment, nil
}

func pairExists(ctx context.Context, tx *sqlx.Tx, studentID, sessionID, excludeID string) (bool, error) {
	query := `SELECT 1 FROM enrollments WHERE student_id = $1 AND session_id = $2`
	args := []interface{}{studentID, sessionID}
	if excludeID != "" {
		query += ` AND id <> $3`
		args = append(args, excludeID)
	}
	query += ` LIMIT 1`
	var exists int
	if err := tx.GetContext(ctx, &exists, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check existing enrollment: %w", err)
	}
	return true, nil
}
