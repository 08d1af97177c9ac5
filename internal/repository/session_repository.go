package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ecole-peg-api/internal/models"
)

const sessionColumns = `id, course_id, teacher_id, start_date, end_date, day_period, capacity_max, status, created_at, updated_at`

// SessionStatusFunc derives a session status from the locked row and its active enrollment count.
type SessionStatusFunc func(session models.Session, activeCount int) models.SessionStatus

// SessionEndedFunc reports whether the locked session's enrollments must be deactivated.
type SessionEndedFunc func(session models.Session) bool

// SessionRepository handles persistence of sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindByID returns a session by its ID.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// FindDetailByID returns a session with its course name and active enrollment count.
func (r *SessionRepository) FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error) {
	const query = `SELECT s.id, s.course_id, s.teacher_id, s.start_date, s.end_date, s.day_period, s.capacity_max, s.status, s.created_at, s.updated_at,
        c.name AS course_name,
        (SELECT COUNT(*) FROM enrollments e WHERE e.session_id = s.id AND e.status = 'ACTIVE') AS active_count
        FROM sessions s
        JOIN courses c ON c.id = s.course_id
        WHERE s.id = $1`
	var detail models.SessionDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Create persists a new session. The status column starts OPEN and is
// corrected by the reconciler once the row is committed.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = models.SessionStatusOpen
	}
	const query = `INSERT INTO sessions (id, course_id, teacher_id, start_date, end_date, day_period, capacity_max, status, created_at, updated_at)
        VALUES (:id, :course_id, :teacher_id, :start_date, :end_date, :day_period, :capacity_max, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Update writes the user-editable columns. Status is left to the reconciler.
func (r *SessionRepository) Update(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()
	const query = `UPDATE sessions SET course_id = :course_id, teacher_id = :teacher_id, start_date = :start_date, end_date = :end_date,
        day_period = :day_period, capacity_max = :capacity_max, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// CountActive returns the number of ACTIVE enrollments in a session.
func (r *SessionRepository) CountActive(ctx context.Context, sessionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE session_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sessionID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return count, nil
}

// ReconcileStatus locks the session row, applies the end-date deactivation when
// ended reports true, then recomputes the session status. Rows are only written
// when their derived value differs from the stored one.
func (r *SessionRepository) ReconcileStatus(ctx context.Context, id string, ended SessionEndedFunc, derive SessionStatusFunc) (report *models.ReconcileReport, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session reconcile: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	session, err := lockSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	report = &models.ReconcileReport{SessionID: id, Transitions: []models.Transition{}}

	if ended != nil && ended(*session) {
		var deactivated []string
		const deactivate = `UPDATE enrollments SET status = $1, updated_at = $2 WHERE session_id = $3 AND status = $4 RETURNING id`
		if err = tx.SelectContext(ctx, &deactivated, deactivate, models.EnrollmentStatusInactive, time.Now().UTC(), id, models.EnrollmentStatusActive); err != nil {
			return nil, fmt.Errorf("deactivate ended enrollments: %w", err)
		}
		for _, enrollmentID := range deactivated {
			report.Transitions = append(report.Transitions, models.Transition{
				Entity: models.EntityEnrollment,
				ID:     enrollmentID,
				From:   string(models.EnrollmentStatusActive),
				To:     string(models.EnrollmentStatusInactive),
			})
		}
	}

	activeCount, err := countActiveTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := derive(*session, activeCount)
	if next != session.Status {
		const update = `UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`
		if _, err = tx.ExecContext(ctx, update, next, time.Now().UTC(), id); err != nil {
			return nil, fmt.Errorf("update session status: %w", err)
		}
		report.Transitions = append(report.Transitions, models.Transition{
			Entity: models.EntitySession,
			ID:     id,
			From:   string(session.Status),
			To:     string(next),
		})
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session reconcile: %w", err)
	}
	return report, nil
}

// ListDueForReconcile returns sessions whose stored state disagrees with what
// today's derivation would give: OPEN sessions that have started or are full,
// CLOSED future sessions with free seats, and ended sessions that still hold
// ACTIVE enrollments.
func (r *SessionRepository) ListDueForReconcile(ctx context.Context, today time.Time) ([]string, error) {
	const query = `SELECT s.id FROM sessions s
        CROSS JOIN LATERAL (SELECT COUNT(*) AS active FROM enrollments e WHERE e.session_id = s.id AND e.status = $3) a
        WHERE (s.status = $1 AND (s.start_date <= $2 OR a.active >= s.capacity_max))
        OR (s.status = $4 AND s.start_date > $2 AND a.active < s.capacity_max)
        OR (s.end_date < $2 AND a.active > 0)
        ORDER BY s.id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, models.SessionStatusOpen, today, models.EnrollmentStatusActive, models.SessionStatusClosed); err != nil {
		return nil, fmt.Errorf("list sessions due for reconcile: %w", err)
	}
	return ids, nil
}

func lockSession(ctx context.Context, tx *sqlx.Tx, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	var session models.Session
	if err := tx.GetContext(ctx, &session, query, id); err != nil {
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	return &session, nil
}

func countActiveTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE session_id = $1 AND status = $2`
	var count int
	if err := tx.GetContext(ctx, &count, query, sessionID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return count, nil
}
