package service

import (
	"time"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
)

// DeriveEnrollmentStatus computes an enrollment's status from its own row and
// its session. INACTIVE is terminal.
func DeriveEnrollmentStatus(enrollment models.Enrollment, session models.Session, today time.Time) models.EnrollmentStatus {
	if enrollment.Status == models.EnrollmentStatusInactive {
		return models.EnrollmentStatusInactive
	}
	if enrollment.ExitDate != nil {
		return models.EnrollmentStatusInactive
	}
	if session.EndDate.Before(today) {
		return models.EnrollmentStatusInactive
	}
	return models.EnrollmentStatusActive
}

// DeriveSessionStatus computes a session's status: CLOSED when full or
// started, OPEN otherwise.
func DeriveSessionStatus(session models.Session, activeCount int, today time.Time) models.SessionStatus {
	full := activeCount >= session.CapacityMax
	started := !session.StartDate.After(today)
	if full || started {
		return models.SessionStatusClosed
	}
	return models.SessionStatusOpen
}

// SessionEnded reports whether the session's end date has passed, which
// deactivates all of its ACTIVE enrollments.
func SessionEnded(session models.Session, today time.Time) bool {
	return session.EndDate.Before(today)
}

// CheckAdmission decides whether the session can take one more ACTIVE
// enrollment. It must run under the session row lock.
func CheckAdmission(session models.Session, activeCount int, today time.Time) error {
	if activeCount >= session.CapacityMax {
		return appErrors.Field(appErrors.ErrCapacityExceeded, "session_id", "session capacity reached")
	}
	if session.Status == models.SessionStatusClosed || DeriveSessionStatus(session, activeCount, today) == models.SessionStatusClosed {
		return appErrors.Field(appErrors.ErrSessionClosed, "session_id", "session is closed for enrollment")
	}
	return nil
}
