package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	"github.com/noah-isme/ecole-peg-api/internal/repository"
)

// fakeStore is an in-memory stand-in for the sessions and enrollments tables.
// A single mutex plays the role of the session row locks.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]models.Session
	enrollments map[string]models.Enrollment
	seq         int
	failWith    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]models.Session{}, enrollments: map[string]models.Enrollment{}}
}

func (f *fakeStore) putSession(s models.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeStore) putEnrollment(e models.Enrollment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrollments[e.ID] = e
}

func (f *fakeStore) session(id string) models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

func (f *fakeStore) enrollment(id string) models.Enrollment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrollments[id]
}

func (f *fakeStore) activeCount(sessionID string) int {
	count := 0
	for _, e := range f.enrollments {
		if e.SessionID == sessionID && e.Status == models.EnrollmentStatusActive {
			count++
		}
	}
	return count
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

type fakeSessionRepo struct{ *fakeStore }

func (r fakeSessionRepo) FindByID(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &s, nil
}

func (r fakeSessionRepo) FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.SessionDetail{Session: s, CourseName: "Français A1", ActiveCount: r.activeCount(id)}, nil
}

func (r fakeSessionRepo) Create(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session.ID == "" {
		session.ID = r.nextID("session")
	}
	r.sessions[session.ID] = *session
	return nil
}

func (r fakeSessionRepo) Update(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[session.ID]
	if !ok {
		return sql.ErrNoRows
	}
	session.Status = current.Status
	r.sessions[session.ID] = *session
	return nil
}

func (r fakeSessionRepo) ReconcileStatus(ctx context.Context, id string, ended repository.SessionEndedFunc, derive repository.SessionStatusFunc) (*models.ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	report := &models.ReconcileReport{SessionID: id, Transitions: []models.Transition{}}
	if ended(s) {
		for eid, e := range r.enrollments {
			if e.SessionID == id && e.Status == models.EnrollmentStatusActive {
				e.Status = models.EnrollmentStatusInactive
				r.enrollments[eid] = e
				report.Transitions = append(report.Transitions, models.Transition{Entity: models.EntityEnrollment, ID: eid, From: "ACTIVE", To: "INACTIVE"})
			}
		}
	}
	next := derive(s, r.activeCount(id))
	if next != s.Status {
		report.Transitions = append(report.Transitions, models.Transition{Entity: models.EntitySession, ID: id, From: string(s.Status), To: string(next)})
		s.Status = next
		r.sessions[id] = s
	}
	return report, nil
}

func (r fakeSessionRepo) ListDueForReconcile(ctx context.Context, today time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		active := r.activeCount(id)
		staleOpen := s.Status == models.SessionStatusOpen && (!s.StartDate.After(today) || active >= s.CapacityMax)
		staleClosed := s.Status == models.SessionStatusClosed && s.StartDate.After(today) && active < s.CapacityMax
		endedActive := s.EndDate.Before(today) && active > 0
		if staleOpen || staleClosed || endedActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeEnrollmentRepo struct{ *fakeStore }

func (r fakeEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (r fakeEnrollmentRepo) ListDetailsBySession(ctx context.Context, sessionID string) ([]models.EnrollmentDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var details []models.EnrollmentDetail
	for _, e := range r.enrollments {
		if e.SessionID == sessionID {
			details = append(details, models.EnrollmentDetail{Enrollment: e, StudentLastName: "Nguyen", StudentFirstName: e.StudentID, StudentEmail: e.StudentID + "@example.org"})
		}
	}
	return details, nil
}

func (r fakeEnrollmentRepo) pairExists(studentID, sessionID, excludeID string) bool {
	for id, e := range r.enrollments {
		if id != excludeID && e.StudentID == studentID && e.SessionID == sessionID {
			return true
		}
	}
	return false
}

func (r fakeEnrollmentRepo) Admit(ctx context.Context, enrollment *models.Enrollment, admit repository.AdmissionFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[enrollment.SessionID]
	if !ok {
		return sql.ErrNoRows
	}
	if r.pairExists(enrollment.StudentID, enrollment.SessionID, "") {
		return repository.ErrDuplicateEnrollment
	}
	if admit != nil {
		if err := admit(s, r.activeCount(s.ID)); err != nil {
			return err
		}
	}
	enrollment.ID = r.nextID("enrollment")
	r.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (r fakeEnrollmentRepo) Update(ctx context.Context, enrollment *models.Enrollment, admit repository.AdmissionFunc) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.enrollments[enrollment.ID]
	if !ok {
		return "", sql.ErrNoRows
	}
	if enrollment.SessionID != current.SessionID {
		target, ok := r.sessions[enrollment.SessionID]
		if !ok {
			return "", sql.ErrNoRows
		}
		if r.pairExists(current.StudentID, enrollment.SessionID, current.ID) {
			return "", repository.ErrDuplicateEnrollment
		}
		if admit != nil {
			if err := admit(target, r.activeCount(target.ID)); err != nil {
				return "", err
			}
		}
	}
	enrollment.Status = current.Status
	r.enrollments[enrollment.ID] = *enrollment
	return current.SessionID, nil
}

func (r fakeEnrollmentRepo) Delete(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return "", sql.ErrNoRows
	}
	delete(r.enrollments, id)
	return e.SessionID, nil
}

func (r fakeEnrollmentRepo) ReconcileStatus(ctx context.Context, id string, derive repository.EnrollmentStatusFunc) (string, *models.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return "", nil, sql.ErrNoRows
	}
	s := r.sessions[e.SessionID]
	next := derive(e, s)
	if next == e.Status {
		return s.ID, nil, nil
	}
	transition := &models.Transition{Entity: models.EntityEnrollment, ID: id, From: string(e.Status), To: string(next)}
	e.Status = next
	r.enrollments[id] = e
	return s.ID, transition, nil
}

type fakeStudentReader struct{ missing bool }

func (r fakeStudentReader) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if r.missing {
		return nil, sql.ErrNoRows
	}
	return &models.Student{ID: id, LastName: "Nguyen", FirstName: "Linh"}, nil
}

type fakeCourseReader struct{ missing bool }

func (r fakeCourseReader) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if r.missing {
		return nil, sql.ErrNoRows
	}
	return &models.Course{ID: id, Name: "Français A1"}, nil
}

// fixedClock pins a reconciler and its services to the given day.
func fixedClock(today time.Time) func() time.Time {
	return func() time.Time { return today.Add(10 * time.Hour) }
}
