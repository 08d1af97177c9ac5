package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/ecole-peg-api/internal/models"
	appErrors "github.com/noah-isme/ecole-peg-api/pkg/errors"
	"github.com/noah-isme/ecole-peg-api/pkg/export"
)

var rosterHeaders = []string{"Student", "Email", "Enrolled on", "Status", "Exit date"}

type rosterSessionReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error)
}

type rosterEnrollmentLister interface {
	ListDetailsBySession(ctx context.Context, sessionID string) ([]models.EnrollmentDetail, error)
}

type rosterStore interface {
	Save(filename string, data []byte) (string, error)
	Path(filename string) string
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// RosterFile describes a generated roster.
type RosterFile struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format string `json:"format"`
	Rows   int    `json:"rows"`
}

// RosterService renders session attendance sheets.
type RosterService struct {
	sessions    rosterSessionReader
	enrollments rosterEnrollmentLister
	store       rosterStore
	renderers   map[string]export.Renderer
	location    *time.Location
	logger      *zap.Logger
	now         func() time.Time
}

// NewRosterService constructs RosterService with the CSV and PDF renderers.
func NewRosterService(sessions rosterSessionReader, enrollments rosterEnrollmentLister, store rosterStore, loc *time.Location, logger *zap.Logger) *RosterService {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	renderers := map[string]export.Renderer{}
	for _, r := range []export.Renderer{export.NewCSVExporter(), export.NewPDFExporter()} {
		renderers[r.Extension()] = r
	}
	return &RosterService{sessions: sessions, enrollments: enrollments, store: store, renderers: renderers, location: loc, logger: logger, now: time.Now}
}

// Export renders the roster of a session in the requested format and stores it.
func (s *RosterService) Export(ctx context.Context, sessionID, format string) (*RosterFile, error) {
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, appErrors.Field(appErrors.ErrValidation, "format", "must be one of [csv pdf]")
	}
	session, err := s.sessions.FindDetailByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	enrollments, err := s.enrollments.ListDetailsBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}

	now := s.now()
	data := s.dataset(session, enrollments, models.DateOf(now, s.location))
	body, err := renderer.Render(data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster")
	}
	name := fmt.Sprintf("rosters/%s-%s.%s", sessionID, now.In(s.location).Format("20060102T150405"), renderer.Extension())
	if _, err := s.store.Save(name, body); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store roster")
	}
	s.logger.Info("roster exported", zap.String("session_id", sessionID), zap.String("file", name), zap.Int("rows", len(data.Rows)))
	return &RosterFile{Name: name, Path: s.store.Path(name), Format: renderer.Extension(), Rows: len(data.Rows)}, nil
}

// Cleanup removes rosters older than retention.
func (s *RosterService) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deleted, err := s.store.CleanupOlderThan(retention)
	if err != nil {
		return 0, err
	}
	if len(deleted) > 0 {
		s.logger.Info("rosters cleaned up", zap.Int("count", len(deleted)))
	}
	return len(deleted), nil
}

// dataset lists students with the status they currently derive to, so a
// roster printed before the next reconcile is still accurate.
func (s *RosterService) dataset(session *models.SessionDetail, enrollments []models.EnrollmentDetail, today time.Time) export.Dataset {
	rows := make([][]string, 0, len(enrollments))
	for _, e := range enrollments {
		exit := ""
		if e.ExitDate != nil {
			exit = e.ExitDate.Format(models.DateLayout)
		}
		status := DeriveEnrollmentStatus(e.Enrollment, session.Session, today)
		rows = append(rows, []string{
			e.StudentName(),
			e.StudentEmail,
			e.EnrolledOn.Format(models.DateLayout),
			string(status),
			exit,
		})
	}
	title := fmt.Sprintf("%s - %s to %s (%d/%d)",
		session.CourseName,
		session.StartDate.Format(models.DateLayout),
		session.EndDate.Format(models.DateLayout),
		session.ActiveCount,
		session.CapacityMax,
	)
	return export.Dataset{Title: title, Headers: rosterHeaders, Rows: rows}
}
