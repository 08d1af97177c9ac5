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

const invoiceTotalsKeyPrefix = "invoice:totals:"

type invoiceRepository interface {
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	Create(ctx context.Context, invoice *models.Invoice, lines []models.InvoiceLine) error
	AddLine(ctx context.Context, line *models.InvoiceLine) error
	CreatePayment(ctx context.Context, payment *models.Payment) error
	DeletePayment(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) (string, error)
	Totals(ctx context.Context, id string) (*models.InvoiceTotals, error)
	Renumber(ctx context.Context, studentID string) (int, error)
}

// InvoiceLineRequest describes a billed item.
type InvoiceLineRequest struct {
	Description string  `json:"description" validate:"required,max=200"`
	PeriodStart *string `json:"period_start,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PeriodEnd   *string `json:"period_end,omitempty" validate:"omitempty,datetime=2006-01-02"`
	AmountCents int64   `json:"amount_cents" validate:"gt=0"`
}

// CreateInvoiceRequest describes an invoice with its initial lines.
type CreateInvoiceRequest struct {
	StudentID    string               `json:"student_id" validate:"required,uuid"`
	EnrollmentID *string              `json:"enrollment_id,omitempty" validate:"omitempty,uuid"`
	IssuedOn     string               `json:"issued_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DueOn        *string              `json:"due_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Lines        []InvoiceLineRequest `json:"lines" validate:"dive"`
}

// PaymentRequest records a payment against an invoice.
type PaymentRequest struct {
	InvoiceID   string `json:"invoice_id" validate:"required,uuid"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
	PaidOn      string `json:"paid_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Mode        string `json:"mode" validate:"required,max=20"`
	Method      string `json:"method" validate:"required,max=20"`
}

// InvoiceService manages invoices and their cached totals. Totals are
// invalidated once the write that changed them has committed.
type InvoiceService struct {
	repo      invoiceRepository
	cache     *CacheService
	cacheTTL  time.Duration
	validator *validator.Validate
	location  *time.Location
	logger    *zap.Logger
	now       func() time.Time
}

// NewInvoiceService constructs InvoiceService. cache may be nil.
func NewInvoiceService(repo invoiceRepository, cache *CacheService, cacheTTL time.Duration, validate *validator.Validate, loc *time.Location, logger *zap.Logger) *InvoiceService {
	if validate == nil {
		validate = NewValidator()
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvoiceService{repo: repo, cache: cache, cacheTTL: cacheTTL, validator: validate, location: loc, logger: logger, now: time.Now}
}

// Totals returns total, paid and remaining amounts for an invoice.
func (s *InvoiceService) Totals(ctx context.Context, invoiceID string) (*models.InvoiceTotals, error) {
	key := invoiceTotalsKeyPrefix + invoiceID
	var cached models.InvoiceTotals
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	totals, err := s.repo.Totals(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute invoice totals")
	}
	totals.RemainingCents = totals.TotalCents - totals.PaidCents
	s.cache.Set(ctx, key, totals, s.cacheTTL)
	return totals, nil
}

// Create stores an invoice and its lines with the student's next number.
func (s *InvoiceService) Create(ctx context.Context, req CreateInvoiceRequest) (*models.Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid invoice payload")
	}
	issuedOn := models.DateOf(s.now(), s.location)
	if req.IssuedOn != "" {
		parsed, err := models.ParseDate(req.IssuedOn)
		if err != nil {
			return nil, appErrors.Field(appErrors.ErrValidation, "issued_on", "invalid date")
		}
		issuedOn = parsed
	}
	invoice := &models.Invoice{StudentID: req.StudentID, EnrollmentID: req.EnrollmentID, IssuedOn: issuedOn}
	if req.DueOn != nil {
		due, err := models.ParseDate(*req.DueOn)
		if err != nil {
			return nil, appErrors.Field(appErrors.ErrValidation, "due_on", "invalid date")
		}
		if due.Before(issuedOn) {
			return nil, appErrors.Field(appErrors.ErrValidation, "due_on", "must not be before issued_on")
		}
		invoice.DueOn = &due
	}

	lines := make([]models.InvoiceLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		line, err := buildLine(l)
		if err != nil {
			return nil, err
		}
		lines = append(lines, *line)
	}

	if err := s.repo.Create(ctx, invoice, lines); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create invoice")
	}
	s.logger.Info("invoice created", zap.String("invoice_id", invoice.ID), zap.Int("number", invoice.Number), zap.String("student_id", invoice.StudentID))
	return invoice, nil
}

// AddLine appends a line to an invoice.
func (s *InvoiceService) AddLine(ctx context.Context, invoiceID string, req InvoiceLineRequest) (*models.InvoiceLine, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid invoice line payload")
	}
	if _, err := s.find(ctx, invoiceID); err != nil {
		return nil, err
	}
	line, err := buildLine(req)
	if err != nil {
		return nil, err
	}
	line.InvoiceID = invoiceID
	if err := s.repo.AddLine(ctx, line); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to add invoice line")
	}
	s.Invalidate(ctx, invoiceID)
	return line, nil
}

// RecordPayment stores a payment and refreshes the invoice totals.
func (s *InvoiceService) RecordPayment(ctx context.Context, req PaymentRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid payment payload")
	}
	if _, err := s.find(ctx, req.InvoiceID); err != nil {
		return nil, err
	}
	paidOn := models.DateOf(s.now(), s.location)
	if req.PaidOn != "" {
		parsed, err := models.ParseDate(req.PaidOn)
		if err != nil {
			return nil, appErrors.Field(appErrors.ErrValidation, "paid_on", "invalid date")
		}
		paidOn = parsed
	}
	payment := &models.Payment{InvoiceID: req.InvoiceID, AmountCents: req.AmountCents, PaidOn: paidOn, Mode: req.Mode, Method: req.Method}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}
	s.Invalidate(ctx, req.InvoiceID)
	return payment, nil
}

// DeletePayment removes a payment and refreshes the invoice totals.
func (s *InvoiceService) DeletePayment(ctx context.Context, paymentID string) error {
	invoiceID, err := s.repo.DeletePayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete payment")
	}
	s.Invalidate(ctx, invoiceID)
	return nil
}

// Delete removes an invoice and renumbers the student's remaining invoices.
func (s *InvoiceService) Delete(ctx context.Context, invoiceID string) error {
	studentID, err := s.repo.Delete(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete invoice")
	}
	s.Invalidate(ctx, invoiceID)
	return s.Renumber(ctx, studentID)
}

// Renumber rewrites a student's invoice numbers to 1..n by issue date.
func (s *InvoiceService) Renumber(ctx context.Context, studentID string) error {
	changed, err := s.repo.Renumber(ctx, studentID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to renumber invoices")
	}
	if changed > 0 {
		s.logger.Info("invoices renumbered", zap.String("student_id", studentID), zap.Int("changed", changed))
	}
	return nil
}

// Invalidate drops the cached totals of an invoice.
func (s *InvoiceService) Invalidate(ctx context.Context, invoiceID string) {
	s.cache.Invalidate(ctx, invoiceTotalsKeyPrefix+invoiceID)
}

func (s *InvoiceService) find(ctx context.Context, id string) (*models.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Field(appErrors.ErrNotFound, "invoice_id", "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	return invoice, nil
}

func buildLine(req InvoiceLineRequest) (*models.InvoiceLine, error) {
	line := &models.InvoiceLine{Description: req.Description, AmountCents: req.AmountCents}
	if req.PeriodStart != nil {
		start, err := models.ParseDate(*req.PeriodStart)
		if err != nil {
			return nil, appErrors.Field(appErrors.ErrValidation, "period_start", "invalid date")
		}
		line.PeriodStart = &start
	}
	if req.PeriodEnd != nil {
		end, err := models.ParseDate(*req.PeriodEnd)
		if err != nil {
			return nil, appErrors.Field(appErrors.ErrValidation, "period_end", "invalid date")
		}
		if line.PeriodStart != nil && end.Before(*line.PeriodStart) {
			return nil, appErrors.Field(appErrors.ErrValidation, "period_end", "must not be before period_start")
		}
		line.PeriodEnd = &end
	}
	return line, nil
}
