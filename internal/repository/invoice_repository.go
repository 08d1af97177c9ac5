package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ecole-peg-api/internal/models"
)

const invoiceColumns = `id, number, student_id, enrollment_id, issued_on, due_on, created_at`

// InvoiceRepository handles invoices, their lines and payments.
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository constructs the repository.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// FindByID returns an invoice by ID.
func (r *InvoiceRepository) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	var invoice models.Invoice
	if err := r.db.GetContext(ctx, &invoice, query, id); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// ListByStudent returns a student's invoices in numbering order.
func (r *InvoiceRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE student_id = $1 ORDER BY issued_on, id`
	var invoices []models.Invoice
	if err := r.db.SelectContext(ctx, &invoices, query, studentID); err != nil {
		return nil, fmt.Errorf("list student invoices: %w", err)
	}
	return invoices, nil
}

// Create inserts the invoice with its lines in one transaction, under the
// per-student advisory lock. The student's invoices are then renumbered by
// (issued_on, id) so a back-dated invoice takes its place in the sequence.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *models.Invoice, lines []models.InvoiceLine) (err error) {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	invoice.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invoice create: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockStudentInvoices(ctx, tx, invoice.StudentID); err != nil {
		return err
	}
	const next = `SELECT COALESCE(MAX(number), 0) + 1 FROM invoices WHERE student_id = $1`
	if err = tx.GetContext(ctx, &invoice.Number, next, invoice.StudentID); err != nil {
		return fmt.Errorf("allocate invoice number: %w", err)
	}

	const insert = `INSERT INTO invoices (` + invoiceColumns + `)
        VALUES (:id, :number, :student_id, :enrollment_id, :issued_on, :due_on, :created_at)`
	if _, err = tx.NamedExecContext(ctx, insert, invoice); err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	for i := range lines {
		lines[i].InvoiceID = invoice.ID
		if err = insertLine(ctx, tx, &lines[i]); err != nil {
			return err
		}
	}

	ordered, _, err := renumberTx(ctx, tx, invoice.StudentID)
	if err != nil {
		return err
	}
	for i, id := range ordered {
		if id == invoice.ID {
			invoice.Number = i + 1
			break
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit invoice create: %w", err)
	}
	return nil
}

// AddLine appends a line to an existing invoice.
func (r *InvoiceRepository) AddLine(ctx context.Context, line *models.InvoiceLine) error {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	const query = `INSERT INTO invoice_lines (id, invoice_id, description, period_start, period_end, amount_cents)
        VALUES (:id, :invoice_id, :description, :period_start, :period_end, :amount_cents)`
	if _, err := r.db.NamedExecContext(ctx, query, line); err != nil {
		return fmt.Errorf("insert invoice line: %w", err)
	}
	return nil
}

// CreatePayment records a payment against an invoice.
func (r *InvoiceRepository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	const query = `INSERT INTO payments (id, invoice_id, amount_cents, paid_on, mode, method)
        VALUES (:id, :invoice_id, :amount_cents, :paid_on, :mode, :method)`
	if _, err := r.db.NamedExecContext(ctx, query, payment); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// DeletePayment removes a payment and returns the invoice it settled.
func (r *InvoiceRepository) DeletePayment(ctx context.Context, id string) (string, error) {
	const query = `DELETE FROM payments WHERE id = $1 RETURNING invoice_id`
	var invoiceID string
	if err := r.db.GetContext(ctx, &invoiceID, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("delete payment: %w", err)
	}
	return invoiceID, nil
}

// Delete removes an invoice and returns its student.
func (r *InvoiceRepository) Delete(ctx context.Context, id string) (string, error) {
	const query = `DELETE FROM invoices WHERE id = $1 RETURNING student_id`
	var studentID string
	if err := r.db.GetContext(ctx, &studentID, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("delete invoice: %w", err)
	}
	return studentID, nil
}

// Totals sums lines and payments for an invoice. RemainingCents is left for the caller.
func (r *InvoiceRepository) Totals(ctx context.Context, id string) (*models.InvoiceTotals, error) {
	const query = `SELECT i.id AS invoice_id,
        COALESCE((SELECT SUM(l.amount_cents) FROM invoice_lines l WHERE l.invoice_id = i.id), 0) AS total_cents,
        COALESCE((SELECT SUM(p.amount_cents) FROM payments p WHERE p.invoice_id = i.id), 0) AS paid_cents
        FROM invoices i WHERE i.id = $1`
	var totals models.InvoiceTotals
	if err := r.db.GetContext(ctx, &totals, query, id); err != nil {
		return nil, err
	}
	return &totals, nil
}

// Renumber rewrites the student's invoice numbers to 1..n ordered by issue
// date. Only rows whose number changes are written; the count is returned.
func (r *InvoiceRepository) Renumber(ctx context.Context, studentID string) (changed int, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin invoice renumber: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = lockStudentInvoices(ctx, tx, studentID); err != nil {
		return 0, err
	}
	if _, changed, err = renumberTx(ctx, tx, studentID); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit invoice renumber: %w", err)
	}
	return changed, nil
}

// renumberTx assigns 1..n by (issued_on, id) and returns the invoice ids in
// that order. The caller holds the student's advisory lock.
func renumberTx(ctx context.Context, tx *sqlx.Tx, studentID string) (ordered []string, changed int, err error) {
	var rows []struct {
		ID     string `db:"id"`
		Number int    `db:"number"`
	}
	const selectQuery = `SELECT id, number FROM invoices WHERE student_id = $1 ORDER BY issued_on, id FOR UPDATE`
	if err = tx.SelectContext(ctx, &rows, selectQuery, studentID); err != nil {
		return nil, 0, fmt.Errorf("lock student invoices: %w", err)
	}
	const update = `UPDATE invoices SET number = $1 WHERE id = $2`
	ordered = make([]string, 0, len(rows))
	for i, row := range rows {
		ordered = append(ordered, row.ID)
		want := i + 1
		if row.Number == want {
			continue
		}
		if _, err = tx.ExecContext(ctx, update, want, row.ID); err != nil {
			return nil, 0, fmt.Errorf("renumber invoice %s: %w", row.ID, err)
		}
		changed++
	}
	return ordered, changed, nil
}

func lockStudentInvoices(ctx context.Context, tx *sqlx.Tx, studentID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, studentID); err != nil {
		return fmt.Errorf("lock student invoices: %w", err)
	}
	return nil
}

func insertLine(ctx context.Context, tx *sqlx.Tx, line *models.InvoiceLine) error {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	const query = `INSERT INTO invoice_lines (id, invoice_id, description, period_start, period_end, amount_cents)
        VALUES (:id, :invoice_id, :description, :period_start, :period_end, :amount_cents)`
	if _, err := tx.NamedExecContext(ctx, query, line); err != nil {
		return fmt.Errorf("insert invoice line: %w", err)
	}
	return nil
}
