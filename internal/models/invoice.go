package models

import "time"

// Invoice is a bill addressed to a student. Numbers run 1..n per student
// ordered by issue date.
type Invoice struct {
	ID           string     `db:"id" json:"id"`
	Number       int        `db:"number" json:"number"`
	StudentID    string     `db:"student_id" json:"student_id"`
	EnrollmentID *string    `db:"enrollment_id" json:"enrollment_id,omitempty"`
	IssuedOn     time.Time  `db:"issued_on" json:"issued_on"`
	DueOn        *time.Time `db:"due_on" json:"due_on,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// InvoiceLine is a billed item.
type InvoiceLine struct {
	ID          string     `db:"id" json:"id"`
	InvoiceID   string     `db:"invoice_id" json:"invoice_id"`
	Description string     `db:"description" json:"description"`
	PeriodStart *time.Time `db:"period_start" json:"period_start,omitempty"`
	PeriodEnd   *time.Time `db:"period_end" json:"period_end,omitempty"`
	AmountCents int64      `db:"amount_cents" json:"amount_cents"`
}

// Payment settles part or all of an invoice.
type Payment struct {
	ID          string    `db:"id" json:"id"`
	InvoiceID   string    `db:"invoice_id" json:"invoice_id"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	PaidOn      time.Time `db:"paid_on" json:"paid_on"`
	Mode        string    `db:"mode" json:"mode"`
	Method      string    `db:"method" json:"method"`
}

// InvoiceTotals summarises an invoice in cents.
type InvoiceTotals struct {
	InvoiceID      string `db:"invoice_id" json:"invoice_id"`
	TotalCents     int64  `db:"total_cents" json:"total_cents"`
	PaidCents      int64  `db:"paid_cents" json:"paid_cents"`
	RemainingCents int64  `db:"-" json:"remaining_cents"`
}
