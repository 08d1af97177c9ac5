package models

import "time"

// EnrollmentStatus represents whether a student still attends a session.
type EnrollmentStatus string

const (
	EnrollmentStatusActive   EnrollmentStatus = "ACTIVE"
	EnrollmentStatusInactive EnrollmentStatus = "INACTIVE"
)

// Enrollment links a student to a session.
type Enrollment struct {
	ID                   string           `db:"id" json:"id"`
	StudentID            string           `db:"student_id" json:"student_id"`
	SessionID            string           `db:"session_id" json:"session_id"`
	EnrolledOn           time.Time        `db:"enrolled_on" json:"enrolled_on"`
	Status               EnrollmentStatus `db:"status" json:"status"`
	PreRegistration      bool             `db:"pre_registration" json:"pre_registration"`
	Goal                 *string          `db:"goal" json:"goal,omitempty"`
	RegistrationFeeCents int64            `db:"registration_fee_cents" json:"registration_fee_cents"`
	ExitDate             *time.Time       `db:"exit_date" json:"exit_date,omitempty"`
	ExitReason           *string          `db:"exit_reason" json:"exit_reason,omitempty"`
	CreatedAt            time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with student info for rosters.
type EnrollmentDetail struct {
	Enrollment
	StudentLastName  string `db:"student_last_name" json:"student_last_name"`
	StudentFirstName string `db:"student_first_name" json:"student_first_name"`
	StudentEmail     string `db:"student_email" json:"student_email"`
}

// StudentName renders "Last First" as printed on rosters.
func (d EnrollmentDetail) StudentName() string {
	return d.StudentLastName + " " + d.StudentFirstName
}
