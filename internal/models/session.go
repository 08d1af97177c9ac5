package models

import "time"

// SessionStatus is derived from capacity and dates; it is never set directly.
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "OPEN"
	SessionStatusClosed SessionStatus = "CLOSED"
)

// DayPeriod is the half-day a session meets in.
type DayPeriod string

const (
	DayPeriodMorning   DayPeriod = "M"
	DayPeriodAfternoon DayPeriod = "S"
)

// Session is a scheduled run of a course.
type Session struct {
	ID          string        `db:"id" json:"id"`
	CourseID    string        `db:"course_id" json:"course_id"`
	TeacherID   *string       `db:"teacher_id" json:"teacher_id,omitempty"`
	StartDate   time.Time     `db:"start_date" json:"start_date"`
	EndDate     time.Time     `db:"end_date" json:"end_date"`
	DayPeriod   DayPeriod     `db:"day_period" json:"day_period"`
	CapacityMax int           `db:"capacity_max" json:"capacity_max"`
	Status      SessionStatus `db:"status" json:"status"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// SessionDetail adds the course name and current occupancy.
type SessionDetail struct {
	Session
	CourseName  string `db:"course_name" json:"course_name"`
	ActiveCount int    `db:"active_count" json:"active_count"`
}
