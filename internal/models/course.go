package models

// CourseType distinguishes intensive from semi-intensive courses.
type CourseType string

const (
	CourseTypeIntensive     CourseType = "I"
	CourseTypeSemiIntensive CourseType = "S"
)

// Course is a catalogue entry sessions are opened for.
type Course struct {
	ID           string     `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Type         CourseType `db:"type" json:"type"`
	Level        string     `db:"level" json:"level"`
	HoursPerWeek *int       `db:"hours_per_week" json:"hours_per_week,omitempty"`
	Weeks        *int       `db:"weeks" json:"weeks,omitempty"`
	FeeCents     int64      `db:"fee_cents" json:"fee_cents"`
}
