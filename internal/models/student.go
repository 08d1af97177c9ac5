package models

import "time"

// Student is a learner who can be enrolled in sessions.
type Student struct {
	ID        string    `db:"id" json:"id"`
	LastName  string    `db:"last_name" json:"last_name"`
	FirstName string    `db:"first_name" json:"first_name"`
	Email     string    `db:"email" json:"email"`
	BirthDate time.Time `db:"birth_date" json:"birth_date"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
