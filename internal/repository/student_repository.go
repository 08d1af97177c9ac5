package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/ecole-peg-api/internal/models"
)

// StudentRepository reads students. Student records are maintained elsewhere.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, last_name, first_name, email, birth_date, created_at FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}
