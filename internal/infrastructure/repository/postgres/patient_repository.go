package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

type PatientRepository struct {
	db *sql.DB
}

func NewPatientRepository(db *sql.DB) *PatientRepository {
	return &PatientRepository{db: db}
}

func (r *PatientRepository) Create(ctx context.Context, patient *domain.Patient) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO patients (id, name, species, breed, created_by, created_at, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, patient.ID, patient.Name, patient.Species, patient.Breed, patient.CreatedBy, patient.CreatedAt, patient.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "create patient", fmt.Errorf("patient %s already exists", patient.ID))
		}
		return fmt.Errorf("create patient: %w", err)
	}
	return nil
}

func (r *PatientRepository) GetByID(ctx context.Context, patientID string) (*domain.Patient, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, species, breed, created_by, created_at, is_active
FROM patients
WHERE id = $1
`, patientID)

	var p domain.Patient
	err := row.Scan(&p.ID, &p.Name, &p.Species, &p.Breed, &p.CreatedBy, &p.CreatedAt, &p.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get patient", fmt.Errorf("patient %s", patientID))
		}
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	return &p, nil
}
