package usecase

import (
	"context"
	"fmt"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/core/ports"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type DiagnosticQueryUseCase struct {
	repo     ports.DiagnosticRepository
	patients ports.PatientLookup
}

func NewDiagnosticQueryUseCase(repo ports.DiagnosticRepository, patients ports.PatientLookup) *DiagnosticQueryUseCase {
	return &DiagnosticQueryUseCase{repo: repo, patients: patients}
}

func (uc *DiagnosticQueryUseCase) GetDiagnostic(ctx context.Context, diagnosticID string) (*domain.AnalysisRequest, error) {
	req, err := uc.repo.GetByID(ctx, diagnosticID)
	if err != nil {
		return nil, passThroughNotFound("get diagnostic", err)
	}
	return req, nil
}

// ListPatientDiagnostics pages through a patient's diagnostics, newest first.
// Page is 1-based; a zero page or limit falls back to the defaults.
func (uc *DiagnosticQueryUseCase) ListPatientDiagnostics(
	ctx context.Context,
	patientID string,
	page, limit int,
) (*domain.DiagnosticPage, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if page < 1 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list diagnostics", fmt.Errorf("page must be >= 1, got %d", page))
	}
	if limit < 1 || limit > MaxPageLimit {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list diagnostics", fmt.Errorf("limit must be in [1,%d], got %d", MaxPageLimit, limit))
	}
	if _, err := uc.patients.GetByID(ctx, patientID); err != nil {
		return nil, passThroughNotFound("lookup patient", err)
	}

	items, total, err := uc.repo.ListByPatient(ctx, patientID, limit, (page-1)*limit)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "list diagnostics", err)
	}
	if items == nil {
		items = []domain.AnalysisRequest{}
	}
	return &domain.DiagnosticPage{
		Items: items,
		Total: total,
		Page:  page,
		Limit: limit,
	}, nil
}

func (uc *DiagnosticQueryUseCase) LatestPatientDiagnostic(ctx context.Context, patientID string) (*domain.AnalysisRequest, error) {
	if _, err := uc.patients.GetByID(ctx, patientID); err != nil {
		return nil, passThroughNotFound("lookup patient", err)
	}
	req, err := uc.repo.LatestByPatient(ctx, patientID)
	if err != nil {
		return nil, passThroughNotFound("latest diagnostic", err)
	}
	return req, nil
}

func passThroughNotFound(op string, err error) error {
	if domain.IsKind(err, domain.ErrNotFound) {
		return err
	}
	return domain.WrapError(domain.ErrPersistence, op, err)
}
