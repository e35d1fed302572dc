package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/core/ports"
)

type PollAnalysisUseCase struct {
	repo ports.DiagnosticRepository
}

func NewPollAnalysisUseCase(repo ports.DiagnosticRepository) *PollAnalysisUseCase {
	return &PollAnalysisUseCase{repo: repo}
}

// GetResult returns the stored result, or nil while none exists. Failed
// analyses also return nil; use GetStatus to tell them apart.
func (uc *PollAnalysisUseCase) GetResult(ctx context.Context, diagnosticID string) (json.RawMessage, error) {
	req, err := uc.load(ctx, diagnosticID)
	if err != nil {
		return nil, err
	}
	if len(req.Result) == 0 {
		return nil, nil
	}
	return req.Result, nil
}

func (uc *PollAnalysisUseCase) GetStatus(ctx context.Context, diagnosticID string) (domain.AnalysisState, error) {
	req, err := uc.load(ctx, diagnosticID)
	if err != nil {
		return domain.AnalysisState{}, err
	}
	return req.State(), nil
}

func (uc *PollAnalysisUseCase) load(ctx context.Context, diagnosticID string) (*domain.AnalysisRequest, error) {
	if strings.TrimSpace(diagnosticID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "poll analysis", errors.New("diagnostic_id is required"))
	}
	req, err := uc.repo.GetByID(ctx, diagnosticID)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrPersistence, "poll analysis", err)
	}
	return req, nil
}
