package ports

import (
	"context"
	"encoding/json"
	"io"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

// AnalysisSubmitter is the inbound contract for accepting a bloodwork PDF.
type AnalysisSubmitter interface {
	Submit(ctx context.Context, cmd domain.SubmitCommand, body io.Reader) (*domain.SubmitReceipt, error)
}

// AnalysisPoller is the inbound polling contract. GetResult returns nil while
// the analysis has no result; GetStatus distinguishes pending from failed.
type AnalysisPoller interface {
	GetResult(ctx context.Context, diagnosticID string) (json.RawMessage, error)
	GetStatus(ctx context.Context, diagnosticID string) (domain.AnalysisState, error)
}

// DiagnosticReader is the inbound read model for diagnostic history.
type DiagnosticReader interface {
	GetDiagnostic(ctx context.Context, diagnosticID string) (*domain.AnalysisRequest, error)
	ListPatientDiagnostics(ctx context.Context, patientID string, page, limit int) (*domain.DiagnosticPage, error)
	LatestPatientDiagnostic(ctx context.Context, patientID string) (*domain.AnalysisRequest, error)
}
