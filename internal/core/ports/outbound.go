package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

// PatientLookup resolves patients owned by another part of the system.
type PatientLookup interface {
	GetByID(ctx context.Context, patientID string) (*domain.Patient, error)
}

// DiagnosticRepository persists analysis requests. SaveResult and SaveFailure
// only apply to records with neither a result nor an error.
type DiagnosticRepository interface {
	Create(ctx context.Context, req *domain.AnalysisRequest) error
	GetByID(ctx context.Context, id string) (*domain.AnalysisRequest, error)
	NextSequenceNumber(ctx context.Context, patientID string) (int, error)
	SaveResult(ctx context.Context, id string, result json.RawMessage, info domain.ProcessingInfo) error
	SaveFailure(ctx context.Context, id string, failure domain.AnalysisFailure) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]domain.AnalysisRequest, int, error)
	LatestByPatient(ctx context.Context, patientID string) (*domain.AnalysisRequest, error)
}

// IDGenerator hands out human-readable sequential identifiers.
type IDGenerator interface {
	NextID(ctx context.Context, entity string) (string, error)
}

// ObjectStore keeps uploaded PDF bytes.
type ObjectStore interface {
	Store(ctx context.Context, filename string, data []byte) (string, error)
	Retrieve(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}

// PageRasterizer renders a PDF into ordered page images inside outputDir.
type PageRasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outputDir, filenamePrefix string) ([]string, error)
}

// VisionAnalyzer sends ordered page images to a vision model and returns its raw text.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, imagePaths []string) (string, error)
	ModelVersion() string
}

// TaskScheduler runs work outside the request path.
type TaskScheduler interface {
	Schedule(name string, task func(context.Context)) error
}

// EventPublisher announces terminal analysis states.
type EventPublisher interface {
	PublishAnalysisEvent(ctx context.Context, event domain.AnalysisEvent) error
}

// PipelineObserver receives pipeline measurements.
type PipelineObserver interface {
	SubmissionAccepted()
	SubmissionRejected(reason string)
	AnalysisStarted(queueLag time.Duration)
	AnalysisFinished(status domain.AnalysisStatus, duration time.Duration)
	ModelCallFinished(duration time.Duration, err error)
	PendingPatients(count int)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
