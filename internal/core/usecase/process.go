package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/core/ports"
)

const (
	extractionFailureMessage = "Failed to extract images from PDF"
	analysisFailureMessage   = "AI analysis failed"
	unexpectedFailureMessage = "Analysis error: unexpected failure"

	pageImagePrefix = "bloodwork"
	workPDFName     = "bloodwork.pdf"

	cleanupTimeout = 10 * time.Second
	persistTimeout = 15 * time.Second
)

// AnalysisJob identifies one accepted submission handed to the background.
type AnalysisJob struct {
	DiagnosticID string
	PatientID    string
	BinaryHandle string
	AcceptedAt   time.Time
}

type ProcessOptions struct {
	// AnalysisTimeout bounds the model call. Zero leaves it unbounded.
	AnalysisTimeout time.Duration
	// WorkDir is where per-job scratch directories are created.
	WorkDir   string
	Publisher ports.EventPublisher
	Clock     ports.Clock
	Observer  ports.PipelineObserver
}

type ProcessAnalysisUseCase struct {
	repo       ports.DiagnosticRepository
	store      ports.ObjectStore
	rasterizer ports.PageRasterizer
	vision     ports.VisionAnalyzer
	tracker    *PendingTracker
	opts       ProcessOptions
}

func NewProcessAnalysisUseCase(
	repo ports.DiagnosticRepository,
	store ports.ObjectStore,
	rasterizer ports.PageRasterizer,
	vision ports.VisionAnalyzer,
	tracker *PendingTracker,
	opts ProcessOptions,
) *ProcessAnalysisUseCase {
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &ProcessAnalysisUseCase{
		repo:       repo,
		store:      store,
		rasterizer: rasterizer,
		vision:     vision,
		tracker:    tracker,
		opts:       opts,
	}
}

// Process drives one accepted submission to a terminal state. It never
// returns an error: every outcome is written to the diagnostic record, and
// the patient is released from the pending tracker on every path.
func (uc *ProcessAnalysisUseCase) Process(ctx context.Context, job AnalysisJob) {
	started := uc.opts.Clock.Now()
	if !job.AcceptedAt.IsZero() {
		uc.opts.Observer.AnalysisStarted(started.Sub(job.AcceptedAt))
	}
	status := domain.AnalysisFailed

	defer func() {
		uc.tracker.Clear(job.PatientID)
		uc.opts.Observer.PendingPatients(uc.tracker.Len())
		uc.opts.Observer.AnalysisFinished(status, uc.opts.Clock.Now().Sub(started))
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			err := domain.WrapError(domain.ErrUnexpected, "process analysis", fmt.Errorf("panic: %v", recovered))
			slog.Error("analysis_panic", "diagnostic_id", job.DiagnosticID, "error", err, "stack", string(debug.Stack()))
			uc.recordFailure(ctx, job, err)
		}
	}()

	result, info, err := uc.run(ctx, job)
	if err != nil {
		uc.recordFailure(ctx, job, err)
		return
	}
	if err := uc.recordResult(ctx, job, result, info); err != nil {
		return
	}
	status = domain.AnalysisCompleted
}

func (uc *ProcessAnalysisUseCase) run(ctx context.Context, job AnalysisJob) (json.RawMessage, domain.ProcessingInfo, error) {
	data, err := uc.store.Retrieve(ctx, job.BinaryHandle)
	if err != nil {
		return nil, domain.ProcessingInfo{}, stageFailure(domain.ErrExtraction, "retrieve pdf", extractionFailureMessage, err)
	}

	var (
		result json.RawMessage
		info   domain.ProcessingInfo
	)
	err = withWorkDir(uc.opts.WorkDir, func(dir string) error {
		images, err := uc.rasterize(ctx, dir, data)
		if err != nil {
			return err
		}
		raw, elapsed, err := uc.analyze(ctx, images)
		if err != nil {
			return err
		}
		info = domain.ProcessingInfo{
			ModelVersion:     uc.vision.ModelVersion(),
			ProcessingTimeMS: elapsed.Milliseconds(),
			ConfidenceScore:  0.0,
			ProcessedAt:      uc.opts.Clock.Now(),
		}
		result, err = mergeProcessingInfo(raw, info)
		return err
	})
	if err != nil {
		return nil, domain.ProcessingInfo{}, err
	}
	return result, info, nil
}

func (uc *ProcessAnalysisUseCase) rasterize(ctx context.Context, dir string, data []byte) ([]string, error) {
	pdfPath := filepath.Join(dir, workPDFName)
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return nil, stageFailure(domain.ErrExtraction, "materialize pdf", extractionFailureMessage, err)
	}
	images, err := uc.rasterizer.Rasterize(ctx, pdfPath, dir, pageImagePrefix)
	if err != nil {
		return nil, stageFailure(domain.ErrExtraction, "rasterize pdf", extractionFailureMessage, err)
	}
	if len(images) == 0 {
		return nil, stageFailure(domain.ErrExtraction, "rasterize pdf", extractionFailureMessage, errors.New("no page images produced"))
	}
	return images, nil
}

func (uc *ProcessAnalysisUseCase) analyze(ctx context.Context, images []string) (string, time.Duration, error) {
	callCtx := ctx
	if uc.opts.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, uc.opts.AnalysisTimeout)
		defer cancel()
	}

	start := uc.opts.Clock.Now()
	raw, err := uc.vision.Analyze(callCtx, images)
	elapsed := uc.opts.Clock.Now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	uc.opts.Observer.ModelCallFinished(elapsed, err)

	if err != nil {
		reason := "model request failed"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = "model request timed out"
		}
		return "", elapsed, stageFailure(domain.ErrAnalysis, "analyze images", analysisFailureMessage+": "+reason, err)
	}
	if strings.TrimSpace(raw) == "" {
		return "", elapsed, stageFailure(domain.ErrAnalysis, "analyze images", analysisFailureMessage+": empty model response", errors.New("empty model response"))
	}
	return raw, elapsed, nil
}

func (uc *ProcessAnalysisUseCase) recordResult(ctx context.Context, job AnalysisJob, result json.RawMessage, info domain.ProcessingInfo) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := uc.repo.SaveResult(persistCtx, job.DiagnosticID, result, info); err != nil {
		slog.Error("analysis_result_not_saved", "diagnostic_id", job.DiagnosticID, "error", err)
		if !domain.IsKind(err, domain.ErrAlreadyFinalized) && !domain.IsKind(err, domain.ErrNotFound) {
			uc.recordFailure(ctx, job, domain.WrapError(domain.ErrPersistence, "save analysis result", err))
		}
		return err
	}

	slog.Info("analysis_completed",
		"diagnostic_id", job.DiagnosticID,
		"patient_id", job.PatientID,
		"model_version", info.ModelVersion,
		"processing_time_ms", info.ProcessingTimeMS,
	)
	uc.publish(persistCtx, domain.AnalysisEvent{
		DiagnosticID: job.DiagnosticID,
		PatientID:    job.PatientID,
		Status:       domain.AnalysisCompleted,
		OccurredAt:   info.ProcessedAt,
	})
	return nil
}

func (uc *ProcessAnalysisUseCase) recordFailure(ctx context.Context, job AnalysisJob, cause error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	message := failureMessage(cause)
	slog.Error("analysis_failed",
		"diagnostic_id", job.DiagnosticID,
		"patient_id", job.PatientID,
		"message", message,
		"error", cause,
	)

	failure := domain.AnalysisFailure{Message: message, FailedAt: uc.opts.Clock.Now()}
	if err := uc.repo.SaveFailure(persistCtx, job.DiagnosticID, failure); err != nil {
		slog.Error("analysis_failure_not_saved", "diagnostic_id", job.DiagnosticID, "error", err)
		return
	}
	uc.publish(persistCtx, domain.AnalysisEvent{
		DiagnosticID: job.DiagnosticID,
		PatientID:    job.PatientID,
		Status:       domain.AnalysisFailed,
		Error:        message,
		OccurredAt:   failure.FailedAt,
	})
}

func (uc *ProcessAnalysisUseCase) publish(ctx context.Context, event domain.AnalysisEvent) {
	if uc.opts.Publisher == nil {
		return
	}
	if err := uc.opts.Publisher.PublishAnalysisEvent(ctx, event); err != nil {
		slog.Warn("analysis_event_not_published", "diagnostic_id", event.DiagnosticID, "status", event.Status, "error", err)
	}
}

// stageError carries the message stored on the record alongside the cause,
// which only reaches the logs.
type stageError struct {
	message string
	err     error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func stageFailure(kind error, op, message string, err error) error {
	return &stageError{message: message, err: domain.WrapError(kind, op, err)}
}

func failureMessage(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.message
	}
	if domain.IsKind(err, domain.ErrPersistence) {
		return "Analysis error: result could not be saved"
	}
	return unexpectedFailureMessage
}

func withWorkDir(root string, fn func(dir string) error) error {
	dir, err := os.MkdirTemp(root, "bloodwork-*")
	if err != nil {
		return stageFailure(domain.ErrExtraction, "create work dir", extractionFailureMessage, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("work_dir_not_removed", "dir", dir, "error", err)
		}
	}()
	return fn(dir)
}

// mergeProcessingInfo decodes the model's JSON object and overlays the
// processing fields on it.
func mergeProcessingInfo(raw string, info domain.ProcessingInfo) (json.RawMessage, error) {
	candidate := extractJSONObject(raw)
	decoder := json.NewDecoder(strings.NewReader(candidate))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		if err == nil {
			err = errors.New("model response is not a JSON object")
		}
		return nil, stageFailure(domain.ErrAnalysis, "parse model response", analysisFailureMessage+": model response is not valid JSON", err)
	}

	payload["model_version"] = info.ModelVersion
	payload["processing_time_ms"] = info.ProcessingTimeMS
	payload["confidence_score"] = info.ConfidenceScore
	payload["processed_at"] = info.ProcessedAt

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnexpected, "encode analysis result", err)
	}
	return out, nil
}

// extractJSONObject trims prose or code fences around the first balanced
// JSON object in s.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
