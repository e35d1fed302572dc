package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/core/ports"
)

const (
	DiagnosticEntity = "diagnostic"

	ProcessingStatus  = "processing"
	ProcessingMessage = "Analisi in corso. Torna più tardi per vedere i risultati."

	defaultUploadFilename = "unknown.pdf"
)

type SubmitOptions struct {
	// MaxUploadBytes bounds the uploaded body. Zero disables the bound.
	MaxUploadBytes int64
	// RejectDuplicates refuses a submission while the patient already has
	// an analysis in flight. When false, duplicates are logged and accepted.
	RejectDuplicates bool
	Clock            ports.Clock
	Observer         ports.PipelineObserver
}

type SubmitAnalysisUseCase struct {
	patients  ports.PatientLookup
	repo      ports.DiagnosticRepository
	ids       ports.IDGenerator
	store     ports.ObjectStore
	scheduler ports.TaskScheduler
	processor *ProcessAnalysisUseCase
	tracker   *PendingTracker
	opts      SubmitOptions
}

func NewSubmitAnalysisUseCase(
	patients ports.PatientLookup,
	repo ports.DiagnosticRepository,
	ids ports.IDGenerator,
	store ports.ObjectStore,
	scheduler ports.TaskScheduler,
	processor *ProcessAnalysisUseCase,
	tracker *PendingTracker,
	opts SubmitOptions,
) *SubmitAnalysisUseCase {
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &SubmitAnalysisUseCase{
		patients:  patients,
		repo:      repo,
		ids:       ids,
		store:     store,
		scheduler: scheduler,
		processor: processor,
		tracker:   tracker,
		opts:      opts,
	}
}

// Submit validates and stores an uploaded bloodwork PDF, creates its
// diagnostic record and schedules analysis. It returns before analysis starts.
func (uc *SubmitAnalysisUseCase) Submit(
	ctx context.Context,
	cmd domain.SubmitCommand,
	body io.Reader,
) (*domain.SubmitReceipt, error) {
	if err := validateContentType(cmd.ContentType); err != nil {
		uc.opts.Observer.SubmissionRejected("content_type")
		return nil, err
	}
	patientID := strings.TrimSpace(cmd.PatientID)
	if patientID == "" {
		uc.opts.Observer.SubmissionRejected("patient_id")
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit analysis", errors.New("patient_id is required"))
	}

	if _, err := uc.patients.GetByID(ctx, patientID); err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			uc.opts.Observer.SubmissionRejected("patient_not_found")
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrPersistence, "lookup patient", err)
	}

	scheduled := false
	if uc.opts.RejectDuplicates {
		if !uc.tracker.TryMark(patientID) {
			uc.opts.Observer.SubmissionRejected("duplicate")
			return nil, domain.WrapError(
				domain.ErrConflict,
				"submit analysis",
				fmt.Errorf("analysis already in progress for patient %s", patientID),
			)
		}
		defer func() {
			if !scheduled {
				uc.tracker.Clear(patientID)
			}
		}()
	} else if uc.tracker.IsPending(patientID) {
		slog.Warn("analysis_already_pending", "patient_id", patientID)
	}

	data, err := readUpload(body, uc.opts.MaxUploadBytes)
	if err != nil {
		uc.opts.Observer.SubmissionRejected("body")
		return nil, err
	}

	filename := sanitizeFilename(cmd.Filename)
	handle, err := uc.store.Store(ctx, filename, data)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "store pdf", err)
	}

	req, err := uc.newRecord(ctx, cmd, patientID, filename, handle, int64(len(data)))
	if err != nil {
		uc.discardBlob(handle)
		return nil, err
	}
	if err := uc.repo.Create(ctx, req); err != nil {
		uc.discardBlob(handle)
		if domain.IsKind(err, domain.ErrConflict) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrPersistence, "create diagnostic record", err)
	}

	uc.tracker.Mark(patientID)
	job := AnalysisJob{
		DiagnosticID: req.ID,
		PatientID:    patientID,
		BinaryHandle: handle,
		AcceptedAt:   req.CreatedAt,
	}
	if err := uc.scheduler.Schedule("analysis:"+req.ID, func(taskCtx context.Context) {
		uc.processor.Process(taskCtx, job)
	}); err != nil {
		uc.tracker.Clear(patientID)
		uc.abandon(ctx, req.ID, err)
		return nil, domain.WrapError(domain.ErrTemporary, "schedule analysis", err)
	}
	scheduled = true

	uc.opts.Observer.SubmissionAccepted()
	uc.opts.Observer.PendingPatients(uc.tracker.Len())
	slog.Info("analysis_accepted",
		"diagnostic_id", req.ID,
		"patient_id", patientID,
		"file_size_bytes", req.PDF.FileSizeBytes,
		"actor_id", cmd.Actor.ID,
	)

	return &domain.SubmitReceipt{
		DiagnosticID: req.ID,
		Status:       ProcessingStatus,
		Message:      ProcessingMessage,
	}, nil
}

func (uc *SubmitAnalysisUseCase) newRecord(
	ctx context.Context,
	cmd domain.SubmitCommand,
	patientID, filename, handle string,
	size int64,
) (*domain.AnalysisRequest, error) {
	id, err := uc.ids.NextID(ctx, DiagnosticEntity)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "allocate diagnostic id", err)
	}
	seq, err := uc.repo.NextSequenceNumber(ctx, patientID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "allocate sequence number", err)
	}
	now := uc.opts.Clock.Now()
	return &domain.AnalysisRequest{
		ID:             id,
		PatientID:      patientID,
		SequenceNumber: seq,
		CreatedAt:      now,
		CreatedBy:      cmd.Actor.ID,
		PDF: domain.PDFMetadata{
			OriginalFilename: filename,
			FileSizeBytes:    size,
			BinaryHandle:     handle,
			UploadTimestamp:  now,
		},
	}, nil
}

// discardBlob removes an upload whose record was never created.
func (uc *SubmitAnalysisUseCase) discardBlob(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := uc.store.Delete(ctx, handle); err != nil {
		slog.Warn("orphan_blob_not_deleted", "handle", handle, "error", err)
	}
}

// abandon finalizes a record whose analysis could not be scheduled.
func (uc *SubmitAnalysisUseCase) abandon(ctx context.Context, diagnosticID string, cause error) {
	failure := domain.AnalysisFailure{
		Message:  unexpectedFailureMessage,
		FailedAt: uc.opts.Clock.Now(),
	}
	if err := uc.repo.SaveFailure(context.WithoutCancel(ctx), diagnosticID, failure); err != nil {
		slog.Error("analysis_failure_not_saved", "diagnostic_id", diagnosticID, "error", err)
	}
	slog.Error("analysis_not_scheduled", "diagnostic_id", diagnosticID, "error", cause)
}

func validateContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "validate content type", fmt.Errorf("content type %q: %w", contentType, err))
	}
	if !strings.EqualFold(mediaType, domain.SupportedContentType) {
		return domain.WrapError(domain.ErrInvalidInput, "validate content type", fmt.Errorf("file must be a PDF, got %q", mediaType))
	}
	return nil
}

func readUpload(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", errors.New("missing file body"))
	}
	reader := body
	if limit > 0 {
		reader = io.LimitReader(body, limit+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", err)
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", fmt.Errorf("%w: file exceeds %d bytes", domain.ErrPayloadTooLarge, limit))
	}
	return buf.Bytes(), nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || strings.TrimSpace(base) == "" {
		return defaultUploadFilename
	}
	base = strings.ReplaceAll(base, " ", "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}
