package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

func TestSubmitAcceptsPDFAndSchedulesAnalysis(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})

	receipt, err := f.submitter.Submit(context.Background(), pdfCommand("PAT-001"), strings.NewReader("%PDF-1.7 data"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if receipt.DiagnosticID != "DGN-001" {
		t.Fatalf("expected DGN-001, got %q", receipt.DiagnosticID)
	}
	if receipt.Status != "processing" {
		t.Fatalf("expected processing status, got %q", receipt.Status)
	}
	if receipt.Message != "Analisi in corso. Torna più tardi per vedere i risultati." {
		t.Fatalf("unexpected message: %q", receipt.Message)
	}

	rec := f.repo.record("DGN-001")
	if rec == nil {
		t.Fatalf("expected diagnostic record to be created")
	}
	if rec.PatientID != "PAT-001" || rec.SequenceNumber != 1 || rec.CreatedBy != "VET-001" {
		t.Fatalf("unexpected record identity: %+v", rec)
	}
	if rec.PDF.OriginalFilename != "bloodwork.pdf" || rec.PDF.FileSizeBytes != int64(len("%PDF-1.7 data")) {
		t.Fatalf("unexpected pdf metadata: %+v", rec.PDF)
	}
	if !rec.PDF.UploadTimestamp.Equal(testNow) || !rec.CreatedAt.Equal(testNow) {
		t.Fatalf("timestamps must come from the clock: %+v", rec)
	}
	if rec.IsTerminal() {
		t.Fatalf("new record must be pending")
	}
	if _, err := f.store.Retrieve(context.Background(), rec.PDF.BinaryHandle); err != nil {
		t.Fatalf("stored blob not retrievable: %v", err)
	}
	if !f.tracker.IsPending("PAT-001") {
		t.Fatalf("patient must be pending after submit")
	}
	if len(f.scheduler.tasks) != 1 || f.scheduler.names[0] != "analysis:DGN-001" {
		t.Fatalf("expected one scheduled analysis, got %v", f.scheduler.names)
	}
	if f.observer.accepted != 1 {
		t.Fatalf("expected accepted submission to be observed")
	}
}

func TestSubmitSequenceNumbersIncreasePerPatient(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.submitter.Submit(ctx, pdfCommand("PAT-001"), strings.NewReader("pdf")); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if _, err := f.submitter.Submit(ctx, pdfCommand("PAT-002"), strings.NewReader("pdf")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if got := f.repo.record("DGN-002").SequenceNumber; got != 2 {
		t.Fatalf("expected second PAT-001 record to have sequence 2, got %d", got)
	}
	if got := f.repo.record("DGN-003").SequenceNumber; got != 1 {
		t.Fatalf("expected first PAT-002 record to have sequence 1, got %d", got)
	}
}

func TestSubmitAcceptsContentTypeParameters(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	cmd := pdfCommand("PAT-001")
	cmd.ContentType = "Application/PDF; name=report.pdf"

	if _, err := f.submitter.Submit(context.Background(), cmd, strings.NewReader("pdf")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestSubmitRejectsNonPDF(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	cmd := pdfCommand("PAT-001")
	cmd.ContentType = "image/png"

	_, err := f.submitter.Submit(context.Background(), cmd, strings.NewReader("png"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(f.store.blobs) != 0 || len(f.repo.records) != 0 || len(f.scheduler.tasks) != 0 {
		t.Fatalf("rejected upload must leave no side effects")
	}
	if f.tracker.IsPending("PAT-001") {
		t.Fatalf("rejected upload must not mark the patient")
	}
}

func TestSubmitRejectsMissingPatientID(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})

	_, err := f.submitter.Submit(context.Background(), pdfCommand("  "), strings.NewReader("pdf"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSubmitRejectsUnknownPatient(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})

	_, err := f.submitter.Submit(context.Background(), pdfCommand("PAT-404"), strings.NewReader("pdf"))
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(f.store.blobs) != 0 || len(f.repo.records) != 0 {
		t.Fatalf("unknown patient must leave no side effects")
	}
}

func TestSubmitRejectsOversizedUpload(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{MaxUploadBytes: 4}, ProcessOptions{WorkDir: t.TempDir()})

	_, err := f.submitter.Submit(context.Background(), pdfCommand("PAT-001"), strings.NewReader("12345"))
	if !domain.IsKind(err, domain.ErrInvalidInput) || !domain.IsKind(err, domain.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrInvalidInput with ErrPayloadTooLarge, got %v", err)
	}
	if len(f.store.blobs) != 0 {
		t.Fatalf("oversized upload must not be stored")
	}
}

func TestSubmitStoreFailureCreatesNoRecord(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	f.store.storeErr = errors.New("disk full")

	_, err := f.submitter.Submit(context.Background(), pdfCommand("PAT-001"), strings.NewReader("pdf"))
	if !domain.IsKind(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(f.repo.records) != 0 {
		t.Fatalf("no record must be created when storage fails")
	}
	if f.tracker.IsPending("PAT-001") {
		t.Fatalf("storage failure must not mark the patient")
	}
}

func TestSubmitCreateFailureDeletesStoredBlob(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	f.repo.createErr = errors.New("connection reset")

	_, err := f.submitter.Submit(context.Background(), pdfCommand("PAT-001"), strings.NewReader("pdf"))
	if !domain.IsKind(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(f.store.deleted) != 1 {
		t.Fatalf("expected orphan blob to be deleted, got %v", f.store.deleted)
	}
	if len(f.scheduler.tasks) != 0 || f.tracker.IsPending("PAT-001") {
		t.Fatalf("failed create must not schedule or mark")
	}
}

func TestSubmitDuplicateIsAcceptedByDefault(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	ctx := context.Background()

	first, err := f.submitter.Submit(ctx, pdfCommand("PAT-001"), strings.NewReader("pdf"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := f.submitter.Submit(ctx, pdfCommand("PAT-001"), strings.NewReader("pdf"))
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if first.DiagnosticID == second.DiagnosticID {
		t.Fatalf("each submission must get its own diagnostic id")
	}
	if len(f.scheduler.tasks) != 2 {
		t.Fatalf("expected both analyses scheduled, got %d", len(f.scheduler.tasks))
	}

	f.scheduler.runAll(ctx)
	for _, id := range []string{first.DiagnosticID, second.DiagnosticID} {
		rec := f.repo.record(id)
		if rec == nil || rec.State().Status != domain.AnalysisCompleted {
			t.Fatalf("expected %s completed, got %+v", id, rec)
		}
	}
	if f.repo.resultSaves != 2 {
		t.Fatalf("expected one result per submission, got %d", f.repo.resultSaves)
	}
	if f.tracker.IsPending("PAT-001") {
		t.Fatalf("patient must be released once both analyses finish")
	}
}

func TestSubmitDuplicateRejectedWhenConfigured(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{RejectDuplicates: true}, ProcessOptions{WorkDir: t.TempDir()})
	ctx := context.Background()

	if _, err := f.submitter.Submit(ctx, pdfCommand("PAT-001"), strings.NewReader("pdf")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	_, err := f.submitter.Submit(ctx, pdfCommand("PAT-001"), strings.NewReader("pdf"))
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(f.repo.records) != 1 {
		t.Fatalf("rejected duplicate must not create a record")
	}

	f.scheduler.runAll(ctx)
	if f.tracker.IsPending("PAT-001") {
		t.Fatalf("patient must be released after analysis")
	}
	if _, err := f.submitter.Submit(ctx, pdfCommand("PAT-001"), strings.NewReader("pdf")); err != nil {
		t.Fatalf("Submit() after completion error = %v", err)
	}
}

func TestSubmitRejectModeReleasesPatientOnEarlyFailure(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{RejectDuplicates: true}, ProcessOptions{WorkDir: t.TempDir()})
	f.store.storeErr = errors.New("bucket missing")

	if _, err := f.submitter.Submit(context.Background(), pdfCommand("PAT-001"), strings.NewReader("pdf")); err == nil {
		t.Fatalf("expected store error")
	}
	if f.tracker.IsPending("PAT-001") {
		t.Fatalf("patient must not stay pending after a failed submission")
	}
}

func TestSubmitScheduleFailureFinalizesRecord(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	f.scheduler.err = errors.New("scheduler stopped")

	_, err := f.submitter.Submit(context.Background(), pdfCommand("PAT-001"), strings.NewReader("pdf"))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	rec := f.repo.record("DGN-001")
	if rec == nil || rec.Error == nil {
		t.Fatalf("unscheduled record must be marked failed, got %+v", rec)
	}
	if f.tracker.IsPending("PAT-001") {
		t.Fatalf("patient must be released when scheduling fails")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"":                          "unknown.pdf",
		"../../etc/passwd":          "passwd",
		`C:\scans\esame sangue.pdf`: "esame_sangue.pdf",
		"referto#1.pdf":             "referto_1.pdf",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
