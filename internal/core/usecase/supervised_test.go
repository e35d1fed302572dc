package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/scheduler"
)

func supervisedSubmitter(f *pipelineFixture, s *scheduler.Supervisor) *SubmitAnalysisUseCase {
	return NewSubmitAnalysisUseCase(f.patients, f.repo, f.ids, f.store, s, f.processor, f.tracker, SubmitOptions{
		Clock:    fixedClock{now: testNow},
		Observer: f.observer,
	})
}

func TestSupervisedAnalysisReachesTerminalState(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	supervisor := scheduler.New(0)
	submitter := supervisedSubmitter(f, supervisor)

	receipt, err := submitter.Submit(context.Background(), pdfCommand("PAT-001"), strings.NewReader("%PDF-1.7 data"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := supervisor.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	rec := f.repo.record(receipt.DiagnosticID)
	if rec == nil || rec.State().Status != domain.AnalysisCompleted {
		t.Fatalf("expected completed record, got %+v", rec)
	}
	if f.tracker.IsPending("PAT-001") {
		t.Fatalf("patient must be released after the supervised analysis")
	}
}

func TestSupervisedShutdownTimeoutFinalizesQueuedAnalysis(t *testing.T) {
	f := newPipelineFixture(SubmitOptions{}, ProcessOptions{WorkDir: t.TempDir()})
	f.vision.blockOnCtx = true
	supervisor := scheduler.New(1)
	submitter := supervisedSubmitter(f, supervisor)
	ctx := context.Background()

	first, err := submitter.Submit(ctx, pdfCommand("PAT-001"), strings.NewReader("pdf"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := submitter.Submit(ctx, pdfCommand("PAT-002"), strings.NewReader("pdf"))
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	// Wait for the cancelled tasks to write their outcome.
	if err := supervisor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() drain error = %v", err)
	}

	for _, id := range []string{first.DiagnosticID, second.DiagnosticID} {
		rec := f.repo.record(id)
		if rec == nil || rec.State().Status != domain.AnalysisFailed {
			t.Fatalf("expected %s failed after shutdown, got %+v", id, rec)
		}
	}
	if f.tracker.IsPending("PAT-001") || f.tracker.IsPending("PAT-002") {
		t.Fatalf("no patient may stay pending after shutdown")
	}
}
