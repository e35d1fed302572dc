package usecase

import (
	"time"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
)

type noopObserver struct{}

func (noopObserver) SubmissionAccepted() {}

func (noopObserver) SubmissionRejected(string) {}

func (noopObserver) AnalysisStarted(time.Duration) {}

func (noopObserver) AnalysisFinished(domain.AnalysisStatus, time.Duration) {}

func (noopObserver) ModelCallFinished(time.Duration, error) {}

func (noopObserver) PendingPatients(int) {}
