package usecase

import (
	"sync"
	"time"

	"github.com/vetlab/bloodwork-analyzer/internal/core/ports"
)

// PendingTracker records patients with an analysis in flight. It is local to
// one process and is lost on restart; it is a duplicate-submission hint, not a
// lock shared between instances.
type PendingTracker struct {
	clock ports.Clock

	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewPendingTracker(clock ports.Clock) *PendingTracker {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &PendingTracker{
		clock:   clock,
		entries: make(map[string]time.Time),
	}
}

// Mark admits patientID, replacing any earlier admission time.
func (t *PendingTracker) Mark(patientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[patientID] = t.clock.Now()
}

// TryMark admits patientID only if it is not already pending.
func (t *PendingTracker) TryMark(patientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[patientID]; ok {
		return false
	}
	t.entries[patientID] = t.clock.Now()
	return true
}

func (t *PendingTracker) Clear(patientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, patientID)
}

func (t *PendingTracker) IsPending(patientID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[patientID]
	return ok
}

// AdmittedAt returns when patientID was last admitted.
func (t *PendingTracker) AdmittedAt(patientID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.entries[patientID]
	return at, ok
}

func (t *PendingTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
