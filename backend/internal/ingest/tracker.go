package ingest

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/edeng23/beyond-meet/backend/pkg/errors"
)

// terminalRetention is how long a finished run's state stays queryable
const terminalRetention = 10 * time.Minute

// RunState is where a user's latest ingestion stands
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

type runEntry struct {
	state     RunState
	runID     string
	startedAt time.Time
	endedAt   time.Time
}

// Tracker guards ingestion per user: at most one run at a time, and a
// cooldown between run starts. Different users never block each other.
type Tracker struct {
	mu       sync.Mutex
	runs     map[string]*runEntry
	limiters map[string]*rate.Limiter
	cooldown time.Duration
	now      func() time.Time

	nextPrune time.Time
}

// NewTracker creates a tracker enforcing cooldown between a user's runs.
// A zero cooldown disables the limit.
func NewTracker(cooldown time.Duration) *Tracker {
	return &Tracker{
		runs:     make(map[string]*runEntry),
		limiters: make(map[string]*rate.Limiter),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Begin moves the user to Running and returns a new run id. It fails with
// ErrAlreadyRunning while a run is active and ErrRateLimited inside the
// cooldown window. The running check comes first.
func (t *Tracker) Begin(userID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(t.now())

	if entry, ok := t.runs[userID]; ok && entry.state == StateRunning {
		return "", apperrors.NewAlreadyRunning(userID, entry.runID)
	}

	if t.cooldown > 0 {
		lim, ok := t.limiters[userID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(t.cooldown), 1)
			t.limiters[userID] = lim
		}
		now := t.now()
		r := lim.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return "", apperrors.NewRateLimited(userID, delay)
		}
	}

	runID := uuid.NewString()
	t.runs[userID] = &runEntry{
		state:     StateRunning,
		runID:     runID,
		startedAt: t.now(),
	}
	return runID, nil
}

// Finish records the outcome of runID. A stale run id is ignored.
func (t *Tracker) Finish(userID, runID string, succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.runs[userID]
	if !ok || entry.runID != runID {
		return
	}
	entry.state = StateFailed
	if succeeded {
		entry.state = StateSucceeded
	}
	entry.endedAt = t.now()
}

// IsRunning reports whether the user has an active run
func (t *Tracker) IsRunning(userID string) bool {
	return t.State(userID) == StateRunning
}

// State returns the user's latest run state
func (t *Tracker) State(userID string) RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.runs[userID]; ok {
		return entry.state
	}
	return StateIdle
}

// prune drops users whose last run ended long enough ago that both its state
// and its cooldown have expired. Sweeps run at most once per retention window.
// Callers hold t.mu.
func (t *Tracker) prune(now time.Time) {
	if now.Before(t.nextPrune) {
		return
	}
	keep := terminalRetention
	if t.cooldown > keep {
		keep = t.cooldown
	}
	t.nextPrune = now.Add(keep)

	for userID, entry := range t.runs {
		if entry.state == StateRunning || now.Sub(entry.endedAt) < keep {
			continue
		}
		delete(t.runs, userID)
		delete(t.limiters, userID)
	}
}
