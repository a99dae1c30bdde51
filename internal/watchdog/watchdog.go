// Package watchdog audits liveness. It owns the forward-progress clock and
// the consecutive-recovery count, and decides when a recovery is due. The
// recovery itself is carried out by the caller.
package watchdog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the watchdog state.
type State int

const (
	Healthy State = iota
	Recovering
)

func (s State) String() string {
	if s == Recovering {
		return "recovering"
	}
	return "healthy"
}

// Config tunes the audit.
type Config struct {
	Interval      time.Duration // polling period
	StuckAfter    time.Duration // max age of an in-flight computation
	IdleThreshold time.Duration // max time without any forward progress
	EscalateAfter int           // consecutive recoveries before a warning
}

// DefaultConfig returns the tuned defaults. StuckAfter is normally derived
// from the largest decision ceiling by the caller.
func DefaultConfig() Config {
	return Config{
		Interval:      15 * time.Second,
		StuckAfter:    21 * time.Second,
		IdleThreshold: 25 * time.Second,
		EscalateAfter: 5,
	}
}

// Validate rejects zero intervals.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return fmt.Errorf("watchdog interval must be positive, got %s", c.Interval)
	case c.StuckAfter <= 0:
		return fmt.Errorf("watchdog stuck threshold must be positive, got %s", c.StuckAfter)
	case c.IdleThreshold <= 0:
		return fmt.Errorf("watchdog idle threshold must be positive, got %s", c.IdleThreshold)
	case c.EscalateAfter <= 0:
		return fmt.Errorf("watchdog escalate_after must be positive, got %d", c.EscalateAfter)
	}
	return nil
}

// Observation is what the caller knows at tick time.
type Observation struct {
	Now           time.Time
	InFlight      bool
	InFlightSince time.Time
	HasPosition   bool
}

// Verdict is the outcome of one audit.
type Verdict struct {
	Recover bool
	Reason  string
}

// Watchdog is the WatchdogClock plus the Healthy/Recovering machine.
type Watchdog struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	lastProgress time.Time
	consecutive  int
	total        int
	degraded     bool
}

// New returns a healthy watchdog whose progress clock starts at start.
func New(cfg Config, start time.Time) *Watchdog {
	return &Watchdog{
		cfg:          cfg,
		logger:       slog.With("component", "watchdog"),
		lastProgress: start,
	}
}

// MarkProgress records an externally observable step.
func (w *Watchdog) MarkProgress(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if at.After(w.lastProgress) {
		w.lastProgress = at
	}
}

// LastProgress returns the forward-progress timestamp.
func (w *Watchdog) LastProgress() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastProgress
}

// Audit checks for a stall. It is read-only.
func (w *Watchdog) Audit(obs Observation) Verdict {
	w.mu.Lock()
	idle := obs.Now.Sub(w.lastProgress)
	w.mu.Unlock()

	if obs.InFlight && !obs.InFlightSince.IsZero() {
		if age := obs.Now.Sub(obs.InFlightSince); age > w.cfg.StuckAfter {
			return Verdict{Recover: true, Reason: fmt.Sprintf("computation in flight for %s", age.Truncate(time.Millisecond))}
		}
	}
	if obs.HasPosition && idle > w.cfg.IdleThreshold {
		return Verdict{Recover: true, Reason: fmt.Sprintf("no progress for %s", idle.Truncate(time.Millisecond))}
	}
	return Verdict{}
}

// Begin enters Recovering and counts the attempt. escalated is true when the
// consecutive count passed the threshold; the count is then reset.
func (w *Watchdog) Begin(reason string) (attempt int, escalated bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Recovering
	w.consecutive++
	w.total++
	attempt = w.consecutive
	if w.consecutive > w.cfg.EscalateAfter {
		w.logger.Warn("Too many consecutive recoveries, continuing anyway",
			"count", w.consecutive, "reason", reason)
		w.consecutive = 0
		w.degraded = true
		escalated = true
	}
	return attempt, escalated
}

// End returns to Healthy and counts the pass as progress.
func (w *Watchdog) End(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Healthy
	if at.After(w.lastProgress) {
		w.lastProgress = at
	}
}

// ResetRecoveries clears the consecutive count and the degraded mark after
// a successful step.
func (w *Watchdog) ResetRecoveries() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutive = 0
	w.degraded = false
}

// Stats is a read-only view.
type Stats struct {
	State        State
	LastProgress time.Time
	Consecutive  int
	Total        int
	Degraded     bool // escalated with no successful step since
}

// Stats returns the current counters.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		State:        w.state,
		LastProgress: w.lastProgress,
		Consecutive:  w.consecutive,
		Total:        w.total,
		Degraded:     w.degraded,
	}
}
