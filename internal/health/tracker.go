// Package health implements the Skill Health Tracker (C2): per-skill
// success/failure counters, status transitions, and recovery-probe
// eligibility. The status-derivation shape (observe state, transition on
// threshold crossing, allow one probe after a staleness window) is
// grounded on github.com/goa-design/goa-ai's registry.HealthTracker,
// adapted from a distributed ping/pong design to the spec's simpler
// in-process success/failure counter model.
package health

import (
	"sync"
	"time"
)

// Status is a skill's current health classification.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Thresholds configures the transition points between health states.
type Thresholds struct {
	Degraded       int
	Unavailable    int
	RecoveryWindow time.Duration
}

// DefaultThresholds matches spec.md §3 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Degraded:       3,
		Unavailable:    10,
		RecoveryWindow: 60 * time.Second,
	}
}

// Health is a snapshot of a single skill's tracked state.
type Health struct {
	Status              Status
	ConsecutiveFailures int
	LastFailure         time.Time
	LastSuccess         time.Time
	TotalSuccesses      int64
	TotalFailures       int64
	// probeInFlight marks that a recovery probe has been issued and not
	// yet resolved, so only one probe attempt is permitted per window.
	probeInFlight bool
}

// Tracker maintains per-skill Health records.
type Tracker struct {
	mu         sync.Mutex
	thresholds Thresholds
	skills     map[string]*Health
	now        func() time.Time
}

// NewTracker creates a Tracker with the given thresholds.
func NewTracker(thresholds Thresholds) *Tracker {
	return &Tracker{
		thresholds: thresholds,
		skills:     make(map[string]*Health),
		now:        time.Now,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) entry(name string) *Health {
	h, ok := t.skills[name]
	if !ok {
		h = &Health{Status: StatusHealthy}
		t.skills[name] = h
	}
	return h
}

// RecordSuccess resets the skill to healthy. Any success, even one issued
// as a recovery probe, clears the consecutive-failure counter.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(name)
	h.Status = StatusHealthy
	h.ConsecutiveFailures = 0
	h.LastSuccess = t.now()
	h.TotalSuccesses++
	h.probeInFlight = false
}

// RecordFailure increments the failure counter and re-evaluates status.
func (t *Tracker) RecordFailure(name string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(name)
	h.ConsecutiveFailures++
	h.LastFailure = t.now()
	h.TotalFailures++
	h.probeInFlight = false

	switch {
	case h.ConsecutiveFailures >= t.thresholds.Unavailable:
		h.Status = StatusUnavailable
	case h.ConsecutiveFailures >= t.thresholds.Degraded:
		h.Status = StatusDegraded
	}
	return h.Status
}

// Get returns a copy of the tracked health for a skill.
func (t *Tracker) Get(name string) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(name)
	return *h
}

// IsAvailable reports whether the skill may currently be called. It is
// false only while unavailable and inside the recovery window.
func (t *Tracker) IsAvailable(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(name)
	if h.Status != StatusUnavailable {
		return true
	}
	return t.now().Sub(h.LastFailure) >= t.thresholds.RecoveryWindow
}

// AllowProbe reports whether a skill currently marked unavailable is
// eligible for a single recovery probe attempt, and reserves that
// attempt (subsequent calls return false until the probe resolves via
// RecordSuccess/RecordFailure). A successful reservation also flips the
// status to degraded per spec.md §3, representing the "one attempt
// permitted" transition.
func (t *Tracker) AllowProbe(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(name)
	if h.Status != StatusUnavailable {
		return false
	}
	if t.now().Sub(h.LastFailure) < t.thresholds.RecoveryWindow {
		return false
	}
	if h.probeInFlight {
		return false
	}
	h.probeInFlight = true
	h.Status = StatusDegraded
	return true
}

// Names returns all tracked skill names.
func (t *Tracker) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.skills))
	for name := range t.skills {
		out = append(out, name)
	}
	return out
}

// Reset clears tracked state for a skill (used by tests and admin tooling).
func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.skills, name)
}
