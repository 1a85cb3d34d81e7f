package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/bus"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/provider"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/ratelimit"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/skills"
	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

// Sentinel admission/ownership errors (spec.md §4.3).
var (
	ErrDisabled         = errors.New("subagent: feature disabled")
	ErrRecursionBlocked = errors.New("subagent: recursion blocked")
	ErrRateLimited      = errors.New("subagent: rate limited")
	ErrUserSaturated    = errors.New("subagent: user concurrency limit reached")
	ErrGlobalSaturated  = errors.New("subagent: global concurrency limit reached")
	ErrUnknownTools     = errors.New("subagent: unknown tool")
	ErrRunNotFound      = errors.New("subagent: run not found")
	ErrNotOwner         = errors.New("subagent: caller does not own run")
)

// AnnounceFunc delivers a completed async run's result to the
// originating channel, on behalf of the orchestrator (not specified here).
type AnnounceFunc func(channel, text string)

// entry is the mutable, lockable wrapper around one run record.
type entry struct {
	mu     sync.Mutex
	record SubagentRun
	cancel context.CancelFunc
	budget int
}

// Manager owns the SubagentRun table and runs the tool-agent loop.
type Manager struct {
	mu           sync.Mutex
	runs         map[string]*entry
	activeByUser map[string]map[string]bool
	activeGlobal int
	presets      map[string]Preset

	config   Config
	registry *skills.Registry
	limiter  *ratelimit.Limiter
	bus      bus.Publisher
	chat     provider.Chat
	archive  ArchiveStore
	announce AnnounceFunc
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New creates a Manager. registry, limiter, publisher, chat, archive,
// and announce may individually be nil; each gates only the behavior it
// backs (e.g. a nil limiter skips rate-limit admission).
func New(config Config, registry *skills.Registry, limiter *ratelimit.Limiter, publisher bus.Publisher, chat provider.Chat, archive ArchiveStore, announce AnnounceFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runs:         make(map[string]*entry),
		activeByUser: make(map[string]map[string]bool),
		presets:      make(map[string]Preset),
		config:       config,
		registry:     registry,
		limiter:      limiter,
		bus:          publisher,
		chat:         chat,
		archive:      archive,
		announce:     announce,
		logger:       logger,
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock, for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithIDGenerator overrides run ID generation, for deterministic tests.
func (m *Manager) WithIDGenerator(gen func() string) *Manager {
	m.newID = gen
	return m
}

// RegisterPreset adds a named specialist configuration.
func (m *Manager) RegisterPreset(p Preset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presets[p.Name] = p
}

func (m *Manager) clampBudget(requested int) int {
	if requested <= 0 {
		requested = m.config.DefaultTokenBudget
	}
	if m.config.MaxTokenBudget > 0 && requested > m.config.MaxTokenBudget {
		requested = m.config.MaxTokenBudget
	}
	return requested
}

// admit runs every admission check in spec.md §4.3 order and, on
// success, reserves a concurrency slot and creates the run record.
func (m *Manager) admit(ctx context.Context, req SpawnRequest, mode Mode) (*entry, error) {
	if !m.config.Enabled {
		return nil, ErrDisabled
	}
	if _, ok := ActiveRunFromContext(ctx); ok {
		return nil, ErrRecursionBlocked
	}
	if m.limiter != nil {
		decision, err := m.limiter.Allow(ctx, "subagent", req.UserID)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, ErrRateLimited
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxConcurrentPerUser > 0 && len(m.activeByUser[req.UserID]) >= m.config.MaxConcurrentPerUser {
		return nil, ErrUserSaturated
	}
	if m.config.MaxConcurrentGlobal > 0 && m.activeGlobal >= m.config.MaxConcurrentGlobal {
		return nil, ErrGlobalSaturated
	}

	if m.registry != nil {
		for _, name := range req.AllowedTools {
			if _, ok := m.registry.GetTool(name); !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTools, name)
			}
		}
	}

	now := m.now()
	id := m.newID()
	e := &entry{
		record: SubagentRun{
			ID:           id,
			UserID:       req.UserID,
			Channel:      req.Channel,
			Task:         req.Task,
			Status:       StatusAccepted,
			Mode:         mode,
			Model:        req.Model,
			Provider:     req.Provider,
			AllowedTools: req.AllowedTools,
			BlockedTools: req.BlockedTools,
			TimeoutMs:    req.TimeoutMs,
			Envelope:     req.Envelope,
			CreatedAt:    now,
		},
		budget: m.clampBudget(req.TokenBudget),
	}

	m.runs[id] = e
	if m.activeByUser[req.UserID] == nil {
		m.activeByUser[req.UserID] = make(map[string]bool)
	}
	m.activeByUser[req.UserID][id] = true
	m.activeGlobal++

	m.publishSpawned(ctx, e.record)
	return e, nil
}

func (m *Manager) release(userID, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeByUser[userID], runID)
	if len(m.activeByUser[userID]) == 0 {
		delete(m.activeByUser, userID)
	}
	if m.activeGlobal > 0 {
		m.activeGlobal--
	}
}

// ActiveCount reports the current global active-run count.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeGlobal
}

// ActiveCountForUser reports the current active-run count for userID.
func (m *Manager) ActiveCountForUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeByUser[userID])
}

// ActiveCountsByUser snapshots the active-run count for every user with
// at least one in-flight run, for per-user observability.
func (m *Manager) ActiveCountsByUser() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.activeByUser))
	for userID, runs := range m.activeByUser {
		counts[userID] = len(runs)
	}
	return counts
}

// SpawnSync runs the tool-agent loop on the caller's goroutine under a
// hard wall-clock timeout and returns the final textual result.
func (m *Manager) SpawnSync(ctx context.Context, req SpawnRequest) (string, error) {
	e, err := m.admit(ctx, req, ModeSync)
	if err != nil {
		return "", err
	}

	timeout := time.Duration(m.config.SyncTimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(WithActiveRun(ctx, e.record.ID), timeout)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	m.runLoop(runCtx, e)
	m.finalize(context.WithoutCancel(ctx), e)

	e.mu.Lock()
	status, result, errMsg := e.record.Status, e.record.Result, e.record.Error
	e.mu.Unlock()

	if status != StatusSucceeded {
		if errMsg == "" {
			errMsg = string(status)
		}
		return "", errors.New(errMsg)
	}
	return result, nil
}

// SpawnAsync admits the run, returns its id immediately, and runs the
// tool-agent loop in a background goroutine bound by
// min(requested, max_timeout_minutes).
func (m *Manager) SpawnAsync(ctx context.Context, req SpawnRequest) (string, error) {
	e, err := m.admit(ctx, req, ModeAsync)
	if err != nil {
		return "", err
	}

	minutes := m.config.MaxTimeoutMinutes
	if req.TimeoutMs > 0 {
		requested := req.TimeoutMs / 60000
		if requested > 0 && requested < minutes {
			minutes = requested
		}
	}
	if minutes <= 0 {
		minutes = 1
	}
	runID := e.record.ID

	go func() {
		runCtx, cancel := context.WithTimeout(WithActiveRun(context.Background(), runID), time.Duration(minutes)*time.Minute)
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()
		defer cancel()

		m.runLoop(runCtx, e)
		m.finalize(context.Background(), e)
	}()

	return runID, nil
}

// SpecialistSpawn resolves a named Preset and runs it via sync delegation.
func (m *Manager) SpecialistSpawn(ctx context.Context, name string, req SpawnRequest) (string, error) {
	m.mu.Lock()
	preset, ok := m.presets[name]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("subagent: unknown preset %q", name)
	}
	req.SystemPrompt = preset.SystemPrompt
	if len(preset.AllowedTools) > 0 {
		req.AllowedTools = preset.AllowedTools
	}
	if preset.TokenBudget > 0 {
		req.TokenBudget = preset.TokenBudget
	}
	return m.SpawnSync(ctx, req)
}

// StopRun signals cancellation for a run, rejecting callers who don't
// own it. The cancellation is observed at the next loop boundary.
func (m *Manager) StopRun(userID, runID string) error {
	m.mu.Lock()
	e, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	e.mu.Lock()
	if e.record.UserID != userID {
		e.mu.Unlock()
		return ErrNotOwner
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// GetRunInfo returns a snapshot of a run, live or archived.
func (m *Manager) GetRunInfo(runID string) (SubagentRun, bool) {
	m.mu.Lock()
	e, ok := m.runs[runID]
	m.mu.Unlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.record, true
	}
	if m.archive != nil {
		return m.archive.Get(runID)
	}
	return SubagentRun{}, false
}

// GetRunLog returns a run's transcript, live or archived.
func (m *Manager) GetRunLog(runID string) ([]TranscriptEntry, bool) {
	run, ok := m.GetRunInfo(runID)
	if !ok {
		return nil, false
	}
	return run.Transcript, true
}

// ReapExpired moves terminal runs whose archive_ttl_minutes has elapsed
// since completion into the archive store, per spec.md §4.3 archival.
// Callers invoke this periodically (e.g. from the Task Scheduler); it
// is not run automatically by the manager itself.
func (m *Manager) ReapExpired(ctx context.Context) int {
	ttl := time.Duration(m.config.ArchiveTTLMinutes) * time.Minute
	now := m.now()

	var toArchive []SubagentRun
	m.mu.Lock()
	for id, e := range m.runs {
		e.mu.Lock()
		due := e.record.Status.terminal() && !e.record.CompletedAt.IsZero() && now.Sub(e.record.CompletedAt) >= ttl
		if due {
			e.record.Status = StatusArchived
			e.record.ArchivedAt = now
			toArchive = append(toArchive, e.record)
			delete(m.runs, id)
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	if m.archive == nil {
		return len(toArchive)
	}
	for _, run := range toArchive {
		if err := m.archive.Save(run); err != nil {
			m.logger.Warn("subagent: failed to archive run", "runId", run.ID, "error", err)
		}
	}
	return len(toArchive)
}

func (m *Manager) publishSpawned(ctx context.Context, run SubagentRun) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"runId": run.ID, "userId": run.UserID})
	if _, err := m.bus.Publish(ctx, coda.Event{
		EventType:   coda.EventSubagentSpawned,
		SourceSkill: "subagent",
		Severity:    coda.SeverityLow,
		Payload:     payload,
	}); err != nil {
		m.logger.Warn("subagent: failed to publish spawned event", "error", err)
	}
}

func (m *Manager) finalize(ctx context.Context, e *entry) {
	e.mu.Lock()
	run := e.record
	mode := e.record.Mode
	e.mu.Unlock()

	m.release(run.UserID, run.ID)

	if m.bus != nil {
		payload, _ := json.Marshal(map[string]any{"runId": run.ID, "userId": run.UserID, "status": run.Status})
		eventType := coda.EventSubagentSucceeded
		switch run.Status {
		case StatusFailed:
			eventType = coda.EventSubagentFailed
		case StatusCancelled:
			eventType = coda.EventSubagentCancelled
		}
		severity := coda.SeverityLow
		if run.Status == StatusFailed {
			severity = coda.SeverityMedium
		}
		if _, err := m.bus.Publish(ctx, coda.Event{
			EventType:   eventType,
			SourceSkill: "subagent",
			Severity:    severity,
			Payload:     payload,
		}); err != nil {
			m.logger.Warn("subagent: failed to publish terminal event", "error", err)
		}
	}

	if mode == ModeAsync && m.announce != nil && run.Status == StatusSucceeded {
		m.announce(run.Channel, run.Result)
	}
}
