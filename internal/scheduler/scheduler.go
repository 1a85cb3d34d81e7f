// Package scheduler implements the Task Scheduler (C7): named cron
// tasks ticked minute-by-minute, config-driven enable/override, a
// per-skill namespaced client view to avoid the skill→scheduler cyclic
// import spec.md §9 calls out, and toggle events published to the bus.
// The functional-options constructor and mutex-protected task table are
// grounded on the teacher's internal/cron/scheduler.go; cron expression
// parsing uses the same github.com/robfig/cron/v3 library the teacher
// depends on, generalized down from the teacher's webhook/message/agent
// job-type system to the spec's simpler named-handler model.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/bus"
	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

// TaskHandler is the callback invoked when a task's schedule matches.
type TaskHandler func(ctx context.Context) error

// TaskConfig describes a task at registration time.
type TaskConfig struct {
	Name           string
	CronExpression string
	Handler        TaskHandler
	Enabled        bool
	Description    string
}

// Task is the registered, schedulable form of a TaskConfig.
type Task struct {
	Name           string
	CronExpression string
	Handler        TaskHandler
	Enabled        bool
	Description    string

	schedule cron.Schedule
	nextRun  time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var (
	ErrNameRequired = errors.New("scheduler: task name required")
	ErrTaskNotFound = errors.New("scheduler: task not found")
	ErrInvalidCron  = errors.New("scheduler: invalid cron expression")
)

// Scheduler ticks registered tasks minute by minute.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	bus    bus.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Scheduler that publishes toggle events to the given bus.
func New(publisher bus.Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:  make(map[string]*Task),
		bus:    publisher,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// RegisterTask adds or replaces a task, computing its next run from the
// cron expression. Config-driven overrides (cronExpression/enabled) are
// applied by the caller before calling RegisterTask, per spec.md §4.6.
func (s *Scheduler) RegisterTask(cfg TaskConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return ErrNameRequired
	}
	schedule, err := parser.Parse(cfg.CronExpression)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCron, cfg.CronExpression, err)
	}

	now := s.now()
	task := &Task{
		Name:           cfg.Name,
		CronExpression: cfg.CronExpression,
		Handler:        cfg.Handler,
		Enabled:        cfg.Enabled,
		Description:    cfg.Description,
		schedule:       schedule,
		nextRun:        schedule.Next(now),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[cfg.Name] = task
	return nil
}

// Tick evaluates all tasks against the current time, running the
// handler for each due, enabled task, and advancing its next-run time.
// Callers drive this from a ~60s ticker (spec.md §5).
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Enabled && !t.nextRun.After(now) {
			due = append(due, t)
			t.nextRun = t.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if t.Handler == nil {
			continue
		}
		if err := t.Handler(ctx); err != nil {
			s.logger.Warn("scheduled task failed", "task", t.Name, "error", err)
		}
	}
}

// Run starts a minute-by-minute ticking loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Toggle flips a task's enabled state and publishes
// scheduler.task_toggled with the previous/current state.
func (s *Scheduler) Toggle(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	previous := task.Enabled
	task.Enabled = enabled
	s.mu.Unlock()

	if s.bus == nil {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{
		"name":     name,
		"previous": previous,
		"current":  enabled,
	})
	_, err := s.bus.Publish(ctx, coda.Event{
		EventType:   coda.EventSchedulerTaskToggled,
		SourceSkill: "scheduler",
		Severity:    coda.SeverityLow,
		Payload:     payload,
	})
	return err
}

// Get returns a snapshot of a registered task.
func (s *Scheduler) Get(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns a snapshot of all registered tasks.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// Client is the per-skill namespaced view of the scheduler, breaking
// the skill→scheduler cyclic import called out in spec.md §9 — skills
// depend on this interface, never on *Scheduler directly.
type Client struct {
	skillName string
	scheduler *Scheduler
}

// GetClientFor returns a Client whose RegisterTask prepends
// "<skillName>." to every task name it registers.
func (s *Scheduler) GetClientFor(skillName string) *Client {
	return &Client{skillName: skillName, scheduler: s}
}

// RegisterTask registers cfg under "<skillName>.<cfg.Name>".
func (c *Client) RegisterTask(cfg TaskConfig) error {
	cfg.Name = c.skillName + "." + cfg.Name
	return c.scheduler.RegisterTask(cfg)
}
