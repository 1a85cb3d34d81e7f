// Package subagent implements the Subagent Manager (C10): admission
// control, a bounded tool-agent loop run against a provider.Chat
// backend, sync and async delegation, cancellation, and archival of
// SubagentRun records. The run table shape and terminal-state handling
// are grounded on the teacher's internal/agent package (AgenticLoop,
// RuntimeOptions), generalized from a single long-lived session loop to
// many independently admitted, concurrency-capped sub-tasks.
package subagent

import (
	"time"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/provider"
)

// Status is a SubagentRun's lifecycle state. Transitions only move
// forward: accepted -> running -> {succeeded, failed, cancelled} ->
// archived. No other transition is permitted.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusArchived  Status = "archived"
)

func (s Status) terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Mode is the delegation mode a run was spawned under.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// TranscriptEntry is one append-only turn in a run's transcript.
type TranscriptEntry struct {
	Role      provider.Role
	Content   string
	ToolName  string
	Timestamp time.Time
}

// Envelope is optional observability metadata attached to a run. Never
// consulted for admission or loop control decisions (spec.md §4.3).
type Envelope struct {
	TaskType         string
	Priority         string
	Tags             []string
	RequesterID      string
	RequesterChannel string
	CorrelationID    string
}

// SubagentRun is the persisted/observable record of one sub-task.
type SubagentRun struct {
	ID           string
	UserID       string
	Channel      string
	ParentRunID  string
	Task         string
	Status       Status
	Mode         Mode
	Model        string
	Provider     string
	AllowedTools []string
	BlockedTools []string

	ToolCallCount int
	InputTokens   int
	OutputTokens  int
	TimeoutMs     int

	Transcript []TranscriptEntry
	Result     string
	Error      string

	Envelope *Envelope

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ArchivedAt  time.Time
}

// Preset is a named specialist configuration resolved by SpecialistSpawn.
type Preset struct {
	Name         string
	SystemPrompt string
	AllowedTools []string
	TokenBudget  int
}

// Config tunes admission and loop limits (spec.md §4.3, §6).
type Config struct {
	Enabled              bool
	MaxConcurrentPerUser int
	MaxConcurrentGlobal  int
	MaxToolCallsPerRun   int
	DefaultTokenBudget   int
	MaxTokenBudget       int
	SyncTimeoutSeconds   int
	MaxTimeoutMinutes    int
	ArchiveTTLMinutes    int
}

// DefaultConfig mirrors spec.md §4.3's named defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxConcurrentPerUser: 3,
		MaxConcurrentGlobal:  20,
		MaxToolCallsPerRun:   25,
		DefaultTokenBudget:   50_000,
		MaxTokenBudget:       200_000,
		SyncTimeoutSeconds:   120,
		MaxTimeoutMinutes:    30,
		ArchiveTTLMinutes:    60,
	}
}

// SpawnRequest is the caller-supplied description of a sub-task.
type SpawnRequest struct {
	UserID       string
	Channel      string
	Task         string
	Model        string
	Provider     string
	AllowedTools []string
	BlockedTools []string
	TimeoutMs    int
	TokenBudget  int
	SystemPrompt string
	Envelope     *Envelope
}
