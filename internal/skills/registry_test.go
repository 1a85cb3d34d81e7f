package skills

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/classify"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/health"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/resilient"
)

func newTestRegistry() *Registry {
	return New(
		health.NewTracker(health.DefaultThresholds()),
		classify.NewStore(100),
		resilient.NewExecutor(resilient.Config{MaxAttempts: 1, Timeout: time.Second}),
		nil,
	)
}

func echoTool(name string) ToolEntry {
	return ToolEntry{
		Definition: ToolDefinition{Name: name, PermissionTier: TierReadOnly},
		Execute: func(ec ExecContext, input json.RawMessage) (string, error) {
			return "ok:" + string(input), nil
		},
	}
}

func TestRegisterRejectsToolNameCollision(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&Skill{Name: "notes", Tools: []ToolEntry{echoTool("search")}}))

	err := r.Register(&Skill{Name: "email", Tools: []ToolEntry{echoTool("search")}})
	assert.ErrorIs(t, err, ErrToolNameCollision)
}

func TestRegisterRejectsMissingConfigKey(t *testing.T) {
	r := newTestRegistry()
	err := r.Register(&Skill{
		Name:              "email",
		RequiredConfigKey: []string{"smtp_host"},
		Config:            map[string]string{},
	})
	assert.ErrorIs(t, err, ErrMissingConfigKey)
}

func TestExecuteToolUnknown(t *testing.T) {
	r := newTestRegistry()
	res := r.ExecuteTool(context.Background(), ExecContext{}, "missing", nil)
	assert.ErrorIs(t, res.Err, ErrUnknownTool)
}

func TestExecuteToolSuccessRecordsHealth(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&Skill{Name: "notes", Tools: []ToolEntry{echoTool("search")}}))

	res := r.ExecuteTool(context.Background(), ExecContext{}, "search", json.RawMessage(`"q"`))
	require.NoError(t, res.Err)
	assert.Equal(t, `ok:"q"`, res.Output)
}

func TestExecuteToolFailureSanitizesMessage(t *testing.T) {
	r := newTestRegistry()
	failing := ToolEntry{
		Definition: ToolDefinition{Name: "broken"},
		Execute: func(ec ExecContext, input json.RawMessage) (string, error) {
			return "", errors.New("policy violation: blocked url")
		},
	}
	require.NoError(t, r.Register(&Skill{Name: "web", Tools: []ToolEntry{failing}}))

	res := r.ExecuteTool(context.Background(), ExecContext{}, "broken", nil)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "blocked by policy")
	assert.NotContains(t, res.Err.Error(), "policy violation: blocked url")
}

func TestExecuteToolReturnsUnavailableWhileDegradedRecovery(t *testing.T) {
	tracker := health.NewTracker(health.Thresholds{Degraded: 1, Unavailable: 1, RecoveryWindow: time.Hour})
	r := New(tracker, classify.NewStore(10), resilient.NewExecutor(resilient.Config{MaxAttempts: 1, Timeout: time.Second}), nil)

	failing := ToolEntry{
		Definition: ToolDefinition{Name: "flaky"},
		Execute: func(ec ExecContext, input json.RawMessage) (string, error) {
			return "", errors.New("boom")
		},
	}
	require.NoError(t, r.Register(&Skill{Name: "svc", Tools: []ToolEntry{failing}}))

	r.ExecuteTool(context.Background(), ExecContext{}, "flaky", nil)
	res := r.ExecuteTool(context.Background(), ExecContext{}, "flaky", nil)
	assert.True(t, res.Unavailable)
}

func TestExecuteToolAllowsSingleProbeAfterRecoveryWindow(t *testing.T) {
	now := time.Now()
	tracker := health.NewTracker(health.Thresholds{Degraded: 1, Unavailable: 1, RecoveryWindow: time.Minute}).
		WithClock(func() time.Time { return now })
	r := New(tracker, classify.NewStore(10), resilient.NewExecutor(resilient.Config{MaxAttempts: 1, Timeout: time.Second}), nil)

	attempts := 0
	flaky := ToolEntry{
		Definition: ToolDefinition{Name: "flaky"},
		Execute: func(ec ExecContext, input json.RawMessage) (string, error) {
			attempts++
			return "ok", nil
		},
	}
	require.NoError(t, r.Register(&Skill{Name: "svc", Tools: []ToolEntry{flaky}}))

	// First call fails, tripping the skill to unavailable.
	tracker.RecordFailure("flaky")
	require.Equal(t, health.StatusUnavailable, tracker.Get("flaky").Status)

	// Still inside the recovery window: calls are refused outright, no probe spent.
	res := r.ExecuteTool(context.Background(), ExecContext{}, "flaky", nil)
	assert.True(t, res.Unavailable)
	assert.Equal(t, 0, attempts)

	// Advance past the recovery window: exactly one probe call is allowed through.
	now = now.Add(2 * time.Minute)
	res = r.ExecuteTool(context.Background(), ExecContext{}, "flaky", nil)
	require.NoError(t, res.Err)
	assert.False(t, res.Unavailable)
	assert.Equal(t, 1, attempts)
}

func TestRegisterRejectsUncompilableSchema(t *testing.T) {
	r := newTestRegistry()
	bad := ToolEntry{
		Definition: ToolDefinition{Name: "bad", Schema: json.RawMessage(`{"type": "nonsense-type"}`)},
		Execute:    noop,
	}
	err := r.Register(&Skill{Name: "svc", Tools: []ToolEntry{bad}})
	assert.ErrorIs(t, err, ErrInvalidToolSchema)
}

func TestExecuteToolRejectsInputFailingSchema(t *testing.T) {
	r := newTestRegistry()
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1}
		}
	}`)
	called := false
	tool := ToolEntry{
		Definition: ToolDefinition{Name: "search", Schema: schema},
		Execute: func(ec ExecContext, input json.RawMessage) (string, error) {
			called = true
			return "ok", nil
		},
	}
	require.NoError(t, r.Register(&Skill{Name: "svc", Tools: []ToolEntry{tool}}))

	res := r.ExecuteTool(context.Background(), ExecContext{}, "search", json.RawMessage(`{}`))
	assert.ErrorIs(t, res.Err, ErrInvalidToolInput)
	assert.False(t, called)
}

func TestExecuteToolAllowsInputSatisfyingSchema(t *testing.T) {
	r := newTestRegistry()
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1}
		}
	}`)
	tool := ToolEntry{
		Definition: ToolDefinition{Name: "search", Schema: schema},
		Execute: func(ec ExecContext, input json.RawMessage) (string, error) {
			return "ok:" + string(input), nil
		},
	}
	require.NoError(t, r.Register(&Skill{Name: "svc", Tools: []ToolEntry{tool}}))

	res := r.ExecuteTool(context.Background(), ExecContext{}, "search", json.RawMessage(`{"query": "hi"}`))
	require.NoError(t, res.Err)
	assert.Equal(t, `ok:{"query": "hi"}`, res.Output)
}

func TestListAppliesFilters(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&Skill{Name: "notes", Tools: []ToolEntry{
		{Definition: ToolDefinition{Name: "notes.search"}, Execute: noop},
		{Definition: ToolDefinition{Name: "notes.admin_purge", MainAgentOnly: true}, Execute: noop},
	}}))

	all := r.List(ListFilter{})
	assert.Len(t, all, 2)

	filtered := r.List(ListFilter{ExcludeMainAgentOnly: true})
	assert.Len(t, filtered, 1)
	assert.Equal(t, "notes.search", filtered[0].Name)

	blocked := r.List(ListFilter{BlockedTools: []string{"notes.search"}})
	assert.Len(t, blocked, 1)
	assert.Equal(t, "notes.admin_purge", blocked[0].Name)
}

func TestRequiresConfirmationUnknownToolDefaultsTrue(t *testing.T) {
	r := newTestRegistry()
	assert.True(t, r.RequiresConfirmation("nope"))
}

func noop(ec ExecContext, input json.RawMessage) (string, error) { return "", nil }
