package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/classify"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/health"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/resilient"
)

// Sentinel errors for the registration and execution pipeline. Callers
// match these with errors.Is; messages never include stack traces.
var (
	ErrToolNameCollision  = errors.New("skills: tool name already registered")
	ErrMissingConfigKey   = errors.New("skills: required config key missing")
	ErrUnknownTool        = errors.New("skills: unknown tool")
	ErrSkillAlreadyExists = errors.New("skills: skill already registered")
	ErrInvalidToolInput   = errors.New("skills: tool-call input failed schema validation")
	ErrInvalidToolSchema  = errors.New("skills: tool schema does not compile")
)

// Result is the outcome of ExecuteTool.
type Result struct {
	Output      string
	Unavailable bool
	Err         error
}

// Registry is the thread-safe skill/tool catalog plus execution
// pipeline. Its map-of-skills-and-tools shape and RWMutex locking carry
// over the teacher's ToolRegistry; execution adds health gating and
// resilient retry around each call, per spec.md §4.2.
type Registry struct {
	mu      sync.RWMutex
	skills  map[string]*Skill
	tools   map[string]ToolEntry
	schemas map[string]*jsonschema.Schema

	health   *health.Tracker
	errors   *classify.Store
	executor *resilient.Executor
	logger   *slog.Logger
}

// New creates an empty Registry wired to a health tracker, error store,
// and resilient executor.
func New(healthTracker *health.Tracker, errorStore *classify.Store, executor *resilient.Executor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		skills:   make(map[string]*Skill),
		tools:    make(map[string]ToolEntry),
		schemas:  make(map[string]*jsonschema.Schema),
		health:   healthTracker,
		errors:   errorStore,
		executor: executor,
		logger:   logger,
	}
}

// Register records a Skill, rejecting it if a required config key is
// missing or any of its tool names collide with an already-registered
// tool.
func (r *Registry) Register(s *Skill) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[s.Name]; exists {
		return fmt.Errorf("%w: %s", ErrSkillAlreadyExists, s.Name)
	}

	for _, key := range s.RequiredConfigKey {
		if _, ok := s.Config[key]; !ok {
			return fmt.Errorf("%w: skill %s requires %q", ErrMissingConfigKey, s.Name, key)
		}
	}

	for _, t := range s.Tools {
		if _, exists := r.tools[t.Definition.Name]; exists {
			return fmt.Errorf("%w: %s", ErrToolNameCollision, t.Definition.Name)
		}
	}

	compiled := make(map[string]*jsonschema.Schema, len(s.Tools))
	for _, t := range s.Tools {
		if len(t.Definition.Schema) == 0 {
			continue
		}
		sch, err := compileToolSchema(t.Definition.Name, t.Definition.Schema)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidToolSchema, t.Definition.Name, err)
		}
		compiled[t.Definition.Name] = sch
	}

	r.skills[s.Name] = s
	for _, t := range s.Tools {
		t.SkillName = s.Name
		r.tools[t.Definition.Name] = t
		if sch, ok := compiled[t.Definition.Name]; ok {
			r.schemas[t.Definition.Name] = sch
		}
	}
	return nil
}

// compileToolSchema compiles a tool's raw JSON Schema fragment once at
// registration time, so ExecuteTool never pays compilation cost on the
// hot path.
func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(name)
}

// validateToolInput checks a tool-call input fragment against its
// compiled schema before the skill callback runs. Empty input validates
// against an empty object, matching tools whose schema only declares
// optional properties.
func validateToolInput(schema *jsonschema.Schema, input json.RawMessage) error {
	var doc any = map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &doc); err != nil {
			return fmt.Errorf("unmarshal input: %w", err)
		}
	}
	return schema.Validate(doc)
}

// GetTool returns the catalog entry for a tool name.
func (r *Registry) GetTool(name string) (ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// RequiresConfirmation reports whether a tool requires a confirmation
// token before execution, per spec.md §4.2 ("permission gating happens
// at the orchestrator"). Unknown tools conservatively require confirmation.
func (r *Registry) RequiresConfirmation(name string) bool {
	t, ok := r.GetTool(name)
	if !ok {
		return true
	}
	return t.Definition.RequiresConfirmation
}

// List returns the flattened tool catalog, applying ListFilter.
func (r *Registry) List(filter ListFilter) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if !filter.skillAllowed(t.SkillName) {
			continue
		}
		if filter.toolBlocked(t.Definition.Name) {
			continue
		}
		if filter.ExcludeMainAgentOnly && t.Definition.MainAgentOnly {
			continue
		}
		out = append(out, t.Definition)
	}
	return out
}

// ExecuteTool runs the spec.md §4.2 execution pipeline: look up the
// tool, consult the health tracker, validate the call's input against
// the tool's declared schema, wrap the call in the resilient executor,
// and record the outcome back to the health tracker and error store. It
// never returns a Go error for a tool-level failure — callers get a
// Result with a sanitized Output and an Unavailable/Err marker instead,
// so no stack trace escapes to the orchestrator.
func (r *Registry) ExecuteTool(ctx context.Context, ec ExecContext, name string, input json.RawMessage) Result {
	entry, ok := r.GetTool(name)
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownTool, name)}
	}

	if r.health != nil && r.health.Get(name).Status == health.StatusUnavailable {
		if !r.health.AllowProbe(name) {
			return Result{Unavailable: true, Output: fmt.Sprintf("%s is temporarily unavailable", name)}
		}
	}

	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema != nil {
		if err := validateToolInput(schema, input); err != nil {
			return Result{Err: fmt.Errorf("%w: %s: %v", ErrInvalidToolInput, name, err)}
		}
	}

	var output string
	res := r.executor.Execute(ctx, func(attemptCtx context.Context) error {
		out, err := entry.Execute(ec, input)
		output = out
		return err
	})

	if res.Err == nil {
		if r.health != nil {
			r.health.RecordSuccess(name)
		}
		return Result{Output: output}
	}

	if r.health != nil {
		r.health.RecordFailure(name)
	}
	if r.errors != nil {
		r.errors.PushError(name, res.Err)
	}
	r.logger.Warn("tool execution failed", "tool", name, "category", res.Category, "attempts", res.Attempts)

	return Result{Err: fmt.Errorf("tool %s failed: %s", name, sanitizedReason(res.Category))}
}

func sanitizedReason(cat classify.Category) string {
	switch cat {
	case classify.CategoryTransient:
		return "temporarily unavailable"
	case classify.CategoryAuthExpired:
		return "authorization expired"
	case classify.CategoryRateLimited:
		return "rate limited, try again later"
	case classify.CategoryMalformedOutput:
		return "received malformed output"
	case classify.CategoryInvalidInput:
		return "invalid input"
	case classify.CategoryPermanent:
		return "blocked by policy"
	default:
		return "an unexpected error occurred"
	}
}

// Skills returns the names of all registered skills.
func (r *Registry) Skills() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for name := range r.skills {
		out = append(out, name)
	}
	return out
}
