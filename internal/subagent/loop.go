package subagent

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/provider"
	"github.com/ParadoxReagent/coda-agent-sub001/internal/skills"
)

// tracer emits one span per tool-agent loop run; it is a no-op absent a
// registered SDK provider, per go.opentelemetry.io/otel's default.
var tracer = otel.Tracer("coda-core/subagent")

// runLoop executes the bounded tool-agent loop from spec.md §4.3 against
// e, mutating its record in place. It returns only once the run has
// reached a terminal status; callers (SpawnSync/SpawnAsync) are
// responsible for releasing the concurrency slot and publishing events.
// The whole run is wrapped in a span recording its final status and
// tool-call count.
func (m *Manager) runLoop(ctx context.Context, e *entry) {
	e.mu.Lock()
	runID, userID := e.record.ID, e.record.UserID
	e.mu.Unlock()

	ctx, span := tracer.Start(ctx, "subagent.runLoop", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("subagent.run_id", runID), attribute.String("subagent.user_id", userID)))
	defer span.End()

	m.runLoopInner(ctx, e)

	e.mu.Lock()
	status, toolCalls, errMsg := e.record.Status, e.record.ToolCallCount, e.record.Error
	e.mu.Unlock()

	span.SetAttributes(
		attribute.String("subagent.status", string(status)),
		attribute.Int("subagent.tool_calls", toolCalls),
	)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

func (m *Manager) runLoopInner(ctx context.Context, e *entry) {
	e.mu.Lock()
	e.record.Status = StatusRunning
	e.record.StartedAt = m.now()
	maxToolCalls := m.config.MaxToolCallsPerRun
	e.mu.Unlock()
	if maxToolCalls <= 0 {
		maxToolCalls = 25
	}

	catalog := m.filteredCatalog(e)

	for {
		if err := ctx.Err(); err != nil {
			m.terminate(e, statusForContextErr(err), "", reasonForContextErr(err))
			return
		}

		e.mu.Lock()
		if e.record.ToolCallCount >= maxToolCalls {
			e.mu.Unlock()
			m.terminate(e, StatusFailed, "", "max_tool_calls_exceeded")
			return
		}
		req := provider.Request{
			Model:    e.record.Model,
			Messages: transcriptToMessages(e.record.Transcript),
			Tools:    catalog,
		}
		e.mu.Unlock()

		if m.chat == nil {
			m.terminate(e, StatusFailed, "", "no provider configured")
			return
		}

		resp, err := m.chat.Complete(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				m.terminate(e, statusForContextErr(ctxErr), "", reasonForContextErr(ctxErr))
				return
			}
			m.terminate(e, StatusFailed, "", err.Error())
			return
		}

		e.mu.Lock()
		e.record.InputTokens += resp.Usage.InputTokens
		e.record.OutputTokens += resp.Usage.OutputTokens
		exceeded := e.record.InputTokens+e.record.OutputTokens > e.budget
		e.mu.Unlock()
		if exceeded {
			m.terminate(e, StatusFailed, "", "token_budget_exhausted")
			return
		}

		if len(resp.ToolCalls) == 0 {
			m.terminate(e, StatusSucceeded, resp.Text, "")
			return
		}

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				m.terminate(e, statusForContextErr(err), "", reasonForContextErr(err))
				return
			}

			e.mu.Lock()
			e.record.Transcript = append(e.record.Transcript, TranscriptEntry{
				Role:      provider.RoleAssistant,
				ToolName:  call.Name,
				Timestamp: m.now(),
			})
			userID, channel := e.record.UserID, e.record.Channel
			e.mu.Unlock()

			var output string
			if m.registry != nil {
				result := m.registry.ExecuteTool(ctx, skills.ExecContext{UserID: userID, Channel: channel}, call.Name, call.Input)
				if result.Err != nil {
					output = result.Err.Error()
				} else {
					output = result.Output
				}
			} else {
				output = "no skill registry configured"
			}

			e.mu.Lock()
			e.record.Transcript = append(e.record.Transcript, TranscriptEntry{
				Role:      provider.RoleTool,
				Content:   output,
				ToolName:  call.Name,
				Timestamp: m.now(),
			})
			e.record.ToolCallCount++
			e.mu.Unlock()
		}
	}
}

func (m *Manager) terminate(e *entry, status Status, result, errMsg string) {
	e.mu.Lock()
	e.record.Status = status
	e.record.Result = result
	e.record.Error = errMsg
	e.record.CompletedAt = m.now()
	e.mu.Unlock()
}

func statusForContextErr(err error) Status {
	if errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	return StatusFailed
}

func reasonForContextErr(err error) string {
	if errors.Is(err, context.Canceled) {
		return ""
	}
	return "timed_out"
}

func transcriptToMessages(entries []TranscriptEntry) []provider.Message {
	out := make([]provider.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, provider.Message{Role: e.Role, Content: e.Content, ToolName: e.ToolName})
	}
	return out
}

func (m *Manager) filteredCatalog(e *entry) []provider.ToolSpec {
	if m.registry == nil {
		return nil
	}
	e.mu.Lock()
	allowed := e.record.AllowedTools
	blocked := e.record.BlockedTools
	e.mu.Unlock()

	defs := m.registry.List(skills.ListFilter{BlockedTools: blocked, ExcludeMainAgentOnly: true})
	if len(allowed) > 0 {
		allowSet := make(map[string]bool, len(allowed))
		for _, n := range allowed {
			allowSet[n] = true
		}
		filtered := defs[:0]
		for _, d := range defs {
			if allowSet[d.Name] {
				filtered = append(filtered, d)
			}
		}
		defs = filtered
	}

	out := make([]provider.ToolSpec, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema})
	}
	return out
}
