package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/subagent"
)

// SubagentArchiveStore persists subagent_runs rows (spec.md §6).
// It satisfies internal/subagent.ArchiveStore.
type SubagentArchiveStore struct {
	db *sql.DB
}

// Save persists a terminal SubagentRun into the subagent_runs table,
// upserting on id so repeated archival sweeps are safe.
func (s *SubagentArchiveStore) Save(run subagent.SubagentRun) error {
	transcript, err := json.Marshal(run.Transcript)
	if err != nil {
		return fmt.Errorf("store: marshal transcript: %w", err)
	}
	metadata, err := json.Marshal(run.Envelope)
	if err != nil {
		return fmt.Errorf("store: marshal envelope: %w", err)
	}

	ctx := context.Background()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subagent_runs
			(id, user_id, channel, parent_run_id, task, status, mode, model, provider,
			 result, error, input_tokens, output_tokens, tool_call_count, timeout_ms,
			 transcript, metadata, allowed_tools, blocked_tools,
			 created_at, started_at, completed_at, archived_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			tool_call_count = EXCLUDED.tool_call_count,
			transcript = EXCLUDED.transcript,
			completed_at = EXCLUDED.completed_at,
			archived_at = EXCLUDED.archived_at
	`,
		run.ID,
		run.UserID,
		run.Channel,
		nullString(run.ParentRunID),
		run.Task,
		string(run.Status),
		string(run.Mode),
		nullString(run.Model),
		nullString(run.Provider),
		nullString(run.Result),
		nullString(run.Error),
		run.InputTokens,
		run.OutputTokens,
		run.ToolCallCount,
		run.TimeoutMs,
		transcript,
		metadata,
		pqStringArray(run.AllowedTools),
		pqStringArray(run.BlockedTools),
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullTime(run.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("store: save subagent run: %w", err)
	}
	return nil
}

// Get retrieves an archived SubagentRun by id.
func (s *SubagentArchiveStore) Get(runID string) (subagent.SubagentRun, bool) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, parent_run_id, task, status, mode, model, provider,
			   result, error, input_tokens, output_tokens, tool_call_count, timeout_ms,
			   transcript, metadata, created_at, started_at, completed_at, archived_at
		FROM subagent_runs WHERE id = $1
	`, runID)

	var (
		run                                subagent.SubagentRun
		status, mode                       string
		parentRunID, model, provider       sql.NullString
		result, errMsg                     sql.NullString
		startedAt, completedAt, archivedAt sql.NullTime
		transcriptJSON, metadataJSON       []byte
	)
	err := row.Scan(
		&run.ID, &run.UserID, &run.Channel, &parentRunID, &run.Task, &status, &mode,
		&model, &provider, &result, &errMsg, &run.InputTokens, &run.OutputTokens,
		&run.ToolCallCount, &run.TimeoutMs, &transcriptJSON, &metadataJSON,
		&run.CreatedAt, &startedAt, &completedAt, &archivedAt,
	)
	if err != nil {
		return subagent.SubagentRun{}, false
	}

	run.Status = subagent.Status(status)
	run.Mode = subagent.Mode(mode)
	run.ParentRunID = parentRunID.String
	run.Model = model.String
	run.Provider = provider.String
	run.Result = result.String
	run.Error = errMsg.String
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	if archivedAt.Valid {
		run.ArchivedAt = archivedAt.Time
	}
	if len(transcriptJSON) > 0 {
		_ = json.Unmarshal(transcriptJSON, &run.Transcript)
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		var envelope subagent.Envelope
		if err := json.Unmarshal(metadataJSON, &envelope); err == nil {
			run.Envelope = &envelope
		}
	}
	return run, true
}

// pqStringArray renders a Go string slice as a Postgres text[] literal.
func pqStringArray(values []string) string {
	if len(values) == 0 {
		return "{}"
	}
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += `"` + v + `"`
	}
	return out + "}"
}
