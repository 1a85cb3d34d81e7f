package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/alerts"
)

// AlertHistoryStore persists alert_history rows (spec.md §6).
// It satisfies internal/alerts.HistoryStore.
type AlertHistoryStore struct {
	db *sql.DB
}

// Append persists one AlertHistory row.
func (s *AlertHistoryStore) Append(row alerts.HistoryRow) error {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history
			(event_id, event_type, severity, source_skill, channel, payload, formatted_message, delivered, suppressed, suppression_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		row.EventID,
		row.EventType,
		string(row.Severity),
		row.SourceSkill,
		nullString(row.Channel),
		[]byte(row.Payload),
		nullString(row.FormattedMessage),
		row.Delivered,
		row.Suppressed,
		nullString(row.SuppressionReason),
		row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: append alert history: %w", err)
	}
	return nil
}
