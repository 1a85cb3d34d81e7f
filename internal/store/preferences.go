package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/alerts"
)

// PreferenceStore persists user_preferences rows (spec.md §6).
// It satisfies internal/alerts.PreferenceProvider.
type PreferenceStore struct {
	db *sql.DB
}

// Get loads a user's alert preference row. The ok return is false when no
// row exists, letting callers fall back to defaults.
func (s *PreferenceStore) Get(userID string) (alerts.UserPreference, bool) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx, `
		SELECT dnd_enabled, alerts_only, quiet_hours_start, quiet_hours_end, timezone
		FROM user_preferences WHERE user_id = $1
	`, userID)

	var (
		pref                     alerts.UserPreference
		quietStart, quietEnd, tz sql.NullString
	)
	if err := row.Scan(&pref.DND, &pref.AlertsOnly, &quietStart, &quietEnd, &tz); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return alerts.UserPreference{}, false
		}
		return alerts.UserPreference{}, false
	}
	pref.QuietHoursStart = quietStart.String
	pref.QuietHoursEnd = quietEnd.String
	pref.Timezone = tz.String
	return pref, true
}

// Set upserts a user's alert preference row.
func (s *PreferenceStore) Set(userID string, pref alerts.UserPreference) error {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, dnd_enabled, alerts_only, quiet_hours_start, quiet_hours_end, timezone)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id) DO UPDATE SET
			dnd_enabled = EXCLUDED.dnd_enabled,
			alerts_only = EXCLUDED.alerts_only,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone
	`,
		userID,
		pref.DND,
		pref.AlertsOnly,
		nullString(pref.QuietHoursStart),
		nullString(pref.QuietHoursEnd),
		nullString(pref.Timezone),
	)
	if err != nil {
		return fmt.Errorf("store: set user preference: %w", err)
	}
	return nil
}
