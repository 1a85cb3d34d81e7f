// Package alerts implements the Alert Router (C8): rule lookup,
// severity/quiet-hours/cooldown gating, multi-sink delivery with
// per-sink failure isolation, and persisted history. The rich/plain
// sink fallback and "summary" formatting idea are grounded on the
// teacher's internal/outbound/delivery.go (DeliveryResult,
// FormatDeliverySummary), generalized from a single delivery-channel
// concern to per-eventType formatters feeding arbitrary sinks.
package alerts

import (
	"time"

	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

// AlertRule configures routing for one event-type pattern (spec.md §3).
type AlertRule struct {
	MinSeverity coda.Severity
	Channels    []string
	QuietHours  bool
	Cooldown    time.Duration
}

// QuietHoursConfig is the global quiet-hours policy (spec.md §6).
type QuietHoursConfig struct {
	Enabled            bool
	Start              string // "HH:MM" in Timezone
	End                string
	Timezone           string
	OverrideSeverities []coda.Severity
}

func (q QuietHoursConfig) overridesSeverity(s coda.Severity) bool {
	for _, o := range q.OverrideSeverities {
		if o == s {
			return true
		}
	}
	return false
}

// UserPreference is the per-user collaborator consulted in step 3 of
// spec.md §4.4.
type UserPreference struct {
	DND             bool
	AlertsOnly      bool
	QuietHoursStart string
	QuietHoursEnd   string
	Timezone        string
}

// PreferenceProvider supplies per-user alert preferences.
type PreferenceProvider interface {
	Get(userID string) (UserPreference, bool)
}

// HistoryRow is one append-only AlertHistory record (spec.md §3).
type HistoryRow struct {
	EventID           string
	EventType         string
	Severity          coda.Severity
	SourceSkill       string
	Channel           string
	Payload           []byte
	FormattedMessage  string
	Delivered         bool
	Suppressed        bool
	SuppressionReason string
	CreatedAt         time.Time
}

// HistoryStore persists AlertHistory rows.
type HistoryStore interface {
	Append(row HistoryRow) error
}

// Formatted is the sink-agnostic output of a Formatter: a rich payload
// (sink-specific structure, opaque here) plus a plain-text fallback.
type Formatted struct {
	Rich  any
	Plain string
	Color string
}

// Formatter produces a Formatted message for one event.
type Formatter func(event coda.Event) Formatted

// Color mapping from spec.md §4.4.
const (
	ColorHigh   = "#FF0000"
	ColorMedium = "#FF8C00"
	ColorLow    = "#3498DB"
)

// ColorFor returns the configured hex color for a severity.
func ColorFor(s coda.Severity) string {
	switch s {
	case coda.SeverityHigh:
		return ColorHigh
	case coda.SeverityMedium:
		return ColorMedium
	default:
		return ColorLow
	}
}

// RichSink can render a rich, sink-specific payload.
type RichSink interface {
	SendRich(channel string, formatted Formatted) error
}

// PlainSink is the minimum every sink must support.
type PlainSink interface {
	Send(channel string, plain string) error
}

// AlertSink is a delivery target. Sinks that also implement RichSink
// are preferred; others fall back to plain delivery (spec.md §4.4 step 5).
type AlertSink interface {
	PlainSink
}

func deliver(sink AlertSink, channel string, formatted Formatted) error {
	if rich, ok := sink.(RichSink); ok {
		return rich.SendRich(channel, formatted)
	}
	return sink.Send(channel, formatted.Plain)
}
