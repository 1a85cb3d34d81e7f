package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

type recordingSink struct {
	mu    sync.Mutex
	sent  []string
	fails bool
}

func (s *recordingSink) Send(channel string, plain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails {
		return assert.AnError
	}
	s.sent = append(s.sent, plain)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type richRecordingSink struct {
	recordingSink
	richSent int
}

func (s *richRecordingSink) SendRich(channel string, formatted Formatted) error {
	s.mu.Lock()
	s.richSent++
	s.mu.Unlock()
	return nil
}

type staticPreferences struct {
	prefs map[string]UserPreference
}

func (p staticPreferences) Get(userID string) (UserPreference, bool) {
	pref, ok := p.prefs[userID]
	return pref, ok
}

func newRouter() (*Router, *MemoryCooldownStore, *MemoryHistoryStore) {
	cooldown := NewMemoryCooldownStore()
	history := NewMemoryHistoryStore()
	r := New(cooldown, history, nil, QuietHoursConfig{}, nil)
	return r, cooldown, history
}

func TestHandleEventDeliversWhenRuleMatches(t *testing.T) {
	r, _, history := newRouter()
	sink := &recordingSink{}
	r.RegisterSink("ops", sink)
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityLow, Channels: []string{"ops"}})

	r.HandleEvent(context.Background(), "", coda.Event{EventType: "disk.full", Severity: coda.SeverityHigh, SourceSkill: "diskmon"})

	assert.Equal(t, 1, sink.count())
	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Delivered)
}

func TestHandleEventNoRuleIsNoop(t *testing.T) {
	r, _, history := newRouter()
	r.HandleEvent(context.Background(), "", coda.Event{EventType: "unregistered.event", Severity: coda.SeverityHigh})
	assert.Empty(t, history.Rows())
}

func TestHandleEventSuppressesBelowMinSeverity(t *testing.T) {
	r, _, history := newRouter()
	sink := &recordingSink{}
	r.RegisterSink("ops", sink)
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityHigh, Channels: []string{"ops"}})

	r.HandleEvent(context.Background(), "", coda.Event{EventType: "disk.full", Severity: coda.SeverityLow})

	assert.Equal(t, 0, sink.count())
	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Delivered)
	assert.True(t, rows[0].Suppressed)
	assert.Equal(t, "severity", rows[0].SuppressionReason)
}

// TestHandleEventCooldownSuppressesRepeat covers scenario S3: a second
// alert for the same eventType+sourceSkill inside the cooldown window is
// suppressed, and a third after the window elapses is delivered again.
func TestHandleEventCooldownSuppressesRepeat(t *testing.T) {
	r, _, history := newRouter()
	sink := &recordingSink{}
	r.RegisterSink("ops", sink)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return clock })
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityLow, Channels: []string{"ops"}, Cooldown: 5 * time.Minute})

	event := coda.Event{EventType: "disk.full", Severity: coda.SeverityHigh, SourceSkill: "diskmon"}

	r.HandleEvent(context.Background(), "", event)
	assert.Equal(t, 1, sink.count())

	clock = clock.Add(time.Minute)
	r.HandleEvent(context.Background(), "", event)
	assert.Equal(t, 1, sink.count(), "second alert within cooldown window must be suppressed")

	rows := history.Rows()
	require.Len(t, rows, 2)
	assert.True(t, rows[1].Suppressed)
	assert.Equal(t, "cooldown", rows[1].SuppressionReason)

	clock = clock.Add(10 * time.Minute)
	r.HandleEvent(context.Background(), "", event)
	assert.Equal(t, 2, sink.count(), "alert after cooldown elapses must deliver again")
}

func TestHandleEventQuietHoursSuppressesWithinWindow(t *testing.T) {
	cooldown := NewMemoryCooldownStore()
	history := NewMemoryHistoryStore()
	quiet := QuietHoursConfig{Enabled: true, Start: "22:00", End: "06:00", Timezone: "UTC"}
	r := New(cooldown, history, nil, quiet, nil)
	clock := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return clock })

	sink := &recordingSink{}
	r.RegisterSink("ops", sink)
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityLow, Channels: []string{"ops"}, QuietHours: true})

	r.HandleEvent(context.Background(), "", coda.Event{EventType: "disk.full", Severity: coda.SeverityLow})

	assert.Equal(t, 0, sink.count())
	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "quiet_hours", rows[0].SuppressionReason)
}

func TestHandleEventQuietHoursOverrideSeverityBypassesSuppression(t *testing.T) {
	cooldown := NewMemoryCooldownStore()
	history := NewMemoryHistoryStore()
	quiet := QuietHoursConfig{Enabled: true, Start: "22:00", End: "06:00", Timezone: "UTC", OverrideSeverities: []coda.Severity{coda.SeverityHigh}}
	r := New(cooldown, history, nil, quiet, nil)
	clock := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return clock })

	sink := &recordingSink{}
	r.RegisterSink("ops", sink)
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityLow, Channels: []string{"ops"}, QuietHours: true})

	r.HandleEvent(context.Background(), "", coda.Event{EventType: "disk.full", Severity: coda.SeverityHigh})

	assert.Equal(t, 1, sink.count())
}

func TestHandleEventPerUserQuietHoursBothMustPermit(t *testing.T) {
	cooldown := NewMemoryCooldownStore()
	history := NewMemoryHistoryStore()
	// Global quiet hours not active right now, but the user's own quiet
	// hours are. Per DESIGN.md's "both must permit" decision, either veto
	// suppresses delivery.
	quiet := QuietHoursConfig{Enabled: true, Start: "01:00", End: "02:00", Timezone: "UTC"}
	prefs := staticPreferences{prefs: map[string]UserPreference{
		"u1": {QuietHoursStart: "22:00", QuietHoursEnd: "23:59", Timezone: "UTC"},
	}}
	r := New(cooldown, history, prefs, quiet, nil)
	clock := time.Date(2026, 1, 1, 22, 30, 0, 0, time.UTC)
	r.WithClock(func() time.Time { return clock })

	sink := &recordingSink{}
	r.RegisterSink("ops", sink)
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityLow, Channels: []string{"ops"}, QuietHours: true})

	r.HandleEvent(context.Background(), "u1", coda.Event{EventType: "disk.full", Severity: coda.SeverityLow})

	assert.Equal(t, 0, sink.count(), "per-user quiet hours must suppress even when global window is inactive")
}

func TestHandleEventFailedSinkIsIsolatedFromOthers(t *testing.T) {
	r, _, history := newRouter()
	failing := &recordingSink{fails: true}
	ok := &recordingSink{}
	r.RegisterSink("pager", failing)
	r.RegisterSink("ops", ok)
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityLow, Channels: []string{"pager", "ops"}})

	r.HandleEvent(context.Background(), "", coda.Event{EventType: "disk.full", Severity: coda.SeverityLow})

	assert.Equal(t, 0, failing.count())
	assert.Equal(t, 1, ok.count())
	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "ops", rows[0].Channel)
}

func TestHandleEventPrefersRichSinkWhenAvailable(t *testing.T) {
	r, _, _ := newRouter()
	sink := &richRecordingSink{}
	r.RegisterSink("ops", sink)
	r.RegisterRule("disk.full", AlertRule{MinSeverity: coda.SeverityLow, Channels: []string{"ops"}})

	r.HandleEvent(context.Background(), "", coda.Event{EventType: "disk.full", Severity: coda.SeverityLow})

	assert.Equal(t, 1, sink.richSent)
	assert.Equal(t, 0, sink.count())
}
