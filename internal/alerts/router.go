package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

// CooldownStore is the shared store backing the cooldown:<eventType>:
// <sourceSkill> namespace (spec.md §6). SetIfAbsent semantics: Exists
// then Set, matching the bus's idempotency store shape.
type CooldownStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
}

// Router implements the ordered per-event pipeline from spec.md §4.4.
type Router struct {
	mu          sync.RWMutex
	rules       map[string]AlertRule
	sinks       map[string]AlertSink
	formatters  map[string]Formatter
	preferences PreferenceProvider
	cooldown    CooldownStore
	history     HistoryStore
	quietHours  QuietHoursConfig
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Router.
func New(cooldown CooldownStore, history HistoryStore, preferences PreferenceProvider, quietHours QuietHoursConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rules:       make(map[string]AlertRule),
		sinks:       make(map[string]AlertSink),
		formatters:  make(map[string]Formatter),
		preferences: preferences,
		cooldown:    cooldown,
		history:     history,
		quietHours:  quietHours,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// RegisterRule binds an AlertRule to an exact eventType.
func (r *Router) RegisterRule(eventType string, rule AlertRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[eventType] = rule
}

// RegisterSink makes a named AlertSink available to rules.
func (r *Router) RegisterSink(name string, sink AlertSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = sink
}

// RegisterFormatter binds a Formatter to an exact eventType.
func (r *Router) RegisterFormatter(eventType string, formatter Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[eventType] = formatter
}

func defaultFormatter(event coda.Event) Formatted {
	plain := fmt.Sprintf("[%s] %s", event.Severity, event.EventType)
	return Formatted{Plain: plain, Color: ColorFor(event.Severity)}
}

// HandleEvent runs the ordered routing pipeline for one event.
func (r *Router) HandleEvent(ctx context.Context, userID string, event coda.Event) {
	r.mu.RLock()
	rule, hasRule := r.rules[event.EventType]
	formatter, hasFormatter := r.formatters[event.EventType]
	r.mu.RUnlock()

	if !hasRule {
		r.logger.Debug("alerts: no rule for event type", "eventType", event.EventType)
		return
	}

	if event.Severity.Rank() < rule.MinSeverity.Rank() {
		r.recordSuppressed(event, "severity")
		return
	}

	if rule.QuietHours && r.inQuietHours(userID, event) {
		r.recordSuppressed(event, "quiet_hours")
		return
	}

	cooldownKey := fmt.Sprintf("cooldown:%s:%s", event.EventType, event.SourceSkill)
	if rule.Cooldown > 0 && r.cooldown != nil {
		exists, err := r.cooldown.Exists(ctx, cooldownKey)
		if err != nil {
			r.logger.Warn("alerts: cooldown check failed", "error", err)
		} else if exists {
			r.recordSuppressed(event, "cooldown")
			return
		}
		if err := r.cooldown.Set(ctx, cooldownKey, rule.Cooldown); err != nil {
			r.logger.Warn("alerts: cooldown set failed", "error", err)
		}
	}

	if !hasFormatter {
		formatter = defaultFormatter
	}
	formatted := formatter(event)

	r.mu.RLock()
	sinks := make(map[string]AlertSink, len(rule.Channels))
	for _, ch := range rule.Channels {
		if s, ok := r.sinks[ch]; ok {
			sinks[ch] = s
		}
	}
	r.mu.RUnlock()

	delivered := false
	for _, ch := range rule.Channels {
		sink, ok := sinks[ch]
		if !ok {
			r.logger.Warn("alerts: unknown sink", "channel", ch)
			continue
		}
		if err := deliver(sink, ch, formatted); err != nil {
			r.logger.Warn("alerts: delivery failed", "channel", ch, "error", err)
			continue
		}
		delivered = true
		r.appendHistory(HistoryRow{
			EventID:          event.EventID,
			EventType:        event.EventType,
			Severity:         event.Severity,
			SourceSkill:      event.SourceSkill,
			Channel:          ch,
			Payload:          event.Payload,
			FormattedMessage: formatted.Plain,
			Delivered:        true,
			CreatedAt:        r.now(),
		})
	}
	_ = delivered
}

// inQuietHours evaluates step 3: rule-level quiet-hours eligibility
// AND the per-user preference, per DESIGN.md's "both must permit"
// decision for spec.md §9's ambiguous override order.
func (r *Router) inQuietHours(userID string, event coda.Event) bool {
	if r.quietHours.overridesSeverity(event.Severity) {
		return false
	}
	if !r.quietHours.Enabled {
		return false
	}
	globalHit := withinWindow(r.now(), r.quietHours.Start, r.quietHours.End, r.quietHours.Timezone)
	if !globalHit {
		return false
	}

	if r.preferences == nil || userID == "" {
		return true
	}
	pref, ok := r.preferences.Get(userID)
	if !ok {
		return true
	}
	if pref.DND {
		return true
	}
	if pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return true
	}
	return withinWindow(r.now(), pref.QuietHoursStart, pref.QuietHoursEnd, pref.Timezone)
}

func withinWindow(now time.Time, start, end, tz string) bool {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	startMin, sok := parseHHMM(start)
	endMin, eok := parseHHMM(end)
	if !sok || !eok {
		return false
	}
	nowMin := local.Hour()*60 + local.Minute()
	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// window wraps midnight, e.g. 22:00-06:00
	return nowMin >= startMin || nowMin < endMin
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	return h*60 + m, true
}

func (r *Router) recordSuppressed(event coda.Event, reason string) {
	r.appendHistory(HistoryRow{
		EventID:           event.EventID,
		EventType:         event.EventType,
		Severity:          event.Severity,
		SourceSkill:       event.SourceSkill,
		Payload:           event.Payload,
		Delivered:         false,
		Suppressed:        true,
		SuppressionReason: reason,
		CreatedAt:         r.now(),
	})
}

func (r *Router) appendHistory(row HistoryRow) {
	if r.history == nil {
		return
	}
	if err := r.history.Append(row); err != nil {
		r.logger.Warn("alerts: failed to append history", "error", err)
	}
}
