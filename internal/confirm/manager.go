// Package confirm implements the Confirmation Manager (C9): short-lived
// one-shot tokens binding a pending, confirmation-gated tool call to the
// user who must authorize it, plus abuse detection on repeated invalid
// consumption attempts. Token generation (crypto/rand over an
// unambiguous alphabet) is grounded on the teacher's
// internal/pairing/store.go generateCode; the sliding-window abuse
// counter reuses this module's own internal/ratelimit MemoryStore shape.
package confirm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/bus"
	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

// tokenAlphabet excludes visually ambiguous characters (0/O, 1/I).
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// TokenLength is the length of a generated token (spec.md §3: 8-12 chars).
	TokenLength = 10
	// DefaultExpiry is how long a confirmation stays consumable.
	DefaultExpiry = 5 * time.Minute
	// AbuseWindow is the sliding window over which invalid attempts accrue.
	AbuseWindow = 10 * time.Minute
	// AbuseThreshold is the number of invalid attempts within AbuseWindow
	// that trips abuse detection for a user.
	AbuseThreshold = 10
)

var (
	// ErrEmptyUserID is returned when creating a confirmation without a user.
	ErrEmptyUserID = errors.New("confirm: userId required")
)

// Token is a pending, one-shot authorization record.
type Token struct {
	Token       string
	UserID      string
	Channel     string
	ToolName    string
	ToolInput   json.RawMessage
	Description string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Manager creates and consumes confirmation tokens and tracks per-user
// abuse of invalid consumption attempts.
type Manager struct {
	mu              sync.Mutex
	tokens          map[string]*Token
	invalidAttempts map[string][]time.Time
	abused          map[string]bool
	expiry          time.Duration
	bus             bus.Publisher
	logger          *slog.Logger
	now             func() time.Time
}

// New creates a Manager that publishes alert.system.abuse to publisher
// when a user trips the abuse threshold.
func New(publisher bus.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tokens:          make(map[string]*Token),
		invalidAttempts: make(map[string][]time.Time),
		abused:          make(map[string]bool),
		expiry:          DefaultExpiry,
		bus:             publisher,
		logger:          logger,
		now:             time.Now,
	}
}

// WithClock overrides the clock, for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithExpiry overrides the default 5-minute confirmation lifetime.
func (m *Manager) WithExpiry(d time.Duration) *Manager {
	m.expiry = d
	return m
}

func generateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, TokenLength)
	for i, v := range b {
		out[i] = tokenAlphabet[int(v)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// CreateConfirmation mints a new one-shot token bound to the given
// fields, expiring after the manager's configured expiry (default 5m).
func (m *Manager) CreateConfirmation(userID, channel, toolName string, toolInput json.RawMessage, description string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = &Token{
		Token:       token,
		UserID:      userID,
		Channel:     channel,
		ToolName:    toolName,
		ToolInput:   toolInput,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.expiry),
	}
	return token, nil
}

// ConsumeConfirmation returns the stored record iff token exists, is
// unexpired, and matches userID; it is removed either way on a matching
// lookup (one-shot). On any mismatch it counts as an invalid attempt for
// userID and returns nil. Once a user trips the abuse threshold, further
// valid consumptions are also rejected until a new Manager generation
// (spec.md §4.5/§8 S6).
func (m *Manager) ConsumeConfirmation(ctx context.Context, token, userID string) *Token {
	now := m.now()

	m.mu.Lock()
	record, ok := m.tokens[token]
	valid := ok && record.UserID == userID && now.Before(record.ExpiresAt)
	if ok && record.UserID == userID {
		delete(m.tokens, token)
	}
	blocked := m.abused[userID]
	m.mu.Unlock()

	if !valid || blocked {
		m.recordInvalidAttempt(ctx, userID)
		return nil
	}
	return record
}

func (m *Manager) recordInvalidAttempt(ctx context.Context, userID string) {
	now := m.now()

	m.mu.Lock()
	cutoff := now.Add(-AbuseWindow)
	attempts := m.invalidAttempts[userID]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.invalidAttempts[userID] = kept

	alreadyTripped := m.abused[userID]
	justTripped := !alreadyTripped && len(kept) >= AbuseThreshold
	if justTripped {
		m.abused[userID] = true
	}
	m.mu.Unlock()

	if justTripped {
		m.publishAbuse(ctx, userID)
	}
}

func (m *Manager) publishAbuse(ctx context.Context, userID string) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"userId": userID})
	if _, err := m.bus.Publish(ctx, coda.Event{
		EventType:   coda.EventAlertSystemAbuse,
		SourceSkill: "confirm",
		Severity:    coda.SeverityHigh,
		Payload:     payload,
	}); err != nil {
		m.logger.Warn("confirm: failed to publish abuse event", "error", err)
	}
}

// Pending reports whether a token is still outstanding (for diagnostics).
func (m *Manager) Pending(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[token]
	return ok
}
