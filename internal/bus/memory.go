package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

type queuedMessage struct {
	MessageID string
	Event     coda.Event
	Pending   bool
}

// MemoryBus is the in-process FIFO fallback used when no durable log is
// configured, implementing the same Bus interface minus durability and
// consumer groups (spec.md §4.1: "degrades to an in-process FIFO with
// the same interface").
type MemoryBus struct {
	mu          sync.Mutex
	subs        []*Subscription
	queue       []*queuedMessage
	notify      chan struct{}
	idempotent  map[string]time.Time
	retries     map[string]int
	deadLetters []DeadLetterEntry
	maxLen      int
	logger      *slog.Logger
	now         func() time.Time
}

// NewMemoryBus creates an in-process Bus capped at maxLen buffered
// events (default 10000, matching the Redis bus's default MAXLEN).
func NewMemoryBus(maxLen int, logger *slog.Logger) *MemoryBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryBus{
		notify:     make(chan struct{}, 1),
		idempotent: make(map[string]time.Time),
		retries:    make(map[string]int),
		maxLen:     maxLen,
		logger:     defaultLogger(logger),
		now:        time.Now,
	}
}

func (b *MemoryBus) Publish(_ context.Context, event coda.Event) (string, error) {
	ensureEventID(&event)
	if _, err := json.Marshal(event); err != nil {
		return "", fmt.Errorf("bus: marshal event: %w", err)
	}

	b.mu.Lock()
	msg := &queuedMessage{MessageID: uuid.NewString(), Event: event, Pending: true}
	b.queue = append(b.queue, msg)
	if len(b.queue) > b.maxLen {
		b.queue = b.queue[len(b.queue)-b.maxLen:]
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return event.EventID, nil
}

func (b *MemoryBus) Subscribe(pattern string, handler HandlerFunc) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	matcher, err := compilePattern(pattern)
	if err != nil {
		b.logger.Warn("bus: invalid subscription pattern", "pattern", pattern, "error", err)
	}
	ordinal := len(b.subs)
	sub := &Subscription{
		Pattern:     pattern,
		Ordinal:     ordinal,
		HandlerName: fmt.Sprintf("%s:%d", pattern, ordinal),
		Handler:     handler,
		matcher:     matcher,
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Run drains the queue until ctx is cancelled, processing each message
// per spec.md §4.1's per-message pipeline.
func (b *MemoryBus) Run(ctx context.Context, _ string) error {
	for {
		msg := b.dequeue()
		if msg == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.notify:
				continue
			case <-time.After(5 * time.Second):
				continue
			}
		}
		b.process(ctx, msg)
	}
}

func (b *MemoryBus) dequeue() *queuedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.queue {
		if m.Pending {
			return m
		}
	}
	return nil
}

func (b *MemoryBus) process(ctx context.Context, msg *queuedMessage) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	matched := matchingSubscriptions(subs, msg.Event.EventType)
	if len(matched) == 0 {
		b.ack(msg)
		return
	}

	keys := make([]string, len(matched))
	for i, s := range matched {
		keys[i] = idempotencyKey(msg.Event.EventID, s.HandlerName)
	}
	already := b.checkIdempotent(keys)

	allResolved := true
	var toMark []string
	for i, s := range matched {
		key := keys[i]
		if already[key] {
			continue
		}
		err := s.Handler(ctx, msg.Event)
		if err == nil {
			toMark = append(toMark, key)
			b.clearRetry(msg.MessageID, s.HandlerName)
			continue
		}

		count := b.incrementRetry(msg.MessageID, s.HandlerName)
		if count >= MaxRetries {
			b.deadLetter(ctx, msg, s.HandlerName, err)
			b.clearRetry(msg.MessageID, s.HandlerName)
			continue
		}
		allResolved = false
	}

	b.markIdempotent(toMark)
	if allResolved {
		b.ack(msg)
	}
}

func (b *MemoryBus) checkIdempotent(keys []string) map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		exp, ok := b.idempotent[k]
		out[k] = ok && exp.After(now)
	}
	return out
}

func (b *MemoryBus) markIdempotent(keys []string) {
	if len(keys) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	exp := b.now().Add(24 * time.Hour)
	for _, k := range keys {
		b.idempotent[k] = exp
	}
}

func (b *MemoryBus) incrementRetry(messageID, handlerName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := messageID + "|" + handlerName
	b.retries[key]++
	return b.retries[key]
}

func (b *MemoryBus) clearRetry(messageID, handlerName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.retries, messageID+"|"+handlerName)
}

func (b *MemoryBus) deadLetter(ctx context.Context, msg *queuedMessage, handlerName string, cause error) {
	data, _ := json.Marshal(msg.Event)
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetterEntry{
		EventData:         data,
		Error:             cause.Error(),
		Handler:           handlerName,
		OriginalMessageID: msg.MessageID,
		CreatedAt:         b.now(),
	})
	b.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"handler": handlerName, "originalMessageId": msg.MessageID})
	_, _ = b.Publish(ctx, coda.Event{
		EventType:   coda.EventAlertSystemDeadLetter,
		SourceSkill: "bus",
		Severity:    coda.SeverityHigh,
		Payload:     payload,
	})
}

func (b *MemoryBus) ack(msg *queuedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg.Pending = false
}

// ReclaimPending is a no-op for MemoryBus: there is no separate
// consumer-group pending list to reclaim from in a single process.
func (b *MemoryBus) ReclaimPending(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

// DeadLetters returns a copy of the recorded dead-letter entries, for
// inspection and tests.
func (b *MemoryBus) DeadLetters() []DeadLetterEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetterEntry, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}
