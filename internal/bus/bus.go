// Package bus implements the Event Bus (C6): publish/subscribe over a
// durable ordered stream with consumer groups, per-handler idempotency,
// retries, and a dead-letter sink, falling back to an in-process FIFO
// with the same interface when no durable log is configured. The
// Redis-backed implementation's XADD/XREADGROUP/XACK/XPENDING usage is
// grounded on github.com/goadesign/goa-ai's
// registry/result_stream.go, which drives the same redis/go-redis/v9
// client against a similar append-then-consume shape; the idempotency
// key bookkeeping (ttl, touch-on-hit) is grounded on the teacher's
// internal/cache/dedupe.go.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

// MaxRetries is the per (messageId, handlerName) retry ceiling before a
// message is dead-lettered, per spec.md §4.1.
const MaxRetries = 3

// HandlerFunc processes one matched event. An error triggers the retry
// counter; handlers must be idempotent since at-least-once delivery
// means a handler may run more than once for the same event.
type HandlerFunc func(ctx context.Context, event coda.Event) error

// DeadLetterEntry is one row appended to the dead-letter sink.
type DeadLetterEntry struct {
	EventData         json.RawMessage
	Error             string
	Handler           string
	OriginalMessageID string
	CreatedAt         time.Time
}

// IdempotencyStore records whether a (eventId, handlerName) pair has
// already been processed. SetIfAbsent-style stores are expected; the
// bus only ever needs existence checks and a single batched write.
type IdempotencyStore interface {
	// Exists reports, for each key, whether it is already present.
	Exists(ctx context.Context, keys []string) (map[string]bool, error)
	// SetBatch marks each key processed with the given TTL.
	SetBatch(ctx context.Context, keys []string, ttl time.Duration) error
}

// DeadLetterSink records events whose handlers exhausted retries.
type DeadLetterSink interface {
	Append(ctx context.Context, entry DeadLetterEntry) error
}

// RetryCounter tracks per (messageId, handlerName) failure counts.
type RetryCounter interface {
	Increment(ctx context.Context, messageID, handlerName string) (int, error)
	Clear(ctx context.Context, messageID, handlerName string) error
}

// Publisher is the write-side of the bus.
type Publisher interface {
	Publish(ctx context.Context, event coda.Event) (string, error)
}

// Bus is the full read/write interface shared by the Redis-backed and
// in-process implementations.
type Bus interface {
	Publisher
	Subscribe(pattern string, handler HandlerFunc) *Subscription
	Run(ctx context.Context, consumerName string) error
	ReclaimPending(ctx context.Context, minIdle time.Duration) (int, error)
}

// matchingSubscriptions returns, in registration order, every
// subscription whose pattern matches eventType.
func matchingSubscriptions(subs []*Subscription, eventType string) []*Subscription {
	var out []*Subscription
	for _, s := range subs {
		if s.matches(eventType) {
			out = append(out, s)
		}
	}
	return out
}

func idempotencyKey(eventID, handlerName string) string {
	return fmt.Sprintf("idem:%s:%s", eventID, handlerName)
}

func ensureEventID(e *coda.Event) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

var errMalformedEvent = errors.New("bus: malformed event payload")

func decodeEvent(data []byte) (coda.Event, error) {
	var e coda.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return coda.Event{}, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	return e, nil
}

// defaultLogger returns slog.Default when the caller passes nil, so
// both bus implementations can be constructed without forcing every
// caller to thread a logger through.
func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
