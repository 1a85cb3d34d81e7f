package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

// streamKey is the main event stream (spec.md §6).
const streamKey = "coda:events"

// deadLetterKey is the dead-letter log stream.
const deadLetterKey = "coda:events:dead"

// RedisConfig mirrors the "bus" section of spec.md §6's configuration
// surface.
type RedisConfig struct {
	EventStreamMaxLen int
	IdempotencyTTL    time.Duration
	BlockTimeout      time.Duration
	ConsumerGroup     string
	MaxRetries        int
	PendingBatchSize  int64
	LiveBatchSize     int64
}

// DefaultRedisConfig matches spec.md §6/§4.1's stated defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		EventStreamMaxLen: 10000,
		IdempotencyTTL:    24 * time.Hour,
		BlockTimeout:      5 * time.Second,
		ConsumerGroup:     "coda-core",
		MaxRetries:        MaxRetries,
		PendingBatchSize:  100,
		LiveBatchSize:     10,
	}
}

// RedisBus is the durable Bus implementation over Redis Streams. Its
// XADD/XREADGROUP/XACK/XPENDING/XCLAIM usage mirrors the approach
// github.com/goadesign/goa-ai's registry/result_stream.go takes to
// driving redis/go-redis/v9 against an append-then-consume stream,
// adapted here to consumer groups with idempotency and dead-lettering
// instead of a single-reader result channel.
type RedisBus struct {
	client *redis.Client
	config RedisConfig
	logger *slog.Logger

	mu      sync.Mutex
	subs    []*Subscription
	retries map[string]int
}

// NewRedisBus creates a Bus backed by an existing *redis.Client.
func NewRedisBus(client *redis.Client, config RedisConfig, logger *slog.Logger) *RedisBus {
	if config.EventStreamMaxLen <= 0 {
		config = DefaultRedisConfig()
	}
	return &RedisBus{
		client:  client,
		config:  config,
		logger:  defaultLogger(logger),
		retries: make(map[string]int),
	}
}

func (b *RedisBus) Publish(ctx context.Context, event coda.Event) (string, error) {
	ensureEventID(&event)
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("bus: marshal event: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: int64(b.config.EventStreamMaxLen),
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("bus: xadd: %w", err)
	}
	return event.EventID, nil
}

func (b *RedisBus) Subscribe(pattern string, handler HandlerFunc) *Subscription {
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

// Run implements the consumer loop from spec.md §4.1: ensure the group
// exists, drain the pending list, then block-read new entries.
func (b *RedisBus) Run(ctx context.Context, consumerName string) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	if err := b.drainPending(ctx, consumerName); err != nil {
		b.logger.Warn("bus: pending phase error", "error", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.liveTick(ctx, consumerName); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("bus: live phase error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (b *RedisBus) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, streamKey, b.config.ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("bus: create consumer group: %w", err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (b *RedisBus) drainPending(ctx context.Context, consumerName string) error {
	start := "0"
	for {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.config.ConsumerGroup,
			Consumer: consumerName,
			Streams:  []string{streamKey, start},
			Count:    b.config.PendingBatchSize,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			return nil
		}

		for _, msg := range res[0].Messages {
			b.processMessage(ctx, consumerName, msg)
			start = msg.ID
		}
	}
}

func (b *RedisBus) liveTick(ctx context.Context, consumerName string) error {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.config.ConsumerGroup,
		Consumer: consumerName,
		Streams:  []string{streamKey, ">"},
		Count:    b.config.LiveBatchSize,
		Block:    b.config.BlockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if len(res) == 0 {
		return nil
	}
	for _, msg := range res[0].Messages {
		b.processMessage(ctx, consumerName, msg)
	}
	return nil
}

func (b *RedisBus) processMessage(ctx context.Context, consumerName string, msg redis.XMessage) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		b.ack(ctx, msg.ID)
		b.logger.Warn("bus: message missing data field", "messageId", msg.ID)
		return
	}

	event, err := decodeEvent([]byte(raw))
	if err != nil {
		b.ack(ctx, msg.ID)
		b.logger.Warn("bus: malformed event dropped", "messageId", msg.ID, "error", err)
		return
	}

	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	matched := matchingSubscriptions(subs, event.EventType)
	if len(matched) == 0 {
		b.ack(ctx, msg.ID)
		return
	}

	keys := make([]string, len(matched))
	for i, s := range matched {
		keys[i] = idempotencyKey(event.EventID, s.HandlerName)
	}
	already, err := b.batchExists(ctx, keys)
	if err != nil {
		b.logger.Warn("bus: idempotency lookup failed", "error", err)
		return
	}

	allResolved := true
	var toMark []string
	for i, s := range matched {
		key := keys[i]
		if already[key] {
			continue
		}
		if err := s.Handler(ctx, event); err == nil {
			toMark = append(toMark, key)
			b.clearRetry(msg.ID, s.HandlerName)
			continue
		} else {
			count := b.incrementRetry(msg.ID, s.HandlerName)
			if count >= b.config.MaxRetries {
				b.deadLetter(ctx, event, msg.ID, s.HandlerName, err)
				b.clearRetry(msg.ID, s.HandlerName)
				continue
			}
			allResolved = false
		}
	}

	if len(toMark) > 0 {
		if err := b.setBatch(ctx, toMark); err != nil {
			b.logger.Warn("bus: failed to persist idempotency keys", "error", err)
		}
	}
	if allResolved {
		b.ack(ctx, msg.ID)
	}
}

func (b *RedisBus) batchExists(ctx context.Context, keys []string) (map[string]bool, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Exists(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	out := make(map[string]bool, len(keys))
	for i, k := range keys {
		out[k] = cmds[i].Val() > 0
	}
	return out, nil
}

func (b *RedisBus) setBatch(ctx context.Context, keys []string) error {
	pipe := b.client.Pipeline()
	for _, k := range keys {
		pipe.Set(ctx, k, "1", b.config.IdempotencyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBus) incrementRetry(messageID, handlerName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := messageID + "|" + handlerName
	b.retries[key]++
	return b.retries[key]
}

func (b *RedisBus) clearRetry(messageID, handlerName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.retries, messageID+"|"+handlerName)
}

func (b *RedisBus) deadLetter(ctx context.Context, event coda.Event, messageID, handlerName string, cause error) {
	data, _ := json.Marshal(event)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterKey,
		Values: map[string]any{
			"data":              data,
			"error":             cause.Error(),
			"handler":           handlerName,
			"originalMessageId": messageID,
		},
	}).Err()
	if err != nil {
		b.logger.Error("bus: failed to append dead letter", "error", err)
	}

	payload, _ := json.Marshal(map[string]string{"handler": handlerName, "originalMessageId": messageID})
	if _, pubErr := b.Publish(ctx, coda.Event{
		EventType:   coda.EventAlertSystemDeadLetter,
		SourceSkill: "bus",
		Severity:    coda.SeverityHigh,
		Payload:     payload,
	}); pubErr != nil {
		b.logger.Error("bus: failed to publish dead_letter alert", "error", pubErr)
	}
}

func (b *RedisBus) ack(ctx context.Context, messageID string) {
	if err := b.client.XAck(ctx, streamKey, b.config.ConsumerGroup, messageID).Err(); err != nil {
		b.logger.Warn("bus: xack failed", "messageId", messageID, "error", err)
	}
}

// ReclaimPending claims pending entries idle for at least minIdle from
// any consumer in the group onto the caller, implementing the explicit
// (non-automatic) idle-reclaim operation decided in DESIGN.md's open
// question.
func (b *RedisBus) ReclaimPending(ctx context.Context, minIdle time.Duration) (int, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  b.config.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("bus: xpending: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	_, err = b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey,
		Group:    b.config.ConsumerGroup,
		Consumer: "reclaimer",
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: xclaim: %w", err)
	}
	return len(ids), nil
}
