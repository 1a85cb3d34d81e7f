package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUpToLimitWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(100)
	l := NewLimiter(store, Rule{Window: time.Minute, Limit: 3})

	base := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		d, err := l.AllowAt(ctx, "skill:send_email", "user-1", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "hit %d should be allowed", i)
	}

	d, err := l.AllowAt(ctx, "skill:send_email", "user-1", base.Add(4*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 4, d.Count)
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiterSlidesWindowForward(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(100)
	l := NewLimiter(store, Rule{Window: time.Minute, Limit: 1})

	base := time.Unix(0, 0)
	d1, err := l.AllowAt(ctx, "s", "u", base)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	d2, err := l.AllowAt(ctx, "s", "u", base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, d2.Allowed)

	d3, err := l.AllowAt(ctx, "s", "u", base.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, d3.Allowed, "first hit should have aged out of the window")
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(100)
	l := NewLimiter(store, Rule{Window: time.Minute, Limit: 1})

	base := time.Unix(0, 0)
	d1, _ := l.AllowAt(ctx, "s", "user-a", base)
	d2, _ := l.AllowAt(ctx, "s", "user-b", base)

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
}

func TestCompositeKeyFormat(t *testing.T) {
	assert.Equal(t, "scope|id", CompositeKey("scope", "id"))
}

func TestMemoryStorePrunesFullyExpiredKeys(t *testing.T) {
	store := NewMemoryStore(1)
	ctx := context.Background()
	base := time.Unix(0, 0)

	_, err := store.Hit(ctx, "k1", base, time.Second)
	require.NoError(t, err)

	// k1's single hit is now outside the window, so adding a second key
	// should trigger pruning rather than growing unbounded.
	count, err := store.Hit(ctx, "k2", base.Add(10*time.Second), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewLimiterDefaultsInvalidRule(t *testing.T) {
	l := NewLimiter(NewMemoryStore(10), Rule{})
	assert.Equal(t, DefaultRule().Limit, l.rule.Limit)
	assert.Equal(t, DefaultRule().Window, l.rule.Window)
}
