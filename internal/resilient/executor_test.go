package resilient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSucceedsFirstTry(t *testing.T) {
	e := NewExecutor(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Timeout: time.Second})
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	e := NewExecutor(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Timeout: time.Second})
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	e := NewExecutor(Config{MaxAttempts: 5, InitialDelay: time.Millisecond, Timeout: time.Second})
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("policy violation: blocked domain")
	})
	assert.Error(t, res.Err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	e := NewExecutor(Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Timeout: time.Second})
	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("timeout calling upstream")
	})
	assert.Error(t, res.Err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteRespectsOuterContextCancellation(t *testing.T) {
	e := NewExecutor(Config{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	assert.Error(t, res.Err)
	assert.LessOrEqual(t, calls, 2)
}

func TestExecuteMarksAttemptTimeout(t *testing.T) {
	e := NewExecutor(Config{MaxAttempts: 1, Timeout: 5 * time.Millisecond})
	res := e.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrAttemptTimeout)
}

func TestBackoffCapsAtMax(t *testing.T) {
	d := Backoff(10, 100*time.Millisecond, time.Second, 2.0)
	assert.Equal(t, time.Second, d)
}
