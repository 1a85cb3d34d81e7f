package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/bus"
	"github.com/ParadoxReagent/coda-agent-sub001/pkg/coda"
)

func TestRegisterTaskRejectsEmptyName(t *testing.T) {
	s := New(bus.NewMemoryBus(10, nil), nil)
	err := s.RegisterTask(TaskConfig{CronExpression: "* * * * *"})
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestRegisterTaskRejectsInvalidCron(t *testing.T) {
	s := New(bus.NewMemoryBus(10, nil), nil)
	err := s.RegisterTask(TaskConfig{Name: "t", CronExpression: "not a cron"})
	assert.ErrorIs(t, err, ErrInvalidCron)
}

func TestTickRunsDueEnabledTaskAndAdvancesNextRun(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(bus.NewMemoryBus(10, nil), nil).WithClock(func() time.Time { return clock })

	var calls int32
	require.NoError(t, s.RegisterTask(TaskConfig{
		Name:           "reminder",
		CronExpression: "* * * * *",
		Enabled:        true,
		Handler:        func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil },
	}))

	clock = clock.Add(time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	task, ok := s.Get("reminder")
	require.True(t, ok)
	assert.True(t, task.nextRun.After(clock))
}

func TestTickSkipsDisabledTask(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(bus.NewMemoryBus(10, nil), nil).WithClock(func() time.Time { return clock })

	var calls int32
	require.NoError(t, s.RegisterTask(TaskConfig{
		Name:           "disabled",
		CronExpression: "* * * * *",
		Enabled:        false,
		Handler:        func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil },
	}))

	clock = clock.Add(time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestToggleFlipsStateAndPublishesEvent(t *testing.T) {
	b := bus.NewMemoryBus(10, nil)
	s := New(b, nil)
	require.NoError(t, s.RegisterTask(TaskConfig{Name: "x", CronExpression: "* * * * *", Enabled: false}))

	var received int32
	b.Subscribe("scheduler.task_toggled", func(ctx context.Context, e coda.Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	require.NoError(t, s.Toggle(context.Background(), "x", true))
	task, ok := s.Get("x")
	require.True(t, ok)
	assert.True(t, task.Enabled)
}

func TestToggleUnknownTask(t *testing.T) {
	s := New(bus.NewMemoryBus(10, nil), nil)
	err := s.Toggle(context.Background(), "missing", true)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestClientNamespacesTaskName(t *testing.T) {
	s := New(bus.NewMemoryBus(10, nil), nil)
	client := s.GetClientFor("email")
	require.NoError(t, client.RegisterTask(TaskConfig{Name: "digest", CronExpression: "* * * * *"}))

	_, ok := s.Get("email.digest")
	assert.True(t, ok)
}

func TestListReturnsAllTasks(t *testing.T) {
	s := New(bus.NewMemoryBus(10, nil), nil)
	require.NoError(t, s.RegisterTask(TaskConfig{Name: "a", CronExpression: "* * * * *"}))
	require.NoError(t, s.RegisterTask(TaskConfig{Name: "b", CronExpression: "* * * * *"}))
	assert.Len(t, s.List(), 2)
}
