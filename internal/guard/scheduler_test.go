package guard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSchedulerRunsTask(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	defer s.Stop()

	var runs atomic.Int32
	_, err := s.Every("tick", 5*time.Millisecond, func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerRejectsBadTasks(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	defer s.Stop()

	_, err := s.Every("zero", 0, func(context.Context) {})
	assert.Error(t, err)

	_, err = s.Every("dup", time.Hour, func(context.Context) {})
	require.NoError(t, err)
	_, err = s.Every("dup", time.Hour, func(context.Context) {})
	assert.Error(t, err)
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	defer s.Stop()

	var runs atomic.Int32
	h, err := s.Every("tick", 5*time.Millisecond, func(context.Context) { runs.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, "tick", h.Name())
	assert.Equal(t, []string{"tick"}, s.Names())

	assert.True(t, s.Cancel("tick"))
	assert.False(t, s.Cancel("tick"))
	assert.Empty(t, s.Names())

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestSchedulerSurvivesPanic(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	defer s.Stop()

	var runs atomic.Int32
	_, err := s.Every("boom", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	_, err := s.Every("a", time.Hour, func(context.Context) {})
	require.NoError(t, err)
	_, err = s.Every("b", time.Hour, func(context.Context) {})
	require.NoError(t, err)

	s.Stop()
	assert.Empty(t, s.Names())

	_, err = s.Every("c", time.Hour, func(context.Context) {})
	assert.Error(t, err)
}
