package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/kanisa/core"
)

type closerMock struct {
	mu     sync.Mutex
	calls  []time.Duration
	closed int
	err    error
}

func (c *closerMock) CloseStale(_ context.Context, maxAge time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, maxAge)
	return c.closed, c.err
}

func (c *closerMock) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type loggerMock struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (l *loggerMock) Debug(string, ...interface{}) {}
func (l *loggerMock) Warn(string, ...interface{})  {}
func (l *loggerMock) Fatal(string, ...interface{}) {}

func (l *loggerMock) Info(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *loggerMock) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func TestNewJanitor(t *testing.T) {
	tests := []struct {
		name       string
		staleAfter time.Duration
		schedule   string
		wantErr    string
	}{
		{name: "ok", staleAfter: time.Hour, schedule: "@every 1m"},
		{name: "cron spec", staleAfter: time.Hour, schedule: "*/5 * * * *"},
		{name: "no max age", schedule: "@every 1m", wantErr: "attendance.staleAfter must be positive"},
		{name: "invalid schedule", staleAfter: time.Hour, schedule: "lol", wantErr: `scheduling janitor "lol"`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			conf := core.NewTestConfig()
			conf.Attendance.StaleAfter = tt.staleAfter
			conf.Attendance.JanitorSchedule = tt.schedule

			j, err := NewJanitor(&closerMock{}, &loggerMock{}, conf)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, j)
		})
	}
}

func TestJanitor_Run(t *testing.T) {
	conf := core.NewTestConfig()
	conf.Attendance.StaleAfter = 6 * time.Hour

	t.Run("nothing to close", func(t *testing.T) {
		closer, logger := &closerMock{}, &loggerMock{}
		j, err := NewJanitor(closer, logger, conf)
		require.NoError(t, err)

		j.Run()
		assert.Equal(t, []time.Duration{6 * time.Hour}, closer.calls)
		assert.Empty(t, logger.infos)
		assert.Empty(t, logger.errors)
	})

	t.Run("closed", func(t *testing.T) {
		closer, logger := &closerMock{closed: 1}, &loggerMock{}
		j, err := NewJanitor(closer, logger, conf)
		require.NoError(t, err)

		j.Run()
		assert.Equal(t, []string{"janitor: closed 1 stale session(s)"}, logger.infos)
	})

	t.Run("failure", func(t *testing.T) {
		closer, logger := &closerMock{err: errors.New("db down")}, &loggerMock{}
		j, err := NewJanitor(closer, logger, conf)
		require.NoError(t, err)

		j.Run()
		assert.Equal(t, []string{"janitor: closing stale sessions: db down"}, logger.errors)
	})
}

func TestJanitor_StartStop(t *testing.T) {
	conf := core.NewTestConfig()
	conf.Attendance.JanitorSchedule = "@every 1s"

	closer := &closerMock{}
	j, err := NewJanitor(closer, &loggerMock{}, conf)
	require.NoError(t, err)

	j.Start()
	assert.Eventually(t, func() bool { return closer.callCount() > 0 }, 3*time.Second, 50*time.Millisecond)
	j.Stop()

	n := closer.callCount()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, closer.callCount(), "no run after Stop")
}
