// Package scheduler runs periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/kanisa/core"
)

// StaleCloser closes sessions left open longer than maxAge. Implemented by attendance.Service.
type StaleCloser interface {
	CloseStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Janitor auto-closes attendance sessions nobody closed.
type Janitor struct {
	cron    *cron.Cron
	closer  StaleCloser
	logger  core.Logger
	maxAge  time.Duration
	timeout time.Duration
}

func NewJanitor(closer StaleCloser, logger core.Logger, conf *core.Config) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		closer:  closer,
		logger:  logger,
		maxAge:  conf.Attendance.StaleAfter,
		timeout: time.Minute,
	}
	if j.maxAge <= 0 {
		return nil, errors.New("attendance.staleAfter must be positive")
	}
	if _, err := j.cron.AddFunc(conf.Attendance.JanitorSchedule, j.Run); err != nil {
		return nil, errors.Wrapf(err, "scheduling janitor %q", conf.Attendance.JanitorSchedule)
	}
	return j, nil
}

// Run closes stale sessions once.
func (j *Janitor) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.closer.CloseStale(ctx, j.maxAge)
	if err != nil {
		j.logger.Error(fmt.Sprintf("janitor: closing stale sessions: %v", err), err)
		return
	}
	if n > 0 {
		j.logger.Info(fmt.Sprintf("janitor: closed %d stale session(s)", n))
	}
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop stops scheduling and waits for a running job to complete.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
