package frame

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"epdframe/internal/log"
)

// Job is one scheduled refresh.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a cron schedule. A run still in progress when the
// next one is due causes that one to be skipped.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	c        *cron.Cron
	cancel   context.CancelFunc
}

// cronLogger adapts internal/log to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	log.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	log.Error("cron: "+msg, err, kv...)
}

// NewScheduler parses spec, a standard five field cron expression or a
// descriptor such as "@every 15m" or "@hourly".
func NewScheduler(spec string) (*Scheduler, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("frame: refresh schedule %q: %w", spec, err)
	}
	l := cronLogger{}
	return &Scheduler{
		spec:     spec,
		schedule: sched,
		c: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}, nil
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start runs job on the schedule until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context, job Job) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.c.Schedule(s.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			log.Error("frame: scheduled refresh failed", err, "schedule", s.spec)
		}
	}))
	s.c.Start()
	log.Info("frame: scheduler started", "schedule", s.spec, "next", s.Next(time.Now()).Format(time.RFC3339))

	go func() {
		<-ctx.Done()
		s.c.Stop()
	}()
}

// Stop cancels the running job, if any, and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.c.Stop().Done()
}
