// Periodic heartbeat flushing on a cron schedule
// Drains the shared discovery set at a fixed interval, retrying failed ticks
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/andrewh/spanmetrics/pkg/derive"
	retry "github.com/avast/retry-go/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Defaults applied by New for zero-valued Options fields.
const (
	DefaultInterval   = time.Minute
	DefaultRetryDelay = time.Second
	minInterval       = time.Second
)

// Options configures a Scheduler.
type Options struct {
	Component  string
	Sender     derive.Sender
	Discovered *derive.Discovered
	Interval   time.Duration
	// Attempts is the number of flush attempts per tick, first included.
	Attempts   uint
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Stats counts flushes performed by a Scheduler.
type Stats struct {
	Flushes  int64 `json:"flushes"`
	Failures int64 `json:"failures"`
	Sent     int64 `json:"heartbeats"`
}

// Scheduler flushes heartbeats for discovered keys on a fixed interval.
// Ticks never overlap, so it is the single drainer of its discovery set.
type Scheduler struct {
	opts   Options
	cron   *cron.Cron
	logger *zap.Logger

	flushes  atomic.Int64
	failures atomic.Int64
	sent     atomic.Int64
}

// New validates opts and returns a stopped Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Discovered == nil {
		return nil, errors.New("heartbeat scheduler requires a discovery set")
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < minInterval {
		return nil, fmt.Errorf("heartbeat interval must be at least %s, got %s", minInterval, opts.Interval)
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Scheduler{
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", opts.Component)),
	}
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.cron.Schedule(cron.Every(opts.Interval), cron.FuncJob(s.tick))
	return s, nil
}

// Start begins flushing on the configured interval. It does not block.
func (s *Scheduler) Start() {
	s.logger.Info("starting heartbeat scheduler", zap.Duration("interval", s.opts.Interval))
	s.cron.Start()
}

// Stop halts the schedule, waits for a running tick to finish, then flushes
// once more so keys discovered since the last tick are not lost.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Flush(ctx)
}

// Flush drains the discovery set now, retrying up to Attempts times.
func (s *Scheduler) Flush(ctx context.Context) error {
	var sender derive.Sender
	if s.opts.Sender != nil {
		sender = countingSender{Sender: s.opts.Sender, sent: &s.sent}
	}
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.opts.Attempts),
		retry.Delay(s.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("heartbeat flush failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		return derive.FlushHeartbeats(s.opts.Component, sender, s.opts.Discovered)
	})

	s.flushes.Add(1)
	if err != nil {
		s.failures.Add(1)
		return err
	}
	return nil
}

func (s *Scheduler) tick() {
	if err := s.Flush(context.Background()); err != nil {
		s.logger.Error("heartbeat flush failed", zap.Error(err))
		return
	}
	s.logger.Debug("heartbeats flushed")
}

// Stats returns a snapshot of the flush counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Flushes:  s.flushes.Load(),
		Failures: s.failures.Load(),
		Sent:     s.sent.Load(),
	}
}

// countingSender counts successful sends.
type countingSender struct {
	derive.Sender
	sent *atomic.Int64
}

func (c countingSender) SendMetric(name string, value float64, timestamp int64, source string, tags map[string]string) error {
	if err := c.Sender.SendMetric(name, value, timestamp, source, tags); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// cronLogger routes cron's logging to zap. Cron's info messages fire on
// every wake-up, so they go to debug.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
