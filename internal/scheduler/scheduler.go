package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazz-dev/svcwatch/internal/clock"
)

// Ticker is a single service that the scheduler offers a tick on every sweep.
type Ticker interface {
	Name() string
	Tick(ctx context.Context)
}

// Metrics receives sweep-level measurements.
type Metrics interface {
	ObserveSweep(d time.Duration)
	IncTickPanic(service string)
}

// Options configures a Scheduler.
type Options struct {
	// SweepInterval is the pause between the end of one sweep and the start
	// of the next.
	SweepInterval time.Duration
	// MaxParallel bounds how many ticks run at once. Values below 2 tick
	// services one after another in configuration order.
	MaxParallel int
	Clock       clock.Clock
	Metrics     Metrics
}

// Scheduler sweeps over all services at a fixed interval, giving each one a
// chance to run its check.
type Scheduler struct {
	checks []Ticker
	opts   Options
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a new Scheduler. Pass nil logger to use slog.Default().
func New(checks []Ticker, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Scheduler{
		checks: checks,
		opts:   opts,
		logger: logger,
	}
}

// Start runs the sweep loop in a goroutine. It is non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(ctx)
	}()
}

// Wait blocks until the sweep loop started by Start has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run sweeps immediately and then every SweepInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"services", len(s.checks),
		"sweep_interval", s.opts.SweepInterval,
		"max_parallel", s.opts.MaxParallel,
	)
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-s.opts.Clock.After(s.opts.SweepInterval):
		}
	}
}

// Sweep offers one tick to every service. A panicking tick is logged and
// does not affect the others.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()
	s.logger.Debug("sweep started")

	if s.opts.MaxParallel > 1 {
		var g errgroup.Group
		g.SetLimit(s.opts.MaxParallel)
		for _, c := range s.checks {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				s.tick(ctx, c)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, c := range s.checks {
			if ctx.Err() != nil {
				break
			}
			s.tick(ctx, c)
		}
	}

	elapsed := time.Since(start)
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveSweep(elapsed)
	}
	s.logger.Debug("sweep finished", "duration", elapsed)
}

func (s *Scheduler) tick(ctx context.Context, c Ticker) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("check tick panicked",
				"service", c.Name(),
				"error", fmt.Sprint(r),
			)
			if s.opts.Metrics != nil {
				s.opts.Metrics.IncTickPanic(c.Name())
			}
		}
	}()
	c.Tick(ctx)
}
