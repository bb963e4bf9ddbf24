package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune ticker behaviour.
type Options struct {
	Interval  time.Duration
	Immediate bool // run the first tick immediately instead of after one interval
	Name      string
}

// Ticker drives periodic execution of a job until its context is cancelled.
// Tick errors are logged, never fatal; the next interval always fires.
type Ticker struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Ticker instance.
func New(opts Options, logger zerolog.Logger) *Ticker {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Ticker{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}
}

// Run blocks, invoking the tick function each interval until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context, tick TickFunc) error {
	if t.opts.Immediate {
		t.fire(ctx, tick)
	}

	timer := time.NewTimer(t.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		t.fire(ctx, tick)
		timer.Reset(t.opts.Interval)
	}
}

func (t *Ticker) fire(ctx context.Context, tick TickFunc) {
	now := time.Now().UTC()
	t.logger.Debug().Time("tick", now).Msg("executing scheduled tick")
	if err := tick(ctx, now); err != nil && ctx.Err() == nil {
		t.logger.Error().Err(err).Time("tick", now).Msg("tick execution failed")
	}
}
