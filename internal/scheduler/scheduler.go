// Package scheduler drives the periodic reconciliation sweep. Ticks can be
// aligned to wall-clock buckets so multiple instances sweeping the same
// book produce comparable audit timelines.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SweepFunc is invoked on every interval with the bucket start time.
type SweepFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToBucket bool
	StartupDelay  time.Duration
	// TickTimeout bounds one sweep; zero means the run context alone
	// bounds it.
	TickTimeout time.Duration
}

// Scheduler runs a sweep function at a fixed cadence. A failed sweep is
// logged and the cadence continues; sweeps are idempotent by design.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the sweep at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, sweep SweepFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next sweep")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := s.bucketStart(next)
		if err := s.runOne(ctx, sweep, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("sweep failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) runOne(ctx context.Context, sweep SweepFunc, bucket time.Time) error {
	if s.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TickTimeout)
		defer cancel()
	}
	s.logger.Info().Time("bucket", bucket).Msg("starting sweep")
	return sweep(ctx, bucket)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
