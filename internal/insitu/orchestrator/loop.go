package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RunOptions paces Run.
type RunOptions struct {
	// Interval between execution cycles while connected.
	Interval time.Duration
	// MaxRetryInterval caps the wait between connect attempts.
	MaxRetryInterval time.Duration
}

// Run drives the module until ctx ends. While disconnected it retries
// Connect with exponential backoff; while connected it runs one execution
// cycle per Interval. Run returns nil on cancellation and leaves closing to
// the caller.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = 5 * time.Second
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.Interval
	retry.MaxInterval = opts.MaxRetryInterval
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		wait := opts.Interval
		if o.connected() {
			o.cycle(ctx, opts.Interval)
			retry.Reset()
		} else if err := o.Connect(ctx); err != nil {
			wait = retry.NextBackOff()
			o.logger.Debug("waiting for simulation", zap.Duration("retry_in", wait))
		} else {
			retry.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// cycle runs one execution: admit buffered objects, announce the start,
// give the simulation window to deliver, then wait for its acknowledgement.
func (o *Orchestrator) cycle(ctx context.Context, window time.Duration) {
	o.OnPrepareCycle()
	if err := o.BeginExecute(ctx); err != nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(window):
	}
	if err := o.EndExecute(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("execution cycle ended with error", zap.Error(err))
	}
}
