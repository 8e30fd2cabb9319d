package reconciler

import (
	"context"
	"errors"
	"time"

	"asistoya/internal/queue"
)

// Start runs passes every Interval and whenever Trigger is called, until Stop
// or ctx ends. Calling Start on a running reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop cancels the loop and waits up to ShutdownGrace for the current pass.
// It reports whether the loop exited in time.
func (r *Reconciler) Stop() bool {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		return true
	case <-time.After(r.opts.ShutdownGrace):
		r.logger.Warn().Dur("grace", r.opts.ShutdownGrace).Msg("reconciler did not stop in time")
		return false
	}
}

// Trigger requests an early pass. Repeated triggers coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Watch turns notifier messages into triggers until ctx ends.
func (r *Reconciler) Watch(ctx context.Context, n queue.Notifier) error {
	msgs, err := n.Consume(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			if msg.Type == queue.MessageEnqueued {
				r.Trigger()
			}
		}
	}()
	return nil
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.opts.Interval).Msg("reconciler started")
	r.background(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.background(ctx)
		case <-r.trigger:
			if r.opts.Debounce > 0 {
				select {
				case <-time.After(r.opts.Debounce):
				case <-ctx.Done():
					continue
				}
				// Drop triggers that arrived while waiting.
				select {
				case <-r.trigger:
				default:
				}
			}
			r.background(ctx)
		}
	}
}

func (r *Reconciler) background(ctx context.Context) {
	if _, err := r.TryRunOnce(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			r.logger.Debug().Msg("queue busy, pass skipped")
			return
		}
		r.logger.Error().Err(err).Msg("sync pass failed")
	}
}
