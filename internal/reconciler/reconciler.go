// Package reconciler drains the sync queue into the cloud adapter.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/rs/zerolog"

	"asistoya/internal/cloud"
	"asistoya/internal/metrics"
	"asistoya/internal/queue"
)

// ErrBusy means another reconciler holds the queue lock.
var ErrBusy = errors.New("sync queue is locked by another reconciler")

// Options tune the loop. Zero values take the defaults below.
type Options struct {
	Interval       time.Duration
	Retention      time.Duration
	RequestTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ShutdownGrace  time.Duration
	// Debounce delays a triggered pass so bursts of writes share one pass.
	Debounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	return o
}

// Result summarizes one pass.
type Result struct {
	// Offline is set when the adapter was unhealthy and nothing was attempted.
	Offline   bool `json:"offline"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
	Parked    int  `json:"parked"`
	Deferred  int  `json:"deferred"`
	Skipped   int  `json:"skipped"`
	Collected int  `json:"collected"`
}

// Reconciler is the single background task per Local Store root.
type Reconciler struct {
	queue   *queue.Queue
	adapter cloud.Adapter
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex // one pass at a time within the process
	trigger chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a reconciler for q publishing through adapter.
func New(q *queue.Queue, adapter cloud.Adapter, opts Options, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		queue:   q,
		adapter: adapter,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// WithClock replaces the time source; used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// RunOnce performs one pass, waiting for the queue lock until ctx ends.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	blocker := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	}
	err := fslock.WithBlocking(r.queue.LockPath(), blocker, func() error {
		var perr error
		res, perr = r.pass(ctx)
		return perr
	})
	return res, err
}

// TryRunOnce performs one pass unless another pass or process holds the lock.
func (r *Reconciler) TryRunOnce(ctx context.Context) (Result, error) {
	if !r.mu.TryLock() {
		return Result{}, ErrBusy
	}
	defer r.mu.Unlock()

	var res Result
	err := fslock.With(r.queue.LockPath(), func() error {
		var perr error
		res, perr = r.pass(ctx)
		return perr
	})
	if errors.Is(err, fslock.ErrLockHeld) {
		return Result{}, ErrBusy
	}
	return res, err
}

func (r *Reconciler) pass(ctx context.Context) (Result, error) {
	start := r.now()
	defer func() { metrics.PassDuration().Observe(r.now().Sub(start).Seconds()) }()

	var res Result
	if err := r.adapter.Health(ctx); err != nil {
		res.Offline = true
		r.logger.Debug().Err(err).Str("backend", r.adapter.Name()).Msg("backend unavailable, pass skipped")
	} else {
		entries, err := r.queue.Pending()
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				r.logger.Info().Msg("shutdown requested, stopping pass")
				break
			}
			if e.Parked() {
				res.Skipped++
				continue
			}
			if !e.Due(r.now()) {
				res.Deferred++
				continue
			}
			res.Attempted++
			r.attempt(ctx, e, &res)
		}
	}

	collected, err := r.collect()
	res.Collected = collected
	if err != nil {
		r.logger.Warn().Err(err).Msg("garbage collection failed")
	}
	r.publishStats()

	if res.Attempted > 0 || res.Collected > 0 {
		r.logger.Info().Int("synced", res.Synced).Int("failed", res.Failed).Int("parked", res.Parked).
			Int("deferred", res.Deferred).Int("collected", res.Collected).Msg("sync pass finished")
	}
	return res, nil
}

func (r *Reconciler) attempt(ctx context.Context, e queue.Entry, res *Result) {
	// The call is bounded by the request timeout and not cut short by shutdown.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.RequestTimeout)
	err := r.adapter.Put(callCtx, e.Collection, e.RecordID, e.Payload)
	cancel()

	now := r.now().UTC()
	log := r.logger.With().Str("entry", e.Key()).Logger()
	switch {
	case err == nil:
		e.Synced = true
		e.SyncedAt = &now
		e.LastError = ""
		e.NextAttemptAt = nil
		written, serr := r.queue.Update(e)
		if serr != nil {
			// The write will be repeated next pass; the backend overwrite is idempotent.
			log.Error().Err(serr).Msg("could not mark entry synced")
			return
		}
		if !written {
			res.Deferred++
			log.Debug().Msg("entry re-enqueued during attempt, newer write stays pending")
			return
		}
		res.Synced++
		metrics.Synced().WithLabelValues(e.Collection).Inc()
	case cloud.IsPermanent(err):
		e.Attempts = queue.PermanentAttempts
		e.LastError = err.Error()
		e.NextAttemptAt = nil
		metrics.SyncFailures().WithLabelValues(e.Collection, cloud.Permanent.String()).Inc()
		written, serr := r.queue.Update(e)
		if serr != nil {
			log.Error().Err(serr).Msg("could not park entry")
			return
		}
		if !written {
			res.Deferred++
			log.Warn().Err(err).Msg("permanent failure on a superseded write, newer write stays pending")
			return
		}
		res.Parked++
		log.Error().Err(err).Msg("permanent failure, entry parked")
	default:
		next := now.Add(r.backoff(e.Attempts))
		e.Attempts++
		e.LastError = err.Error()
		e.NextAttemptAt = &next
		res.Failed++
		metrics.SyncFailures().WithLabelValues(e.Collection, cloud.Transient.String()).Inc()
		log.Warn().Err(err).Int("attempts", e.Attempts).Time("next_attempt_at", next).Msg("transient failure")
		if written, serr := r.queue.Update(e); serr != nil {
			log.Error().Err(serr).Msg("could not record failed attempt")
		} else if !written {
			log.Debug().Msg("entry re-enqueued during attempt, backoff not recorded")
		}
	}
}

// backoff returns min(MaxBackoff, BaseBackoff * 2^attempts).
func (r *Reconciler) backoff(attempts int) time.Duration {
	d := r.opts.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	if d > r.opts.MaxBackoff {
		return r.opts.MaxBackoff
	}
	return d
}

func (r *Reconciler) collect() (int, error) {
	entries, err := r.queue.Entries()
	if err != nil {
		return 0, err
	}
	horizon := r.now().Add(-r.opts.Retention)
	removed := 0
	for _, e := range entries {
		if !e.Synced || e.SyncedAt == nil || !e.SyncedAt.Before(horizon) {
			continue
		}
		ok, err := r.queue.Remove(e)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	metrics.GarbageCollected().Add(float64(removed))
	return removed, nil
}

func (r *Reconciler) publishStats() {
	stats, err := r.queue.Stats()
	if err != nil {
		return
	}
	metrics.QueueEntries().WithLabelValues("pending").Set(float64(stats.Pending))
	metrics.QueueEntries().WithLabelValues("parked").Set(float64(stats.Parked))
	metrics.QueueEntries().WithLabelValues("synced").Set(float64(stats.Synced))
}
