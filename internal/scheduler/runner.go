package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/retry"
	"github.com/voicedesk/voicedesk/internal/traces"
)

// HandlerFunc executes one job. Return retry.Permanent to fail the job
// without further attempts.
type HandlerFunc func(ctx context.Context, job *Job) error

const (
	defaultInterval    = 15 * time.Second
	defaultStaleAfter  = 10 * time.Minute
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
)

// Runner polls the store for due jobs and dispatches them to handlers.
type Runner struct {
	store       Store
	logger      *slog.Logger
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
	maxAttempts int
	policy      retry.Policy
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	stop     chan struct{}
	running  atomic.Bool
	lastTick atomic.Int64
}

// NewRunner creates a runner polling every interval (15s when zero).
func NewRunner(store Store, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Runner{
		store:       store,
		logger:      logger,
		interval:    interval,
		staleAfter:  defaultStaleAfter,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		policy:      retry.DefaultPolicy,
		now:         time.Now,
		handlers:    make(map[string]HandlerFunc),
		stop:        make(chan struct{}),
	}
}

// Handle registers fn for jobs of kind.
func (r *Runner) Handle(kind string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// Running reports whether the loop is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// LastTick returns when the loop last finished a poll.
func (r *Runner) LastTick() time.Time {
	n := r.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start runs the poll loop until ctx is done or Stop is called. Call in a
// goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)
	r.lastTick.Store(r.now().UnixNano())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeTick(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (r *Runner) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Runner) safeTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in scheduler runner", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.RunDue(ctx); err != nil {
		r.logger.Warn("failed to claim due jobs", "error", err)
	}
	r.lastTick.Store(r.now().UnixNano())
}

// RunDue claims and executes every job due now. It returns the number of
// jobs executed.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	now := r.now()
	jobs, err := r.store.Claim(ctx, now, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		r.execute(ctx, j)
	}
	return len(jobs), nil
}

func (r *Runner) execute(ctx context.Context, j *Job) {
	r.mu.RLock()
	fn, ok := r.handlers[j.Kind]
	r.mu.RUnlock()

	ctx, span := traces.StartSpan(ctx, "scheduler.execute", traces.JobID(j.ID), traces.ClientID(j.ClientID))
	metrics.JobLag.Observe(r.now().Sub(j.FireAt).Seconds())

	var (
		err       error
		permanent bool
	)
	if !ok {
		err, permanent = fmt.Errorf("%w: %s", ErrUnknownKind, j.Kind), true
	} else {
		err = retry.Do(ctx, r.policy, func(int) error {
			ferr := fn(ctx, j)
			permanent = retry.IsPermanent(ferr)
			return ferr
		})
	}
	traces.End(span, err)

	log := r.logger.With("jobId", j.ID, "kind", j.Kind, "clientId", j.ClientID, "attempt", j.Attempts)
	now := r.now()
	switch {
	case err == nil:
		if ferr := r.store.Finish(ctx, j.ID, StatusCompleted, "", now); ferr != nil {
			log.Warn("failed to mark job completed", "error", ferr)
		}
		metrics.JobsTotal.WithLabelValues(j.Kind, "completed").Inc()
		log.Info("job completed")

	case permanent || j.Attempts >= r.maxAttempts:
		if ferr := r.store.Finish(ctx, j.ID, StatusFailed, err.Error(), now); ferr != nil {
			log.Warn("failed to mark job failed", "error", ferr)
		}
		metrics.JobsTotal.WithLabelValues(j.Kind, "failed").Inc()
		log.Error("job failed", "error", err)

	default:
		next := now.Add(r.interval * time.Duration(j.Attempts))
		if ferr := r.store.Requeue(ctx, j.ID, next, err.Error(), now); ferr != nil {
			log.Warn("failed to requeue job", "error", ferr)
		}
		metrics.JobsTotal.WithLabelValues(j.Kind, "retried").Inc()
		log.Warn("job requeued", "error", err, "nextFireAt", next)
	}
}
