// Package queue distributes order-processing jobs to a bounded worker pool
// with at-least-once delivery, idempotent enqueue, and exponential backoff.
// Job identity equals order identity, so the same order is never in flight
// on two workers at once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pbulloch/swaprouter/internal/store"
)

// Handler processes one delivered job. attempt is the number of failed
// deliveries that preceded this one (0 on first delivery). A nil return
// completes the job; a fatal error drops it; any other error reschedules it
// per the retry policy.
type Handler func(ctx context.Context, orderID string, attempt int) error

// fatalError marks a handler failure that must not be retried.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the queue drops the job instead of retrying it.
func Fatal(err error) error {
	return &fatalError{err: err}
}

// IsFatal reports whether err was wrapped with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Config holds queue tuning parameters.
type Config struct {
	Workers      int
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
}

var (
	jobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swaprouter_jobs_completed_total",
		Help: "Total number of jobs that completed successfully.",
	})

	jobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swaprouter_jobs_failed_total",
		Help: "Total number of jobs that reached a terminal failure.",
	})

	jobsRetriedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swaprouter_jobs_retried_total",
		Help: "Total number of job deliveries rescheduled after a transient failure.",
	})
)

func init() {
	prometheus.MustRegister(jobsCompletedTotal)
	prometheus.MustRegister(jobsFailedTotal)
	prometheus.MustRegister(jobsRetriedTotal)
}

// Queue dispatches due jobs from the store to a fixed pool of workers.
type Queue struct {
	store   store.Store
	handler Handler
	cfg     Config
	logger  *slog.Logger
	jobs    chan *store.Job
	wg      sync.WaitGroup
}

// New creates a queue. The handler is invoked by worker goroutines once Run
// is called.
func New(s store.Store, h Handler, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}

	return &Queue{
		store:   s,
		handler: h,
		cfg:     cfg,
		logger:  logger,
		jobs:    make(chan *store.Job),
	}
}

// Enqueue registers a job for the order. Enqueue is idempotent: if a job for
// this order id already exists in any state, the call is a no-op.
func (q *Queue) Enqueue(ctx context.Context, orderID string) error {
	created, err := q.store.EnqueueJob(ctx, orderID)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if !created {
		q.logger.Debug("duplicate enqueue ignored", "order_id", orderID)
	}
	return nil
}

// Run starts the worker pool and the dispatch loop, blocking until ctx is
// cancelled and all in-flight jobs have finished. Jobs left active by a
// previous run are reset to waiting first.
func (q *Queue) Run(ctx context.Context) {
	if n, err := q.store.ResetActiveJobs(ctx); err != nil {
		q.logger.Error("failed to reset orphaned jobs", "error", err)
	} else if n > 0 {
		q.logger.Info("reset orphaned jobs to waiting", "count", n)
	}

	for range q.cfg.Workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(q.jobs)
			q.wg.Wait()
			return
		case <-ticker.C:
			q.dispatch(ctx)
		}
	}
}

// dispatch claims due jobs and hands them to workers. Claiming marks jobs
// active in the store, so a slow handoff cannot double-deliver.
func (q *Queue) dispatch(ctx context.Context) {
	jobs, err := q.store.ClaimDueJobs(ctx, time.Now().UTC(), q.cfg.Workers)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to claim jobs", "error", err)
		}
		return
	}

	for _, j := range jobs {
		select {
		case q.jobs <- j:
		case <-ctx.Done():
			// Shutting down mid-handoff; the startup reset redelivers it.
			return
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for j := range q.jobs {
		q.process(ctx, j)
	}
}

// process runs the handler for one delivery and settles the job's fate:
// complete on success, drop on fatal, reschedule with backoff until the
// attempt budget is spent.
func (q *Queue) process(ctx context.Context, j *store.Job) {
	err := q.handler(ctx, j.OrderID, j.Attempts)

	// Job bookkeeping must land even when the handler consumed its context.
	bctx := context.Background()

	if err == nil {
		if serr := q.store.CompleteJob(bctx, j.OrderID); serr != nil {
			q.logger.Error("failed to complete job", "order_id", j.OrderID, "error", serr)
		}
		jobsCompletedTotal.Inc()
		return
	}

	if IsFatal(err) {
		q.logger.Warn("dropping job after fatal error", "order_id", j.OrderID, "error", err)
		if serr := q.store.FailJob(bctx, j.OrderID, j.Attempts); serr != nil {
			q.logger.Error("failed to fail job", "order_id", j.OrderID, "error", serr)
		}
		jobsFailedTotal.Inc()
		return
	}

	attempts := j.Attempts + 1
	if attempts >= q.cfg.MaxRetries {
		q.logger.Warn("job exhausted retries", "order_id", j.OrderID, "attempts", attempts, "error", err)
		if serr := q.store.FailJob(bctx, j.OrderID, attempts); serr != nil {
			q.logger.Error("failed to fail job", "order_id", j.OrderID, "error", serr)
		}
		jobsFailedTotal.Inc()
		return
	}

	delay := Backoff(attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff)
	q.logger.Info("rescheduling job", "order_id", j.OrderID, "attempts", attempts, "delay", delay, "error", err)
	if serr := q.store.RescheduleJob(bctx, j.OrderID, attempts, time.Now().UTC().Add(delay)); serr != nil {
		q.logger.Error("failed to reschedule job", "order_id", j.OrderID, "error", serr)
	}
	jobsRetriedTotal.Inc()
}

// Stats returns the per-state job counts and their total.
func (q *Queue) Stats(ctx context.Context) (*store.QueueCounts, error) {
	return q.store.JobCounts(ctx)
}

// Backoff returns the exponential backoff delay for the given failure count:
// base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	// 2^30 seconds already dwarfs any sane cap.
	if attempt > 31 {
		return max
	}
	d := base * time.Duration(1<<(attempt-1))
	if d > max || d <= 0 {
		return max
	}
	return d
}
