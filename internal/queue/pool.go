package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localvercel/internal/repository"
)

// Handler performs one job. Returning an error nacks the delivery.
type Handler func(ctx context.Context, job Job) error

// WorkMap routes job types to handlers.
type WorkMap map[string]Handler

// Pool runs workers that consume a Queue. Jobs sharing a key never run
// concurrently.
type Pool struct {
	queue   Queue
	work    WorkMap
	workers int
	locker  Locker
	store   repository.HealthChecker
	logger  *slog.Logger
	backoff time.Duration

	metricsOnce sync.Once
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLocker sets the keyed lock used to serialize jobs.
func WithLocker(l Locker) PoolOption {
	return func(p *Pool) { p.locker = l }
}

// WithHealthChecker sets the store verified before every job.
func WithHealthChecker(h repository.HealthChecker) PoolOption {
	return func(p *Pool) { p.store = h }
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool builds a pool for the handlers in work.
func NewPool(q Queue, work WorkMap, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:   q,
		work:    work,
		workers: 1,
		logger:  slog.Default(),
		backoff: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locker == nil {
		p.locker = NewLocalLocker()
	}
	p.initMetrics()
	return p
}

// Run consumes jobs until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		delivery, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		p.process(ctx, delivery)
	}
}

func (p *Pool) process(ctx context.Context, d *Delivery) {
	job := d.Job
	logger := p.logger.With("job_id", job.ID, "job_type", job.Type, "key", job.Key, "attempt", job.Attempts+1)
	settle := context.WithoutCancel(ctx)

	handler, ok := p.work[job.Type]
	if !ok {
		logger.Error("no handler registered for job type")
		p.nack(settle, logger, d, Permanent(fmt.Errorf("unknown job type %q", job.Type)))
		p.record(job.Type, "dead", 0)
		return
	}

	if err := p.ensureStore(ctx, logger); err != nil {
		p.nack(settle, logger, d, err)
		p.record(job.Type, "error", 0)
		return
	}

	release, err := p.locker.Acquire(ctx, job.Key)
	if err != nil {
		if ctx.Err() != nil {
			// Left in flight; recovered on next start.
			return
		}
		logger.Error("acquire job lock failed", "error", err)
		p.nack(settle, logger, d, err)
		p.record(job.Type, "error", 0)
		return
	}
	defer release()

	start := time.Now()
	err = p.invoke(ctx, handler, job)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			logger.Warn("job interrupted by shutdown", "error", err)
			return
		}
		logger.Error("job failed", "error", err, "duration_ms", elapsed.Milliseconds())
		p.nack(settle, logger, d, err)
		p.record(job.Type, "error", elapsed)
		return
	}
	if err := d.Ack(settle); err != nil {
		logger.Error("ack failed", "error", err)
	}
	logger.Info("job completed", "duration_ms", elapsed.Milliseconds())
	p.record(job.Type, "success", elapsed)
}

func (p *Pool) invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v\n%s", job.Type, r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}

// ensureStore pings the store and resets its connections once when the ping
// fails, so a connection broken by a previous job is not reused.
func (p *Pool) ensureStore(ctx context.Context, logger *slog.Logger) error {
	if p.store == nil {
		return nil
	}
	err := p.store.Ping(ctx)
	if err == nil {
		return nil
	}
	logger.Warn("store health check failed, resetting connections", "error", err)
	p.store.Reset()
	if err := p.store.Ping(ctx); err != nil {
		logger.Error("store unavailable after reset", "error", err)
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

func (p *Pool) nack(ctx context.Context, logger *slog.Logger, d *Delivery, cause error) {
	if err := d.Nack(ctx, cause); err != nil {
		logger.Error("nack failed", "error", err)
	}
}

func (p *Pool) initMetrics() {
	p.metricsOnce.Do(func() {
		p.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Count of processed jobs by outcome",
		}, []string{"type", "outcome"})
		p.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Duration of job handlers",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		}, []string{"type"})

		if err := prometheus.Register(p.jobsTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					p.jobsTotal = existing
				}
			}
		}
		if err := prometheus.Register(p.jobDuration); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
					p.jobDuration = existing
				}
			}
		}
	})
}

func (p *Pool) record(jobType, outcome string, elapsed time.Duration) {
	p.jobsTotal.With(prometheus.Labels{"type": jobType, "outcome": outcome}).Inc()
	if elapsed > 0 {
		p.jobDuration.With(prometheus.Labels{"type": jobType}).Observe(elapsed.Seconds())
	}
}
