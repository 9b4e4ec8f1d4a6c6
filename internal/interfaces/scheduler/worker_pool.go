package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ledgersync/internal/domain/orchestrator"
)

var (
	jobTracer          = otel.Tracer("ledgersync/scheduler")
	jobMeter           = otel.Meter("ledgersync/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
)

var (
	ErrQueueFull  = errors.New("job queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// Job is the orchestrator's unit of work.
type Job = orchestrator.Job

// PoolConfig sizes the pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds one job. A drained connection queue counts as one job.
	JobTimeout time.Duration
}

// WorkerPool runs jobs on a fixed set of goroutines. It implements
// orchestrator.Submitter.
type WorkerPool struct {
	workerCount int
	jobTimeout  time.Duration
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

var _ orchestrator.Submitter = (*WorkerPool)(nil)

func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: cfg.Workers,
		jobTimeout:  cfg.JobTimeout,
		jobs:        make(chan Job, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	log.WithField("workers", wp.workerCount).Info("Starting worker pool")

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			log.WithField("worker", id).Debug("Worker shutting down")
			return

		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processJob(id, job)
		}
	}
}

func (wp *WorkerPool) processJob(workerID int, job Job) {
	fields := log.Fields{
		"worker": workerID,
		"job":    job.Description(),
		"key":    job.Key(),
	}

	ctx, cancel := context.WithTimeout(wp.ctx, wp.jobTimeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.key", job.Key()),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			span.SetStatus(codes.Error, "panic")
			jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "panic")))
			log.WithFields(fields).WithField("panic", rec).Error("Job panicked")
		}
	}()

	if err := job.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		jobDuration.Record(ctx, time.Since(start).Seconds())
		log.WithFields(fields).WithError(err).Warn("Job failed")
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	jobDuration.Record(ctx, time.Since(start).Seconds())
	log.WithFields(fields).WithField("duration_ms", time.Since(start).Milliseconds()).Debug("Job completed")
}

// Submit queues a job without blocking. A full queue returns ErrQueueFull.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return ErrPoolClosed
	}
	select {
	case wp.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		log.WithField("key", job.Key()).Warn("Job queue full, dropping job")
		return fmt.Errorf("%w: %s", ErrQueueFull, job.Description())
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. Jobs
// still running at the deadline have their context cancelled.
func (wp *WorkerPool) Shutdown(timeout time.Duration) {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobs)
	wp.mu.Unlock()

	log.WithField("timeout", timeout).Info("Worker pool: initiating graceful shutdown")

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Worker pool: all workers finished")
	case <-time.After(timeout):
		log.Warn("Worker pool: timeout reached, cancelling running jobs")
		wp.cancel()
		<-done
	}
	wp.cancel()
}
