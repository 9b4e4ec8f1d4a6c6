package orchestrator

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/syncrun"
)

// Job is a unit of work run by the worker pool.
type Job interface {
	Execute(ctx context.Context) error
	// Key identifies the connection the job works on.
	Key() string
	Description() string
}

// Submitter hands jobs to workers. Implemented by the scheduler's worker pool.
type Submitter interface {
	Submit(job Job) error
}

// Task is one queued request against a connection.
type Task struct {
	ConnectionID string
	Type         syncrun.Type
	// Webhook is set for webhook-driven tasks.
	Webhook WebhookEvent

	review *reviewTask
}

func (t Task) String() string {
	if t.review != nil {
		return fmt.Sprintf("review %s for connection %s", t.review.record.ID, t.ConnectionID)
	}
	return fmt.Sprintf("%s sync for connection %s", t.Type, t.ConnectionID)
}

// Dispatcher serializes tasks per connection. A connection has at most one drain
// job in flight; tasks arriving meanwhile wait in its queue.
type Dispatcher struct {
	submitter Submitter
	handle    func(ctx context.Context, task Task) error

	mu      sync.Mutex
	queues  map[string][]Task
	running map[string]bool
}

// NewDispatcher creates a dispatcher that runs handle for each task
func NewDispatcher(submitter Submitter, handle func(ctx context.Context, task Task) error) *Dispatcher {
	return &Dispatcher{
		submitter: submitter,
		handle:    handle,
		queues:    make(map[string][]Task),
		running:   make(map[string]bool),
	}
}

// Enqueue adds task behind any work already running for its connection.
func (d *Dispatcher) Enqueue(task Task) error {
	d.mu.Lock()
	d.queues[task.ConnectionID] = append(d.queues[task.ConnectionID], task)
	if d.running[task.ConnectionID] {
		depth := len(d.queues[task.ConnectionID])
		d.mu.Unlock()
		log.WithFields(log.Fields{
			"connection_id": task.ConnectionID,
			"type":          string(task.Type),
			"queue_depth":   depth,
		}).Debug("Connection busy, task queued")
		return nil
	}
	d.running[task.ConnectionID] = true
	d.mu.Unlock()

	return d.submit(task.ConnectionID)
}

// TryEnqueue runs task only if the connection is idle. It reports whether the
// task was accepted.
func (d *Dispatcher) TryEnqueue(task Task) (bool, error) {
	d.mu.Lock()
	if d.running[task.ConnectionID] {
		d.mu.Unlock()
		log.WithFields(log.Fields{
			"connection_id": task.ConnectionID,
			"type":          string(task.Type),
		}).Info("Sync already in progress, skipping")
		return false, nil
	}
	d.queues[task.ConnectionID] = append(d.queues[task.ConnectionID], task)
	d.running[task.ConnectionID] = true
	d.mu.Unlock()

	if err := d.submit(task.ConnectionID); err != nil {
		return false, err
	}
	return true, nil
}

// Busy reports whether the connection has work in flight.
func (d *Dispatcher) Busy(connectionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[connectionID]
}

func (d *Dispatcher) submit(connectionID string) error {
	if err := d.submitter.Submit(&drainJob{dispatcher: d, connectionID: connectionID}); err != nil {
		d.release(connectionID, err)
		return fmt.Errorf("failed to submit sync for connection %s: %w", connectionID, err)
	}
	return nil
}

// next pops the connection's next task, releasing the connection when none is left.
func (d *Dispatcher) next(connectionID string) (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.queues[connectionID]
	if len(queue) == 0 {
		delete(d.queues, connectionID)
		delete(d.running, connectionID)
		return Task{}, false
	}
	task := queue[0]
	d.queues[connectionID] = queue[1:]
	return task, true
}

// release forgets the connection's queue and returns how many tasks were dropped.
// Dropped review tasks are answered with cause.
func (d *Dispatcher) release(connectionID string, cause error) int {
	d.mu.Lock()
	queue := d.queues[connectionID]
	delete(d.queues, connectionID)
	delete(d.running, connectionID)
	d.mu.Unlock()

	for _, task := range queue {
		if task.review != nil {
			task.review.finish(nil, cause)
		}
	}
	return len(queue)
}

// queued reports how many tasks wait behind the connection's running work.
func (d *Dispatcher) queued(connectionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[connectionID])
}

type drainJob struct {
	dispatcher   *Dispatcher
	connectionID string
}

// Execute runs the connection's queued tasks in arrival order.
func (j *drainJob) Execute(ctx context.Context) error {
	var failed int
	for {
		if ctx.Err() != nil {
			dropped := j.dispatcher.release(j.connectionID, ctx.Err())
			log.WithFields(log.Fields{
				"connection_id": j.connectionID,
				"dropped":       dropped,
			}).Warn("Sync queue abandoned on shutdown")
			return ctx.Err()
		}
		task, ok := j.dispatcher.next(j.connectionID)
		if !ok {
			break
		}
		if err := j.dispatcher.handle(ctx, task); err != nil {
			failed++
			log.WithError(err).WithFields(log.Fields{
				"connection_id": task.ConnectionID,
				"type":          string(task.Type),
			}).Warn("Sync task failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d sync tasks failed for connection %s", failed, j.connectionID)
	}
	return nil
}

func (j *drainJob) Key() string {
	return j.connectionID
}

func (j *drainJob) Description() string {
	return fmt.Sprintf("Sync queue for connection %s", j.connectionID)
}
