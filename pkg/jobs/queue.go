package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when the buffer has no room for another job.
var ErrQueueFull = errors.New("queue full")

// Job represents a queued background task. Jobs sharing a non-empty Key are
// coalesced while one of them is still waiting in the buffer.
type Job struct {
	Type     string
	Key      string
	Payload  string
	Enqueued time.Time
}

// Handler processes a job. Returned errors are logged; jobs are never retried.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	Logger     *zap.Logger
}

// Queue is a lightweight in-memory job dispatcher backed by goroutines.
type Queue struct {
	name    string
	handler Handler

	workers int
	logger  *zap.Logger

	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	pending map[string]struct{}
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:    name,
		handler: handler,
		workers: cfg.Workers,
		logger:  cfg.Logger,
		jobs:    make(chan Job, cfg.BufferSize),
		pending: make(map[string]struct{}),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name, "workers", q.workers)
}

// Stop cancels workers and waits for them to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name)
}

// Enqueue pushes a job without blocking. It reports false when the job was
// coalesced into an identical pending one.
func (q *Queue) Enqueue(job Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		return false, fmt.Errorf("queue %s not started", q.name)
	}
	if err := q.ctx.Err(); err != nil {
		return false, fmt.Errorf("queue %s stopped: %w", q.name, err)
	}
	if job.Key != "" {
		if _, dup := q.pending[job.Key]; dup {
			return false, nil
		}
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	select {
	case q.jobs <- job:
		if job.Key != "" {
			q.pending[job.Key] = struct{}{}
		}
		return true, nil
	default:
		return false, fmt.Errorf("queue %s: %w", q.name, ErrQueueFull)
	}
}

// Len returns the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			if job.Key != "" {
				q.mu.Lock()
				delete(q.pending, job.Key)
				q.mu.Unlock()
			}
			q.run(job)
		}
	}
}

func (q *Queue) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Sugar().Errorw("job panicked", "queue", q.name, "type", job.Type, "key", job.Key, "panic", r)
		}
	}()
	if err := q.handler(q.ctx, job); err != nil {
		q.logger.Sugar().Warnw("job failed", "queue", q.name, "type", job.Type, "key", job.Key, "error", err)
	}
}
