package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/gopherchef/internal/types"
)

var (
	ErrQueueStopped = errors.New("queue stopped")
	ErrQueueFull    = errors.New("queue full")
)

// Queue is the execution queue. Each session gets its own FIFO lane so that
// jobs touching one workspace run strictly one at a time in submission order,
// while the semaphore limits how many sessions execute concurrently.
type Queue struct {
	lanes     map[types.SessionID]chan *Job
	semaphore *semaphore.Weighted
	depth     int
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewQueue creates a Queue that allows up to maxConcurrent sessions to run a
// job simultaneously. depth bounds each lane's backlog.
func NewQueue(maxConcurrent int64, depth int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if depth <= 0 {
		depth = 256
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		depth:     depth,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// jobs to finish. Jobs still waiting in a lane are marked skipped.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	q.stopped = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue appends a job to its session's lane, creating the lane (and its
// goroutine) on first use. Enqueue order is execution order.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.ctx == nil {
		return ErrQueueStopped
	}

	lane, exists := q.lanes[job.SessionID]
	if !exists {
		lane = make(chan *Job, q.depth)
		q.lanes[job.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(job.SessionID, lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("%w for session %s", ErrQueueFull, job.SessionID)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running each job synchronously.
func (q *Queue) processLane(sessionID types.SessionID, lane chan *Job) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				job.finish(JobSkipped, err)
				q.drain(lane)
				return
			}
			q.active.Add(1)
			q.run(job)
			q.active.Add(-1)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			q.drain(lane)
			return
		}
	}
}

// run executes one job. A failing or panicking job never stalls the lane.
func (q *Queue) run(job *Job) {
	job.markRunning()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			}
		}()
		if job.Fn != nil {
			err = job.Fn(q.ctx)
		}
	}()
	if err != nil {
		slog.Error("job failed", "job_id", string(job.ID), "job", job.Name, "session_id", string(job.SessionID), "error", err)
		job.finish(JobFailed, err)
		return
	}
	job.finish(JobComplete, nil)
}

func (q *Queue) drain(lane chan *Job) {
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			job.finish(JobSkipped, ErrQueueStopped)
		default:
			return
		}
	}
}

// WaitIdle blocks until no jobs are actively running, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// CloseLane releases a session's lane once the session ends.
func (q *Queue) CloseLane(sessionID types.SessionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane, ok := q.lanes[sessionID]; ok {
		close(lane)
		delete(q.lanes, sessionID)
	}
}
