package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/gopherchef/internal/types"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
	JobSkipped  JobStatus = "skipped"
)

// Job is one task submitted to a session lane.
type Job struct {
	ID        types.JobID
	SessionID types.SessionID
	Name      string
	Fn        func(ctx context.Context) error
	CreatedAt time.Time

	mu      sync.Mutex
	status  JobStatus
	err     error
	started *time.Time
	ended   *time.Time
	done    chan struct{}
}

// NewJob creates a Job in the Queued state.
func NewJob(sessionID types.SessionID, name string, fn func(ctx context.Context) error) *Job {
	return &Job{
		ID:        types.NewJobID(),
		SessionID: sessionID,
		Name:      name,
		Fn:        fn,
		CreatedAt: time.Now(),
		status:    JobQueued,
		done:      make(chan struct{}),
	}
}

// Done is closed once the job has run or been skipped.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finished and returns its error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) markRunning() {
	j.mu.Lock()
	now := time.Now()
	j.started = &now
	j.status = JobRunning
	j.mu.Unlock()
}

func (j *Job) finish(status JobStatus, err error) {
	j.mu.Lock()
	now := time.Now()
	j.ended = &now
	j.status = status
	j.err = err
	j.mu.Unlock()
	close(j.done)
}
