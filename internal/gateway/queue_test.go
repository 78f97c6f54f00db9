package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/gopherchef/internal/types"
)

func TestQueueConcurrencyAcrossSessions(t *testing.T) {
	queue := NewQueue(2, 16)
	queue.Start(context.Background())
	defer queue.Stop()

	var running int32
	var maxSeen int32

	var jobs []*Job
	for i := 0; i < 5; i++ {
		job := NewJob(types.SessionID(fmt.Sprintf("session-%d", i)), "sleep", func(ctx context.Context) error {
			current := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
		if err := queue.Enqueue(job); err != nil {
			t.Fatal(err)
		}
		jobs = append(jobs, job)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, job := range jobs {
		if err := job.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueSameSessionOrdering(t *testing.T) {
	queue := NewQueue(4, 64)
	queue.Start(context.Background())
	defer queue.Stop()

	var mu sync.Mutex
	var order []int
	var running int32

	sessionID := types.SessionID("same-session")
	var last *Job
	for i := 0; i < 20; i++ {
		i := i
		last = NewJob(sessionID, "step", func(ctx context.Context) error {
			if n := atomic.AddInt32(&running, 1); n != 1 {
				t.Errorf("expected exclusive execution, saw %d running", n)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
		if err := queue.Enqueue(last); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := last.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 jobs, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Errorf("expected order[%d] = %d, got %d", i, i, v)
		}
	}
}

func TestQueueFailureDoesNotStallLane(t *testing.T) {
	queue := NewQueue(1, 16)
	queue.Start(context.Background())
	defer queue.Stop()

	sessionID := types.SessionID("failing")
	boom := errors.New("boom")

	failing := NewJob(sessionID, "fail", func(ctx context.Context) error { return boom })
	panicking := NewJob(sessionID, "panic", func(ctx context.Context) error { panic("kaboom") })
	var ran atomic.Bool
	after := NewJob(sessionID, "after", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	for _, job := range []*Job{failing, panicking, after} {
		if err := queue.Enqueue(job); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := after.Wait(ctx); err != nil {
		t.Fatalf("expected trailing job to succeed, got %v", err)
	}
	if !ran.Load() {
		t.Error("expected trailing job to run")
	}
	if !errors.Is(failing.Err(), boom) || failing.Status() != JobFailed {
		t.Errorf("expected failing job to record error, got %v (%s)", failing.Err(), failing.Status())
	}
	if panicking.Err() == nil || panicking.Status() != JobFailed {
		t.Errorf("expected panicking job to be failed, got %s", panicking.Status())
	}
}

func TestQueueFullLane(t *testing.T) {
	queue := NewQueue(1, 1)
	queue.Start(context.Background())
	defer queue.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	sessionID := types.SessionID("full")

	blocker := NewJob(sessionID, "block", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err := queue.Enqueue(blocker); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := queue.Enqueue(NewJob(sessionID, "fill", nil)); err != nil {
		t.Fatal(err)
	}
	err := queue.Enqueue(NewJob(sessionID, "overflow", nil))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	close(release)
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	queue := NewQueue(1, 1)
	err := queue.Enqueue(NewJob("s", "early", nil))
	if !errors.Is(err, ErrQueueStopped) {
		t.Errorf("expected ErrQueueStopped, got %v", err)
	}
}

func TestQueueWaitIdle(t *testing.T) {
	queue := NewQueue(1, 4)
	queue.Start(context.Background())
	defer queue.Stop()

	job := NewJob("idle", "short", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	if err := queue.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	<-job.Done()
	if !queue.WaitIdle(time.Second) {
		t.Error("expected queue to become idle")
	}
}
