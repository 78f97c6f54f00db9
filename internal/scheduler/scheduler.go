// Package scheduler runs periodic maintenance such as pruning superseded
// workspace snapshots and expired upload targets.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Task is a maintenance function fired on a cron schedule.
type Task func(ctx context.Context) error

// Scheduler fires registered tasks from cron expressions. A task never runs
// concurrently with itself.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu      sync.Mutex
	running map[string]bool
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler. Tasks receive ctx when they fire.
func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cronParser)),
		ctx:     ctx,
		running: make(map[string]bool),
	}
}

// Add registers a task. An empty schedule disables it.
func (s *Scheduler) Add(name, schedule string, task Task) error {
	if schedule == "" {
		slog.Info("task disabled", "name", name)
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() { s.fire(name, task) })
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", schedule, name, err)
	}
	slog.Info("scheduled task", "name", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) fire(name string, task Task) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		slog.Debug("task still running, skipping", "name", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	slog.Debug("cron firing task", "name", name)
	if err := task(s.ctx); err != nil {
		slog.Error("scheduled task failed", "name", name, "error", err)
	}
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron ticker and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
