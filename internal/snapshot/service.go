// Package snapshot backs the workspace up after it changes. Bursts of
// changes are debounced into one upload, and uploads never overlap.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/gopherchef/internal/delivery"
	"github.com/user/gopherchef/internal/sandbox"
	"github.com/user/gopherchef/internal/types"
)

const DefaultDebounce = 100 * time.Millisecond

// Status is the user-visible state of the backup.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// SnapshotUploadError reports which upload stage failed.
type SnapshotUploadError struct {
	Stage string
	Err   error
}

func (e *SnapshotUploadError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Stage, e.Err)
}

func (e *SnapshotUploadError) Unwrap() error { return e.Err }

// AlertSink receives upload failure alerts.
type AlertSink interface {
	Deliver(chatID types.ChatID, alert types.Alert) error
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	Debounce time.Duration
	Excludes []string
	Alerts   AlertSink
}

// Info is a point-in-time view of the service.
type Info struct {
	Status        Status             `json:"status"`
	Error         string             `json:"error,omitempty"`
	Last          *types.SnapshotRef `json:"last,omitempty"`
	Pending       bool               `json:"pending"`
	InitialLoaded bool               `json:"initial_loaded"`
}

// Service uploads snapshots of one chat's workspace.
type Service struct {
	chatID    types.ChatID
	sessionID types.SessionID
	sandbox   types.Sandbox
	store     types.SnapshotStore
	blobs     types.BlobStore
	alerts    AlertSink
	debounce  time.Duration
	excludes  []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	timer         *time.Timer
	scheduled     bool
	busy          bool
	pending       bool
	initialLoaded bool
	closed        bool
	status        Status
	lastErr       error
	last          *types.SnapshotRef
	subscribers   map[int]func(Status)
	nextSub       int

	restoreGroup singleflight.Group
}

// New creates an idle service. Nothing is uploaded until MarkInitialLoaded
// is called.
func New(chatID types.ChatID, sessionID types.SessionID, sb types.Sandbox, store types.SnapshotStore, blobs types.BlobStore, opts Options) *Service {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Excludes == nil {
		opts.Excludes = sandbox.DefaultExcludes()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		chatID:      chatID,
		sessionID:   sessionID,
		sandbox:     sb,
		store:       store,
		blobs:       blobs,
		alerts:      opts.Alerts,
		debounce:    opts.Debounce,
		excludes:    opts.Excludes,
		ctx:         ctx,
		cancel:      cancel,
		status:      StatusIdle,
		subscribers: make(map[int]func(Status)),
	}
}

// Start watches the sandbox and triggers an upload for every change outside
// the excluded paths. It returns once the watcher has been launched.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.sandbox.Watch(s.ctx, func(ev types.WatchEvent) {
			if sandbox.Ignored(s.excludes, ev.Path) {
				return
			}
			s.Trigger()
		})
		if err != nil && s.ctx.Err() == nil {
			slog.Error("workspace watch stopped", "chat_id", string(s.chatID), "error", err)
		}
	}()
}

// Close stops watching, cancels any pending debounce and waits for an
// in-flight upload to finish.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.scheduled = false
	s.pending = false
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// MarkInitialLoaded allows uploads. Until then the workspace may be empty
// or stale and must not replace an existing snapshot.
func (s *Service) MarkInitialLoaded() {
	s.mu.Lock()
	s.initialLoaded = true
	s.mu.Unlock()
}

// Trigger schedules an upload after the debounce window. Triggers arriving
// within the window restart it.
func (s *Service) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.initialLoaded {
		return
	}
	s.scheduled = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.fire)
		return
	}
	s.timer.Reset(s.debounce)
}

// Flush runs a debounced upload immediately instead of waiting for the
// window to pass, then waits for uploads to settle. An upload whose timer
// already fired but has not started yet counts as unsettled.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	due := s.timer != nil && s.timer.Stop()
	s.mu.Unlock()
	if due {
		s.fire()
	}
	for {
		s.mu.Lock()
		idle := !s.busy && !s.scheduled
		err := s.lastErr
		s.mu.Unlock()
		if idle {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// fire runs when the debounce window closes. If an upload is already in
// flight it only records that one more is needed.
func (s *Service) fire() {
	s.mu.Lock()
	s.scheduled = false
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.busy {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	for {
		_ = s.upload(s.ctx)

		s.mu.Lock()
		if s.pending && !s.closed {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.busy = false
		s.mu.Unlock()
		return
	}
}

// upload performs the three upload stages in order.
func (s *Service) upload(ctx context.Context) error {
	s.setStatus(StatusSaving, nil)

	blob, err := s.sandbox.Export(ctx, s.excludes)
	if err != nil {
		return s.failed(&SnapshotUploadError{Stage: "export", Err: err})
	}
	target, err := s.store.GenerateUploadTarget(ctx)
	if err != nil {
		return s.failed(&SnapshotUploadError{Stage: "upload target", Err: err})
	}
	storageID, err := s.blobs.Transmit(ctx, target, blob)
	if err != nil {
		return s.failed(&SnapshotUploadError{Stage: "transmit", Err: err})
	}
	ref, err := s.store.RegisterSnapshot(ctx, s.chatID, s.sessionID, storageID)
	if err != nil {
		return s.failed(&SnapshotUploadError{Stage: "register", Err: err})
	}

	s.mu.Lock()
	s.last = ref
	s.mu.Unlock()
	s.setStatus(StatusSaved, nil)
	slog.Info("snapshot saved", "chat_id", string(s.chatID), "snapshot_id", string(ref.ID), "bytes", len(blob))
	return nil
}

func (s *Service) failed(err *SnapshotUploadError) error {
	s.setStatus(StatusError, err)
	slog.Warn("snapshot upload failed", "chat_id", string(s.chatID), "stage", err.Stage, "error", err.Err)
	if s.alerts != nil {
		if derr := s.alerts.Deliver(s.chatID, types.Alert{
			Type:        delivery.AlertSnapshot,
			Title:       "Workspace backup failed",
			Description: "Changes will be backed up again on the next edit.",
			Content:     err.Error(),
			Source:      "snapshot",
		}); derr != nil {
			slog.Warn("alert delivery failed", "chat_id", string(s.chatID), "error", derr)
		}
	}
	return err
}

func (s *Service) setStatus(status Status, err error) {
	s.mu.Lock()
	s.status = status
	s.lastErr = err
	subs := make([]func(Status), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

// Status returns the current backup status.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info returns the current status with its details.
func (s *Service) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Status:        s.status,
		Last:          s.last,
		Pending:       s.pending || s.busy,
		InitialLoaded: s.initialLoaded,
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	return info
}

// Subscribe calls fn on every status change until the returned function is
// called.
func (s *Service) Subscribe(fn func(Status)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// Restore loads the chat's latest snapshot into the sandbox and then allows
// uploads. Concurrent calls share one restore. A chat without snapshots is
// restored trivially.
func (s *Service) Restore(ctx context.Context) (*types.SnapshotRef, error) {
	v, err, _ := s.restoreGroup.Do(string(s.chatID), func() (any, error) {
		ref, err := s.store.LatestSnapshot(ctx, s.chatID)
		if err != nil {
			return nil, fmt.Errorf("latest snapshot: %w", err)
		}
		if ref != nil {
			if err := s.restoreRef(ctx, ref); err != nil {
				return nil, err
			}
		}
		s.MarkInitialLoaded()
		return ref, nil
	})
	if err != nil {
		return nil, err
	}
	ref, _ := v.(*types.SnapshotRef)
	return ref, nil
}

// RestoreSnapshot loads a specific snapshot into the sandbox.
func (s *Service) RestoreSnapshot(ctx context.Context, ref *types.SnapshotRef) error {
	if ref == nil {
		return errors.New("no snapshot to restore")
	}
	_, err, _ := s.restoreGroup.Do(string(ref.ID), func() (any, error) {
		return nil, s.restoreRef(ctx, ref)
	})
	return err
}

func (s *Service) restoreRef(ctx context.Context, ref *types.SnapshotRef) error {
	blob, err := s.blobs.Fetch(ctx, ref.StorageID)
	if err != nil {
		return fmt.Errorf("fetch snapshot %s: %w", ref.ID, err)
	}
	if err := s.sandbox.Import(ctx, blob); err != nil {
		return fmt.Errorf("import snapshot %s: %w", ref.ID, err)
	}
	s.mu.Lock()
	s.last = ref
	s.mu.Unlock()
	slog.Info("snapshot restored", "chat_id", string(s.chatID), "snapshot_id", string(ref.ID))
	return nil
}
