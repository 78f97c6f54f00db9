// Package workbench ties together everything one chat session needs: the
// action runners, the tool-call broker, persistence of the conversation and
// backups of the workspace.
package workbench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/broker"
	ctxengine "github.com/user/gopherchef/internal/context"
	"github.com/user/gopherchef/internal/gateway"
	"github.com/user/gopherchef/internal/persist"
	"github.com/user/gopherchef/internal/runtime"
	"github.com/user/gopherchef/internal/runtime/tools"
	"github.com/user/gopherchef/internal/snapshot"
	"github.com/user/gopherchef/internal/types"
)

// ErrSessionClosed fails tool-call waits still outstanding at Close.
var ErrSessionClosed = errors.New("session closed")

// AlertSink receives alerts from every part of the session.
type AlertSink interface {
	Deliver(chatID types.ChatID, alert types.Alert) error
}

// Config wires a session to its collaborators.
type Config struct {
	ChatID    types.ChatID
	SessionID types.SessionID

	Sandbox   types.Sandbox
	Queue     *gateway.Queue
	Messages  types.MessageStore
	Snapshots types.SnapshotStore
	Blobs     types.BlobStore
	Events    types.EventStore
	Alerts    AlertSink
	Engine    *ctxengine.Engine

	ShellTimeout   time.Duration
	InstallTimeout time.Duration
	DeployCommand  string

	SnapshotDebounce time.Duration
	SnapshotExcludes []string
	// SkipRestore leaves the workspace as it is instead of loading the
	// chat's latest snapshot.
	SkipRestore bool
}

// Status summarises a session for status endpoints.
type Status struct {
	ChatID       types.ChatID       `json:"chat_id"`
	SessionID    types.SessionID    `json:"session_id"`
	Stream       types.StreamStatus `json:"stream"`
	Aborted      bool               `json:"aborted"`
	Persisted    persist.Cursor     `json:"persisted"`
	BlockUnload  bool               `json:"block_unload"`
	Snapshot     snapshot.Info      `json:"snapshot"`
	PendingCalls int                `json:"pending_tool_calls"`
	Artifacts    int                `json:"artifacts"`
}

// Session is the per-chat context object.
type Session struct {
	cfg Config

	broker    *broker.Broker
	registry  *runtime.Registry
	persist   *persist.Controller
	snapshots *snapshot.Service
	docs      *Documents
	mods      *Modifications

	turns        runtime.Turns
	persistDirty atomic.Bool
	unsubscribe  func()

	mu       sync.Mutex
	messages []types.Message
	stream   types.StreamStatus
	reloaded map[types.PartID]bool
	closed   bool
}

// Open builds a session, reloads the chat's persisted messages and restores
// its workspace snapshot.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ChatID == "" {
		return nil, errors.New("chat id is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = types.NewSessionID()
	}
	if cfg.Sandbox == nil || cfg.Queue == nil || cfg.Messages == nil || cfg.Snapshots == nil || cfg.Blobs == nil {
		return nil, errors.New("session requires sandbox, queue and stores")
	}

	s := &Session{
		cfg:      cfg,
		broker:   broker.New(),
		mods:     NewModifications(),
		stream:   types.StreamReady,
		reloaded: make(map[types.PartID]bool),
	}
	s.docs = NewDocuments(s.mods)

	deps := &runtime.Deps{
		ChatID:    cfg.ChatID,
		SessionID: cfg.SessionID,
		Queue:     cfg.Queue,
		Executor: &tools.Executor{
			Sandbox:        cfg.Sandbox,
			ShellTimeout:   cfg.ShellTimeout,
			InstallTimeout: cfg.InstallTimeout,
			DeployCommand:  cfg.DeployCommand,
			OnWrite:        s.docs.Commit,
		},
		Broker:   s.broker,
		Engine:   cfg.Engine,
		Alerts:   cfg.Alerts,
		Editor:   s.docs,
		Events:   cfg.Events,
		Turns:    &s.turns,
		Changed:  func() { s.snapshots.Trigger() },
		Reloaded: s.isReloaded,
	}
	s.registry = runtime.NewRegistry(deps)
	s.persist = persist.NewController(cfg.ChatID, cfg.SessionID, cfg.Messages, cfg.Alerts)
	s.snapshots = snapshot.New(cfg.ChatID, cfg.SessionID, cfg.Sandbox, cfg.Snapshots, cfg.Blobs, snapshot.Options{
		Debounce: cfg.SnapshotDebounce,
		Excludes: cfg.SnapshotExcludes,
		Alerts:   cfg.Alerts,
	})

	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	if cfg.SkipRestore {
		s.snapshots.MarkInitialLoaded()
	} else if _, err := s.snapshots.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore workspace: %w", err)
	}
	s.unsubscribe = s.snapshots.Subscribe(s.recordSnapshotStatus)
	s.snapshots.Start()

	slog.Info("session opened", "chat_id", string(cfg.ChatID), "session_id", string(cfg.SessionID), "reloaded_parts", len(s.reloaded))
	return s, nil
}

// reload marks every tool invocation already persisted for the chat so a
// replay of those parts never runs them again.
func (s *Session) reload(ctx context.Context) error {
	stored, err := s.cfg.Messages.LoadMessages(ctx, s.cfg.ChatID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if stored == nil {
		return nil
	}
	messages, err := persist.DecodeMessages(stored.CompressedBody)
	if err != nil {
		return err
	}
	for _, m := range messages {
		for pi, p := range m.Parts {
			if p.Type == types.PartToolInvocation {
				s.reloaded[types.NewPartID(m.ID, pi)] = true
			}
		}
	}
	s.messages = messages
	s.persist.Restore(persist.Cursor{MessageIndex: stored.LastMessageRank, PartIndex: stored.PartIndex})
	return nil
}

func (s *Session) isReloaded(id types.PartID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloaded[id]
}

func (s *Session) ChatID() types.ChatID       { return s.cfg.ChatID }
func (s *Session) SessionID() types.SessionID { return s.cfg.SessionID }

// HandleMessages ingests the full message list of the current stream update.
// Tool invocations become actions: partial calls stream into the editor and
// complete calls are queued. The settled prefix is then persisted.
func (s *Session) HandleMessages(ctx context.Context, messages []types.Message, status types.StreamStatus) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.messages = messages
	s.stream = status
	s.mu.Unlock()

	for mi := range messages {
		m := messages[mi]
		for pi, p := range m.Parts {
			if p.Type != types.PartToolInvocation || p.ToolInvocation == nil {
				continue
			}
			if err := s.handleToolPart(ctx, types.NewPartID(m.ID, pi), p.ToolInvocation); err != nil {
				return err
			}
		}
	}

	s.persistLatest(ctx)
	return nil
}

func (s *Session) handleToolPart(ctx context.Context, partID types.PartID, inv *types.ToolInvocation) error {
	kind := action.Kind(inv.ToolName)
	d := action.Data{
		ActionID:   types.ActionID(inv.ToolCallID),
		PartID:     partID,
		ToolCallID: inv.ToolCallID,
		Kind:       kind,
	}

	switch inv.State {
	case types.ToolPartialCall:
		payload, ok := action.ParsePartial(inv.ToolName, inv.Args)
		if !ok {
			return nil
		}
		d.Payload = payload
		art := s.registry.Ensure(partID, inv.ToolName, kind)
		_, err := art.Runner.RunAction(ctx, d, true)
		return err

	case types.ToolCall, types.ToolResult:
		payload, err := action.Parse(inv.ToolName, inv.Args)
		if errors.Is(err, action.ErrUnknownTool) {
			return nil
		}
		art := s.registry.Ensure(partID, inv.ToolName, kind)
		if err != nil {
			if rerr := art.Runner.Reject(ctx, d, err); rerr != nil {
				slog.Warn("action rejected", "chat_id", string(s.cfg.ChatID), "action_id", string(d.ActionID), "error", rerr)
			}
		} else {
			d.Payload = payload
			if _, err := art.Runner.RunAction(ctx, d, false); err != nil {
				slog.Warn("action not queued", "chat_id", string(s.cfg.ChatID), "action_id", string(d.ActionID), "error", err)
			}
		}
		if inv.State == types.ToolResult {
			s.registry.Close(partID)
			s.broker.Forget(inv.ToolCallID)
		}
		return nil

	default:
		return fmt.Errorf("unknown tool state %q for %s", inv.State, inv.ToolCallID)
	}
}

// persistLatest persists the newest message list. An update that collides
// with one in flight is retried by whichever call finishes last.
func (s *Session) persistLatest(ctx context.Context) {
	for {
		s.mu.Lock()
		messages, status := s.messages, s.stream
		s.mu.Unlock()

		_, err := s.persist.Update(ctx, messages, status)
		if errors.Is(err, persist.ErrPersistInProgress) {
			s.persistDirty.Store(true)
			return
		}
		if err != nil {
			slog.Warn("persist failed", "chat_id", string(s.cfg.ChatID), "error", err)
		}
		if !s.persistDirty.CompareAndSwap(true, false) {
			return
		}
	}
}

// StartTurn begins a new agent turn. Actions queued during an earlier,
// aborted turn stay aborted.
func (s *Session) StartTurn() {
	s.turns.Next()
}

// Abort stops the current turn. Queued actions of this turn that have not
// started are marked aborted; outstanding tool-call waits fail with
// ErrStreamAborted.
func (s *Session) Abort() {
	s.turns.Abort()
	n := s.broker.RejectAll(broker.ErrStreamAborted)
	slog.Info("turn aborted", "chat_id", string(s.cfg.ChatID), "turn", s.turns.Current(), "rejected_tool_calls", n)
}

// Aborted reports whether the current turn was aborted.
func (s *Session) Aborted() bool {
	return s.turns.Aborted(s.turns.Current())
}

// WaitOnToolCall blocks until the action for the tool call reached a
// terminal status and returns its result.
func (s *Session) WaitOnToolCall(ctx context.Context, id types.ToolCallID) (string, error) {
	return s.broker.Wait(ctx, id)
}

// Actions lists every action of the session.
func (s *Session) Actions() []action.Action {
	return s.registry.Actions()
}

// Artifacts lists every artifact of the session.
func (s *Session) Artifacts() []*runtime.Artifact {
	return s.registry.All()
}

func (s *Session) Documents() *Documents {
	return s.docs
}

// Modifications returns the user's edits since the agent last wrote each
// file.
func (s *Session) Modifications() []Modification {
	return s.mods.List()
}

// SaveFile writes a user edit to the workspace. The write goes through the
// session's lane so it cannot interleave with agent actions.
func (s *Session) SaveFile(ctx context.Context, path, content string) error {
	job := gateway.NewJob(s.cfg.SessionID, "user-edit:"+path, func(jobCtx context.Context) error {
		return s.cfg.Sandbox.WriteFile(jobCtx, path, []byte(content))
	})
	if err := s.cfg.Queue.Enqueue(job); err != nil {
		return err
	}
	if err := job.Wait(ctx); err != nil {
		return err
	}
	s.docs.Edit(path, content)
	return nil
}

// RestoreSnapshot replaces the workspace with a stored snapshot.
func (s *Session) RestoreSnapshot(ctx context.Context, ref *types.SnapshotRef) error {
	job := gateway.NewJob(s.cfg.SessionID, "restore:"+string(ref.ID), func(jobCtx context.Context) error {
		return s.snapshots.RestoreSnapshot(jobCtx, ref)
	})
	if err := s.cfg.Queue.Enqueue(job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// Snapshots exposes the session's backup service.
func (s *Session) Snapshots() *snapshot.Service {
	return s.snapshots
}

// recordSnapshotStatus journals finished backups and failed ones.
func (s *Session) recordSnapshotStatus(status snapshot.Status) {
	if status != snapshot.StatusSaved && status != snapshot.StatusError {
		return
	}
	if s.cfg.Events == nil {
		return
	}
	payload, _ := json.Marshal(s.snapshots.Info())
	if err := s.cfg.Events.Append(context.Background(), &types.Event{
		ID:      types.NewEventID(),
		ChatID:  s.cfg.ChatID,
		Type:    "snapshot." + string(status),
		Source:  "snapshot",
		At:      time.Now(),
		Payload: payload,
	}); err != nil {
		slog.Warn("record snapshot status failed", "chat_id", string(s.cfg.ChatID), "error", err)
	}
}

// BlockUnload reports whether closing now would lose conversation state.
func (s *Session) BlockUnload() bool {
	return s.persist.BlockUnload()
}

// Status returns a summary of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	return Status{
		ChatID:       s.cfg.ChatID,
		SessionID:    s.cfg.SessionID,
		Stream:       stream,
		Aborted:      s.Aborted(),
		Persisted:    s.persist.Cursor(),
		BlockUnload:  s.persist.BlockUnload(),
		Snapshot:     s.snapshots.Info(),
		PendingCalls: len(s.broker.Pending()),
		Artifacts:    len(s.registry.All()),
	}
}

// Close persists what it can, flushes a pending backup and releases the
// session's lane. Waiters still blocked on tool calls fail.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.persistLatest(ctx)
	flushErr := s.snapshots.Flush(ctx)
	s.snapshots.Close()
	s.unsubscribe()
	s.broker.RejectAll(ErrSessionClosed)
	s.cfg.Queue.CloseLane(s.cfg.SessionID)

	if s.persist.BlockUnload() {
		slog.Warn("session closed with unpersisted messages", "chat_id", string(s.cfg.ChatID))
	}
	if flushErr != nil {
		return fmt.Errorf("flush snapshot: %w", flushErr)
	}
	return nil
}
