// Package runtime runs the actions an agent produces while streaming a
// response. Every artifact owns a Runner; all runners of a session share one
// lane of the execution queue.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/broker"
	ctxengine "github.com/user/gopherchef/internal/context"
	"github.com/user/gopherchef/internal/delivery"
	"github.com/user/gopherchef/internal/gateway"
	"github.com/user/gopherchef/internal/runtime/tools"
	"github.com/user/gopherchef/internal/types"
)

// AlertSink receives alerts raised by failing actions.
type AlertSink interface {
	Deliver(chatID types.ChatID, alert types.Alert) error
}

// Editor receives partial file content while a file action is still
// streaming.
type Editor interface {
	Stream(path, content string)
}

// Deps are shared by every runner of a session.
type Deps struct {
	ChatID    types.ChatID
	SessionID types.SessionID

	Queue    *gateway.Queue
	Executor *tools.Executor
	Broker   *broker.Broker
	Engine   *ctxengine.Engine
	Alerts   AlertSink
	Editor   Editor
	Events   types.EventStore

	// Turns tracks the session's turns. An action aborts if the turn it
	// was queued in has been stopped by the time it runs.
	Turns *Turns
	// Changed is called after an action that may have modified the
	// workspace ran.
	Changed func()
	// Reloaded reports whether a part was loaded from persisted history and
	// therefore already ran in an earlier session.
	Reloaded func(types.PartID) bool
}

// Runner owns the actions of one artifact.
type Runner struct {
	deps   *Deps
	partID types.PartID

	mu      sync.Mutex
	actions map[types.ActionID]*action.Action
	order   []types.ActionID
}

// NewRunner creates a runner for the artifact rooted at partID.
func NewRunner(partID types.PartID, deps *Deps) *Runner {
	return &Runner{
		deps:    deps,
		partID:  partID,
		actions: make(map[types.ActionID]*action.Action),
	}
}

// AddAction registers an action. Registering an id twice returns the
// existing action; its payload is refreshed while it is still pending and
// has not been handed to the queue.
func (r *Runner) AddAction(d action.Data) action.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(d).Snapshot()
}

func (r *Runner) addLocked(d action.Data) *action.Action {
	if a, ok := r.actions[d.ActionID]; ok {
		if !a.Executed && a.Status == action.StatusPending {
			a.SetPayload(d.Payload)
		}
		return a
	}
	if d.PartID == "" {
		d.PartID = r.partID
	}
	a := action.New(d)
	r.actions[d.ActionID] = a
	r.order = append(r.order, d.ActionID)
	return a
}

// Action returns a copy of the action with the given id.
func (r *Runner) Action(id types.ActionID) (action.Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[id]
	if !ok {
		return action.Action{}, false
	}
	return a.Snapshot(), true
}

// Actions returns copies of all actions in registration order.
func (r *Runner) Actions() []action.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]action.Action, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.actions[id].Snapshot())
	}
	return out
}

// RunAction drives one action. Streaming file content goes straight to the
// editor; a final action is queued on the session lane and the returned job
// completes once it ran. A nil job means nothing was queued.
func (r *Runner) RunAction(ctx context.Context, d action.Data, streaming bool) (*gateway.Job, error) {
	r.mu.Lock()
	a := r.addLocked(d)

	if a.Executed || a.Status.Terminal() {
		r.mu.Unlock()
		return nil, nil
	}

	if r.deps.Reloaded != nil && r.deps.Reloaded(a.PartID) {
		a.Executed = true
		err := a.Transition(action.StatusComplete)
		snap := a.Snapshot()
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		r.record(ctx, snap)
		return nil, nil
	}

	if streaming {
		payload := a.Payload
		r.mu.Unlock()
		if f, ok := payload.(action.File); ok && r.deps.Editor != nil {
			r.deps.Editor.Stream(f.Path, f.Content)
		}
		return nil, nil
	}

	if a.Payload == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("action %s has no payload", a.ID)
	}
	a.Executed = true
	id := a.ID
	r.mu.Unlock()

	var turn int64
	if r.deps.Turns != nil {
		turn = r.deps.Turns.Current()
	}
	job := gateway.NewJob(r.deps.SessionID, fmt.Sprintf("action:%s", id), func(jobCtx context.Context) error {
		return r.execute(jobCtx, id, turn)
	})
	if err := r.deps.Queue.Enqueue(job); err != nil {
		r.fail(ctx, id, fmt.Errorf("enqueue action: %w", err), "")
		return nil, err
	}
	return job, nil
}

// Reject fails an action whose tool call could not be turned into a
// payload. The agent receives the error text as the tool result.
func (r *Runner) Reject(ctx context.Context, d action.Data, cause error) error {
	r.mu.Lock()
	a := r.addLocked(d)
	if a.Executed || a.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	a.Executed = true
	id := a.ID
	r.mu.Unlock()
	return r.fail(ctx, id, cause, "")
}

// execute runs inside the queue. It never touches the sandbox once the turn
// the action was queued in has been aborted, even if a newer turn started.
func (r *Runner) execute(ctx context.Context, id types.ActionID, turn int64) error {
	r.mu.Lock()
	a, ok := r.actions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("action %s not found", id)
	}
	if r.deps.Turns != nil && r.deps.Turns.Aborted(turn) {
		err := a.Transition(action.StatusAborted)
		a.Result = "error: action aborted"
		snap := a.Snapshot()
		r.mu.Unlock()
		if err != nil {
			return err
		}
		r.record(ctx, snap)
		r.resolve(snap)
		return nil
	}
	if err := a.Transition(action.StatusRunning); err != nil {
		r.mu.Unlock()
		return err
	}
	payload := a.Payload
	snap := a.Snapshot()
	r.mu.Unlock()
	r.record(ctx, snap)

	output, execErr := r.deps.Executor.Execute(ctx, payload)
	if r.deps.Changed != nil && action.Mutates(payload) {
		r.deps.Changed()
	}
	if execErr != nil {
		return r.fail(ctx, id, execErr, output)
	}

	r.mu.Lock()
	a.Result = r.deps.Engine.Truncate(output)
	err := a.Transition(action.StatusComplete)
	snap = a.Snapshot()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.record(ctx, snap)
	r.resolve(snap)
	return nil
}

// fail marks the action failed, raises an alert and answers the tool call
// with the error text. The returned error is an *ActionExecutionError.
func (r *Runner) fail(ctx context.Context, id types.ActionID, cause error, output string) error {
	r.mu.Lock()
	a := r.actions[id]
	execErr := &ActionExecutionError{ActionID: id, Kind: a.Kind, Output: output, Err: cause}
	if err := a.Transition(action.StatusFailed); err != nil {
		r.mu.Unlock()
		return errors.Join(execErr, err)
	}
	a.Error = cause.Error()
	a.Result = fmt.Sprintf("error: %v", cause)
	if output != "" {
		a.Result += "\n" + r.deps.Engine.Truncate(output)
	}
	snap := a.Snapshot()
	r.mu.Unlock()

	r.record(ctx, snap)
	r.alert(snap, execErr)
	r.resolve(snap)
	return execErr
}

func (r *Runner) alert(a action.Action, execErr *ActionExecutionError) {
	if r.deps.Alerts == nil {
		return
	}
	title := "Action failed"
	switch a.Kind {
	case action.KindShell, action.KindNpmInstall:
		title = "Command failed"
	case action.KindDeploy:
		title = "Deploy failed"
	}
	alert := types.Alert{
		Type:        delivery.AlertAction + "." + string(a.Kind),
		Title:       title,
		Description: execErr.Err.Error(),
		Content:     execErr.Output,
		Source:      string(a.ID),
	}
	if err := r.deps.Alerts.Deliver(r.deps.ChatID, alert); err != nil {
		slog.Warn("alert delivery failed", "action_id", string(a.ID), "error", err)
	}
}

// resolve answers the tool call once the action is terminal. The broker
// itself ignores repeated resolutions.
func (r *Runner) resolve(a action.Action) {
	if r.deps.Broker == nil || a.ToolCallID == "" {
		return
	}
	r.deps.Broker.Resolve(a.ToolCallID, a.Result)
}

func (r *Runner) record(ctx context.Context, a action.Action) {
	slog.Debug("action status", "action_id", string(a.ID), "kind", string(a.Kind), "status", string(a.Status))
	if r.deps.Events == nil || r.deps.ChatID == "" {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"action_id":    a.ID,
		"part_id":      a.PartID,
		"tool_call_id": a.ToolCallID,
		"kind":         a.Kind,
		"status":       a.Status,
		"error":        a.Error,
	})
	if err := r.deps.Events.Append(ctx, &types.Event{
		ID:      types.NewEventID(),
		ChatID:  r.deps.ChatID,
		Type:    "action." + string(a.Status),
		Source:  "runtime",
		At:      time.Now(),
		Payload: payload,
	}); err != nil {
		slog.Warn("record action status failed", "action_id", string(a.ID), "error", err)
	}
}
