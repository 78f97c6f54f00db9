// Package action defines the executable units derived from agent tool calls.
package action

import (
	"fmt"
	"time"

	"github.com/user/gopherchef/internal/types"
)

// Status represents the lifecycle state of an Action.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
)

// transitions lists the statuses reachable from each status. Terminal
// statuses have no entry.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusComplete, StatusFailed, StatusAborted},
	StatusRunning: {StatusComplete, StatusFailed, StatusAborted},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusAborted
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Action is one unit of work owned by a runner.
type Action struct {
	ID         types.ActionID   `json:"id"`
	PartID     types.PartID     `json:"part_id"`
	ToolCallID types.ToolCallID `json:"tool_call_id"`
	Kind       Kind             `json:"kind"`
	Payload    Payload          `json:"-"`
	Content    string           `json:"content"`
	Executed   bool             `json:"executed"`
	Status     Status           `json:"status"`
	Result     string           `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Data is what a stream part carries about an action before it is
// registered. Kind is only consulted while Payload is nil.
type Data struct {
	ActionID   types.ActionID
	PartID     types.PartID
	ToolCallID types.ToolCallID
	Kind       Kind
	Payload    Payload
}

// New creates a pending Action from its data.
func New(d Data) *Action {
	now := time.Now()
	a := &Action{
		ID:         d.ActionID,
		PartID:     d.PartID,
		ToolCallID: d.ToolCallID,
		Kind:       d.Kind,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	a.SetPayload(d.Payload)
	return a
}

// SetPayload replaces the payload (streamed content grows over time).
func (a *Action) SetPayload(p Payload) {
	if p == nil {
		return
	}
	a.Payload = p
	a.Kind = p.Kind()
	a.Content = Describe(p)
}

// Transition moves the action to the given status.
func (a *Action) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("invalid action transition %s -> %s for %s", a.Status, to, a.ID)
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return nil
}

// Snapshot returns a copy safe to hand out of the runner's lock.
func (a *Action) Snapshot() Action {
	return *a
}
