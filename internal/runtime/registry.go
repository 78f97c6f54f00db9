package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/types"
)

// Artifact groups the actions produced by one message part.
type Artifact struct {
	PartID    types.PartID
	Title     string
	Kind      action.Kind
	CreatedAt time.Time
	Runner    *Runner

	closed atomic.Bool
}

// Closed reports whether the artifact stopped accepting new content.
func (a *Artifact) Closed() bool {
	return a.closed.Load()
}

// Registry holds the artifacts of a session. Artifacts are created on first
// reference and never removed.
type Registry struct {
	deps *Deps

	mu        sync.RWMutex
	artifacts map[types.PartID]*Artifact
	order     []types.PartID
}

// NewRegistry creates an empty artifact registry whose runners share deps.
func NewRegistry(deps *Deps) *Registry {
	return &Registry{
		deps:      deps,
		artifacts: make(map[types.PartID]*Artifact),
	}
}

// Ensure returns the artifact for partID, creating it if needed.
func (r *Registry) Ensure(partID types.PartID, title string, kind action.Kind) *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.artifacts[partID]; ok {
		return a
	}
	a := &Artifact{
		PartID:    partID,
		Title:     title,
		Kind:      kind,
		CreatedAt: time.Now(),
		Runner:    NewRunner(partID, r.deps),
	}
	r.artifacts[partID] = a
	r.order = append(r.order, partID)
	return a
}

// Get returns the artifact for partID.
func (r *Registry) Get(partID types.PartID) (*Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[partID]
	return a, ok
}

// Close marks an artifact closed. It reports false for unknown parts.
func (r *Registry) Close(partID types.PartID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[partID]
	if !ok {
		return false
	}
	a.closed.Store(true)
	return true
}

// All returns every artifact in creation order.
func (r *Registry) All() []*Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Artifact, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.artifacts[id])
	}
	return out
}

// Actions returns every action of every artifact, in artifact order.
func (r *Registry) Actions() []action.Action {
	var out []action.Action
	for _, a := range r.All() {
		out = append(out, a.Runner.Actions()...)
	}
	return out
}
