// Package broker bridges the streaming transport, which blocks waiting for a
// tool result, to the queued execution that eventually produces it.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/user/gopherchef/internal/types"
)

// ErrStreamAborted fails rendezvous still outstanding when a turn is stopped.
var ErrStreamAborted = errors.New("stream aborted")

// entry is a one-shot rendezvous. done is closed exactly once.
type entry struct {
	done   chan struct{}
	result string
	err    error
	fired  bool
}

// Broker maps tool-call ids to their rendezvous.
type Broker struct {
	mu    sync.Mutex
	calls map[types.ToolCallID]*entry
}

func New() *Broker {
	return &Broker{calls: make(map[types.ToolCallID]*entry)}
}

// getLocked returns the entry for id, creating it if needed. Caller must hold mu.
func (b *Broker) getLocked(id types.ToolCallID) *entry {
	e, ok := b.calls[id]
	if !ok {
		e = &entry{done: make(chan struct{})}
		b.calls[id] = e
	}
	return e
}

// Wait blocks until the tool call is resolved or rejected. Concurrent
// callers for the same id share one rendezvous and observe the same value.
// Cancelling ctx only releases this caller.
func (b *Broker) Wait(ctx context.Context, id types.ToolCallID) (string, error) {
	b.mu.Lock()
	e := b.getLocked(id)
	b.mu.Unlock()

	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve completes the rendezvous with a result. Returns false if it had
// already fired.
func (b *Broker) Resolve(id types.ToolCallID, result string) bool {
	return b.fire(id, result, nil)
}

// Reject completes the rendezvous with an error. Returns false if it had
// already fired.
func (b *Broker) Reject(id types.ToolCallID, err error) bool {
	return b.fire(id, "", err)
}

func (b *Broker) fire(id types.ToolCallID, result string, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.getLocked(id)
	if e.fired {
		return false
	}
	e.fired = true
	e.result = result
	e.err = err
	close(e.done)
	return true
}

// RejectAll fails every rendezvous that has not fired yet and returns how
// many were rejected.
func (b *Broker) RejectAll(err error) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.calls {
		if e.fired {
			continue
		}
		e.fired = true
		e.err = err
		close(e.done)
		n++
	}
	return n
}

// Pending lists ids with waiters or registrations that have not fired.
func (b *Broker) Pending() []types.ToolCallID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.ToolCallID
	for id, e := range b.calls {
		if !e.fired {
			out = append(out, id)
		}
	}
	return out
}

// Forget drops a fired entry. Unfired entries are kept so waiters are not
// orphaned.
func (b *Broker) Forget(id types.ToolCallID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.calls[id]; ok && e.fired {
		delete(b.calls, id)
	}
}
