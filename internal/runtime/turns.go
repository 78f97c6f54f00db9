package runtime

import "sync/atomic"

// Turns numbers the agent turns of a session and remembers which of them
// were stopped. The zero value is turn 0 with nothing aborted.
type Turns struct {
	current atomic.Int64
	// every turn below stoppedBefore is aborted
	stoppedBefore atomic.Int64
}

// Current returns the turn in progress.
func (t *Turns) Current() int64 {
	return t.current.Load()
}

// Next starts a new turn and returns its number.
func (t *Turns) Next() int64 {
	return t.current.Add(1)
}

// Abort stops the turn in progress and every earlier turn.
func (t *Turns) Abort() {
	for {
		limit := t.current.Load() + 1
		prev := t.stoppedBefore.Load()
		if prev >= limit || t.stoppedBefore.CompareAndSwap(prev, limit) {
			return
		}
	}
}

// Aborted reports whether turn was stopped.
func (t *Turns) Aborted(turn int64) bool {
	return turn < t.stoppedBefore.Load()
}
