// Package persist pushes the settled prefix of a streaming conversation to
// the message store.
package persist

import "github.com/user/gopherchef/internal/types"

// Cursor addresses one part of one message. Cursors order lexicographically.
type Cursor struct {
	MessageIndex int `json:"messageIndex"`
	PartIndex    int `json:"partIndex"`
}

// Origin sorts before every real part; it is the cursor of a chat that has
// persisted nothing.
var Origin = Cursor{MessageIndex: -1, PartIndex: -1}

// Less reports whether c sorts strictly before o.
func (c Cursor) Less(o Cursor) bool {
	if c.MessageIndex != o.MessageIndex {
		return c.MessageIndex < o.MessageIndex
	}
	return c.PartIndex < o.PartIndex
}

// LastCompletePart finds the furthest part that can no longer change. A
// tool invocation qualifies only once it carries its result; any other part
// qualifies only while the stream is at rest.
func LastCompletePart(messages []types.Message, status types.StreamStatus) (Cursor, bool) {
	for mi := len(messages) - 1; mi >= 0; mi-- {
		parts := messages[mi].Parts
		for pi := len(parts) - 1; pi >= 0; pi-- {
			if settled(parts[pi], status) {
				return Cursor{MessageIndex: mi, PartIndex: pi}, true
			}
		}
	}
	return Cursor{}, false
}

func settled(p types.Part, status types.StreamStatus) bool {
	if p.Type == types.PartToolInvocation {
		return p.ToolInvocation != nil && p.ToolInvocation.State == types.ToolResult
	}
	return status != types.StreamStreaming
}

// Prefix returns the messages up to and including the part at c. The last
// message is copied so the caller's slice is never modified.
func Prefix(messages []types.Message, c Cursor) []types.Message {
	if c.MessageIndex < 0 || c.MessageIndex >= len(messages) {
		return nil
	}
	out := make([]types.Message, c.MessageIndex+1)
	copy(out, messages[:c.MessageIndex+1])
	last := out[c.MessageIndex]
	if c.PartIndex+1 < len(last.Parts) {
		last.Parts = append([]types.Part(nil), last.Parts[:c.PartIndex+1]...)
	}
	out[c.MessageIndex] = last
	return out
}
