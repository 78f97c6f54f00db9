package types

import (
	"encoding/json"
	"time"
)

type Event struct {
	ID      EventID         `json:"id"`
	ChatID  ChatID          `json:"chat_id"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

type ChatIndex struct {
	ChatID    ChatID    `json:"chat_id"`
	ChatKey   ChatKey   `json:"chat_key"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// LastSessionID is the most recent session that attached to the chat.
	LastSessionID SessionID `json:"last_session_id,omitempty"`
}

// StreamStatus mirrors the chat transport's view of the current turn.
type StreamStatus string

const (
	StreamReady     StreamStatus = "ready"
	StreamSubmitted StreamStatus = "submitted"
	StreamStreaming StreamStatus = "streaming"
	StreamError     StreamStatus = "error"
)

type PartType string

const (
	PartText           PartType = "text"
	PartToolInvocation PartType = "tool-invocation"
)

// ToolState only moves forward within one turn: partial-call, call, result.
type ToolState string

const (
	ToolPartialCall ToolState = "partial-call"
	ToolCall        ToolState = "call"
	ToolResult      ToolState = "result"
)

type ToolInvocation struct {
	ToolCallID ToolCallID      `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      ToolState       `json:"state"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     *string         `json:"result,omitempty"`
}

type Part struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
}

type Message struct {
	ID        MessageID `json:"id"`
	Role      string    `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Alert is surfaced to whatever UI is attached to the session.
type Alert struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content,omitempty"`
	Source      string `json:"source"`
}

type ProcessSpec struct {
	Command string
	Dir     string
	Env     []string
	Timeout time.Duration
}

type ProcessResult struct {
	ExitCode int
	Output   string
}

type WatchOp string

const (
	WatchCreate WatchOp = "create"
	WatchWrite  WatchOp = "write"
	WatchRemove WatchOp = "remove"
	WatchRename WatchOp = "rename"
)

// WatchEvent carries a path relative to the sandbox root.
type WatchEvent struct {
	Path string
	Op   WatchOp
}

type UploadTarget struct {
	Token     string    `json:"token"`
	StorageID StorageID `json:"storage_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SnapshotRef struct {
	ID        SnapshotID `json:"id"`
	ChatID    ChatID     `json:"chat_id"`
	SessionID SessionID  `json:"session_id"`
	StorageID StorageID  `json:"storage_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// AppendRequest carries a compressed prefix of the message list up to and
// including the part at (LastMessageRank, PartIndex).
type AppendRequest struct {
	ChatID          ChatID
	SessionID       SessionID
	LastMessageRank int
	PartIndex       int
	CompressedBody  []byte
}

type StoredMessages struct {
	ChatID          ChatID
	SessionID       SessionID
	LastMessageRank int
	PartIndex       int
	CompressedBody  []byte
	UpdatedAt       time.Time
}
