package persist

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/user/gopherchef/internal/delivery"
	"github.com/user/gopherchef/internal/types"
)

// ErrPersistInProgress is returned when Update is called while an earlier
// transmission is still outstanding.
var ErrPersistInProgress = errors.New("persist in progress")

// PersistenceTransportError reports a failed transmission. The cursor is left
// where it was, so the next update resends the same or a longer prefix.
type PersistenceTransportError struct {
	ChatID types.ChatID
	Target Cursor
	Err    error
}

func (e *PersistenceTransportError) Error() string {
	return fmt.Sprintf("persist chat %s up to %d/%d: %v", e.ChatID, e.Target.MessageIndex, e.Target.PartIndex, e.Err)
}

func (e *PersistenceTransportError) Unwrap() error { return e.Err }

// AlertSink receives persistence failure alerts.
type AlertSink interface {
	Deliver(chatID types.ChatID, alert types.Alert) error
}

// Controller tracks what has been persisted for one chat.
type Controller struct {
	chatID    types.ChatID
	sessionID types.SessionID
	store     types.MessageStore
	alerts    AlertSink

	mu         sync.Mutex
	cursor     Cursor
	observed   Cursor
	inProgress bool
}

// NewController creates a controller that has persisted nothing yet.
func NewController(chatID types.ChatID, sessionID types.SessionID, store types.MessageStore, alerts AlertSink) *Controller {
	return &Controller{
		chatID:    chatID,
		sessionID: sessionID,
		store:     store,
		alerts:    alerts,
		cursor:    Origin,
		observed:  Origin,
	}
}

// Restore sets the cursor to what the store already holds.
func (c *Controller) Restore(cursor Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor.Less(cursor) {
		c.cursor = cursor
	}
	if c.observed.Less(cursor) {
		c.observed = cursor
	}
}

// Cursor returns the last successfully persisted position.
func (c *Controller) Cursor() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// BlockUnload reports whether shutting down now would lose conversation
// state: a transmission is outstanding, or a settled part has not been
// persisted yet.
func (c *Controller) BlockUnload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress || c.cursor.Less(c.observed)
}

// Update persists the settled prefix of messages if it extends past the
// cursor. It reports whether anything was written.
func (c *Controller) Update(ctx context.Context, messages []types.Message, status types.StreamStatus) (bool, error) {
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return false, ErrPersistInProgress
	}
	boundary, ok := LastCompletePart(messages, status)
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	if c.observed.Less(boundary) {
		c.observed = boundary
	}
	if !c.cursor.Less(boundary) {
		c.mu.Unlock()
		return false, nil
	}
	c.inProgress = true
	c.mu.Unlock()

	err := c.transmit(ctx, messages, boundary)

	c.mu.Lock()
	c.inProgress = false
	if err == nil && c.cursor.Less(boundary) {
		c.cursor = boundary
	}
	c.mu.Unlock()

	if err != nil {
		perr := &PersistenceTransportError{ChatID: c.chatID, Target: boundary, Err: err}
		c.alert(perr)
		return false, perr
	}
	slog.Debug("messages persisted", "chat_id", string(c.chatID), "message_index", boundary.MessageIndex, "part_index", boundary.PartIndex)
	return true, nil
}

func (c *Controller) transmit(ctx context.Context, messages []types.Message, boundary Cursor) error {
	body, err := EncodeMessages(Prefix(messages, boundary))
	if err != nil {
		return err
	}
	return c.store.AppendMessages(ctx, types.AppendRequest{
		ChatID:          c.chatID,
		SessionID:       c.sessionID,
		LastMessageRank: boundary.MessageIndex,
		PartIndex:       boundary.PartIndex,
		CompressedBody:  body,
	})
}

func (c *Controller) alert(err *PersistenceTransportError) {
	slog.Warn("persist messages failed", "chat_id", string(c.chatID), "error", err.Err)
	if c.alerts == nil {
		return
	}
	if derr := c.alerts.Deliver(c.chatID, types.Alert{
		Type:        delivery.AlertPersistence,
		Title:       "Failed to save chat",
		Description: "Your latest messages could not be saved. They will be retried automatically.",
		Content:     err.Err.Error(),
		Source:      "persist",
	}); derr != nil {
		slog.Warn("alert delivery failed", "chat_id", string(c.chatID), "error", derr)
	}
}

// EncodeMessages serialises messages as gzip-compressed JSON.
func EncodeMessages(messages []types.Message) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(messages); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress messages: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMessages reverses EncodeMessages.
func DecodeMessages(body []byte) ([]types.Message, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open compressed messages: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress messages: %w", err)
	}
	var messages []types.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}
