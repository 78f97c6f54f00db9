package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/gopherchef/internal/types"
)

// AppendMessages replaces the chat's persisted prefix. The new cursor
// (LastMessageRank, PartIndex) must not sort before the stored one.
func (s *Store) AppendMessages(ctx context.Context, req types.AppendRequest) error {
	if req.ChatID == "" {
		return errors.New("missing chat id")
	}
	if req.LastMessageRank < 0 || req.PartIndex < 0 {
		return fmt.Errorf("invalid cursor %d/%d", req.LastMessageRank, req.PartIndex)
	}
	if len(req.CompressedBody) == 0 {
		return errors.New("empty message body")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var rank, part int
	err = tx.QueryRowContext(ctx, `
SELECT last_message_rank, part_index
FROM chat_messages
WHERE chat_id = ?
`, string(req.ChatID)).Scan(&rank, &part)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case req.LastMessageRank < rank || (req.LastMessageRank == rank && req.PartIndex < part):
		return fmt.Errorf("%w: stored %d/%d, got %d/%d", ErrCursorRegression, rank, part, req.LastMessageRank, req.PartIndex)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages(chat_id, session_id, last_message_rank, part_index, body, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
  session_id = excluded.session_id,
  last_message_rank = excluded.last_message_rank,
  part_index = excluded.part_index,
  body = excluded.body,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, string(req.ChatID), string(req.SessionID), req.LastMessageRank, req.PartIndex, req.CompressedBody, s.now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMessages returns the persisted prefix for a chat, or nil if nothing
// has been stored yet.
func (s *Store) LoadMessages(ctx context.Context, chatID types.ChatID) (*types.StoredMessages, error) {
	var (
		out       types.StoredMessages
		sessionID string
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, last_message_rank, part_index, body, updated_at_unix_ms
FROM chat_messages
WHERE chat_id = ?
`, string(chatID)).Scan(&sessionID, &out.LastMessageRank, &out.PartIndex, &out.CompressedBody, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out.ChatID = chatID
	out.SessionID = types.SessionID(sessionID)
	out.UpdatedAt = time.UnixMilli(updatedMs)
	return &out, nil
}

// DeleteMessages drops the chat's persisted prefix.
func (s *Store) DeleteMessages(ctx context.Context, chatID types.ChatID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, string(chatID))
	return err
}
