package backend

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/user/gopherchef/internal/types"
)

// GenerateUploadTarget reserves a storage id for a single upload.
func (s *Store) GenerateUploadTarget(ctx context.Context) (types.UploadTarget, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return types.UploadTarget{}, fmt.Errorf("generate token: %w", err)
	}
	target := types.UploadTarget{
		Token:     hex.EncodeToString(raw[:]),
		StorageID: types.NewStorageID(),
		ExpiresAt: s.now().Add(s.uploadTTL),
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO upload_targets(storage_id, token, expires_at_unix_ms)
VALUES (?, ?, ?)
`, string(target.StorageID), target.Token, target.ExpiresAt.UnixMilli()); err != nil {
		return types.UploadTarget{}, err
	}
	return target, nil
}

// RegisterSnapshot records an uploaded blob as the chat's newest snapshot.
// The storage id must come from an unexpired upload target; each target can
// be registered once.
func (s *Store) RegisterSnapshot(ctx context.Context, chatID types.ChatID, sessionID types.SessionID, storageID types.StorageID) (*types.SnapshotRef, error) {
	if chatID == "" {
		return nil, errors.New("missing chat id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	var expiresMs int64
	err = tx.QueryRowContext(ctx, `
SELECT expires_at_unix_ms FROM upload_targets WHERE storage_id = ?
`, string(storageID)).Scan(&expiresMs)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && now.UnixMilli() > expiresMs) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, storageID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_targets WHERE storage_id = ?`, string(storageID)); err != nil {
		return nil, err
	}

	ref := &types.SnapshotRef{
		ID:        types.NewSnapshotID(),
		ChatID:    chatID,
		SessionID: sessionID,
		StorageID: storageID,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots(snapshot_id, chat_id, session_id, storage_id, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
`, string(ref.ID), string(chatID), string(sessionID), string(storageID), now.UnixMilli()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ref, nil
}

// LatestSnapshot returns the chat's newest snapshot, or nil if it has none.
func (s *Store) LatestSnapshot(ctx context.Context, chatID types.ChatID) (*types.SnapshotRef, error) {
	refs, err := s.querySnapshots(ctx, `
SELECT snapshot_id, chat_id, session_id, storage_id, created_at_unix_ms
FROM snapshots
WHERE chat_id = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT 1
`, string(chatID))
	if err != nil || len(refs) == 0 {
		return nil, err
	}
	return refs[0], nil
}

// ListSnapshots returns the chat's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, chatID types.ChatID) ([]*types.SnapshotRef, error) {
	return s.querySnapshots(ctx, `
SELECT snapshot_id, chat_id, session_id, storage_id, created_at_unix_ms
FROM snapshots
WHERE chat_id = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
`, string(chatID))
}

// GetSnapshot looks a snapshot up by id.
func (s *Store) GetSnapshot(ctx context.Context, id types.SnapshotID) (*types.SnapshotRef, error) {
	refs, err := s.querySnapshots(ctx, `
SELECT snapshot_id, chat_id, session_id, storage_id, created_at_unix_ms
FROM snapshots
WHERE snapshot_id = ?
`, string(id))
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}
	return refs[0], nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, id types.SnapshotID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}
	return nil
}

// SupersededSnapshots returns every snapshot of every chat except the
// newest keep per chat.
func (s *Store) SupersededSnapshots(ctx context.Context, keep int) ([]*types.SnapshotRef, error) {
	if keep < 1 {
		keep = 1
	}
	return s.querySnapshots(ctx, `
SELECT snapshot_id, chat_id, session_id, storage_id, created_at_unix_ms
FROM (
  SELECT snapshot_id, chat_id, session_id, storage_id, created_at_unix_ms,
         ROW_NUMBER() OVER (PARTITION BY chat_id ORDER BY created_at_unix_ms DESC, rowid DESC) AS rn
  FROM snapshots
)
WHERE rn > ?
ORDER BY chat_id, created_at_unix_ms
`, keep)
}

// PruneExpiredTargets forgets upload targets that were never registered.
func (s *Store) PruneExpiredTargets(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_targets WHERE expires_at_unix_ms < ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) querySnapshots(ctx context.Context, query string, args ...any) ([]*types.SnapshotRef, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SnapshotRef
	for rows.Next() {
		var (
			id, chatID, sessionID, storageID string
			createdMs                        int64
		)
		if err := rows.Scan(&id, &chatID, &sessionID, &storageID, &createdMs); err != nil {
			return nil, err
		}
		out = append(out, &types.SnapshotRef{
			ID:        types.SnapshotID(id),
			ChatID:    types.ChatID(chatID),
			SessionID: types.SessionID(sessionID),
			StorageID: types.StorageID(storageID),
			CreatedAt: time.UnixMilli(createdMs),
		})
	}
	return out, rows.Err()
}

var (
	_ types.MessageStore  = (*Store)(nil)
	_ types.SnapshotStore = (*Store)(nil)
)
