package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/gopherchef/internal/types"
)

// ErrBlobNotFound is returned by Fetch for unknown storage ids.
var ErrBlobNotFound = errors.New("blob not found")

type blobMeta struct {
	StorageID types.StorageID `json:"storage_id"`
	Size      int             `json:"size"`
	StoredAt  time.Time       `json:"stored_at"`
}

// BlobStore keeps snapshot archives as files under blobs/<storageID>.bin,
// each with a small JSON sidecar describing it.
type BlobStore struct {
	root string
}

// NewBlobStore creates a new file-backed BlobStore rooted at the given directory.
func NewBlobStore(root string) *BlobStore {
	return &BlobStore{root: root}
}

func (b *BlobStore) blobsDir() string {
	return filepath.Join(b.root, "blobs")
}

func (b *BlobStore) blobPath(id types.StorageID) string {
	return filepath.Join(b.blobsDir(), string(id)+".bin")
}

func (b *BlobStore) metaPath(id types.StorageID) string {
	return filepath.Join(b.blobsDir(), string(id)+".json")
}

// Transmit stores data under the storage id reserved by the upload target.
func (b *BlobStore) Transmit(ctx context.Context, target types.UploadTarget, data []byte) (types.StorageID, error) {
	if target.StorageID == "" {
		return "", errors.New("upload target has no storage id")
	}
	if !target.ExpiresAt.IsZero() && time.Now().After(target.ExpiresAt) {
		return "", fmt.Errorf("upload target %s expired", target.StorageID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(b.blobsDir(), 0o755); err != nil {
		return "", fmt.Errorf("create blobs dir: %w", err)
	}
	if err := writeAtomic(b.blobPath(target.StorageID), data); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}

	meta, err := json.MarshalIndent(blobMeta{
		StorageID: target.StorageID,
		Size:      len(data),
		StoredAt:  time.Now(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal blob meta: %w", err)
	}
	if err := writeAtomic(b.metaPath(target.StorageID), meta); err != nil {
		return "", fmt.Errorf("write blob meta: %w", err)
	}
	return target.StorageID, nil
}

// Fetch returns the blob stored under id.
func (b *BlobStore) Fetch(_ context.Context, id types.StorageID) ([]byte, error) {
	data, err := os.ReadFile(b.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob and its sidecar. Deleting a missing blob is not an error.
func (b *BlobStore) Delete(_ context.Context, id types.StorageID) error {
	for _, p := range []string{b.blobPath(id), b.metaPath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete blob: %w", err)
		}
	}
	return nil
}

// writeAtomic writes via temp file + rename.
func writeAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
