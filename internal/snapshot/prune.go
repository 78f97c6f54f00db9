package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/gopherchef/internal/types"
)

// Catalog lists snapshots that newer ones have replaced.
type Catalog interface {
	SupersededSnapshots(ctx context.Context, keep int) ([]*types.SnapshotRef, error)
	DeleteSnapshot(ctx context.Context, id types.SnapshotID) error
}

// Prune deletes all but the newest keep snapshots of every chat, blob first.
// It returns how many snapshots were removed.
func Prune(ctx context.Context, catalog Catalog, blobs types.BlobStore, keep int) (int, error) {
	refs, err := catalog.SupersededSnapshots(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("list superseded snapshots: %w", err)
	}
	removed := 0
	for _, ref := range refs {
		if err := blobs.Delete(ctx, ref.StorageID); err != nil {
			slog.Warn("delete snapshot blob failed", "snapshot_id", string(ref.ID), "error", err)
			continue
		}
		if err := catalog.DeleteSnapshot(ctx, ref.ID); err != nil {
			return removed, fmt.Errorf("delete snapshot %s: %w", ref.ID, err)
		}
		removed++
	}
	return removed, nil
}
