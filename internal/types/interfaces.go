package types

import (
	"context"
)

// Sandbox is the execution environment that owns the workspace files.
type Sandbox interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Spawn(ctx context.Context, spec ProcessSpec) (*ProcessResult, error)
	// Watch delivers change events until ctx is done.
	Watch(ctx context.Context, fn func(WatchEvent)) error
	Export(ctx context.Context, excludes []string) ([]byte, error)
	Import(ctx context.Context, blob []byte) error
}

type ChatStore interface {
	ResolveOrCreate(ctx context.Context, key ChatKey) (ChatID, error)
	Get(ctx context.Context, id ChatID) (*ChatIndex, error)
	List(ctx context.Context) ([]*ChatIndex, error)
	Update(ctx context.Context, chat *ChatIndex) error
}

type EventStore interface {
	Append(ctx context.Context, event *Event) error
	Tail(ctx context.Context, chatID ChatID, limit int) ([]*Event, error)
	Count(ctx context.Context, chatID ChatID) (int64, error)
}

type MessageStore interface {
	AppendMessages(ctx context.Context, req AppendRequest) error
	LoadMessages(ctx context.Context, chatID ChatID) (*StoredMessages, error)
}

type SnapshotStore interface {
	GenerateUploadTarget(ctx context.Context) (UploadTarget, error)
	RegisterSnapshot(ctx context.Context, chatID ChatID, sessionID SessionID, storageID StorageID) (*SnapshotRef, error)
	LatestSnapshot(ctx context.Context, chatID ChatID) (*SnapshotRef, error)
	ListSnapshots(ctx context.Context, chatID ChatID) ([]*SnapshotRef, error)
	DeleteSnapshot(ctx context.Context, id SnapshotID) error
}

type BlobStore interface {
	Transmit(ctx context.Context, target UploadTarget, data []byte) (StorageID, error)
	Fetch(ctx context.Context, id StorageID) ([]byte, error)
	Delete(ctx context.Context, id StorageID) error
}
