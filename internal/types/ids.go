package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type ChatKey string
type ChatID string
type SessionID string
type MessageID string
type PartID string
type ActionID string
type ToolCallID string
type JobID string
type EventID string
type SnapshotID string
type StorageID string

func NewChatID() ChatID {
	return ChatID(uuid.New().String())
}

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.New().String())
}

func NewStorageID() StorageID {
	return StorageID(uuid.New().String())
}

func NewChatKey(parts ...string) ChatKey {
	return ChatKey(strings.Join(parts, ":"))
}

// NewPartID derives the stable identifier of a message part from its
// position. Replaying the same message yields the same id.
func NewPartID(messageID MessageID, partIndex int) PartID {
	return PartID(fmt.Sprintf("%s-%d", messageID, partIndex))
}
