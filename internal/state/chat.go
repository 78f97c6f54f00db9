package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/gopherchef/internal/types"
)

// ErrChatNotFound is returned for chat ids or keys missing from the index.
var ErrChatNotFound = errors.New("chat not found")

// ChatStore is a JSON-file-backed chat index.
// It stores index data in chats/chats.json and creates per-chat directories
// at chats/<chatID>/.
type ChatStore struct {
	root string
	mu   sync.RWMutex
}

// NewChatStore creates a new file-backed ChatStore rooted at the given directory.
func NewChatStore(root string) *ChatStore {
	return &ChatStore{root: root}
}

func (s *ChatStore) indexPath() string {
	return filepath.Join(s.root, "chats", "chats.json")
}

func (s *ChatStore) chatDir(id types.ChatID) string {
	return filepath.Join(s.root, "chats", string(id))
}

// loadIndex reads chats.json and returns a map keyed by ChatKey.
func (s *ChatStore) loadIndex() (map[types.ChatKey]*types.ChatIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ChatKey]*types.ChatIndex), nil
		}
		return nil, fmt.Errorf("read chat index: %w", err)
	}

	var chats []*types.ChatIndex
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, fmt.Errorf("unmarshal chat index: %w", err)
	}

	index := make(map[types.ChatKey]*types.ChatIndex, len(chats))
	for _, c := range chats {
		index[c.ChatKey] = c
	}
	return index, nil
}

func (s *ChatStore) saveIndex(index map[types.ChatKey]*types.ChatIndex) error {
	data, err := json.MarshalIndent(sortedChats(index), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chat index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.indexPath()), 0o755); err != nil {
		return fmt.Errorf("create chats dir: %w", err)
	}
	if err := writeAtomic(s.indexPath(), data); err != nil {
		return fmt.Errorf("write chat index: %w", err)
	}
	return nil
}

func sortedChats(index map[types.ChatKey]*types.ChatIndex) []*types.ChatIndex {
	chats := make([]*types.ChatIndex, 0, len(index))
	for _, c := range index {
		chats = append(chats, c)
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.Before(chats[j].CreatedAt)
	})
	return chats
}

// ResolveOrCreate returns the ChatID for the given key, creating a new chat if needed.
func (s *ChatStore) ResolveOrCreate(_ context.Context, key types.ChatKey) (types.ChatID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	if existing, ok := index[key]; ok {
		return existing.ChatID, nil
	}

	now := time.Now()
	id := types.NewChatID()
	index[key] = &types.ChatIndex{
		ChatID:    id,
		ChatKey:   key,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.saveIndex(index); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.chatDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create chat dir: %w", err)
	}
	return id, nil
}

// Get returns the chat with the given ID.
func (s *ChatStore) Get(_ context.Context, id types.ChatID) (*types.ChatIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	for _, c := range index {
		if c.ChatID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrChatNotFound, id)
}

// List returns all chats, oldest first.
func (s *ChatStore) List(_ context.Context) ([]*types.ChatIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedChats(index), nil
}

// Update persists changes to the given chat, setting UpdatedAt to now.
func (s *ChatStore) Update(_ context.Context, chat *types.ChatIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[chat.ChatKey]; !ok {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chat.ChatKey)
	}

	chat.UpdatedAt = time.Now()
	index[chat.ChatKey] = chat
	return s.saveIndex(index)
}
