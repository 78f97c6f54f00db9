package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gopherchef/internal/types"
)

// JournalStore is a JSONL-backed append-only event store.
// Events are stored per chat in chats/<chatID>/journal.jsonl.
type JournalStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ChatID]*sync.Mutex
	seqs  map[types.ChatID]int64
}

// NewJournalStore creates a new file-backed JournalStore rooted at the given directory.
func NewJournalStore(root string) *JournalStore {
	return &JournalStore{
		root:  root,
		locks: make(map[types.ChatID]*sync.Mutex),
		seqs:  make(map[types.ChatID]int64),
	}
}

// getLock returns the per-chat mutex, creating one if it doesn't exist.
func (j *JournalStore) getLock(chatID types.ChatID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lock, ok := j.locks[chatID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	j.locks[chatID] = lock
	return lock
}

func (j *JournalStore) journalPath(chatID types.ChatID) string {
	return filepath.Join(j.root, "chats", string(chatID), "journal.jsonl")
}

// count returns the number of journal lines. Caller must hold the chat lock.
func (j *JournalStore) count(chatID types.ChatID) (int64, error) {
	j.mu.Lock()
	n, ok := j.seqs[chatID]
	j.mu.Unlock()
	if ok {
		return n, nil
	}

	f, err := os.Open(j.journalPath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}

	j.mu.Lock()
	j.seqs[chatID] = n
	j.mu.Unlock()
	return n, nil
}

// Append adds an event to the chat's journal with an auto-incremented sequence number.
func (j *JournalStore) Append(_ context.Context, event *types.Event) error {
	if event.ChatID == "" {
		return fmt.Errorf("journal event has no chat id")
	}
	lock := j.getLock(event.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.journalPath(event.ChatID)), 0o755); err != nil {
		return fmt.Errorf("create chat dir: %w", err)
	}

	existing, err := j.count(event.ChatID)
	if err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = types.NewEventID()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	event.Seq = existing + 1

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(j.journalPath(event.ChatID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	j.mu.Lock()
	j.seqs[event.ChatID] = event.Seq
	j.mu.Unlock()
	return nil
}

// Tail returns the last N events for the given chat.
func (j *JournalStore) Tail(_ context.Context, chatID types.ChatID, limit int) ([]*types.Event, error) {
	lock := j.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.journalPath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var events []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events for the given chat.
func (j *JournalStore) Count(_ context.Context, chatID types.ChatID) (int64, error) {
	lock := j.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	return j.count(chatID)
}

// Clear removes the chat's journal.
func (j *JournalStore) Clear(_ context.Context, chatID types.ChatID) error {
	lock := j.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(j.journalPath(chatID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove journal: %w", err)
	}
	j.mu.Lock()
	delete(j.seqs, chatID)
	j.mu.Unlock()
	return nil
}
