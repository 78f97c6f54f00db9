package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/gopherchef/internal/types"
)

func TestBlobStore(t *testing.T) {
	store := NewBlobStore(t.TempDir())
	ctx := context.Background()

	target := types.UploadTarget{
		Token:     "tok",
		StorageID: types.NewStorageID(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	id, err := store.Transmit(ctx, target, []byte("archive-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if id != target.StorageID {
		t.Errorf("expected storage id %s, got %s", target.StorageID, id)
	}

	data, err := store.Fetch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "archive-bytes" {
		t.Errorf("data mismatch: %q", data)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Fetch(ctx, id); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	// Deleting twice is fine
	if err := store.Delete(ctx, id); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestBlobStoreRejectsExpiredTarget(t *testing.T) {
	store := NewBlobStore(t.TempDir())
	target := types.UploadTarget{
		StorageID: types.NewStorageID(),
		ExpiresAt: time.Now().Add(-time.Second),
	}
	if _, err := store.Transmit(context.Background(), target, []byte("x")); err == nil {
		t.Error("expected error for expired target")
	}
}

func TestChatStore(t *testing.T) {
	store := NewChatStore(t.TempDir())
	ctx := context.Background()

	key := types.NewChatKey("http", "demo")
	id, err := store.ResolveOrCreate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	// Same key resolves to the same chat
	again, err := store.ResolveOrCreate(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("expected %s, got %s", id, again)
	}

	chat, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if chat.ChatKey != key || chat.Status != "active" {
		t.Errorf("unexpected chat: %+v", chat)
	}

	chat.Title = "Todo app"
	if err := store.Update(ctx, chat); err != nil {
		t.Fatal(err)
	}
	chat, _ = store.Get(ctx, id)
	if chat.Title != "Todo app" {
		t.Errorf("title not persisted: %q", chat.Title)
	}

	if _, err := store.ResolveOrCreate(ctx, types.NewChatKey("http", "other")); err != nil {
		t.Fatal(err)
	}
	chats, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].ChatID != id {
		t.Errorf("expected 2 chats oldest first, got %d", len(chats))
	}
}

func TestChatStoreUpdateUnknown(t *testing.T) {
	store := NewChatStore(t.TempDir())
	err := store.Update(context.Background(), &types.ChatIndex{ChatKey: "missing"})
	if err == nil {
		t.Error("expected error updating unknown chat")
	}
}

func TestJournalStore(t *testing.T) {
	root := t.TempDir()
	store := NewJournalStore(root)
	ctx := context.Background()
	chatID := types.NewChatID()

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"i": i})
		if err := store.Append(ctx, &types.Event{ChatID: chatID, Type: "action.status", Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.Count(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 events, got %d", n)
	}

	tail, err := store.Tail(ctx, chatID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Errorf("unexpected tail: %+v", tail)
	}

	// A fresh store over the same directory continues the sequence.
	reopened := NewJournalStore(root)
	ev := &types.Event{ChatID: chatID, Type: "alert"}
	if err := reopened.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 6 {
		t.Errorf("expected seq 6, got %d", ev.Seq)
	}

	if err := reopened.Clear(ctx, chatID); err != nil {
		t.Fatal(err)
	}
	if n, _ := reopened.Count(ctx, chatID); n != 0 {
		t.Errorf("expected empty journal after clear, got %d", n)
	}
}

func TestJournalStoreConcurrentAppend(t *testing.T) {
	store := NewJournalStore(t.TempDir())
	ctx := context.Background()
	chatID := types.NewChatID()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Append(ctx, &types.Event{ChatID: chatID, Type: "x"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	events, err := store.Tail(ctx, chatID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}
}
