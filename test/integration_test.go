//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/gopherchef/internal/backend"
	ctxengine "github.com/user/gopherchef/internal/context"
	"github.com/user/gopherchef/internal/delivery"
	"github.com/user/gopherchef/internal/gateway"
	"github.com/user/gopherchef/internal/persist"
	"github.com/user/gopherchef/internal/sandbox"
	"github.com/user/gopherchef/internal/snapshot"
	"github.com/user/gopherchef/internal/state"
	"github.com/user/gopherchef/internal/types"
	"github.com/user/gopherchef/internal/workbench"
)

type daemon struct {
	gw     *gateway.Gateway[*workbench.Session]
	store  *backend.Store
	blobs  *state.BlobStore
	events *state.JournalStore
}

// startDaemon wires the stores the way serve does. workspaces is the root
// under which every chat gets its own sandbox directory.
func startDaemon(t *testing.T, dataDir, workspaces string) *daemon {
	t.Helper()
	store, err := backend.Open(filepath.Join(dataDir, "backend.db"))
	if err != nil {
		t.Fatal(err)
	}
	d := &daemon{
		store:  store,
		blobs:  state.NewBlobStore(filepath.Join(dataDir, "blobs")),
		events: state.NewJournalStore(dataDir),
	}
	alerts := delivery.NewRegistry()
	alerts.Register("", delivery.JournalHandler(d.events))
	engine := ctxengine.New("gpt-4", 2000)

	queue := gateway.NewQueue(2, 64)
	d.gw = gateway.New(state.NewChatStore(dataDir), queue, func(ctx context.Context, chatID types.ChatID) (*workbench.Session, error) {
		sb, err := sandbox.NewLocal(filepath.Join(workspaces, string(chatID)), "sh", sandbox.DefaultExcludes())
		if err != nil {
			return nil, err
		}
		return workbench.Open(ctx, workbench.Config{
			ChatID:           chatID,
			Sandbox:          sb,
			Queue:            queue,
			Messages:         store,
			Snapshots:        store,
			Blobs:            d.blobs,
			Events:           d.events,
			Alerts:           alerts,
			Engine:           engine,
			SnapshotDebounce: 20 * time.Millisecond,
		})
	})
	d.gw.Start(context.Background())
	return d
}

func (d *daemon) stop(t *testing.T) {
	t.Helper()
	d.gw.Stop(context.Background())
	if err := d.store.Close(); err != nil {
		t.Fatal(err)
	}
}

func turn(id string, parts ...types.Part) []types.Message {
	return []types.Message{
		{ID: "u-" + id, Role: "user", Parts: []types.Part{{Type: types.PartText, Text: "make it " + id}}},
		{ID: "a-" + id, Role: "assistant", Parts: parts},
	}
}

func tool(id, name string, st types.ToolState, args string) types.Part {
	return types.Part{Type: types.PartToolInvocation, ToolInvocation: &types.ToolInvocation{
		ToolCallID: types.ToolCallID(id),
		ToolName:   name,
		State:      st,
		Args:       json.RawMessage(args),
	}}
}

func TestEndToEnd(t *testing.T) {
	dataDir := t.TempDir()
	workspaces := t.TempDir()
	ctx := context.Background()

	d := startDaemon(t, dataDir, workspaces)

	var chats []types.ChatID
	for i := 0; i < 3; i++ {
		chatID, err := d.gw.Resolve(ctx, types.NewChatKey("web", fmt.Sprintf("user%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		chats = append(chats, chatID)
	}

	// Each chat writes a file and then reads it back through the shell.
	for i, chatID := range chats {
		content := fmt.Sprintf("page %d", i)
		calls := turn("1",
			tool("w", "file", types.ToolCall, fmt.Sprintf(`{"path":"index.html","content":%q}`, content)),
			tool("r", "shell", types.ToolCall, `{"command":"cat index.html"}`),
		)
		if err := d.gw.HandleMessages(ctx, chatID, calls, types.StreamStreaming); err != nil {
			t.Fatal(err)
		}
	}
	for i, chatID := range chats {
		sess, _ := d.gw.Lookup(chatID)
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result, err := sess.WaitOnToolCall(waitCtx, "r")
		cancel()
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(result, fmt.Sprintf("page %d", i)) {
			t.Errorf("chat %d: shell saw %q", i, result)
		}

		done := turn("1",
			tool("w", "file", types.ToolResult, `{"path":"index.html","content":"x"}`),
			tool("r", "shell", types.ToolResult, `{"command":"cat index.html"}`),
		)
		if err := d.gw.HandleMessages(ctx, chatID, done, types.StreamReady); err != nil {
			t.Fatal(err)
		}
		if got := sess.Status().Persisted; got != (persist.Cursor{MessageIndex: 1, PartIndex: 1}) {
			t.Errorf("chat %d: unexpected cursor %+v", i, got)
		}
		sess.Snapshots().Trigger()
		if err := sess.Snapshots().Flush(ctx); err != nil {
			t.Fatal(err)
		}
	}

	d.stop(t)

	// A restart on empty workspaces must restore files from snapshots and
	// must not run persisted actions again.
	freshWorkspaces := t.TempDir()
	d = startDaemon(t, dataDir, freshWorkspaces)
	defer d.stop(t)

	for i, chatID := range chats {
		replay := turn("1",
			tool("w", "file", types.ToolResult, `{"path":"index.html","content":"overwritten"}`),
			tool("r", "shell", types.ToolResult, `{"command":"cat index.html"}`),
		)
		if err := d.gw.HandleMessages(ctx, chatID, replay, types.StreamReady); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(filepath.Join(freshWorkspaces, string(chatID), "index.html"))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != fmt.Sprintf("page %d", i) {
			t.Errorf("chat %d: expected restored content, got %q", i, data)
		}
	}

	n, err := snapshot.Prune(ctx, d.store, d.blobs, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, chatID := range chats {
		refs, err := d.store.ListSnapshots(ctx, chatID)
		if err != nil {
			t.Fatal(err)
		}
		if len(refs) != 1 {
			t.Errorf("expected 1 snapshot after prune, got %d (removed %d)", len(refs), n)
		}
	}
}
