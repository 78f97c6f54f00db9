package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/backend"
	"github.com/user/gopherchef/internal/gateway"
	"github.com/user/gopherchef/internal/sandbox"
	"github.com/user/gopherchef/internal/state"
	"github.com/user/gopherchef/internal/types"
	"github.com/user/gopherchef/internal/workbench"
)

type testServer struct {
	srv   *Server
	gw    *gateway.Gateway[*workbench.Session]
	store *backend.Store
}

func setupServer(t *testing.T, token string) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := backend.Open(filepath.Join(dir, "backend.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chats := state.NewChatStore(dir)
	events := state.NewJournalStore(dir)
	blobs := state.NewBlobStore(filepath.Join(dir, "blobs"))
	queue := gateway.NewQueue(2, 64)

	gw := gateway.New(chats, queue, func(ctx context.Context, chatID types.ChatID) (*workbench.Session, error) {
		sb, err := sandbox.NewLocal(filepath.Join(dir, "workspaces", string(chatID)), "sh", nil)
		if err != nil {
			return nil, err
		}
		return workbench.Open(ctx, workbench.Config{
			ChatID:           chatID,
			Sandbox:          sb,
			Queue:            queue,
			Messages:         store,
			Snapshots:        store,
			Blobs:            blobs,
			Events:           events,
			SnapshotDebounce: 10 * time.Millisecond,
		})
	})
	gw.Start(context.Background())
	t.Cleanup(func() { gw.Stop(context.Background()) })

	return &testServer{
		srv:   NewServer(gw, chats, events, store, token),
		gw:    gw,
		store: store,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	return w
}

func (ts *testServer) resolve(t *testing.T, key string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/chats", map[string]string{"key": key})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp["chat_id"]
}

func toolCall(id, name string, st types.ToolState, args string) types.Message {
	return types.Message{
		ID:   "a1",
		Role: "assistant",
		Parts: []types.Part{{
			Type: types.PartToolInvocation,
			ToolInvocation: &types.ToolInvocation{
				ToolCallID: types.ToolCallID(id),
				ToolName:   name,
				State:      st,
				Args:       json.RawMessage(args),
			},
		}},
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupServer(t, "")
	w := ts.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestAuthToken(t *testing.T) {
	ts := setupServer(t, "s3cret")

	if w := ts.do(t, http.MethodGet, "/api/chats", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health should not require a token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
}

func TestStreamUpdateRunsActions(t *testing.T) {
	ts := setupServer(t, "")
	chatID := ts.resolve(t, "web:demo")
	base := "/api/chats/" + chatID

	w := ts.do(t, http.MethodPost, base+"/messages", messagesRequest{
		Messages: []types.Message{toolCall("c1", "shell", types.ToolCall, `{"command":"echo built"}`)},
		Status:   types.StreamStreaming,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("messages: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, base+"/tool-calls/c1?timeout=5s", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("wait: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var waited map[string]string
	if err := json.NewDecoder(w.Body).Decode(&waited); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(waited["result"], "built") {
		t.Errorf("expected shell output, got %q", waited["result"])
	}

	w = ts.do(t, http.MethodGet, base+"/actions", nil)
	var actions []action.Action
	if err := json.NewDecoder(w.Body).Decode(&actions); err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Status != action.StatusComplete {
		t.Fatalf("unexpected actions %+v", actions)
	}

	w = ts.do(t, http.MethodGet, base+"/events", nil)
	var events []*types.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 {
		t.Errorf("expected journal events for the action, got %d", len(events))
	}

	w = ts.do(t, http.MethodGet, "/api/chats", nil)
	var chats []*types.ChatIndex
	if err := json.NewDecoder(w.Body).Decode(&chats); err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || string(chats[0].ChatID) != chatID {
		t.Errorf("unexpected chats %+v", chats)
	}
}

func TestInvalidRequests(t *testing.T) {
	ts := setupServer(t, "")
	chatID := ts.resolve(t, "web:bad")

	if w := ts.do(t, http.MethodPost, "/api/chats", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing key, got %d", w.Code)
	}
	w := ts.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", map[string]any{"messages": []any{}, "status": "bogus"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/chats/"+chatID+"/tool-calls/x?timeout=nope", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad timeout, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/chats/missing/status", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown chat, got %d", w.Code)
	}
}

func TestWaitTimesOutAndAbortReleases(t *testing.T) {
	ts := setupServer(t, "")
	chatID := ts.resolve(t, "web:abort")
	base := "/api/chats/" + chatID

	if w := ts.do(t, http.MethodGet, base+"/tool-calls/never?timeout=20ms", nil); w.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", w.Code)
	}

	codes := make(chan int, 1)
	go func() {
		codes <- ts.do(t, http.MethodGet, base+"/tool-calls/pending?timeout=5s", nil).Code
	}()
	sess, ok := ts.gw.Lookup(types.ChatID(chatID))
	if !ok {
		t.Fatal("expected open session")
	}
	// "never" stays registered after its wait timed out.
	deadline := time.Now().Add(2 * time.Second)
	for sess.Status().PendingCalls < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if w := ts.do(t, http.MethodPost, base+"/abort", nil); w.Code != http.StatusOK {
		t.Fatalf("abort: expected 200, got %d", w.Code)
	}
	select {
	case code := <-codes:
		if code != http.StatusConflict {
			t.Errorf("expected 409 after abort, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait not released by abort")
	}

	w := ts.do(t, http.MethodPost, base+"/turn", nil)
	var status workbench.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Aborted {
		t.Error("expected turn to clear abort")
	}
}

func TestSaveFileAndModifications(t *testing.T) {
	ts := setupServer(t, "")
	chatID := ts.resolve(t, "web:edit")
	base := "/api/chats/" + chatID

	w := ts.do(t, http.MethodPut, base+"/files", saveFileRequest{Path: "notes.md", Content: "# Notes\n"})
	if w.Code != http.StatusOK {
		t.Fatalf("save: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, base+"/modifications", nil)
	var mods []workbench.Modification
	if err := json.NewDecoder(w.Body).Decode(&mods); err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 || mods[0].Path != "notes.md" || mods[0].Added != 1 {
		t.Errorf("unexpected modifications %+v", mods)
	}

	w = ts.do(t, http.MethodGet, base+"/documents", nil)
	var docs []workbench.Document
	if err := json.NewDecoder(w.Body).Decode(&docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || !docs[0].Modified {
		t.Errorf("unexpected documents %+v", docs)
	}

	if w := ts.do(t, http.MethodPut, base+"/files", saveFileRequest{Content: "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without path, got %d", w.Code)
	}
}

func TestSnapshotSaveListRestore(t *testing.T) {
	ts := setupServer(t, "")
	chatID := ts.resolve(t, "web:snap")
	base := "/api/chats/" + chatID

	if w := ts.do(t, http.MethodPut, base+"/files", saveFileRequest{Path: "index.html", Content: "v1"}); w.Code != http.StatusOK {
		t.Fatalf("save: %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, base+"/snapshots", nil); w.Code != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := ts.do(t, http.MethodGet, base+"/snapshots", nil)
	var refs []*types.SnapshotRef
	if err := json.NewDecoder(w.Body).Decode(&refs); err != nil {
		t.Fatal(err)
	}
	if len(refs) == 0 {
		t.Fatal("expected at least one snapshot")
	}

	if w := ts.do(t, http.MethodPut, base+"/files", saveFileRequest{Path: "index.html", Content: "v2"}); w.Code != http.StatusOK {
		t.Fatalf("save: %d", w.Code)
	}
	w = ts.do(t, http.MethodPost, base+"/snapshots/"+string(refs[0].ID)+"/restore", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if w := ts.do(t, http.MethodPost, base+"/snapshots/missing/restore", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown snapshot, got %d", w.Code)
	}

	other := ts.resolve(t, "web:other")
	w = ts.do(t, http.MethodPost, "/api/chats/"+other+"/snapshots/"+string(refs[0].ID)+"/restore", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another chat's snapshot, got %d", w.Code)
	}
}

func TestCloseSession(t *testing.T) {
	ts := setupServer(t, "")
	chatID := ts.resolve(t, "web:close")

	if w := ts.do(t, http.MethodGet, "/api/chats/"+chatID+"/status", nil); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/chats/"+chatID+"/session", nil); w.Code != http.StatusNoContent {
		t.Fatalf("close: expected 204, got %d", w.Code)
	}
	if _, ok := ts.gw.Lookup(types.ChatID(chatID)); ok {
		t.Error("expected session to be closed")
	}
}
