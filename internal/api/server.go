// Package api exposes chat sessions over HTTP: stream updates in, action
// statuses, tool-call results and workspace state out.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/gopherchef/internal/backend"
	"github.com/user/gopherchef/internal/broker"
	"github.com/user/gopherchef/internal/gateway"
	"github.com/user/gopherchef/internal/state"
	"github.com/user/gopherchef/internal/types"
	"github.com/user/gopherchef/internal/workbench"
)

// SnapshotCatalog looks up stored workspace snapshots.
type SnapshotCatalog interface {
	ListSnapshots(ctx context.Context, chatID types.ChatID) ([]*types.SnapshotRef, error)
	GetSnapshot(ctx context.Context, id types.SnapshotID) (*types.SnapshotRef, error)
}

const (
	defaultWaitTimeout = 60 * time.Second
	maxWaitTimeout     = 10 * time.Minute
	maxBodyBytes       = 32 << 20
)

// Server is the HTTP handler for the session API.
type Server struct {
	gw        *gateway.Gateway[*workbench.Session]
	chats     types.ChatStore
	events    types.EventStore
	snapshots SnapshotCatalog
	token     string
	mux       *http.ServeMux
}

// NewServer creates a Server. An empty token disables authentication.
func NewServer(gw *gateway.Gateway[*workbench.Session], chats types.ChatStore, events types.EventStore, snapshots SnapshotCatalog, token string) *Server {
	s := &Server{
		gw:        gw,
		chats:     chats,
		events:    events,
		snapshots: snapshots,
		token:     token,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/chats", s.handleListChats)
	s.mux.HandleFunc("POST /api/chats", s.handleResolveChat)
	s.mux.HandleFunc("POST /api/chats/{chat}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/chats/{chat}/turn", s.handleTurn)
	s.mux.HandleFunc("POST /api/chats/{chat}/abort", s.handleAbort)
	s.mux.HandleFunc("GET /api/chats/{chat}/tool-calls/{call}", s.handleWaitToolCall)
	s.mux.HandleFunc("GET /api/chats/{chat}/actions", s.handleActions)
	s.mux.HandleFunc("GET /api/chats/{chat}/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/chats/{chat}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/chats/{chat}/documents", s.handleDocuments)
	s.mux.HandleFunc("PUT /api/chats/{chat}/files", s.handleSaveFile)
	s.mux.HandleFunc("GET /api/chats/{chat}/modifications", s.handleModifications)
	s.mux.HandleFunc("GET /api/chats/{chat}/snapshots", s.handleListSnapshots)
	s.mux.HandleFunc("POST /api/chats/{chat}/snapshots", s.handleSaveSnapshot)
	s.mux.HandleFunc("POST /api/chats/{chat}/snapshots/{snapshot}/restore", s.handleRestoreSnapshot)
	s.mux.HandleFunc("DELETE /api/chats/{chat}/session", s.handleCloseSession)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Path != "/health" && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps an error from the session layer to a status code.
func writeFailure(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, state.ErrChatNotFound), errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrStreamAborted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workbench.ErrSessionClosed), errors.Is(err, gateway.ErrGatewayStopped), errors.Is(err, gateway.ErrQueueStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, gateway.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		slog.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// session returns the chat's session, opening it on first use.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*workbench.Session, bool) {
	sess, err := s.gw.Session(r.Context(), types.ChatID(r.PathValue("chat")))
	if err != nil {
		writeFailure(w, "open session", err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.gw.Open())})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chats.List(r.Context())
	if err != nil {
		writeFailure(w, "list chats", err)
		return
	}
	if chats == nil {
		chats = []*types.ChatIndex{}
	}
	writeJSON(w, http.StatusOK, chats)
}

type resolveRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleResolveChat(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	chatID, err := s.gw.Resolve(r.Context(), types.ChatKey(req.Key))
	if err != nil {
		writeFailure(w, "resolve chat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chat_id": string(chatID)})
}

// messagesRequest is one stream update: the full message list and the
// transport's status.
type messagesRequest struct {
	Messages []types.Message    `json:"messages"`
	Status   types.StreamStatus `json:"status"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Status {
	case types.StreamReady, types.StreamSubmitted, types.StreamStreaming, types.StreamError:
	default:
		writeError(w, http.StatusBadRequest, "invalid stream status")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.HandleMessages(r.Context(), req.Messages, req.Status); err != nil {
		writeFailure(w, "handle messages", err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.StartTurn()
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Abort()
	writeJSON(w, http.StatusOK, sess.Status())
}

// handleWaitToolCall blocks until the action behind a tool call finished.
// ?timeout= bounds the wait.
func (s *Server) handleWaitToolCall(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if q := r.URL.Query().Get("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = min(d, maxWaitTimeout)
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	callID := types.ToolCallID(r.PathValue("call"))
	result, err := sess.WaitOnToolCall(ctx, callID)
	if err != nil {
		writeFailure(w, "wait tool call", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tool_call_id": string(callID), "result": result})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Actions())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	chatID := types.ChatID(r.PathValue("chat"))
	if _, err := s.chats.Get(r.Context(), chatID); err != nil {
		writeFailure(w, "get chat", err)
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.events.Tail(r.Context(), chatID, limit)
	if err != nil {
		writeFailure(w, "tail events", err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Documents().List())
}

type saveFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	var req saveFileRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.SaveFile(r.Context(), req.Path, req.Content); err != nil {
		writeFailure(w, "save file", err)
		return
	}
	doc, _ := sess.Documents().Get(req.Path)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleModifications(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Modifications())
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	chatID := types.ChatID(r.PathValue("chat"))
	refs, err := s.snapshots.ListSnapshots(r.Context(), chatID)
	if err != nil {
		writeFailure(w, "list snapshots", err)
		return
	}
	if refs == nil {
		refs = []*types.SnapshotRef{}
	}
	writeJSON(w, http.StatusOK, refs)
}

// handleSaveSnapshot uploads the workspace now instead of waiting for the
// next change.
func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Snapshots().Trigger()
	if err := sess.Snapshots().Flush(r.Context()); err != nil {
		writeFailure(w, "save snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshots().Info())
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	chatID := types.ChatID(r.PathValue("chat"))
	ref, err := s.snapshots.GetSnapshot(r.Context(), types.SnapshotID(r.PathValue("snapshot")))
	if err != nil {
		writeFailure(w, "get snapshot", err)
		return
	}
	if ref.ChatID != chatID {
		writeError(w, http.StatusNotFound, "snapshot does not belong to chat")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.RestoreSnapshot(r.Context(), ref); err != nil {
		writeFailure(w, "restore snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	chatID := types.ChatID(r.PathValue("chat"))
	if err := s.gw.CloseSession(r.Context(), chatID); err != nil {
		writeFailure(w, "close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
