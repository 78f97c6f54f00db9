package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/user/gopherchef/internal/types"
)

// ErrGatewayStopped is returned once Stop has been called.
var ErrGatewayStopped = errors.New("gateway stopped")

// Session is what the gateway needs from a per-chat session.
type Session interface {
	SessionID() types.SessionID
	HandleMessages(ctx context.Context, messages []types.Message, status types.StreamStatus) error
	Close(ctx context.Context) error
}

// SessionFactory opens the session for a chat.
type SessionFactory[S Session] func(ctx context.Context, chatID types.ChatID) (S, error)

// Gateway routes chat traffic to sessions. It resolves chat keys through the
// chat store and opens at most one session per chat, on first use.
type Gateway[S Session] struct {
	chats types.ChatStore
	Queue *Queue
	open  SessionFactory[S]
	retry *RetryPolicy

	mu       sync.Mutex
	sessions map[types.ChatID]S
	stopped  bool
	opening  singleflight.Group
}

// New creates a Gateway. The queue is shared by every session it opens.
func New[S Session](chats types.ChatStore, queue *Queue, open SessionFactory[S]) *Gateway[S] {
	return &Gateway[S]{
		chats:    chats,
		Queue:    queue,
		open:     open,
		retry:    DefaultRetryPolicy(),
		sessions: make(map[types.ChatID]S),
	}
}

// Start starts the shared queue.
func (g *Gateway[S]) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop closes every open session and then stops the queue.
func (g *Gateway[S]) Stop(ctx context.Context) {
	g.mu.Lock()
	g.stopped = true
	sessions := g.sessions
	g.sessions = make(map[types.ChatID]S)
	g.mu.Unlock()

	for chatID, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			slog.Warn("close session failed", "chat_id", string(chatID), "error", err)
		}
	}
	g.Queue.Stop()
}

// Resolve returns the chat id for key, creating the chat if needed.
func (g *Gateway[S]) Resolve(ctx context.Context, key types.ChatKey) (types.ChatID, error) {
	var chatID types.ChatID
	err := g.retry.Execute(ctx, func() error {
		id, err := g.chats.ResolveOrCreate(ctx, key)
		chatID = id
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolve chat: %w", err)
	}
	return chatID, nil
}

// Session returns the open session for the chat, opening it if needed.
// Concurrent first calls share one open.
func (g *Gateway[S]) Session(ctx context.Context, chatID types.ChatID) (S, error) {
	var zero S

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return zero, ErrGatewayStopped
	}
	if sess, ok := g.sessions[chatID]; ok {
		g.mu.Unlock()
		return sess, nil
	}
	g.mu.Unlock()

	v, err, _ := g.opening.Do(string(chatID), func() (any, error) {
		g.mu.Lock()
		if sess, ok := g.sessions[chatID]; ok {
			g.mu.Unlock()
			return sess, nil
		}
		g.mu.Unlock()

		if _, err := g.chats.Get(ctx, chatID); err != nil {
			return nil, err
		}
		var sess S
		err := g.retry.Execute(ctx, func() error {
			s, err := g.open(ctx, chatID)
			sess = s
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}

		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			_ = sess.Close(ctx)
			return nil, ErrGatewayStopped
		}
		g.sessions[chatID] = sess
		g.mu.Unlock()

		g.touch(ctx, chatID, sess.SessionID())
		return sess, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(S), nil
}

// touch records which session last attached to the chat.
func (g *Gateway[S]) touch(ctx context.Context, chatID types.ChatID, sessionID types.SessionID) {
	chat, err := g.chats.Get(ctx, chatID)
	if err != nil {
		slog.Warn("load chat failed", "chat_id", string(chatID), "error", err)
		return
	}
	chat.LastSessionID = sessionID
	if err := g.chats.Update(ctx, chat); err != nil {
		slog.Warn("update chat failed", "chat_id", string(chatID), "error", err)
	}
}

// HandleMessages routes a stream update to the chat's session.
func (g *Gateway[S]) HandleMessages(ctx context.Context, chatID types.ChatID, messages []types.Message, status types.StreamStatus) error {
	sess, err := g.Session(ctx, chatID)
	if err != nil {
		return err
	}
	return sess.HandleMessages(ctx, messages, status)
}

// Lookup returns the chat's session only if it is already open.
func (g *Gateway[S]) Lookup(chatID types.ChatID) (S, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[chatID]
	return sess, ok
}

// CloseSession closes and forgets the chat's session, if open.
func (g *Gateway[S]) CloseSession(ctx context.Context, chatID types.ChatID) error {
	g.mu.Lock()
	sess, ok := g.sessions[chatID]
	delete(g.sessions, chatID)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Close(ctx)
}

// Open lists the chats that currently have a session.
func (g *Gateway[S]) Open() []types.ChatID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.ChatID, 0, len(g.sessions))
	for id := range g.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
