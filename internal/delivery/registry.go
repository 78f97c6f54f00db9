package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/gopherchef/internal/types"
)

// Alert types raised by the orchestration core.
const (
	AlertAction      = "action"
	AlertPersistence = "persistence"
	AlertSnapshot    = "snapshot"
)

// Handler delivers an alert to whatever is attached to the chat.
type Handler func(chatID types.ChatID, alert types.Alert) error

// Registry routes alerts to the handler registered for the longest prefix
// of the alert type. An empty prefix acts as the fallback.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for alert types starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the alert type and calls it.
func (r *Registry) Deliver(chatID types.ChatID, alert types.Alert) error {
	r.mu.RLock()
	var (
		best    Handler
		bestLen = -1
	)
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(alert.Type, prefix) && len(prefix) > bestLen {
			best, bestLen = handler, len(prefix)
		}
	}
	r.mu.RUnlock()

	if best == nil {
		return fmt.Errorf("no delivery handler for alert type: %s", alert.Type)
	}
	return best(chatID, alert)
}
