package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/user/gopherchef/internal/types"
)

// LogHandler writes alerts to the default logger.
func LogHandler(chatID types.ChatID, alert types.Alert) error {
	slog.Warn("alert",
		"chat_id", string(chatID),
		"type", alert.Type,
		"title", alert.Title,
		"description", alert.Description,
		"source", alert.Source,
	)
	return nil
}

// JournalHandler appends alerts to the chat's event journal, then logs them.
func JournalHandler(events types.EventStore) Handler {
	return func(chatID types.ChatID, alert types.Alert) error {
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		if err := events.Append(context.Background(), &types.Event{
			ChatID:  chatID,
			Type:    "alert." + alert.Type,
			Source:  alert.Source,
			Payload: payload,
		}); err != nil {
			return fmt.Errorf("journal alert: %w", err)
		}
		return LogHandler(chatID, alert)
	}
}
