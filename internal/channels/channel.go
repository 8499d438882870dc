// Package channels connects external messaging platforms to the bus and
// delivers trigger actions through them.
package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/convoflow/convoflow/internal/bus"
)

// ErrNotConnected is returned when a channel is used before Start.
var ErrNotConnected = errors.New("channel not connected")

// Channel defines the interface for chat platforms.
type Channel interface {
	// Name returns the channel name (e.g. "whatsapp").
	Name() string
	// Start connects and subscribes to outbound replies.
	Start(ctx context.Context) error
	Stop() error
	// Send delivers a reply to a specific chat.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// SendResult describes a delivered message.
type SendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}

// NormalizePhone strips formatting from a phone number, keeping digits only.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
