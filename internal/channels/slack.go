package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/convoflow/convoflow/internal/bus"
	"github.com/convoflow/convoflow/internal/config"
)

// SlackChannel posts team notifications and replies into Slack.
type SlackChannel struct {
	BaseChannel
	config config.SlackConfig
	api    *slack.Client
}

// NewSlackChannel creates a Slack channel. messageBus may be nil when the
// channel only serves notify_team actions.
func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	base := strings.TrimSpace(cfg.APIBase)
	if base == "" {
		base = slack.APIURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
		api: slack.New(cfg.BotToken,
			slack.OptionHTTPClient(&http.Client{Timeout: 15 * time.Second}),
			slack.OptionAPIURL(base)),
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error {
	if !c.config.Enabled || c.Bus == nil {
		return nil
	}
	c.Bus.Subscribe(c.Name(), func(msg *bus.OutboundMessage) {
		if err := c.Send(ctx, msg); err != nil {
			slog.Warn("Slack reply failed", "chat", msg.ChatID, "error", err)
		}
	})
	return nil
}

func (c *SlackChannel) Stop() error { return nil }

func (c *SlackChannel) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	_, err := c.Notify(ctx, msg.ChatID, msg.Content)
	return err
}

// Notify posts text to channel, or to the configured default channel when
// channel is empty. It returns the message timestamp.
func (c *SlackChannel) Notify(ctx context.Context, channel, text string) (string, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = c.config.DefaultChannel
	}
	if channel == "" {
		return "", fmt.Errorf("slack: no channel given and no default channel configured")
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	return ts, nil
}
