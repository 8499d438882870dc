package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookPostTool POSTs a JSON payload to an external URL.
type WebhookPostTool struct {
	client *http.Client
}

func NewWebhookPostTool(timeout time.Duration) *WebhookPostTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookPostTool{client: &http.Client{Timeout: timeout}}
}

func (t *WebhookPostTool) Name() string        { return "webhook_post" }
func (t *WebhookPostTool) Description() string { return "Send a JSON payload to an external webhook URL." }
func (t *WebhookPostTool) Tier() int           { return TierExternal }

func (t *WebhookPostTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":     map[string]any{"type": "string"},
			"payload": map[string]any{"type": "object"},
		},
		"required": []string{"url"},
	}
}

func (t *WebhookPostTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	body, err := json.Marshal(params["payload"])
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, GetString(params, "url", ""), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return fmt.Sprintf("Webhook accepted (%d)", resp.StatusCode), nil
}
