package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/convoflow/convoflow/internal/store"
)

// RecordFetcher loads a stored record by event type and ID.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, eventType, id string) (map[string]any, error)
}

// RecordLookupTool reads a conversation, message, lead or agent record
// owned by the caller's client. Records of other clients read as missing.
type RecordLookupTool struct {
	records RecordFetcher
}

func NewRecordLookupTool(records RecordFetcher) *RecordLookupTool {
	return &RecordLookupTool{records: records}
}

func (t *RecordLookupTool) Name() string { return "record_lookup" }
func (t *RecordLookupTool) Description() string {
	return "Look up a stored conversation, message, lead or agent by ID."
}
func (t *RecordLookupTool) Tier() int { return TierReadOnly }

func (t *RecordLookupTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{"type": "string", "enum": []string{"conversation", "message", "lead", "agent"}},
			"id":   map[string]any{"type": "string"},
		},
		"required": []string{"type", "id"},
	}
}

func (t *RecordLookupTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	rec, err := t.records.FetchRecord(ctx, GetString(params, "type", ""), GetString(params, "id", ""))
	if errors.Is(err, store.ErrNotFound) {
		return "Record not found.", nil
	}
	if err != nil {
		return "", err
	}
	if owner, _ := rec["client_id"].(string); owner != GetString(params, ClientIDKey, "") {
		return "Record not found.", nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
