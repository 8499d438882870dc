package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/convoflow/convoflow/internal/embedding"
	"github.com/convoflow/convoflow/internal/learning"
	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/store"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echo text" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":  map[string]any{"type": "string"},
			"times": map[string]any{"type": "integer"},
		},
		"required": []any{"text"},
	}
}
func (echoTool) Execute(_ context.Context, params map[string]any) (string, error) {
	return strings.Repeat(GetString(params, "text", ""), GetInt(params, "times", 1)), nil
}

func TestRegistryExecuteValidates(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{})

	tests := []struct {
		name    string
		params  map[string]any
		want    string
		wantErr error
	}{
		{"ok", map[string]any{"text": "a", "times": float64(3)}, "aaa", nil},
		{"missing required", map[string]any{}, "", ErrInvalidInput},
		{"wrong type", map[string]any{"text": 5}, "", ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), "echo", tt.params)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v", got, err)
			}
		})
	}

	if _, err := r.Execute(context.Background(), "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDefinitionsFiltersByName(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool{})
	r.Register(NewWebhookPostTool(0))

	if defs := r.Definitions(); len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	defs := r.Definitions("webhook_post", "unknown")
	if len(defs) != 1 || defs[0].Function.Name != "webhook_post" || defs[0].Type != "function" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if ToolTier(echoTool{}) != TierReadOnly || ToolTier(NewWebhookPostTool(0)) != TierExternal {
		t.Fatal("unexpected tiers")
	}
}

func TestMemorySearchAndRemember(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "tools.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	mem := memory.NewStore(s.DB(), embedding.NewHashedBackend(16))
	if err := mem.Create(ctx, &memory.Chunk{
		AgentID:    "agent-1",
		Content:    "returns are accepted within 30 days",
		ChunkType:  memory.TypeFAQ,
		Confidence: 0.9,
	}); err != nil {
		t.Fatalf("create chunk: %v", err)
	}

	search := NewMemorySearchTool(mem)
	out, err := search.Execute(ctx, map[string]any{AgentIDKey: "agent-1", "query": "returns are accepted within 30 days"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "30 days") {
		t.Fatalf("expected hit, got %q", out)
	}
	out, _ = search.Execute(ctx, map[string]any{AgentIDKey: "agent-2", "query": "returns are accepted within 30 days"})
	if !strings.Contains(out, "No relevant knowledge") {
		t.Fatalf("expected isolation between agents, got %q", out)
	}

	pipe := learning.NewPipeline(s.DB(), learning.NewSettingsStore(s.DB(), learning.DefaultSettings()), mem, nil, nil)
	out, err = NewRememberTool(pipe).Execute(ctx, map[string]any{AgentIDKey: "agent-1", "content": "our store opens at 9am"})
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if !strings.Contains(out, "Noted for review") {
		t.Fatalf("unexpected output %q", out)
	}
	logs, err := pipe.Logs().List(ctx, learning.Filter{AgentID: "agent-1", Status: learning.StatusPending})
	if err != nil || len(logs) != 1 || logs[0].Content != "our store opens at 9am" {
		t.Fatalf("expected one pending log, got %+v %v", logs, err)
	}
}

type fakeRecords map[string]map[string]any

func (f fakeRecords) FetchRecord(_ context.Context, eventType, id string) (map[string]any, error) {
	rec, ok := f[eventType+"/"+id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func TestRecordLookup(t *testing.T) {
	tool := NewRecordLookupTool(fakeRecords{"lead/l1": {"status": "new"}})
	out, err := tool.Execute(context.Background(), map[string]any{"type": "lead", "id": "l1"})
	if err != nil || out != `{"status":"new"}` {
		t.Fatalf("got %q, %v", out, err)
	}
	out, err = tool.Execute(context.Background(), map[string]any{"type": "lead", "id": "missing"})
	if err != nil || out != "Record not found." {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestRecordLookupScopesToClient(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.EnsureConversation(ctx, "conv-b", "agent-b", "tenant-b", "whatsapp", "u1"); err != nil {
		t.Fatalf("conversation: %v", err)
	}
	msg, err := s.AppendMessage(ctx, "conv-b", "agent-b", "user", "my card ends in 4242")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	lead := &store.Lead{ClientID: "tenant-b", AgentID: "agent-b", ConversationID: "conv-b", Email: "b@example.com"}
	if err := s.SaveLead(ctx, lead); err != nil {
		t.Fatalf("lead: %v", err)
	}

	tool := NewRecordLookupTool(s)
	for _, rec := range []struct{ typ, id string }{{"lead", lead.ID}, {"message", msg.ID}, {"conversation", "conv-b"}} {
		out, err := tool.Execute(ctx, map[string]any{"type": rec.typ, "id": rec.id, ClientIDKey: "tenant-a"})
		if err != nil || out != "Record not found." {
			t.Fatalf("%s of another client: got %q, %v", rec.typ, out, err)
		}
	}

	out, err := tool.Execute(ctx, map[string]any{"type": "lead", "id": lead.ID, ClientIDKey: "tenant-b"})
	if err != nil || !strings.Contains(out, "b@example.com") {
		t.Fatalf("own lead: got %q, %v", out, err)
	}
}

func TestWebhookPost(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tool := NewWebhookPostTool(0)
	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL + "/ok", "payload": map[string]any{"lead": "l1"}})
	if err != nil || !strings.Contains(out, "202") {
		t.Fatalf("got %q, %v", out, err)
	}
	if got["lead"] != "l1" {
		t.Fatalf("payload not delivered: %v", got)
	}
	if _, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL + "/fail"}); err == nil {
		t.Fatal("expected error for 502")
	}
}
