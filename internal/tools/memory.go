package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoflow/convoflow/internal/learning"
	"github.com/convoflow/convoflow/internal/memory"
)

// AgentIDKey is the params key carrying the calling agent's ID. The
// orchestrator sets it; the model never sees it.
const AgentIDKey = "_agent_id"

// ClientIDKey carries the tenant the call runs for. Tools that read shared
// records only return rows owned by this client.
const ClientIDKey = "_client_id"

// MemorySearchTool searches the calling agent's memory.
type MemorySearchTool struct {
	store *memory.Store
}

func NewMemorySearchTool(store *memory.Store) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search the agent's knowledge base for information relevant to a query."
}
func (t *MemorySearchTool) Tier() int { return TierReadOnly }

func (t *MemorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "What to look for"},
			"limit": map[string]any{"type": "integer", "description": "Maximum results (default 5)"},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	agentID := GetString(params, AgentIDKey, "")
	if agentID == "" {
		return "Error: no agent context", nil
	}
	results, err := t.store.Search(ctx, memory.Query{
		AgentID:             agentID,
		Text:                GetString(params, "query", ""),
		Limit:               GetInt(params, "limit", 5),
		SimilarityThreshold: 0.5,
	})
	if err != nil {
		return "", fmt.Errorf("memory search: %w", err)
	}
	if len(results) == 0 {
		return "No relevant knowledge found.", nil
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [%s, %.0f%%] %s\n", i+1, r.Chunk.ChunkType, r.Similarity*100, truncate(r.Chunk.Content, 400))
	}
	return sb.String(), nil
}

// RememberTool files what the user asked the agent to remember as a
// learning log awaiting review.
type RememberTool struct {
	pipeline *learning.Pipeline
}

func NewRememberTool(pipeline *learning.Pipeline) *RememberTool {
	return &RememberTool{pipeline: pipeline}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Submit a fact the user asked you to remember. It becomes knowledge after review."
}
func (t *RememberTool) Tier() int { return TierWrite }

func (t *RememberTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "The fact to remember"},
		},
		"required": []string{"content"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	agentID := GetString(params, AgentIDKey, "")
	if agentID == "" {
		return "Error: no agent context", nil
	}
	content := strings.TrimSpace(GetString(params, "content", ""))
	l := &learning.Log{
		AgentID:      agentID,
		Source:       learning.SourceConversation,
		LearningType: learning.TypeMemoryAdded,
		Content:      content,
		SourceData:   map[string]any{"chunk_type": memory.TypeBusinessTerm},
		Analysis:     map[string]any{"kind": "remember_tool"},
		Confidence:   0.75,
	}
	if err := t.pipeline.Record(ctx, l); err != nil {
		return "", err
	}
	return fmt.Sprintf("Noted for review: %q (id: %s)", truncate(content, 80), l.ID), nil
}
