// Package tools provides the tool framework used by agents (enabled_tools)
// and by call_tool trigger actions.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/convoflow/convoflow/internal/provider"
)

var (
	ErrNotFound     = errors.New("tool not found")
	ErrInvalidInput = errors.New("invalid tool input")
)

// Tool is the interface that all tools implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the LLM.
	Description() string
	// Parameters returns the JSON Schema for tool parameters.
	Parameters() map[string]any
	// Execute runs the tool. Problems the model can act on are reported in
	// the result string; err is for failures of the tool itself.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// TieredTool is an optional interface for tools that declare a risk tier.
type TieredTool interface {
	Tool
	Tier() int
}

// Risk tiers.
const (
	TierReadOnly = 0
	TierWrite    = 1
	TierExternal = 2
)

// ToolTier returns the tool's tier, TierReadOnly when undeclared.
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// Registry manages tool registration and execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Definitions returns function definitions for the named tools, or for all
// tools when names is empty. Unknown names are skipped.
func (r *Registry) Definitions(names ...string) []provider.ToolDefinition {
	if r == nil {
		return nil
	}
	if len(names) == 0 {
		names = r.Names()
	}
	var out []provider.ToolDefinition
	for _, n := range names {
		tool, ok := r.Get(n)
		if !ok {
			continue
		}
		out = append(out, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return out
}

// Execute validates params against the tool's required fields and runs it.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := Validate(tool.Parameters(), params); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return tool.Execute(ctx, params)
}

// Validate checks that every required property is present and that
// string, number, boolean and object properties have the declared type.
func Validate(schema, params map[string]any) error {
	for _, key := range requiredKeys(schema) {
		v, ok := params[key]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("%w: missing %q", ErrInvalidInput, key)
		}
	}
	props, _ := schema["properties"].(map[string]any)
	for key, v := range params {
		prop, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		want, _ := prop["type"].(string)
		if !hasType(v, want) {
			return fmt.Errorf("%w: %q must be %s", ErrInvalidInput, key, want)
		}
	}
	return nil
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, k := range req {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func hasType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
