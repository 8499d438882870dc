// Package agents holds agent definitions, their persistence and the
// in-memory registry request handlers read from.
package agents

import (
	"errors"
	"regexp"
	"time"

	"github.com/convoflow/convoflow/internal/inheritance"
)

var (
	// ErrNotFound is returned when an agent does not exist or is inactive.
	ErrNotFound = errors.New("agent not found")
	// ErrCycle is returned when a parent assignment would create a loop.
	ErrCycle = errors.New("agent parent cycle")
	// ErrClientMismatch is returned when a sub-agent's client differs from
	// its parent's.
	ErrClientMismatch = errors.New("sub-agent client_id must match parent")
	// ErrInvalid is returned for malformed agent definitions.
	ErrInvalid = errors.New("invalid agent")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidSlug reports whether s is lowercase ASCII words joined by hyphens.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Agent is a configured LLM-backed conversational worker. A non-empty
// ParentID makes it a sub-agent.
type Agent struct {
	ID           string             `json:"id" yaml:"id"`
	ParentID     string             `json:"parent_id,omitempty" yaml:"parent_id"`
	Name         string             `json:"name" yaml:"name"`
	Slug         string             `json:"slug" yaml:"slug"`
	ClientID     string             `json:"client_id" yaml:"client_id"`
	Model        string             `json:"model" yaml:"model"`
	SystemPrompt string             `json:"system_prompt" yaml:"system_prompt"`
	Topics       []string           `json:"topics" yaml:"topics"`
	Config       map[string]any     `json:"config" yaml:"config"`
	Inheritance  inheritance.Config `json:"inheritance_config" yaml:"inheritance_config"`
	IsActive     bool               `json:"is_active" yaml:"is_active"`
	CreatedAt    time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time          `json:"updated_at" yaml:"-"`
}

// IsSubAgent reports whether the agent has a parent.
func (a *Agent) IsSubAgent() bool { return a.ParentID != "" }

// Type is "sub_agent" or "main", as recorded on interactions.
func (a *Agent) Type() string {
	if a.IsSubAgent() {
		return "sub_agent"
	}
	return "main"
}

// ConfigMap returns the agent's own configuration with the column values
// (model, system prompt, topics) folded in where the config map is silent.
func (a *Agent) ConfigMap() map[string]any {
	out := make(map[string]any, len(a.Config)+3)
	for k, v := range a.Config {
		out[k] = v
	}
	if _, ok := out["model"]; !ok && a.Model != "" {
		out["model"] = a.Model
	}
	if _, ok := out["topics"]; !ok && len(a.Topics) > 0 {
		out["topics"] = append([]string(nil), a.Topics...)
	}
	identity, _ := out["identity"].(map[string]any)
	merged := map[string]any{}
	for k, v := range identity {
		merged[k] = v
	}
	if _, ok := merged["system_prompt"]; !ok && a.SystemPrompt != "" {
		merged["system_prompt"] = a.SystemPrompt
	}
	if _, ok := merged["name"]; !ok && a.Name != "" {
		merged["name"] = a.Name
	}
	if len(merged) > 0 {
		out["identity"] = merged
	}
	return out
}

// Guardrails limits what an agent accepts.
type Guardrails struct {
	ContentFilter    bool
	RateLimit        int
	MaxMessageLength int
}

// Settings is a typed view over an effective configuration map.
type Settings struct {
	Name         string
	Description  string
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	Topics       []string
	EnabledTools []string
	Guardrails   Guardrails
	Triggers     []any
	Integrations map[string]any
}

// ViewConfig reads the known AgentConfig fields out of cfg. Unknown or
// mistyped values are ignored.
func ViewConfig(cfg map[string]any) Settings {
	var s Settings
	if id, ok := cfg["identity"].(map[string]any); ok {
		s.Name = asString(id["name"])
		s.Description = asString(id["description"])
		s.SystemPrompt = asString(id["system_prompt"])
	}
	s.Model = asString(cfg["model"])
	s.Temperature = asFloat(cfg["temperature"])
	s.MaxTokens = int(asFloat(cfg["max_tokens"]))
	s.Topics = asStrings(cfg["topics"])
	s.EnabledTools = asStrings(cfg["enabled_tools"])
	if g, ok := cfg["guardrails"].(map[string]any); ok {
		s.Guardrails.ContentFilter, _ = g["content_filter"].(bool)
		s.Guardrails.RateLimit = int(asFloat(g["rate_limit"]))
		s.Guardrails.MaxMessageLength = int(asFloat(g["max_message_length"]))
	}
	if t, ok := cfg["triggers"].([]any); ok {
		s.Triggers = t
	}
	if m, ok := cfg["integrations"].(map[string]any); ok {
		s.Integrations = m
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func asStrings(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
