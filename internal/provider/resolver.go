package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoflow/convoflow/internal/config"
)

// ParseModelString splits a "provider/model" string into provider ID and
// model name. Strings without a slash have an empty provider ID.
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	return strings.ToLower(parts[0]), parts[1]
}

// Router dispatches each request to a backend chosen by the model prefix,
// so agents configured with "anthropic/claude-..." and "openai/gpt-..." can
// share one provider handle.
type Router struct {
	backends map[string]LLMProvider
	fallback string
}

// NewRouter builds a Router. fallback names the backend used for models
// without a known prefix.
func NewRouter(fallback string, backends map[string]LLMProvider) (*Router, error) {
	if _, ok := backends[fallback]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", fallback)
	}
	return &Router{backends: backends, fallback: fallback}, nil
}

// Resolve builds the provider stack from config.
func Resolve(cfg *config.Config) (*Router, error) {
	backends := map[string]LLMProvider{}
	if cfg.Providers.OpenAI.APIKey != "" || cfg.Providers.OpenAI.APIBase != "" {
		backends["openai"] = NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name, cfg.Model.Timeout)
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		backends["anthropic"] = NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase, cfg.Model.Name, cfg.Model.Timeout)
	}
	fallback := cfg.Providers.Default
	if fallback == "" {
		fallback = "openai"
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no LLM provider configured (set CONVOFLOW_OPENAI_API_KEY or CONVOFLOW_ANTHROPIC_API_KEY)")
	}
	if _, ok := backends[fallback]; !ok {
		for id := range backends {
			fallback = id
			break
		}
	}
	return NewRouter(fallback, backends)
}

func (r *Router) DefaultModel() string {
	return r.backends[r.fallback].DefaultModel()
}

func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	id, name := ParseModelString(req.Model)
	backend, ok := r.backends[id]
	if !ok {
		backend = r.backends[r.fallback]
		name = req.Model
	}
	routed := *req
	routed.Model = name
	return backend.Chat(ctx, &routed)
}
