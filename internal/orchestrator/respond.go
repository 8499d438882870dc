package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/convoflow/convoflow/internal/agents"
	"github.com/convoflow/convoflow/internal/enrich"
	"github.com/convoflow/convoflow/internal/policy"
	"github.com/convoflow/convoflow/internal/provider"
	"github.com/convoflow/convoflow/internal/tools"
)

// turn is one agent's answer and what went into it.
type turn struct {
	content      string
	model        string
	usage        provider.Usage
	enrichment   enrich.Result
	integrations []string
}

// toolScope is what a tool call may touch: the calling agent, its tenant and
// the tools the agent has enabled.
type toolScope struct {
	agent    *agents.Agent
	clientID string
	enabled  map[string]bool
	external bool
}

// respond runs a's prompt through the LLM, executing any tool calls the
// model makes among the agent's enabled_tools. The returned turn carries the
// enrichment even when the call fails.
func (o *Orchestrator) respond(ctx context.Context, a *agents.Agent, req Request, clientID string, history []provider.Message) (*turn, error) {
	settings := agents.ViewConfig(o.deps.Agents.EffectiveConfig(a))
	scope := toolScope{agent: a, clientID: clientID, enabled: map[string]bool{}, external: isExternal(req.Channel)}
	for _, name := range settings.EnabledTools {
		scope.enabled[name] = true
	}

	t := &turn{enrichment: enrich.Result{EnrichedPrompt: req.Message}}
	if o.opts.EnrichmentEnabled && o.deps.Enricher != nil {
		t.enrichment = o.deps.Enricher.Enrich(ctx, a.ID, req.Message, req.Context)
	}

	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: "system", Content: systemPrompt(a, settings)})
	messages = append(messages, history...)
	messages = append(messages, provider.Message{Role: "user", Content: t.enrichment.EnrichedPrompt})

	chatReq := &provider.ChatRequest{
		Model:       firstNonEmpty(settings.Model, o.opts.DefaultModel),
		MaxTokens:   firstPositive(settings.MaxTokens, o.opts.DefaultMaxTokens),
		Temperature: settings.Temperature,
	}
	if chatReq.Temperature == 0 {
		chatReq.Temperature = o.opts.DefaultTemperature
	}
	if len(settings.EnabledTools) > 0 {
		chatReq.Tools = o.deps.Tools.Definitions(settings.EnabledTools...)
	}

	used := map[string]bool{}
	for i := 0; i < o.opts.MaxIterations; i++ {
		chatReq.Messages = messages
		resp, err := o.chat(ctx, chatReq)
		if err != nil {
			return t, err
		}
		t.model = firstNonEmpty(resp.Model, chatReq.Model)
		t.usage.PromptTokens += resp.Usage.PromptTokens
		t.usage.CompletionTokens += resp.Usage.CompletionTokens
		t.usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return t, errors.New("empty completion")
			}
			t.content = resp.Content
			break
		}

		messages = append(messages, provider.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			result := o.runTool(ctx, scope, tc)
			if !used[tc.Name] {
				used[tc.Name] = true
				t.integrations = append(t.integrations, tc.Name)
			}
			messages = append(messages, provider.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}
	if t.content == "" {
		return t, fmt.Errorf("no answer after %d tool iterations", o.opts.MaxIterations)
	}
	return t, nil
}

func (o *Orchestrator) chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.LLMTimeout)
	defer cancel()
	return o.deps.LLM.Chat(ctx, req)
}

// runTool executes one tool call. Failures are reported back to the model
// as the tool result.
func (o *Orchestrator) runTool(ctx context.Context, scope toolScope, tc provider.ToolCall) string {
	a := scope.agent
	if o.deps.Tools == nil {
		return "Error: tools are not available"
	}
	if !scope.enabled[tc.Name] {
		slog.Info("Tool call rejected", "agent", a.Slug, "tool", tc.Name, "reason", "not_enabled")
		return fmt.Sprintf("Error: tool %s is not enabled for this agent", tc.Name)
	}

	params := make(map[string]any, len(tc.Arguments)+2)
	maps.Copy(params, tc.Arguments)
	params[tools.AgentIDKey] = a.ID
	params[tools.ClientIDKey] = scope.clientID

	if tool, ok := o.deps.Tools.Get(tc.Name); ok && o.deps.Policy != nil {
		d := o.deps.Policy.Evaluate(policy.Context{AgentID: a.ID, Tool: tc.Name, Tier: tools.ToolTier(tool), External: scope.external})
		if !d.Allow {
			slog.Info("Tool call denied", "agent", a.Slug, "tool", tc.Name, "reason", d.Reason)
			return fmt.Sprintf("Error: tool %s is not permitted here (%s)", tc.Name, d.Reason)
		}
	}
	out, err := o.deps.Tools.Execute(ctx, tc.Name, params)
	if err != nil {
		slog.Warn("Tool call failed", "agent", a.Slug, "tool", tc.Name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

// isExternal reports whether a message came from a customer-facing channel.
func isExternal(channel string) bool {
	return channel != "" && channel != "cli" && channel != "api"
}

func systemPrompt(a *agents.Agent, s agents.Settings) string {
	if s.SystemPrompt != "" {
		return s.SystemPrompt
	}
	name := firstNonEmpty(s.Name, a.Name)
	prompt := fmt.Sprintf("You are %s, a helpful assistant.", name)
	if len(s.Topics) > 0 {
		topics, _ := json.Marshal(s.Topics)
		prompt += fmt.Sprintf(" You handle these topics: %s.", topics)
	}
	return prompt
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
