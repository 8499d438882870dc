// Package policy decides whether an agent may run a tool call.
package policy

import (
	"fmt"

	"github.com/convoflow/convoflow/internal/tools"
)

// Context describes one pending tool call.
type Context struct {
	AgentID string
	Tool    string
	Tier    int
	// External is set for messages that arrived from a customer-facing
	// channel (WhatsApp, webhooks, Slack) rather than an operator.
	External bool
}

// Decision is the result of an evaluation.
type Decision struct {
	Allow  bool
	Reason string
	Tier   int
}

// Engine evaluates tool calls.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// TierEngine allows a call when its tier is within the limit for the
// message's origin. Per-agent limits override the defaults.
type TierEngine struct {
	// MaxTier applies to operator messages (CLI, API).
	MaxTier int
	// ExternalMaxTier applies to customer-facing channels.
	ExternalMaxTier int
	// AgentMaxTier caps individual agents below the defaults.
	AgentMaxTier map[string]int
}

// NewTierEngine returns an engine with the given limits.
func NewTierEngine(maxTier, externalMaxTier int) *TierEngine {
	return &TierEngine{MaxTier: maxTier, ExternalMaxTier: externalMaxTier}
}

func (e *TierEngine) Evaluate(ctx Context) Decision {
	d := Decision{Tier: ctx.Tier}
	if ctx.Tier == tools.TierReadOnly {
		d.Allow = true
		d.Reason = "tier_0_always_allowed"
		return d
	}

	limit := e.MaxTier
	if ctx.External {
		limit = e.ExternalMaxTier
	}
	if agentLimit, ok := e.AgentMaxTier[ctx.AgentID]; ok && agentLimit < limit {
		limit = agentLimit
	}
	if ctx.Tier > limit {
		if ctx.External {
			d.Reason = fmt.Sprintf("tier_%d_denied_for_external_message", ctx.Tier)
		} else {
			d.Reason = fmt.Sprintf("tier_%d_denied", ctx.Tier)
		}
		return d
	}
	d.Allow = true
	d.Reason = fmt.Sprintf("tier_%d_allowed", ctx.Tier)
	return d
}
