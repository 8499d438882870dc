package policy

import (
	"testing"

	"github.com/convoflow/convoflow/internal/tools"
)

func TestReadOnlyAlwaysAllowed(t *testing.T) {
	eng := NewTierEngine(0, 0)
	d := eng.Evaluate(Context{Tool: "memory_search", Tier: tools.TierReadOnly, External: true})
	if !d.Allow {
		t.Fatalf("tier 0 should always be allowed, got: %s", d.Reason)
	}
}

func TestOperatorLimit(t *testing.T) {
	eng := NewTierEngine(tools.TierWrite, tools.TierReadOnly)
	if d := eng.Evaluate(Context{Tool: "remember", Tier: tools.TierWrite}); !d.Allow {
		t.Fatalf("tier 1 should be allowed for operators, got: %s", d.Reason)
	}
	d := eng.Evaluate(Context{Tool: "webhook_post", Tier: tools.TierExternal})
	if d.Allow {
		t.Fatal("tier 2 should be denied above MaxTier")
	}
	if d.Reason != "tier_2_denied" {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
}

func TestExternalMessagesUseExternalLimit(t *testing.T) {
	eng := NewTierEngine(tools.TierExternal, tools.TierReadOnly)
	d := eng.Evaluate(Context{Tool: "remember", Tier: tools.TierWrite, External: true})
	if d.Allow {
		t.Fatal("tier 1 should be denied for external messages")
	}
	if d.Reason != "tier_1_denied_for_external_message" {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
}

func TestAgentLimitOnlyLowers(t *testing.T) {
	eng := NewTierEngine(tools.TierWrite, tools.TierWrite)
	eng.AgentMaxTier = map[string]int{"strict": tools.TierReadOnly, "loose": tools.TierExternal}

	if d := eng.Evaluate(Context{AgentID: "strict", Tool: "remember", Tier: tools.TierWrite}); d.Allow {
		t.Fatal("agent cap should deny tier 1")
	}
	if d := eng.Evaluate(Context{AgentID: "loose", Tool: "webhook_post", Tier: tools.TierExternal}); d.Allow {
		t.Fatal("agent limit above the default must not raise it")
	}
}
