package sicc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/convoflow/convoflow/internal/learning"
	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/patterns"
)

// Confidence given to each kind of candidate.
const (
	ExplicitConfidence = 0.75
	FeedbackConfidence = 0.8
)

// Result reports what one interaction produced.
type Result struct {
	LearningCreated   bool     `json:"learning_created"`
	LearningID        string   `json:"learning_id,omitempty"`
	MemoryCreated     bool     `json:"memory_created"`
	MemoryID          string   `json:"memory_id,omitempty"`
	PatternsDetected  []string `json:"patterns_detected,omitempty"`
	PatternsConfirmed []string `json:"patterns_confirmed,omitempty"`
}

// Analyzer classifies interactions into learning candidates.
type Analyzer struct {
	pipeline *learning.Pipeline
	memory   *memory.Store
	patterns *patterns.Store
	metrics  *metrics.Recorder
}

func NewAnalyzer(pipeline *learning.Pipeline, mem *memory.Store, pats *patterns.Store, rec *metrics.Recorder) *Analyzer {
	return &Analyzer{pipeline: pipeline, memory: mem, patterns: pats, metrics: rec}
}

// Analyze records the interaction in the agent's daily counters and then,
// when learning is enabled for the agent, looks for an explicit request to
// learn, positive feedback on the previous answer and known pattern
// triggers in the latest user message.
func (a *Analyzer) Analyze(ctx context.Context, in Interaction) (Result, error) {
	var res Result
	if in.AgentID == "" {
		return res, errors.New("interaction without agent_id")
	}
	if err := a.metrics.RecordInteraction(ctx, in.AgentID, metrics.Interaction{
		Success:        in.Success,
		ResponseTimeMs: in.ResponseTimeMs,
		Satisfaction:   satisfaction(in.Metadata),
	}); err != nil {
		slog.Warn("Record interaction metrics failed", "agent_id", in.AgentID, "error", err)
	}

	st, err := a.pipeline.Settings().Get(ctx, in.AgentID)
	if err != nil {
		return res, err
	}
	if !st.Enabled {
		return res, nil
	}

	userIdx := lastIndex(in, "user")
	if userIdx < 0 {
		return res, nil
	}
	last := in.Messages[userIdx].Content
	var errs []error

	if learning.ContainsAny(last, learning.ExplicitLearning) {
		l := &learning.Log{
			AgentID:      in.AgentID,
			Source:       learning.SourceConversation,
			LearningType: learning.TypeMemoryAdded,
			Content:      strings.TrimSpace(last),
			Context:      map[string]any{"conversation_id": in.ConversationID, "agent_type": in.AgentType},
			SourceData:   map[string]any{"chunk_type": memory.TypeBusinessTerm, "response": in.Response},
			Analysis:     map[string]any{"kind": "explicit_learning"},
			Confidence:   ExplicitConfidence,
		}
		if err := a.pipeline.Record(ctx, l); err != nil {
			errs = append(errs, fmt.Errorf("record explicit learning: %w", err))
		} else {
			res.LearningCreated, res.LearningID = true, l.ID
		}
	}

	if learning.ContainsAny(last, learning.PositiveFeedback) {
		if content := answeredExchange(in, userIdx); content != "" {
			c := &memory.Chunk{
				AgentID:    in.AgentID,
				Content:    content,
				ChunkType:  memory.TypeConversation,
				Metadata:   map[string]any{"conversation_id": in.ConversationID, "feedback": last},
				Source:     learning.SourceConversation,
				Confidence: FeedbackConfidence,
			}
			if err := a.memory.Create(ctx, c); err != nil {
				errs = append(errs, fmt.Errorf("store feedback memory: %w", err))
			} else {
				res.MemoryCreated, res.MemoryID = true, c.ID
			}
		}
	}

	matched, err := a.patterns.MatchingText(ctx, in.AgentID, last)
	if err != nil {
		errs = append(errs, err)
	}
	for _, p := range matched {
		n, confirmed, err := a.patterns.RecordOccurrence(ctx, p.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.PatternsDetected = append(res.PatternsDetected, p.ID)
		if confirmed {
			res.PatternsConfirmed = append(res.PatternsConfirmed, p.ID)
		}
		slog.Debug("Pattern occurrence", "pattern_id", p.ID, "occurrences", n, "confirmed", confirmed)
	}
	return res, errors.Join(errs...)
}

// Deliver analyzes a batch in order. Failures are logged per interaction.
func (a *Analyzer) Deliver(ctx context.Context, batch []Interaction) error {
	failed := 0
	for _, in := range batch {
		if _, err := a.Analyze(ctx, in); err != nil {
			failed++
			slog.Warn("SICC analysis failed", "agent_id", in.AgentID, "conversation_id", in.ConversationID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d interactions failed analysis", failed, len(batch))
	}
	return nil
}

func lastIndex(in Interaction, role string) int {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == role {
			return i
		}
	}
	return -1
}

// answeredExchange returns the question and answer the user reacted to at
// userIdx, or "" when no assistant reply precedes it.
func answeredExchange(in Interaction, userIdx int) string {
	for i := userIdx - 1; i >= 0; i-- {
		if in.Messages[i].Role != "assistant" {
			continue
		}
		answer := strings.TrimSpace(in.Messages[i].Content)
		for j := i - 1; j >= 0; j-- {
			if in.Messages[j].Role == "user" {
				return fmt.Sprintf("Q: %s\nA: %s", strings.TrimSpace(in.Messages[j].Content), answer)
			}
		}
		return answer
	}
	return ""
}

func satisfaction(meta map[string]any) *float64 {
	switch v := meta["satisfaction"].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}
