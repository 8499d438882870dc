package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/store"
)

// Analysis defaults.
const (
	DefaultWindowHours   = 24
	DefaultMinMessages   = 2
	termMinConversations = 3
	termMinLength        = 4
)

// ConversationSource is the read side of conversation history.
type ConversationSource interface {
	RecentConversations(ctx context.Context, agentID string, since time.Time) ([]store.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]store.Message, error)
}

// AnalysisStats summarizes one AnalyzeConversations run.
type AnalysisStats struct {
	ConversationsScanned int `json:"conversations_scanned"`
	Candidates           int `json:"candidates"`
	Duplicates           int `json:"duplicates"`
	AutoApproved         int `json:"auto_approved"`
	PendingReview        int `json:"pending_review"`
	Rejected             int `json:"rejected"`
}

// Analyzer mines recent conversations for learning candidates.
type Analyzer struct {
	conversations ConversationSource
	pipeline      *Pipeline
}

func NewAnalyzer(conversations ConversationSource, pipeline *Pipeline) *Analyzer {
	return &Analyzer{conversations: conversations, pipeline: pipeline}
}

// AnalyzeConversations scans the agent's conversations updated within the
// window and emits a learning log per candidate: terms users keep using,
// answers users thanked, and questions asked in more than one conversation.
// Candidates already logged for the agent are skipped.
func (a *Analyzer) AnalyzeConversations(ctx context.Context, agentID string, windowHours, minMessages int) (AnalysisStats, error) {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	if minMessages <= 0 {
		minMessages = DefaultMinMessages
	}
	var stats AnalysisStats
	since := store.Now().Add(-time.Duration(windowHours) * time.Hour)
	convs, err := a.conversations.RecentConversations(ctx, agentID, since)
	if err != nil {
		return stats, fmt.Errorf("load recent conversations: %w", err)
	}

	terms := map[string]map[string]bool{}
	questions := map[string]map[string]bool{}
	questionText := map[string]string{}
	var candidates []Log
	for _, c := range convs {
		msgs, err := a.conversations.Messages(ctx, c.ID)
		if err != nil {
			return stats, fmt.Errorf("load messages: %w", err)
		}
		if len(msgs) < minMessages {
			continue
		}
		stats.ConversationsScanned++
		for i, m := range msgs {
			if m.Role != "user" {
				continue
			}
			for _, t := range tokenize(m.Content) {
				if terms[t] == nil {
					terms[t] = map[string]bool{}
				}
				terms[t][c.ID] = true
			}
			if q := normalizeQuestion(m.Content); q != "" {
				if questions[q] == nil {
					questions[q] = map[string]bool{}
					questionText[q] = strings.TrimSpace(m.Content)
				}
				questions[q][c.ID] = true
			}
			if i >= 2 && ContainsAny(m.Content, PositiveFeedback) &&
				msgs[i-1].Role == "assistant" && msgs[i-2].Role == "user" {
				candidates = append(candidates, Log{
					AgentID:      agentID,
					Source:       SourceISAAnalysis,
					LearningType: TypeMemoryAdded,
					Content:      fmt.Sprintf("Q: %s\nA: %s", strings.TrimSpace(msgs[i-2].Content), strings.TrimSpace(msgs[i-1].Content)),
					Context:      map[string]any{"conversation_id": c.ID},
					SourceData:   map[string]any{"chunk_type": memory.TypeFAQ},
					Analysis:     map[string]any{"kind": "positive_feedback", "feedback": m.Content},
					Confidence:   0.85,
				})
			}
		}
	}

	for _, t := range sortedKeys(terms) {
		n := len(terms[t])
		if n < termMinConversations {
			continue
		}
		candidates = append(candidates, Log{
			AgentID:      agentID,
			Source:       SourceISAAnalysis,
			LearningType: TypeMemoryAdded,
			Content:      fmt.Sprintf("Customers frequently mention %q", t),
			SourceData:   map[string]any{"chunk_type": memory.TypeBusinessTerm, "term": t},
			Analysis:     map[string]any{"kind": "frequent_term", "conversations": n},
			Confidence:   capped(0.5+0.1*float64(n), 0.95),
		})
	}
	for _, q := range sortedKeys(questions) {
		n := len(questions[q])
		if n < 2 {
			continue
		}
		candidates = append(candidates, Log{
			AgentID:      agentID,
			Source:       SourceISAAnalysis,
			LearningType: TypeInsightGenerated,
			Content:      fmt.Sprintf("Recurring question: %s", questionText[q]),
			Analysis:     map[string]any{"kind": "repeated_question", "conversations": n},
			Confidence:   capped(0.5+0.1*float64(n), 0.9),
		})
	}

	for i := range candidates {
		c := &candidates[i]
		stats.Candidates++
		dup, err := a.pipeline.logs.Exists(ctx, agentID, c.LearningType, c.Content)
		if err != nil {
			return stats, err
		}
		if dup {
			stats.Duplicates++
			continue
		}
		l, err := a.pipeline.CreateLog(ctx, c)
		if err != nil {
			return stats, err
		}
		switch l.Status {
		case StatusApplied, StatusApproved:
			stats.AutoApproved++
		case StatusRejected:
			stats.Rejected++
		default:
			stats.PendingReview++
		}
	}
	slog.Info("Conversation analysis complete", "agent_id", agentID, "conversations", stats.ConversationsScanned,
		"candidates", stats.Candidates, "auto_approved", stats.AutoApproved, "pending", stats.PendingReview)
	return stats, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < termMinLength || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func normalizeQuestion(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasSuffix(t, "?") {
		return ""
	}
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimRight(t, "?!. "))), " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func capped(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}
