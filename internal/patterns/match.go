package patterns

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Match is a pattern scored against a context.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	MatchScore float64 `json:"match_score"`
}

// Score orders matches: match score weighted by success rate.
func (m Match) Score() float64 { return m.MatchScore * m.Pattern.SuccessRate }

// FindMatching scores the agent's active patterns against ctxVals. A trigger
// key matches when the context value equals it or, for list triggers, is a
// member. Patterns with no match or a success rate below minConfidence are
// dropped.
func (s *Store) FindMatching(ctx context.Context, agentID string, ctxVals map[string]any, minConfidence float64) ([]Match, error) {
	list, err := s.ListActive(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("find matching patterns: %w", err)
	}
	var out []Match
	for _, p := range list {
		score := MatchScore(p.TriggerContext, ctxVals)
		if score <= 0 || p.SuccessRate < minConfidence {
			continue
		}
		out = append(out, Match{Pattern: p, MatchScore: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score() > out[j].Score() })
	return out, nil
}

// MatchScore is the fraction of trigger keys satisfied by ctxVals.
func MatchScore(trigger, ctxVals map[string]any) float64 {
	if len(trigger) == 0 {
		return 0
	}
	matched := 0
	for k, want := range trigger {
		got, ok := ctxVals[k]
		if !ok {
			continue
		}
		if valueMatches(want, got) {
			matched++
		}
	}
	return float64(matched) / float64(len(trigger))
}

func valueMatches(want, got any) bool {
	if equal(want, got) {
		return true
	}
	switch l := want.(type) {
	case []any:
		for _, v := range l {
			if equal(v, got) {
				return true
			}
		}
	case []string:
		for _, v := range l {
			if equal(v, got) {
				return true
			}
		}
	}
	return false
}

// equal compares decoded JSON values, treating all numeric kinds alike.
func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// TriggerPhrases lists the text values of a trigger context, lowercased.
func TriggerPhrases(trigger map[string]any) []string {
	var out []string
	add := func(v any) {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.ToLower(strings.TrimSpace(s)))
		}
	}
	for _, v := range trigger {
		switch l := v.(type) {
		case []any:
			for _, x := range l {
				add(x)
			}
		case []string:
			for _, x := range l {
				add(x)
			}
		default:
			add(v)
		}
	}
	sort.Strings(out)
	return out
}

// MatchingText returns the agent's active patterns with a trigger phrase
// contained in message (case-insensitive).
func (s *Store) MatchingText(ctx context.Context, agentID, message string) ([]Pattern, error) {
	list, err := s.ListActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(message)
	var out []Pattern
	for _, p := range list {
		for _, phrase := range TriggerPhrases(p.TriggerContext) {
			if strings.Contains(lower, phrase) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}
