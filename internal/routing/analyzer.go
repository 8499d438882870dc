// Package routing picks the sub-agent that should answer a message by
// classifying the message into one of the sub-agents' topics.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/convoflow/convoflow/internal/provider"
)

// ErrUnrecognized is returned when the LLM answers with something that is
// neither a listed topic nor "none".
var ErrUnrecognized = errors.New("topic analyzer: unrecognized answer")

// Analysis methods.
const (
	MethodLLM     = "llm"
	MethodKeyword = "keyword"
	MethodNone    = "none"
)

// Analysis is the outcome of one classification. Topic is empty for none.
type Analysis struct {
	Topic  string `json:"topic,omitempty"`
	Method string `json:"method"`
	// LLMError records why the LLM path was abandoned, if it was.
	LLMError string `json:"llm_error,omitempty"`
}

// Analyzer classifies messages into a topic vocabulary.
type Analyzer struct {
	llm     provider.LLMProvider
	model   string
	timeout time.Duration
}

// NewAnalyzer creates an Analyzer. A nil llm means keyword matching only.
func NewAnalyzer(llm provider.LLMProvider, model string, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Analyzer{llm: llm, model: model, timeout: timeout}
}

const classifyPrompt = `You route customer messages to specialists.
Available topics: %s

Reply with exactly one topic name from the list that best matches the user's message, or the word none if no topic applies. Reply with the topic name only.`

// AnalyzeTopic returns a topic from topics, or an empty topic for none.
// Empty topics never reach the LLM. LLM errors and unrecognized answers fall
// back to keyword matching.
func (a *Analyzer) AnalyzeTopic(ctx context.Context, message string, topics []string) Analysis {
	if len(topics) == 0 {
		return Analysis{Method: MethodNone}
	}
	if a != nil && a.llm != nil {
		topic, err := a.askLLM(ctx, message, topics)
		if err == nil {
			if topic == "" {
				return Analysis{Method: MethodNone}
			}
			return Analysis{Topic: topic, Method: MethodLLM}
		}
		slog.Warn("Topic analysis via LLM failed, using keywords", "error", err)
		if t := KeywordMatch(message, topics); t != "" {
			return Analysis{Topic: t, Method: MethodKeyword, LLMError: err.Error()}
		}
		return Analysis{Method: MethodNone, LLMError: err.Error()}
	}
	if t := KeywordMatch(message, topics); t != "" {
		return Analysis{Topic: t, Method: MethodKeyword}
	}
	return Analysis{Method: MethodNone}
}

func (a *Analyzer) askLLM(ctx context.Context, message string, topics []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.llm.Chat(ctx, &provider.ChatRequest{
		Model: a.model,
		Messages: []provider.Message{
			{Role: "system", Content: fmt.Sprintf(classifyPrompt, strings.Join(topics, ", "))},
			{Role: "user", Content: message},
		},
		MaxTokens:   20,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("classify topic: %w", err)
	}
	answer := normalizeAnswer(resp.Content)
	if answer == "none" {
		return "", nil
	}
	for _, t := range topics {
		if strings.EqualFold(answer, strings.TrimSpace(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnrecognized, resp.Content)
}

func normalizeAnswer(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`.!")
	return strings.ToLower(strings.TrimSpace(s))
}

// KeywordMatch returns the first topic whose text occurs in the message, or
// that shares a word with it. Matching is case-insensitive.
func KeywordMatch(message string, topics []string) string {
	lower := strings.ToLower(message)
	words := map[string]bool{}
	for _, w := range tokenize(lower) {
		words[w] = true
		words[singular(w)] = true
	}
	for _, t := range topics {
		lt := strings.ToLower(strings.TrimSpace(t))
		if lt == "" {
			continue
		}
		if strings.Contains(lower, lt) {
			return t
		}
		for _, tw := range tokenize(lt) {
			if len(tw) >= 3 && (words[tw] || words[singular(tw)]) {
				return t
			}
		}
	}
	return ""
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func singular(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") {
		return strings.TrimSuffix(w, "s")
	}
	return w
}
