// Package enrich builds context-augmented prompts from an agent's memory
// and behavior patterns.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/convoflow/convoflow/internal/memory"
	"github.com/convoflow/convoflow/internal/patterns"
)

// MemorySearcher is the slice of the memory store the enricher reads.
type MemorySearcher interface {
	Search(ctx context.Context, q memory.Query) ([]memory.Result, error)
}

// PatternMatcher is the slice of the pattern store the enricher reads.
type PatternMatcher interface {
	FindMatching(ctx context.Context, agentID string, ctxVals map[string]any, minConfidence float64) ([]patterns.Match, error)
}

// TokenCounter counts prompt tokens.
type TokenCounter interface {
	CountTokens(text string) int
}

// Options tunes retrieval and the token budget.
type Options struct {
	MemoryLimit          int
	SimilarityThreshold  float64
	MinMemoryConfidence  float64
	PatternLimit         int
	MinPatternConfidence float64
	TokenBudget          int
}

// DefaultOptions returns the standard retrieval settings.
func DefaultOptions() Options {
	return Options{
		MemoryLimit:          5,
		SimilarityThreshold:  0.7,
		MinMemoryConfidence:  0.5,
		PatternLimit:         3,
		MinPatternConfidence: 0.6,
		TokenBudget:          8000,
	}
}

// Result is an enriched prompt and what went into it.
type Result struct {
	EnrichedPrompt string           `json:"enriched_prompt"`
	Memories       []memory.Result  `json:"memories"`
	Patterns       []patterns.Match `json:"patterns"`
	TokenCount     int              `json:"token_count"`
	Enriched       bool             `json:"enriched"`
}

// Enricher retrieves knowledge and assembles prompts.
type Enricher struct {
	memories MemorySearcher
	patterns PatternMatcher
	tokens   TokenCounter
	opts     Options
}

func New(memories MemorySearcher, pats PatternMatcher, tokens TokenCounter, opts Options) *Enricher {
	def := DefaultOptions()
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = def.MemoryLimit
	}
	if opts.PatternLimit <= 0 {
		opts.PatternLimit = def.PatternLimit
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = def.TokenBudget
	}
	return &Enricher{memories: memories, patterns: pats, tokens: tokens, opts: opts}
}

// Enrich never fails: on any retrieval error the raw message comes back
// with no memories or patterns.
func (e *Enricher) Enrich(ctx context.Context, agentID, message string, ctxVals map[string]any) Result {
	raw := Result{
		EnrichedPrompt: message,
		Memories:       []memory.Result{},
		Patterns:       []patterns.Match{},
		TokenCount:     e.count(message),
	}
	if e == nil || e.memories == nil || e.patterns == nil {
		return raw
	}

	var (
		mems []memory.Result
		pats []patterns.Match
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mems, err = e.memories.Search(gctx, memory.Query{
			AgentID:             agentID,
			Text:                message,
			MinConfidence:       e.opts.MinMemoryConfidence,
			Limit:               e.opts.MemoryLimit,
			SimilarityThreshold: e.opts.SimilarityThreshold,
		})
		return err
	})
	g.Go(func() error {
		var err error
		pats, err = e.patterns.FindMatching(gctx, agentID, ctxVals, e.opts.MinPatternConfidence)
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Warn("Prompt enrichment failed, using raw message", "agent", agentID, "error", err)
		return raw
	}
	if len(pats) > e.opts.PatternLimit {
		pats = pats[:e.opts.PatternLimit]
	}
	if len(mems) == 0 && len(pats) == 0 {
		return raw
	}

	// Drop memories least-relevant first, then patterns, until the prompt fits.
	prompt := Build(message, mems, pats)
	tokens := e.count(prompt)
	for tokens > e.opts.TokenBudget && (len(mems) > 0 || len(pats) > 0) {
		if len(mems) > 0 {
			mems = mems[:len(mems)-1]
		} else {
			pats = pats[:len(pats)-1]
		}
		prompt = Build(message, mems, pats)
		tokens = e.count(prompt)
	}
	if mems == nil {
		mems = []memory.Result{}
	}
	if pats == nil {
		pats = []patterns.Match{}
	}
	return Result{
		EnrichedPrompt: prompt,
		Memories:       mems,
		Patterns:       pats,
		TokenCount:     tokens,
		Enriched:       len(mems) > 0 || len(pats) > 0,
	}
}

func (e *Enricher) count(s string) int {
	if e == nil || e.tokens == nil {
		return (len([]rune(s)) + 3) / 4
	}
	return e.tokens.CountTokens(s)
}

// Build renders the prompt sections. Memories must already be ordered by
// relevance.
func Build(message string, mems []memory.Result, pats []patterns.Match) string {
	var b strings.Builder
	if len(mems) > 0 {
		b.WriteString("## Relevant Knowledge\n")
		for i, m := range mems {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, m.Chunk.ChunkType, strings.TrimSpace(m.Chunk.Content))
		}
		b.WriteString("\n")
	}
	if len(pats) > 0 {
		b.WriteString("## Behavioral Guidelines\n")
		for _, p := range pats {
			fmt.Fprintf(&b, "- (%s) %s\n", p.Pattern.PatternType, guideline(p.Pattern.ActionConfig))
		}
		b.WriteString("\n")
	}
	b.WriteString("## User Message\n")
	b.WriteString(message)
	b.WriteString("\n\n## Instructions\n")
	b.WriteString("Answer the user message. Use the relevant knowledge above when it applies and follow the behavioral guidelines. " +
		"Do not mention these sections or invent facts that are not supported by them.\n")
	return b.String()
}

// guideline renders an action config as one line of text.
func guideline(action map[string]any) string {
	for _, k := range []string{"guideline", "instruction", "strategy", "description", "response"} {
		if s, ok := action[k].(string); ok && s != "" {
			return s
		}
	}
	keys := make([]string, 0, len(action))
	for k := range action {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(action[k])
		if err != nil {
			continue
		}
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, "; ")
}
