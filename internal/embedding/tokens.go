package embedding

import (
	"log/slog"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// TokenCounter counts model tokens in a text.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter approximates tokens as one per four characters.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// HFTokenizer counts tokens with a HuggingFace tokenizer.json.
type HFTokenizer struct {
	mu sync.Mutex
	tk *tokenizer.Tokenizer
}

func (h *HFTokenizer) Count(text string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	enc, err := h.tk.EncodeSingle(text)
	if err != nil {
		return HeuristicCounter{}.Count(text)
	}
	return len(enc.Ids)
}

// NewTokenCounter loads the tokenizer at path, falling back to the
// heuristic when path is empty or unreadable.
func NewTokenCounter(path string) TokenCounter {
	if path == "" {
		return HeuristicCounter{}
	}
	tk, err := pretrained.FromFile(path)
	if err != nil {
		slog.Warn("Tokenizer unavailable, using 4-chars-per-token heuristic", "path", path, "error", err)
		return HeuristicCounter{}
	}
	return &HFTokenizer{tk: tk}
}
