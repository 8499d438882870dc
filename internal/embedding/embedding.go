// Package embedding produces fixed-dimension text vectors for memory search.
// A primary ONNX model is tried first, then a local hashed fallback; when
// neither loads the provider is unavailable and every call fails fast.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/convoflow/convoflow/internal/config"
)

// Dimension is the vector size every stored embedding must have.
const Dimension = 384

var (
	// ErrUnavailable is returned when no embedding backend could be loaded.
	ErrUnavailable = errors.New("embedding provider unavailable")
	// ErrDimensionMismatch is returned for vectors whose length is not the
	// configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Backend is a concrete embedding model.
type Backend interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// Provider wraps the active backend with caching, token counting and
// dimension checks.
type Provider struct {
	mu        sync.RWMutex
	backend   Backend
	dim       int
	batchSize int
	cache     *lru.Cache[string, []float32]
	tokens    TokenCounter
}

// New loads the configured backends in order. It never returns nil; check
// Available to see whether a backend loaded.
func New(ctx context.Context, cfg config.EmbeddingConfig) *Provider {
	var candidates []func() (Backend, error)
	if !cfg.DisablePrimary {
		candidates = append(candidates, func() (Backend, error) {
			return NewONNXBackend(ctx, ONNXConfig{
				Model:          cfg.Model,
				HFRepo:         cfg.HFRepo,
				CacheDir:       cfg.CacheDir,
				OrtLibraryPath: cfg.OrtLibraryPath,
				Dimension:      cfg.Dimension,
			})
		})
	}
	if !cfg.DisableFallback {
		candidates = append(candidates, func() (Backend, error) {
			return NewHashedBackend(cfg.Dimension), nil
		})
	}

	var backend Backend
	for _, load := range candidates {
		b, err := load()
		if err != nil {
			slog.Warn("Embedding backend failed to load", "error", err)
			continue
		}
		backend = b
		break
	}
	if backend == nil {
		slog.Error("No embedding backend available; memory features will fail fast")
	} else {
		slog.Info("Embedding backend ready", "backend", backend.Name(), "dimension", backend.Dimension())
	}
	return NewWithBackend(backend, cfg.BatchSize, cfg.CacheSize, NewTokenCounter(cfg.TokenizerPath))
}

// NewWithBackend builds a provider around an explicit backend. A nil backend
// yields an unavailable provider.
func NewWithBackend(backend Backend, batchSize, cacheSize int, tokens TokenCounter) *Provider {
	if batchSize <= 0 {
		batchSize = 32
	}
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	if tokens == nil {
		tokens = HeuristicCounter{}
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	p := &Provider{backend: backend, dim: Dimension, batchSize: batchSize, cache: cache, tokens: tokens}
	if backend != nil {
		p.dim = backend.Dimension()
	}
	return p
}

// Available reports whether a backend is loaded.
func (p *Provider) Available() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend != nil
}

// Dimension returns the vector size produced by the active backend.
func (p *Provider) Dimension() int {
	return p.dim
}

// ModelName returns the active backend name, or "" when unavailable.
func (p *Provider) ModelName() string {
	if !p.Available() {
		return ""
	}
	return p.backend.Name()
}

// Embed returns the vector for text, served from cache when possible.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.Available() {
		return nil, ErrUnavailable
	}
	key := p.cacheKey(text)
	if v, ok := p.cache.Get(key); ok {
		return cloneVec(v), nil
	}
	vec, err := p.backend.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if err := p.CheckDimension(vec); err != nil {
		return nil, err
	}
	p.cache.Add(key, cloneVec(vec))
	return vec, nil
}

// EmbedBatch embeds texts in chunks of batchSize (the configured default
// when batchSize <= 0). Cached entries are not re-computed.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if !p.Available() {
		return nil, ErrUnavailable
	}
	if batchSize <= 0 {
		batchSize = p.batchSize
	}
	out := make([][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		if v, ok := p.cache.Get(p.cacheKey(t)); ok {
			out[i] = cloneVec(v)
			continue
		}
		missing = append(missing, i)
	}
	for start := 0; start < len(missing); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(missing))
		chunk := make([]string, 0, end-start)
		for _, idx := range missing[start:end] {
			chunk = append(chunk, texts[idx])
		}
		vecs, err := p.backend.EmbedBatch(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != len(chunk) {
			return nil, fmt.Errorf("embed batch: expected %d vectors, got %d", len(chunk), len(vecs))
		}
		for j, idx := range missing[start:end] {
			if err := p.CheckDimension(vecs[j]); err != nil {
				return nil, err
			}
			out[idx] = vecs[j]
			p.cache.Add(p.cacheKey(texts[idx]), cloneVec(vecs[j]))
		}
	}
	return out, nil
}

// CheckDimension returns ErrDimensionMismatch unless len(vec) matches.
func (p *Provider) CheckDimension(vec []float32) error {
	if len(vec) != p.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), p.dim)
	}
	return nil
}

// CountTokens counts tokens with the real tokenizer when loaded, otherwise
// with the 4-chars-per-token heuristic.
func (p *Provider) CountTokens(text string) int {
	if p == nil || p.tokens == nil {
		return HeuristicCounter{}.Count(text)
	}
	return p.tokens.Count(text)
}

// Truncate returns the longest prefix of text whose token count is at most
// maxTokens, found by binary search on the rune length.
func (p *Provider) Truncate(text string, maxTokens int) string {
	return truncate(p.CountTokens, text, maxTokens)
}

// Close releases the backend.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backend == nil {
		return nil
	}
	err := p.backend.Close()
	p.backend = nil
	return err
}

func (p *Provider) cacheKey(text string) string {
	return p.backend.Name() + "\x00" + text
}

func truncate(count func(string) int, text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return ""
	}
	if count(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
