package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashedBackend is a deterministic local embedder built from hashed word
// tokens, character n-grams and a simhash band. It needs no model files and
// is used when the ONNX model cannot be loaded.
type HashedBackend struct {
	dim int
}

// NewHashedBackend returns a hashed embedder producing dim-sized vectors.
func NewHashedBackend(dim int) *HashedBackend {
	if dim <= 0 {
		dim = Dimension
	}
	return &HashedBackend{dim: dim}
}

func (h *HashedBackend) Name() string   { return "hashed-local" }
func (h *HashedBackend) Dimension() int { return h.dim }
func (h *HashedBackend) Close() error   { return nil }

func (h *HashedBackend) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h *HashedBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashedBackend) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	lower := strings.ToLower(text)

	h.addFeatures(vec, wordTokens(lower), 0.5, 8)
	h.addFeatures(vec, ngrams(lower, 3), 0.3, 4)
	h.addSimhash(vec, lower, 0.2)

	normalize(vec)
	return vec
}

func (h *HashedBackend) addFeatures(vec []float32, feats []string, weight float64, spread int) {
	if len(feats) == 0 {
		return
	}
	w := float32(weight / math.Sqrt(float64(len(feats))))
	for _, f := range feats {
		seed := fnv64(f)
		state := seed
		for i := 0; i < spread; i++ {
			state = state*6364136223846793005 + 1442695040888963407
			idx := int(state % uint64(h.dim))
			sign := float32(-1)
			if (seed>>i)&1 == 1 {
				sign = 1
			}
			vec[idx] += w * sign
		}
	}
}

func (h *HashedBackend) addSimhash(vec []float32, text string, weight float64) {
	shingles := ngrams(text, 3)
	if len(shingles) == 0 {
		return
	}
	var bits [64]int
	for _, sh := range shingles {
		hv := fnv64(sh)
		for i := 0; i < 64; i++ {
			if (hv>>i)&1 == 1 {
				bits[i]++
			} else {
				bits[i]--
			}
		}
	}
	w := float32(weight / 8)
	for i := 0; i < 64; i++ {
		val := float32(-1)
		if bits[i] > 0 {
			val = 1
		}
		start := (i * h.dim) / 64
		for j := 0; j < 4; j++ {
			vec[(start+j)%h.dim] += w * val
		}
	}
}

func wordTokens(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func ngrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func normalize(vec []float32) {
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(mag))
	for i := range vec {
		vec[i] *= inv
	}
}
