package embedding

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// CosineSimilarity maps the raw cosine of a and b into [0,1] via (s+1)/2.
// Zero-norm or mismatched vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := float64(vek32.Dot(a, a))
	nb := float64(vek32.Dot(b, b))
	if na == 0 || nb == 0 {
		return 0
	}
	s := float64(vek32.Dot(a, b)) / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(s) {
		return 0
	}
	n := (s + 1) / 2
	switch {
	case n < 0:
		return 0
	case n > 1:
		return 1
	}
	return n
}
