package config

import (
	"errors"
	"fmt"
)

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks cross-field constraints that the JSON and env layers cannot.
func (c *Config) Validate() error {
	s := c.SICC
	if s.ManualReviewThreshold >= s.AutoApproveThreshold {
		return fmt.Errorf("%w: sicc.manualReviewThreshold (%.2f) must be below sicc.autoApproveThreshold (%.2f)",
			ErrInvalid, s.ManualReviewThreshold, s.AutoApproveThreshold)
	}
	if s.AutoApproveThreshold < 0 || s.AutoApproveThreshold > 1 || s.ManualReviewThreshold < 0 {
		return fmt.Errorf("%w: sicc thresholds must be within [0,1]", ErrInvalid)
	}
	if c.Registry.SyncInterval <= 0 {
		return fmt.Errorf("%w: registry.syncInterval must be positive", ErrInvalid)
	}
	if c.Triggers.TickInterval <= 0 {
		return fmt.Errorf("%w: triggers.tickInterval must be positive", ErrInvalid)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("%w: embedding.dimension must be positive", ErrInvalid)
	}
	if c.Embedding.SimilarityAlgorithm != "" && c.Embedding.SimilarityAlgorithm != "cosine" {
		return fmt.Errorf("%w: embedding.similarityAlgorithm %q is not supported", ErrInvalid, c.Embedding.SimilarityAlgorithm)
	}
	switch c.Providers.Default {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("%w: providers.default %q is not supported", ErrInvalid, c.Providers.Default)
	}
	return nil
}
