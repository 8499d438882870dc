package agents

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout accepted by `convoflow agents import`.
// Sub-agents refer to their parent by slug.
type SeedFile struct {
	Agents []SeedAgent `yaml:"agents"`
}

// SeedAgent is one agent definition in a seed file.
type SeedAgent struct {
	Agent      `yaml:",inline"`
	ParentSlug string `yaml:"parent"`
}

// LoadSeedFile parses a YAML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// ImportResult counts what an import changed.
type ImportResult struct {
	Created int
	Updated int
}

// Import upserts every agent in the seed by slug. Parents must appear
// before their sub-agents in the file or already exist.
func (r *Repository) Import(ctx context.Context, seed *SeedFile) (ImportResult, error) {
	var res ImportResult
	for i := range seed.Agents {
		s := seed.Agents[i]
		a := s.Agent
		a.IsActive = true
		if s.ParentSlug != "" {
			parent, err := r.GetBySlug(ctx, s.ParentSlug)
			if err != nil {
				return res, fmt.Errorf("agent %s: %w", a.Slug, err)
			}
			a.ParentID = parent.ID
		}

		existing, err := r.GetBySlug(ctx, a.Slug)
		switch {
		case err == nil:
			a.ID = existing.ID
			if err := r.Update(ctx, &a); err != nil {
				return res, fmt.Errorf("update %s: %w", a.Slug, err)
			}
			res.Updated++
		case errors.Is(err, ErrNotFound):
			if err := r.Create(ctx, &a); err != nil {
				return res, fmt.Errorf("create %s: %w", a.Slug, err)
			}
			res.Created++
		default:
			return res, err
		}
	}
	return res, nil
}
