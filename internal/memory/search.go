package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/convoflow/convoflow/internal/embedding"
)

// Relevance weights.
const (
	similarityWeight = 0.6
	confidenceWeight = 0.2
	usageWeight      = 0.2
	usageSaturation  = 100.0
)

// Query selects and ranks chunks for one agent.
type Query struct {
	AgentID             string
	Text                string
	ChunkTypes          []string
	MinConfidence       float64
	Limit               int
	SimilarityThreshold float64
}

// Result is a ranked search hit.
type Result struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Relevance  float64 `json:"relevance"`
}

// Relevance combines similarity, confidence and saturated usage.
func Relevance(similarity, confidence float64, usageCount int) float64 {
	usage := math.Min(float64(usageCount)/usageSaturation, 1)
	return similarityWeight*similarity + confidenceWeight*confidence + usageWeight*usage
}

// Search embeds q.Text and ranks the agent's active chunks by relevance.
// Chunks with similarity below the threshold are dropped; a chunk exactly
// at the threshold is kept.
func (s *Store) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Limit <= 0 {
		q.Limit = 5
	}
	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := s.checkDimension(vec); err != nil {
		return nil, err
	}

	sqlq := `SELECT ` + chunkColumns + ` FROM memory_chunks WHERE agent_id = ? AND is_active = 1 AND confidence >= ?`
	args := []any{q.AgentID, q.MinConfidence}
	if len(q.ChunkTypes) > 0 {
		sqlq += ` AND chunk_type IN (?` + strings.Repeat(`, ?`, len(q.ChunkTypes)-1) + `)`
		for _, t := range q.ChunkTypes {
			args = append(args, t)
		}
	}
	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory candidates: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if len(c.Embedding) != len(vec) {
			continue
		}
		sim := embedding.CosineSimilarity(vec, c.Embedding)
		if sim < q.SimilarityThreshold {
			continue
		}
		results = append(results, Result{
			Chunk:      *c,
			Similarity: sim,
			Relevance:  Relevance(sim, c.Confidence, c.UsageCount),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}
