// Package memory is the agent-scoped vector memory: content chunks with
// embeddings, similarity search and usage tracking.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/embedding"
	"github.com/convoflow/convoflow/internal/store"
)

// MaxContentLength is the largest chunk body accepted, in characters.
const MaxContentLength = 10000

var (
	ErrNotFound = errors.New("memory chunk not found")
	ErrInvalid  = errors.New("invalid memory chunk")
)

// Chunk types.
const (
	TypeBusinessTerm = "business_term"
	TypeProcess      = "process"
	TypeFAQ          = "faq"
	TypeProduct      = "product"
	TypeObjection    = "objection"
	TypePattern      = "pattern"
	TypeInsight      = "insight"
	TypeConversation = "conversation"
)

var chunkTypes = map[string]bool{
	TypeBusinessTerm: true, TypeProcess: true, TypeFAQ: true, TypeProduct: true,
	TypeObjection: true, TypePattern: true, TypeInsight: true, TypeConversation: true,
}

// ValidType reports whether t is a known chunk type.
func ValidType(t string) bool { return chunkTypes[t] }

// Chunk is one stored piece of agent knowledge.
type Chunk struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Content    string         `json:"content"`
	ChunkType  string         `json:"chunk_type"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata"`
	Source     string         `json:"source"`
	Confidence float64        `json:"confidence"`
	UsageCount int            `json:"usage_count"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	Version    int            `json:"version"`
	IsActive   bool           `json:"is_active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Store persists chunks in memory_chunks.
type Store struct {
	db       *sql.DB
	embedder Embedder
}

func NewStore(db *sql.DB, embedder Embedder) *Store {
	return &Store{db: db, embedder: embedder}
}

const chunkColumns = `id, agent_id, content, chunk_type, embedding, metadata, source, confidence, usage_count, last_used_at, version, is_active, created_at, updated_at`

// Create stores a new chunk. The embedding is computed from the content
// unless one is supplied; a supplied embedding must have the provider's
// dimension.
func (s *Store) Create(ctx context.Context, c *Chunk) error {
	if err := validate(c); err != nil {
		return err
	}
	if c.Embedding == nil {
		vec, err := s.embedder.Embed(ctx, c.Content)
		if err != nil {
			return fmt.Errorf("embed chunk: %w", err)
		}
		c.Embedding = vec
	}
	if err := s.checkDimension(c.Embedding); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := store.Now()
	c.Version = 1
	c.UsageCount = 0
	c.LastUsedAt = nil
	c.IsActive = true
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, 1, 1, ?, ?)`,
		c.ID, c.AgentID, c.Content, c.ChunkType, encodeVector(c.Embedding), store.EncodeJSON(c.Metadata),
		c.Source, c.Confidence, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert memory chunk: %w", err)
	}
	return nil
}

func validate(c *Chunk) error {
	switch {
	case c.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalid)
	case strings.TrimSpace(c.Content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalid)
	case len([]rune(c.Content)) > MaxContentLength:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLength)
	case !ValidType(c.ChunkType):
		return fmt.Errorf("%w: unknown chunk type %q", ErrInvalid, c.ChunkType)
	case c.Confidence < 0 || c.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, c.Confidence)
	}
	return nil
}

func (s *Store) checkDimension(vec []float32) error {
	if want := s.embedder.Dimension(); len(vec) != want {
		return fmt.Errorf("%w: got %d, want %d", embedding.ErrDimensionMismatch, len(vec), want)
	}
	return nil
}

// Get loads a chunk owned by agentID.
func (s *Store) Get(ctx context.Context, agentID, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM memory_chunks WHERE id = ? AND agent_id = ?`, id, agentID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return c, err
}

// Update carries the fields to change; nil pointers are left alone.
type Update struct {
	Content    *string
	ChunkType  *string
	Metadata   map[string]any
	Source     *string
	Confidence *float64
}

// Update applies u and bumps the version. The embedding is regenerated only
// when the content changes.
func (s *Store) Update(ctx context.Context, agentID, id string, u Update) (*Chunk, error) {
	c, err := s.Get(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	contentChanged := u.Content != nil && *u.Content != c.Content
	if u.Content != nil {
		c.Content = *u.Content
	}
	if u.ChunkType != nil {
		c.ChunkType = *u.ChunkType
	}
	if u.Metadata != nil {
		c.Metadata = u.Metadata
	}
	if u.Source != nil {
		c.Source = *u.Source
	}
	if u.Confidence != nil {
		c.Confidence = *u.Confidence
	}
	if err := validate(c); err != nil {
		return nil, err
	}
	if contentChanged {
		vec, err := s.embedder.Embed(ctx, c.Content)
		if err != nil {
			return nil, fmt.Errorf("embed chunk: %w", err)
		}
		if err := s.checkDimension(vec); err != nil {
			return nil, err
		}
		c.Embedding = vec
	}
	c.UpdatedAt = store.Now()

	err = s.db.QueryRowContext(ctx, `
		UPDATE memory_chunks SET content = ?, chunk_type = ?, embedding = ?, metadata = ?, source = ?,
			confidence = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND agent_id = ?
		RETURNING version`,
		c.Content, c.ChunkType, encodeVector(c.Embedding), store.EncodeJSON(c.Metadata), c.Source,
		c.Confidence, c.UpdatedAt, id, agentID).Scan(&c.Version)
	if err != nil {
		return nil, fmt.Errorf("update memory chunk: %w", err)
	}
	return c, nil
}

// Delete deactivates a chunk. The row is kept.
func (s *Store) Delete(ctx context.Context, agentID, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memory_chunks SET is_active = 0, updated_at = ? WHERE id = ? AND agent_id = ?`,
		store.Now(), id, agentID)
	if err != nil {
		return fmt.Errorf("deactivate memory chunk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementUsage bumps usage_count and stamps last_used_at. Failures are
// logged, never returned.
func (s *Store) IncrementUsage(ctx context.Context, id string) {
	_, err := s.db.ExecContext(ctx, `UPDATE memory_chunks SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		store.Now(), id)
	if err != nil {
		slog.Warn("Memory usage increment failed", "chunk", id, "error", err)
	}
}

// List returns the agent's active chunks, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, agentID string, limit int) ([]Chunk, error) {
	q := `SELECT ` + chunkColumns + ` FROM memory_chunks WHERE agent_id = ? AND is_active = 1 ORDER BY created_at DESC`
	args := []any{agentID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ActiveIDs returns the IDs of the agent's active chunks.
func (s *Store) ActiveIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memory_chunks WHERE agent_id = ? AND is_active = 1 ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query memory ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountActive returns how many active chunks the agent owns.
func (s *Store) CountActive(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_chunks WHERE agent_id = ? AND is_active = 1`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memory chunks: %w", err)
	}
	return n, nil
}

// DeactivateCreatedAfter deactivates every active chunk of the agent created
// strictly after t and returns how many changed.
func (s *Store) DeactivateCreatedAfter(ctx context.Context, agentID string, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE memory_chunks SET is_active = 0, updated_at = ?
		WHERE agent_id = ? AND is_active = 1 AND created_at > ?`, store.Now(), agentID, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate memory chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		c        Chunk
		blob     []byte
		metadata string
		lastUsed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.Content, &c.ChunkType, &blob, &metadata, &c.Source, &c.Confidence,
		&c.UsageCount, &lastUsed, &c.Version, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan memory chunk: %w", err)
	}
	c.Embedding = decodeVector(blob)
	c.LastUsedAt = store.NullTime(lastUsed)
	if err := store.DecodeJSON(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}
