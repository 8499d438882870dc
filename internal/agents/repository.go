package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/inheritance"
	"github.com/convoflow/convoflow/internal/store"
)

// maxDepth bounds parent walks so a corrupted table cannot loop forever.
const maxDepth = 64

// Repository persists agents in the agents table.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const agentColumns = `id, parent_id, name, slug, client_id, model, system_prompt, topics, config, inheritance_config, is_active, created_at, updated_at`

// Create validates and inserts an agent. ID is allocated when empty; a
// sub-agent with no ClientID takes its parent's.
func (r *Repository) Create(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := r.validate(ctx, a); err != nil {
		return err
	}
	now := store.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullable(a.ParentID), a.Name, a.Slug, a.ClientID, a.Model, a.SystemPrompt,
		store.EncodeList(a.Topics), store.EncodeJSON(a.Config), store.EncodeJSON(a.Inheritance),
		a.IsActive, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// Update rewrites every mutable column of an existing agent.
func (r *Repository) Update(ctx context.Context, a *Agent) error {
	if err := r.validate(ctx, a); err != nil {
		return err
	}
	a.UpdatedAt = store.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET parent_id = ?, name = ?, slug = ?, client_id = ?, model = ?, system_prompt = ?,
			topics = ?, config = ?, inheritance_config = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		nullable(a.ParentID), a.Name, a.Slug, a.ClientID, a.Model, a.SystemPrompt,
		store.EncodeList(a.Topics), store.EncodeJSON(a.Config), store.EncodeJSON(a.Inheritance),
		a.IsActive, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// Deactivate marks an agent inactive; the row is kept.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET is_active = 0, updated_at = ? WHERE id = ?`, store.Now(), id)
	if err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get loads an agent regardless of its active flag.
func (r *Repository) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

// GetBySlug loads an agent by slug regardless of its active flag.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE slug = ?`, slug)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", slug, ErrNotFound)
	}
	return a, err
}

// ListActive returns every active agent.
func (r *Repository) ListActive(ctx context.Context) ([]Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+` FROM agents WHERE is_active = 1 ORDER BY created_at`)
}

// List returns every agent, active or not.
func (r *Repository) List(ctx context.Context) ([]Agent, error) {
	return r.list(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
}

func (r *Repository) list(ctx context.Context, query string) ([]Agent, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// validate enforces slug shape, the parent forest and the client invariant.
func (r *Repository) validate(ctx context.Context, a *Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !ValidSlug(a.Slug) {
		return fmt.Errorf("%w: slug %q must be lowercase words separated by hyphens", ErrInvalid, a.Slug)
	}
	for field, p := range a.Inheritance {
		if !p.Valid() {
			return fmt.Errorf("%w: inheritance policy %q for %s", ErrInvalid, p, field)
		}
	}
	if a.ParentID == "" {
		if a.ClientID == "" {
			return fmt.Errorf("%w: client_id is required", ErrInvalid)
		}
		return nil
	}
	if a.ParentID == a.ID {
		return fmt.Errorf("%w: agent %s cannot be its own parent", ErrCycle, a.ID)
	}

	parent, err := r.Get(ctx, a.ParentID)
	if err != nil {
		return fmt.Errorf("parent: %w", err)
	}
	if a.ClientID == "" {
		a.ClientID = parent.ClientID
	} else if a.ClientID != parent.ClientID {
		return fmt.Errorf("%w: %s vs parent %s", ErrClientMismatch, a.ClientID, parent.ClientID)
	}

	seen := map[string]bool{a.ID: true}
	cur := parent
	for depth := 0; cur != nil && cur.ParentID != ""; depth++ {
		if depth >= maxDepth {
			return fmt.Errorf("%w: parent chain deeper than %d", ErrCycle, maxDepth)
		}
		if seen[cur.ParentID] || cur.ParentID == a.ID {
			return fmt.Errorf("%w: %s would become its own ancestor", ErrCycle, a.ID)
		}
		seen[cur.ID] = true
		next, err := r.Get(ctx, cur.ParentID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                       Agent
		parent                  sql.NullString
		topics, cfg, inheritRaw string
	)
	err := row.Scan(&a.ID, &parent, &a.Name, &a.Slug, &a.ClientID, &a.Model, &a.SystemPrompt,
		&topics, &cfg, &inheritRaw, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.ParentID = parent.String
	if err := store.DecodeJSON(topics, &a.Topics); err != nil {
		return nil, err
	}
	if err := store.DecodeJSON(cfg, &a.Config); err != nil {
		return nil, err
	}
	a.Inheritance = inheritance.Config{}
	if err := store.DecodeJSON(inheritRaw, &a.Inheritance); err != nil {
		return nil, err
	}
	return &a, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
