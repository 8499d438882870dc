package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation record does not exist.
var ErrNotFound = errors.New("record not found")

// Conversation is one thread between a user and an agent.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	ClientID  string    `json:"client_id"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single turn inside a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Lead is a captured prospect.
type Lead struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"client_id"`
	AgentID        string         `json:"agent_id"`
	ConversationID string         `json:"conversation_id"`
	Name           string         `json:"name"`
	Phone          string         `json:"phone"`
	Email          string         `json:"email"`
	Status         string         `json:"status"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EnsureConversation returns the conversation with id, creating it when absent.
// An empty id allocates a fresh one.
func (s *Store) EnsureConversation(ctx context.Context, id, agentID, clientID, channel, userID string) (*Conversation, error) {
	if id != "" {
		c, err := s.GetConversation(ctx, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}
	now := Now()
	c := &Conversation{
		ID: id, AgentID: agentID, ClientID: clientID, Channel: channel, UserID: userID,
		Status: "active", CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, client_id, channel, user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, c.ClientID, c.Channel, c.UserID, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, client_id, channel, user_id, status, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.AgentID, &c.ClientID, &c.Channel, &c.UserID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// AppendMessage stores a turn and bumps the conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, conversationID, agentID, role, content string) (*Message, error) {
	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		AgentID:        agentID,
		Role:           role,
		Content:        content,
		CreatedAt:      Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, agent_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.AgentID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, m.CreatedAt, conversationID)
	return m, nil
}

// History returns the last limit messages of a conversation, oldest first.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, agent_id, role, content, created_at FROM (
			SELECT id, conversation_id, agent_id, role, content, created_at, rowid AS seq
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentConversations lists an agent's conversations updated since the cutoff.
func (s *Store) RecentConversations(ctx context.Context, agentID string, since time.Time) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, client_id, channel, user_id, status, created_at, updated_at
		FROM conversations WHERE agent_id = ? AND updated_at >= ?
		ORDER BY updated_at DESC`, agentID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.AgentID, &c.ClientID, &c.Channel, &c.UserID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns every message of a conversation, oldest first.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, agent_id, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AgentID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveLead inserts a lead, allocating its ID when empty.
func (s *Store) SaveLead(ctx context.Context, l *Lead) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = "new"
	}
	now := Now()
	l.CreatedAt, l.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, client_id, agent_id, conversation_id, name, phone, email, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ClientID, l.AgentID, l.ConversationID, l.Name, l.Phone, l.Email, l.Status, EncodeJSON(l.Data), now, now)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}
