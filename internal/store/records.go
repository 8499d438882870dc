package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FetchRecord loads the entity named by eventType as a generic map so that
// trigger conditions can address its fields by dot path. Supported types are
// conversation, message, lead and agent.
func (s *Store) FetchRecord(ctx context.Context, eventType, id string) (map[string]any, error) {
	switch eventType {
	case "conversation":
		c, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		var count int
		var last sql.NullString
		_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, id).Scan(&count)
		_ = s.db.QueryRowContext(ctx, `
			SELECT content FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1`, id).Scan(&last)
		return map[string]any{
			"id":            c.ID,
			"agent_id":      c.AgentID,
			"client_id":     c.ClientID,
			"channel":       c.Channel,
			"user_id":       c.UserID,
			"status":        c.Status,
			"created_at":    c.CreatedAt,
			"updated_at":    c.UpdatedAt,
			"message_count": count,
			"last_message":  last.String,
		}, nil

	case "message":
		var m Message
		var clientID string
		err := s.db.QueryRowContext(ctx, `
			SELECT m.id, m.conversation_id, m.agent_id, m.role, m.content, m.created_at, COALESCE(c.client_id, '')
			FROM messages m LEFT JOIN conversations c ON c.id = m.conversation_id
			WHERE m.id = ?`, id).
			Scan(&m.ID, &m.ConversationID, &m.AgentID, &m.Role, &m.Content, &m.CreatedAt, &clientID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("get message: %w", err)
		}
		return map[string]any{
			"id":              m.ID,
			"conversation_id": m.ConversationID,
			"client_id":       clientID,
			"agent_id":        m.AgentID,
			"role":            m.Role,
			"content":         m.Content,
			"created_at":      m.CreatedAt,
		}, nil

	case "lead":
		var l Lead
		var data string
		err := s.db.QueryRowContext(ctx, `
			SELECT id, client_id, agent_id, conversation_id, name, phone, email, status, data, created_at, updated_at
			FROM leads WHERE id = ?`, id).
			Scan(&l.ID, &l.ClientID, &l.AgentID, &l.ConversationID, &l.Name, &l.Phone, &l.Email, &l.Status, &data, &l.CreatedAt, &l.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("get lead: %w", err)
		}
		extra := map[string]any{}
		_ = DecodeJSON(data, &extra)
		return map[string]any{
			"id":              l.ID,
			"client_id":       l.ClientID,
			"agent_id":        l.AgentID,
			"conversation_id": l.ConversationID,
			"name":            l.Name,
			"phone":           l.Phone,
			"email":           l.Email,
			"status":          l.Status,
			"data":            extra,
			"created_at":      l.CreatedAt,
			"updated_at":      l.UpdatedAt,
		}, nil

	case "agent":
		var (
			aid, name, slug, clientID, model string
			parent                           sql.NullString
			active                           bool
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT id, parent_id, name, slug, client_id, model, is_active FROM agents WHERE id = ?`, id).
			Scan(&aid, &parent, &name, &slug, &clientID, &model, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("get agent: %w", err)
		}
		return map[string]any{
			"id":        aid,
			"parent_id": parent.String,
			"name":      name,
			"slug":      slug,
			"client_id": clientID,
			"model":     model,
			"is_active": active,
		}, nil
	}
	return nil, fmt.Errorf("unsupported record type %q", eventType)
}

// UpdateStatus sets the status column of a conversation or lead.
func (s *Store) UpdateStatus(ctx context.Context, entity, id, status string) error {
	var table string
	switch entity {
	case "conversation":
		table = "conversations"
	case "lead":
		table = "leads"
	default:
		return fmt.Errorf("status updates unsupported for %q", entity)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET status = ?, updated_at = ? WHERE id = ?`, status, Now(), id)
	if err != nil {
		return fmt.Errorf("update %s status: %w", entity, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
