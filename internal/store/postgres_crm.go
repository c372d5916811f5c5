package store

import (
	"context"
	"database/sql"
	"fmt"
)

const leadColumns = `id, workspace_id, name, phone, email, stage, source, assigned_to, notes, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (Lead, error) {
	var item Lead
	err := row.Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.Name,
		&item.Phone,
		&item.Email,
		&item.Stage,
		&item.Source,
		&item.AssignedTo,
		&item.Notes,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

// ListLeads filters by stage and/or tag when provided; empty filters
// match everything in the workspace.
func (s *PostgresStore) ListLeads(ctx context.Context, workspaceID, stage, tagID string) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE workspace_id=$1
		  AND ($2='' OR stage=$2)
		  AND ($3='' OR id IN (SELECT lead_id FROM lead_tags WHERE tag_id=$3))
		ORDER BY updated_at DESC
	`, workspaceID, stage, tagID)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	items := make([]Lead, 0)
	for rows.Next() {
		item, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, workspaceID, leadID string) (Lead, error) {
	item, err := scanLead(s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id=$1 AND workspace_id=$2`, leadID, workspaceID))
	if err != nil {
		return Lead{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertLead(ctx context.Context, lead Lead) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (id, workspace_id, name, phone, email, stage, source, assigned_to, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, lead.ID, lead.WorkspaceID, lead.Name, lead.Phone, lead.Email, lead.Stage, lead.Source, lead.AssignedTo, lead.Notes)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateLead(ctx context.Context, lead Lead) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET name=$3, phone=$4, email=$5, source=$6, assigned_to=$7, notes=$8, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, lead.ID, lead.WorkspaceID, lead.Name, lead.Phone, lead.Email, lead.Source, lead.AssignedTo, lead.Notes)
	if err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	return requireAffected(result)
}

// UpdateLeadStage re-reads the row inside the transaction before
// writing so the stage transition cannot race a concurrent move.
func (s *PostgresStore) UpdateLeadStage(ctx context.Context, workspaceID, leadID, stage string) (Lead, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lead{}, fmt.Errorf("begin stage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanLead(tx.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id=$1 AND workspace_id=$2 FOR UPDATE`, leadID, workspaceID))
	if err != nil {
		return Lead{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE leads SET stage=$3, updated_at=NOW() WHERE id=$1 AND workspace_id=$2
	`, leadID, workspaceID, stage); err != nil {
		return Lead{}, fmt.Errorf("update lead stage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Lead{}, fmt.Errorf("commit stage tx: %w", err)
	}
	item.Stage = stage
	return item, nil
}

func (s *PostgresStore) DeleteLead(ctx context.Context, workspaceID, leadID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leads WHERE id=$1 AND workspace_id=$2`, leadID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete lead: %w", err)
	}
	return requireAffected(result)
}

// SetLeadTags replaces the lead's tag set. Tags from other workspaces
// are silently dropped by the ownership join.
func (s *PostgresStore) SetLeadTags(ctx context.Context, workspaceID, leadID string, tagIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lead tags tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM leads WHERE id=$1 AND workspace_id=$2)`, leadID, workspaceID).Scan(&exists); err != nil {
		return fmt.Errorf("check lead: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lead_tags WHERE lead_id=$1`, leadID); err != nil {
		return fmt.Errorf("clear lead tags: %w", err)
	}
	for _, tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lead_tags (lead_id, tag_id)
			SELECT $1, id FROM tags WHERE id=$2 AND workspace_id=$3
			ON CONFLICT DO NOTHING
		`, leadID, tagID, workspaceID); err != nil {
			return fmt.Errorf("insert lead tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lead tags tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLeadTags(ctx context.Context, workspaceID, leadID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.workspace_id, t.name, t.color, t.created_at
		FROM lead_tags lt
		JOIN tags t ON t.id = lt.tag_id
		WHERE lt.lead_id=$1 AND t.workspace_id=$2
		ORDER BY t.name ASC
	`, leadID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list lead tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lead tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListTags(ctx context.Context, workspaceID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, color, created_at
		FROM tags
		WHERE workspace_id=$1
		ORDER BY name ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) TagNameTaken(ctx context.Context, workspaceID, name string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM tags WHERE workspace_id=$1 AND LOWER(name)=LOWER($2))
	`, workspaceID, name).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check tag name: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) InsertTag(ctx context.Context, tag Tag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, workspace_id, name, color)
		VALUES ($1, $2, $3, $4)
	`, tag.ID, tag.WorkspaceID, tag.Name, tag.Color)
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTag(ctx context.Context, workspaceID, tagID, name, color string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tags SET name=$3, color=$4 WHERE id=$1 AND workspace_id=$2
	`, tagID, workspaceID, name, color)
	if err != nil {
		return fmt.Errorf("update tag: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteTag(ctx context.Context, workspaceID, tagID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id=$1 AND workspace_id=$2`, tagID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListContactFields(ctx context.Context, workspaceID string) ([]ContactField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, key, label, field_type, required, sort_order, created_at
		FROM contact_fields
		WHERE workspace_id=$1
		ORDER BY sort_order ASC, key ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list contact fields: %w", err)
	}
	defer rows.Close()

	items := make([]ContactField, 0)
	for rows.Next() {
		var item ContactField
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Key, &item.Label, &item.FieldType, &item.Required, &item.SortOrder, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact field: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact fields: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ContactFieldKeyTaken(ctx context.Context, workspaceID, key string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM contact_fields WHERE workspace_id=$1 AND key=$2)
	`, workspaceID, key).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check contact field key: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) InsertContactField(ctx context.Context, field ContactField) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_fields (id, workspace_id, key, label, field_type, required, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, field.ID, field.WorkspaceID, field.Key, field.Label, field.FieldType, field.Required, field.SortOrder)
	if err != nil {
		return fmt.Errorf("insert contact field: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateContactField(ctx context.Context, field ContactField) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE contact_fields
		SET label=$3, field_type=$4, required=$5, sort_order=$6
		WHERE id=$1 AND workspace_id=$2
	`, field.ID, field.WorkspaceID, field.Label, field.FieldType, field.Required, field.SortOrder)
	if err != nil {
		return fmt.Errorf("update contact field: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteContactField(ctx context.Context, workspaceID, fieldID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM contact_fields WHERE id=$1 AND workspace_id=$2
	`, fieldID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete contact field: %w", err)
	}
	return requireAffected(result)
}

const conversationColumns = `id, workspace_id, lead_id, connection_id, channel, status, unread_count, last_message_at, created_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var item Conversation
	err := row.Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.LeadID,
		&item.ConnectionID,
		&item.Channel,
		&item.Status,
		&item.UnreadCount,
		&item.LastMessageAt,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListConversations(ctx context.Context, workspaceID, status string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE workspace_id=$1
		  AND ($2='' OR status=$2)
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
	`, workspaceID, status)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		item, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, workspaceID, conversationID string) (Conversation, error) {
	item, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id=$1 AND workspace_id=$2`, conversationID, workspaceID))
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertConversation(ctx context.Context, conversation Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, lead_id, connection_id, channel, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conversation.ID, conversation.WorkspaceID, conversation.LeadID, conversation.ConnectionID, conversation.Channel, conversation.Status)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, workspaceID, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET unread_count=0 WHERE id=$1 AND workspace_id=$2
	`, conversationID, workspaceID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return requireAffected(result)
}

// AppendMessage inserts the message and bumps the conversation's
// last-message marker in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, message Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND workspace_id=$2)
	`, message.ConversationID, message.WorkspaceID).Scan(&exists); err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, workspace_id, conversation_id, direction, body, media_key, author_name, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, message.ID, message.WorkspaceID, message.ConversationID, message.Direction, message.Body, message.MediaKey, message.AuthorName, message.SentAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	unreadDelta := 0
	if message.Direction == "inbound" {
		unreadDelta = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at=$3, unread_count=unread_count+$4
		WHERE id=$1 AND workspace_id=$2
	`, message.ConversationID, message.WorkspaceID, message.SentAt, unreadDelta); err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, workspaceID, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, conversation_id, direction, body, media_key, author_name, sent_at
		FROM messages
		WHERE conversation_id=$1 AND workspace_id=$2
		ORDER BY sent_at ASC
		LIMIT $3
	`, conversationID, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.ConversationID, &item.Direction, &item.Body, &item.MediaKey, &item.AuthorName, &item.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context, workspaceID string) (leads int, openConversations int, activeAgents int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads WHERE workspace_id=$1`, workspaceID).Scan(&leads); err != nil {
		err = fmt.Errorf("count leads: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE workspace_id=$1 AND status='open'`, workspaceID).Scan(&openConversations); err != nil {
		err = fmt.Errorf("count open conversations: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE workspace_id=$1 AND active`, workspaceID).Scan(&activeAgents); err != nil {
		err = fmt.Errorf("count active agents: %w", err)
		return
	}
	return
}
