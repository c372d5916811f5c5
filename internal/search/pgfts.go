package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across leads, conversations, and messages
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
// Conversations match through their lead's text since they carry none of their own.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.WorkspaceID == "" {
		return nil, 0, fmt.Errorf("search query missing workspace")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text, q.WorkspaceID}

	var subQueries []string

	// Leads sub-query
	if q.FilterType == "" || q.FilterType == ResultLead {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'lead'::text AS type, l.id, l.name AS title,
				ts_headline('simple', coalesce(l.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				l.id AS lead_id, ''::text AS conversation_id, l.workspace_id,
				ts_rank(l.fts, %s) AS rank
			FROM leads l
			WHERE l.fts @@ %s AND l.workspace_id = $2`, tsQuery, tsQuery, tsQuery))
	}

	// Conversations sub-query
	if q.FilterType == "" || q.FilterType == ResultConversation {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'conversation'::text AS type, c.id, l.name AS title,
				c.channel AS snippet,
				c.lead_id, c.id AS conversation_id, c.workspace_id,
				ts_rank(l.fts, %s) AS rank
			FROM conversations c
			JOIN leads l ON l.id = c.lead_id
			WHERE l.fts @@ %s AND c.workspace_id = $2`, tsQuery, tsQuery))
	}

	// Messages sub-query
	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, m.author_name AS title,
				ts_headline('simple', coalesce(m.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.lead_id, m.conversation_id, m.workspace_id,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			JOIN conversations c ON c.id = m.conversation_id
			WHERE m.fts @@ %s AND m.workspace_id = $2`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, lead_id, conversation_id, workspace_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.LeadID, &r.ConversationID, &r.WorkspaceID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LeadRecord, []ConversationRecord, []MessageRecord, error) {
	leadRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, phone, email, notes, stage, workspace_id
		FROM leads
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load leads: %w", err)
	}
	defer leadRows.Close()

	leads := make([]LeadRecord, 0)
	for leadRows.Next() {
		var l LeadRecord
		if err := leadRows.Scan(&l.ID, &l.Name, &l.Phone, &l.Email, &l.Notes, &l.Stage, &l.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	if err := leadRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate leads: %w", err)
	}

	convRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.lead_id, l.name, c.channel, c.status, c.workspace_id
		FROM conversations c
		JOIN leads l ON l.id = c.lead_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load conversations: %w", err)
	}
	defer convRows.Close()

	conversations := make([]ConversationRecord, 0)
	for convRows.Next() {
		var c ConversationRecord
		if err := convRows.Scan(&c.ID, &c.LeadID, &c.LeadName, &c.Channel, &c.Status, &c.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := convRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate conversations: %w", err)
	}

	msgRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, c.lead_id, m.body, m.author_name, m.workspace_id
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()

	messages := make([]MessageRecord, 0)
	for msgRows.Next() {
		var m MessageRecord
		if err := msgRows.Scan(&m.ID, &m.ConversationID, &m.LeadID, &m.Body, &m.AuthorName, &m.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return leads, conversations, messages, nil
}
