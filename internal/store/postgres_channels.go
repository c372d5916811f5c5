package store

import (
	"context"
	"fmt"
)

const agentColumns = `id, workspace_id, name, instructions, model, temperature, openai_assistant_id, active, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var item Agent
	err := row.Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.Name,
		&item.Instructions,
		&item.Model,
		&item.Temperature,
		&item.OpenAIAssistantID,
		&item.Active,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, workspaceID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE workspace_id=$1 ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	items := make([]Agent, 0)
	for rows.Next() {
		item, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	item, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id=$1 AND workspace_id=$2`, agentID, workspaceID))
	if err != nil {
		return Agent{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertAgent(ctx context.Context, agent Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, workspace_id, name, instructions, model, temperature, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, agent.ID, agent.WorkspaceID, agent.Name, agent.Instructions, agent.Model, agent.Temperature, agent.Active)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent Agent) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name=$3, instructions=$4, model=$5, temperature=$6, active=$7, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, agent.ID, agent.WorkspaceID, agent.Name, agent.Instructions, agent.Model, agent.Temperature, agent.Active)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) SetAgentAssistantID(ctx context.Context, workspaceID, agentID, assistantID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET openai_assistant_id=$3, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, agentID, workspaceID, assistantID)
	if err != nil {
		return fmt.Errorf("set agent assistant id: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, workspaceID, agentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id=$1 AND workspace_id=$2`, agentID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListVectorStores(ctx context.Context, workspaceID string) ([]VectorStore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, agent_id, name, openai_vector_store_id, created_at
		FROM vector_stores
		WHERE workspace_id=$1
		ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list vector stores: %w", err)
	}
	defer rows.Close()

	items := make([]VectorStore, 0)
	for rows.Next() {
		var item VectorStore
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.AgentID, &item.Name, &item.OpenAIID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector store: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector stores: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVectorStore(ctx context.Context, workspaceID, vectorStoreID string) (VectorStore, error) {
	var item VectorStore
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, agent_id, name, openai_vector_store_id, created_at
		FROM vector_stores
		WHERE id=$1 AND workspace_id=$2
	`, vectorStoreID, workspaceID).Scan(&item.ID, &item.WorkspaceID, &item.AgentID, &item.Name, &item.OpenAIID, &item.CreatedAt)
	if err != nil {
		return VectorStore{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertVectorStore(ctx context.Context, vectorStore VectorStore) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_stores (id, workspace_id, agent_id, name, openai_vector_store_id)
		VALUES ($1, $2, $3, $4, $5)
	`, vectorStore.ID, vectorStore.WorkspaceID, vectorStore.AgentID, vectorStore.Name, vectorStore.OpenAIID)
	if err != nil {
		return fmt.Errorf("insert vector store: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVectorStore(ctx context.Context, workspaceID, vectorStoreID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM vector_stores WHERE id=$1 AND workspace_id=$2
	`, vectorStoreID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete vector store: %w", err)
	}
	return requireAffected(result)
}

const connectionColumns = `id, workspace_id, agent_id, provider, status, phone_number_id, business_account_id, access_token, instance_id, api_key, qr_code_key, last_sync_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (Connection, error) {
	var item Connection
	err := row.Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.AgentID,
		&item.Provider,
		&item.Status,
		&item.PhoneNumberID,
		&item.BusinessAccountID,
		&item.AccessToken,
		&item.InstanceID,
		&item.APIKey,
		&item.QRCodeKey,
		&item.LastSyncAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListConnections(ctx context.Context, workspaceID string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE workspace_id=$1 ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	items := make([]Connection, 0)
	for rows.Next() {
		item, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, workspaceID, connectionID string) (Connection, error) {
	item, err := scanConnection(s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id=$1 AND workspace_id=$2`, connectionID, workspaceID))
	if err != nil {
		return Connection{}, err
	}
	return item, nil
}

// UpsertWhatsAppConnection creates or refreshes the connection keyed by
// phone number id within the workspace, in one statement so a retry
// cannot leave two rows.
func (s *PostgresStore) UpsertWhatsAppConnection(ctx context.Context, connection Connection) (Connection, error) {
	item, err := scanConnection(s.db.QueryRowContext(ctx, `
		INSERT INTO connections (id, workspace_id, agent_id, provider, status, phone_number_id, business_account_id, access_token)
		VALUES ($1, $2, $3, 'whatsapp_cloud', $4, $5, $6, $7)
		ON CONFLICT (workspace_id, phone_number_id) WHERE provider='whatsapp_cloud'
		DO UPDATE SET agent_id=EXCLUDED.agent_id, status=EXCLUDED.status, business_account_id=EXCLUDED.business_account_id, access_token=EXCLUDED.access_token, updated_at=NOW()
		RETURNING `+connectionColumns+`
	`, connection.ID, connection.WorkspaceID, connection.AgentID, connection.Status, connection.PhoneNumberID, connection.BusinessAccountID, connection.AccessToken))
	if err != nil {
		return Connection{}, fmt.Errorf("upsert whatsapp connection: %w", err)
	}
	return item, nil
}

// UpsertDisparaJaConnection creates or refreshes the connection keyed
// by instance id within the workspace.
func (s *PostgresStore) UpsertDisparaJaConnection(ctx context.Context, connection Connection) (Connection, error) {
	item, err := scanConnection(s.db.QueryRowContext(ctx, `
		INSERT INTO connections (id, workspace_id, agent_id, provider, status, instance_id, api_key)
		VALUES ($1, $2, $3, 'disparaja', $4, $5, $6)
		ON CONFLICT (workspace_id, instance_id) WHERE provider='disparaja'
		DO UPDATE SET agent_id=EXCLUDED.agent_id, status=EXCLUDED.status, api_key=EXCLUDED.api_key, updated_at=NOW()
		RETURNING `+connectionColumns+`
	`, connection.ID, connection.WorkspaceID, connection.AgentID, connection.Status, connection.InstanceID, connection.APIKey))
	if err != nil {
		return Connection{}, fmt.Errorf("upsert disparaja connection: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateConnectionStatus(ctx context.Context, workspaceID, connectionID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections SET status=$3, last_sync_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, connectionID, workspaceID, status)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) SetConnectionQRCode(ctx context.Context, workspaceID, connectionID, qrCodeKey string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections SET qr_code_key=$3, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, connectionID, workspaceID, qrCodeKey)
	if err != nil {
		return fmt.Errorf("set connection qr code: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, workspaceID, connectionID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM connections WHERE id=$1 AND workspace_id=$2
	`, connectionID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertConnectionLog(ctx context.Context, logEntry ConnectionLog) error {
	payload := logEntry.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_logs (workspace_id, connection_id, level, event, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, logEntry.WorkspaceID, logEntry.ConnectionID, logEntry.Level, logEntry.Event, payload)
	if err != nil {
		return fmt.Errorf("insert connection log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConnectionLogs(ctx context.Context, workspaceID, connectionID string, limit int) ([]ConnectionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, connection_id, level, event, payload::text, created_at
		FROM connection_logs
		WHERE connection_id=$1 AND workspace_id=$2
		ORDER BY created_at DESC
		LIMIT $3
	`, connectionID, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list connection logs: %w", err)
	}
	defer rows.Close()

	items := make([]ConnectionLog, 0)
	for rows.Next() {
		var item ConnectionLog
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.ConnectionID, &item.Level, &item.Event, &item.Payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan connection log: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection logs: %w", err)
	}
	return items, nil
}
