package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateWorkspaceWithOwner inserts the workspace and its first user in
// one transaction. Registration either fully succeeds or leaves nothing.
func (s *PostgresStore) CreateWorkspaceWithOwner(ctx context.Context, workspace Workspace, owner User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, subdomain)
		VALUES ($1, $2, $3)
	`, workspace.ID, workspace.Name, workspace.Subdomain); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, workspace_id, name, email, password_hash, role, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, owner.ID, workspace.ID, owner.Name, owner.Email, owner.PasswordHash, owner.Role, owner.Status); err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registration tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subdomain, created_at, updated_at
		FROM workspaces
		WHERE id=$1
	`, workspaceID).Scan(&item.ID, &item.Name, &item.Subdomain, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return item, nil
}

func (s *PostgresStore) SubdomainTaken(ctx context.Context, subdomain string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE subdomain=$1)`, subdomain).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check subdomain: %w", err)
	}
	return taken, nil
}

const userColumns = `id, workspace_id, name, email, password_hash, role, status, permission_group_id, permissions_json::text, deactivated_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.WorkspaceID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Status,
		&user.PermissionGroupID,
		&user.Permissions,
		&user.DeactivatedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, workspaceID, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=$1 AND workspace_id=$2`, userID, workspaceID))
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, workspaceID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE workspace_id=$1 ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, workspace_id, name, email, password_hash, role, status, permission_group_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.WorkspaceID, user.Name, user.Email, user.PasswordHash, user.Role, user.Status, user.PermissionGroupID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) EmailTaken(ctx context.Context, email string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email)=LOWER($1))`, email).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, workspaceID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET role=$3, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, userID, workspaceID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) UpdateUserStatus(ctx context.Context, workspaceID, userID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET status=$3,
		    deactivated_at=CASE WHEN $3='inactive' THEN NOW() ELSE NULL END,
		    updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, userID, workspaceID, status)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) AssignUserPermissionGroup(ctx context.Context, workspaceID, userID string, groupID *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET permission_group_id=$3, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, userID, workspaceID, groupID)
	if err != nil {
		return fmt.Errorf("assign permission group: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) UpdateUserPermissions(ctx context.Context, workspaceID, userID, permissionsJSON string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET permissions_json=$3::jsonb, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, userID, workspaceID, permissionsJSON)
	if err != nil {
		return fmt.Errorf("update user permissions: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) InsertAuthToken(ctx context.Context, token AuthToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (selector, verifier_hash, purpose, user_id, workspace_id, email, role, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, token.Selector, token.VerifierHash, token.Purpose, token.UserID, token.WorkspaceID, token.Email, token.Role, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert auth token: %w", err)
	}
	return nil
}

// GetAuthToken looks a pending token up by its non-secret selector. The
// caller compares the verifier hash; no scan over outstanding tokens.
func (s *PostgresStore) GetAuthToken(ctx context.Context, selector, purpose string) (AuthToken, error) {
	var token AuthToken
	err := s.db.QueryRowContext(ctx, `
		SELECT selector, verifier_hash, purpose, user_id, workspace_id, email, role, expires_at, created_at
		FROM auth_tokens
		WHERE selector=$1 AND purpose=$2 AND expires_at > NOW()
	`, selector, purpose).Scan(
		&token.Selector,
		&token.VerifierHash,
		&token.Purpose,
		&token.UserID,
		&token.WorkspaceID,
		&token.Email,
		&token.Role,
		&token.ExpiresAt,
		&token.CreatedAt,
	)
	if err != nil {
		return AuthToken{}, err
	}
	return token, nil
}

func (s *PostgresStore) DeleteAuthTokensFor(ctx context.Context, email, purpose string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM auth_tokens WHERE LOWER(email)=LOWER($1) AND purpose=$2
	`, email, purpose)
	if err != nil {
		return fmt.Errorf("delete auth tokens: %w", err)
	}
	return nil
}

// ConsumeAuthTokenActivate deletes the token and flips the user to
// active in one transaction. Returns sql.ErrNoRows when the token was
// already consumed.
func (s *PostgresStore) ConsumeAuthTokenActivate(ctx context.Context, selector, userID string) error {
	return s.consumeAuthToken(ctx, selector, `
		UPDATE users SET status='active', updated_at=NOW() WHERE id=$1
	`, userID)
}

// ConsumeAuthTokenSetPassword deletes the token and replaces the user's
// password hash atomically.
func (s *PostgresStore) ConsumeAuthTokenSetPassword(ctx context.Context, selector, userID, passwordHash string) error {
	return s.consumeAuthToken(ctx, selector, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
}

// ConsumeAuthTokenAcceptInvite deletes the token and activates the
// invited user with their chosen name and password.
func (s *PostgresStore) ConsumeAuthTokenAcceptInvite(ctx context.Context, selector, userID, name, passwordHash string) error {
	return s.consumeAuthToken(ctx, selector, `
		UPDATE users SET name=$2, password_hash=$3, status='active', updated_at=NOW() WHERE id=$1
	`, userID, name, passwordHash)
}

func (s *PostgresStore) consumeAuthToken(ctx context.Context, selector, userUpdate string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens WHERE selector=$1`, selector)
	if err != nil {
		return fmt.Errorf("consume auth token: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, userUpdate, args...); err != nil {
		return fmt.Errorf("apply token effect: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.workspace_id, u.name, u.email, u.password_hash, u.role, u.status, u.permission_group_id, u.permissions_json::text, u.deactivated_at, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) SeedPermissionCatalog(ctx context.Context, keys []string) error {
	for _, key := range keys {
		category, subcategory := splitCatalogKey(key)
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO permission_catalog (key, category, subcategory)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, key, category, subcategory); err != nil {
			return fmt.Errorf("seed permission catalog: %w", err)
		}
	}
	return nil
}

func splitCatalogKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func (s *PostgresStore) ListPermissionCatalog(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM permission_catalog ORDER BY category ASC, subcategory ASC`)
	if err != nil {
		return nil, fmt.Errorf("list permission catalog: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan permission key: %w", err)
		}
		items = append(items, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission catalog: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListPermissionGroups(ctx context.Context, workspaceID string) ([]PermissionGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, description, is_default, is_custom, created_at, updated_at
		FROM permission_groups
		WHERE workspace_id=$1
		ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list permission groups: %w", err)
	}
	defer rows.Close()

	items := make([]PermissionGroup, 0)
	for rows.Next() {
		var item PermissionGroup
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Description, &item.IsDefault, &item.IsCustom, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan permission group: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission groups: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPermissionGroup(ctx context.Context, workspaceID, groupID string) (PermissionGroup, error) {
	var item PermissionGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, description, is_default, is_custom, created_at, updated_at
		FROM permission_groups
		WHERE id=$1 AND workspace_id=$2
	`, groupID, workspaceID).Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Description, &item.IsDefault, &item.IsCustom, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return PermissionGroup{}, err
	}
	return item, nil
}

func (s *PostgresStore) GroupNameTaken(ctx context.Context, workspaceID, name string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM permission_groups WHERE workspace_id=$1 AND LOWER(name)=LOWER($2))
	`, workspaceID, name).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check group name: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) InsertPermissionGroup(ctx context.Context, group PermissionGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_groups (id, workspace_id, name, description, is_default, is_custom)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, group.ID, group.WorkspaceID, group.Name, group.Description, group.IsDefault, group.IsCustom)
	if err != nil {
		return fmt.Errorf("insert permission group: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePermissionGroup(ctx context.Context, workspaceID, groupID, name, description string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE permission_groups SET name=$3, description=$4, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, groupID, workspaceID, name, description)
	if err != nil {
		return fmt.Errorf("update permission group: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeletePermissionGroup(ctx context.Context, workspaceID, groupID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_groups WHERE id=$1 AND workspace_id=$2
	`, groupID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete permission group: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListGroupItems(ctx context.Context, groupID string) ([]PermissionGroupItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, permission_key, enabled
		FROM permission_group_items
		WHERE group_id=$1
		ORDER BY permission_key ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group items: %w", err)
	}
	defer rows.Close()

	items := make([]PermissionGroupItem, 0)
	for rows.Next() {
		var item PermissionGroupItem
		if err := rows.Scan(&item.GroupID, &item.PermissionKey, &item.Enabled); err != nil {
			return nil, fmt.Errorf("scan group item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group items: %w", err)
	}
	return items, nil
}

// ReplaceGroupItems swaps the group's full item set transactionally.
func (s *PostgresStore) ReplaceGroupItems(ctx context.Context, groupID string, items []PermissionGroupItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin group items tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM permission_group_items WHERE group_id=$1`, groupID); err != nil {
		return fmt.Errorf("clear group items: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permission_group_items (group_id, permission_key, enabled)
			VALUES ($1, $2, $3)
			ON CONFLICT (group_id, permission_key) DO UPDATE SET enabled=EXCLUDED.enabled
		`, groupID, item.PermissionKey, item.Enabled); err != nil {
			return fmt.Errorf("insert group item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group items tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSystemConfig(ctx context.Context, workspaceID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM system_configs WHERE workspace_id=$1 AND key=$2
	`, workspaceID, key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *PostgresStore) SetSystemConfig(ctx context.Context, workspaceID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_configs (workspace_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
	`, workspaceID, key, value)
	if err != nil {
		return fmt.Errorf("set system config: %w", err)
	}
	return nil
}

// requireAffected turns a zero-row mutation into sql.ErrNoRows so a
// cross-workspace write surfaces as not-found.
func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
