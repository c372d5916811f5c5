package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"talkbase/api/internal/authpw"
	"talkbase/api/internal/openai"
	"talkbase/api/internal/rbac"
	"talkbase/api/internal/store"
	"talkbase/api/internal/util"
)

const configKeyOpenAIAPIKey = "openai_api_key"

func userView(user store.User) map[string]any {
	view := map[string]any{
		"id":        user.ID,
		"name":      user.Name,
		"email":     user.Email,
		"role":      user.Role,
		"status":    user.Status,
		"createdAt": user.CreatedAt,
	}
	if user.PermissionGroupID != nil {
		view["permissionGroupId"] = *user.PermissionGroupID
	}
	return view
}

func (s *Service) ListWorkspaceUsers(ctx context.Context, session Session) (map[string]any, error) {
	users, err := s.store.ListUsers(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(users))
	for _, user := range users {
		views = append(views, userView(user))
	}
	return map[string]any{"users": views}, nil
}

// InviteUser creates a pending member and a single-use invite token.
// The raw token is returned so the handler can either mail it or, in
// dev mode, hand it back directly.
func (s *Service) InviteUser(ctx context.Context, session Session, emailAddr, role string) (map[string]any, error) {
	if s.auth == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	normalizedRole := strings.TrimSpace(strings.ToLower(role))
	if normalizedRole == "" {
		normalizedRole = "user"
	}
	if normalizedRole == string(rbac.RoleOwner) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot invite an owner", nil)
	}
	if rbac.Normalize(normalizedRole) != rbac.Role(normalizedRole) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be admin or user", nil)
	}

	resp, err := s.auth.Invite(ctx, authpw.InviteRequest{
		WorkspaceID: session.WorkspaceID,
		Email:       emailAddr,
		Role:        normalizedRole,
	})
	if err != nil {
		return nil, err
	}

	workspaceName := ""
	if workspace, err := s.store.GetWorkspace(ctx, session.WorkspaceID); err == nil {
		workspaceName = workspace.Name
	}
	s.SendInvitationEmail(emailAddr, workspaceName, session.UserName, resp.InviteToken)

	result := map[string]any{
		"userId":  resp.UserID,
		"message": "Invitation sent",
	}
	if !s.SMTPConfigured() {
		result["devInviteToken"] = resp.InviteToken
	}
	return result, nil
}

func (s *Service) UpdateUserRole(ctx context.Context, session Session, userID, role string) (map[string]any, error) {
	normalizedRole := strings.TrimSpace(strings.ToLower(role))
	if rbac.Normalize(normalizedRole) != rbac.Role(normalizedRole) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be owner, admin or user", nil)
	}
	target, err := s.store.GetUserByID(ctx, session.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}
	if target.Role == string(rbac.RoleOwner) && normalizedRole != string(rbac.RoleOwner) {
		return nil, domainError(http.StatusConflict, "OWNER_REQUIRED", "The workspace owner role cannot be removed", nil)
	}
	if err := s.store.UpdateUserRole(ctx, session.WorkspaceID, userID, normalizedRole); err != nil {
		return nil, err
	}
	updated, err := s.store.GetUserByID(ctx, session.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}
	return userView(updated), nil
}

func (s *Service) UpdateUserStatus(ctx context.Context, session Session, userID, status string) (map[string]any, error) {
	if _, ok := allowedUserStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be active or inactive", nil)
	}
	if userID == session.UserID && status == "inactive" {
		return nil, domainError(http.StatusConflict, "SELF_DEACTIVATION", "You cannot deactivate your own account", nil)
	}
	target, err := s.store.GetUserByID(ctx, session.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}
	if target.Role == string(rbac.RoleOwner) && status == "inactive" {
		return nil, domainError(http.StatusConflict, "OWNER_REQUIRED", "The workspace owner cannot be deactivated", nil)
	}
	if err := s.store.UpdateUserStatus(ctx, session.WorkspaceID, userID, status); err != nil {
		return nil, err
	}
	updated, err := s.store.GetUserByID(ctx, session.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}
	return userView(updated), nil
}

func (s *Service) AssignUserPermissionGroup(ctx context.Context, session Session, userID string, groupID *string) (map[string]any, error) {
	if groupID != nil && *groupID != "" {
		// The group must belong to the same workspace.
		if _, err := s.store.GetPermissionGroup(ctx, session.WorkspaceID, *groupID); err != nil {
			return nil, err
		}
	}
	if err := s.store.AssignUserPermissionGroup(ctx, session.WorkspaceID, userID, groupID); err != nil {
		return nil, err
	}
	updated, err := s.store.GetUserByID(ctx, session.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}
	return userView(updated), nil
}

// UpdateUserPermissions replaces the per-user override map. Keys not
// present in the catalog are rejected rather than silently dropped.
func (s *Service) UpdateUserPermissions(ctx context.Context, session Session, userID string, permissions map[string]bool) (map[string]any, error) {
	known := map[string]struct{}{}
	for _, key := range rbac.CatalogKeys() {
		known[key] = struct{}{}
	}
	for key := range permissions {
		if _, ok := known[key]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown permission key: "+key, nil)
		}
	}
	encoded, err := json.Marshal(permissions)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateUserPermissions(ctx, session.WorkspaceID, userID, string(encoded)); err != nil {
		return nil, err
	}
	updated, err := s.store.GetUserByID(ctx, session.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}
	return userView(updated), nil
}

// EffectivePermissions returns the fully resolved capability map for a
// member, the same view Allowed consults on each request.
func (s *Service) EffectivePermissions(ctx context.Context, session Session, userID string) (map[string]any, error) {
	target, err := s.store.GetUserByID(ctx, session.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}

	var caps rbac.Capabilities
	if rbac.Bypass(rbac.Normalize(target.Role)) {
		caps = rbac.Defaults(rbac.Normalize(target.Role))
	} else {
		caps, err = s.capabilitiesFor(ctx, session.WorkspaceID, userID)
		if err != nil {
			return nil, err
		}
	}

	flat := map[string]bool{}
	for resource, actions := range caps {
		for action, allowed := range actions {
			flat[resource+"."+action] = allowed
		}
	}
	return map[string]any{
		"userId":      target.ID,
		"role":        target.Role,
		"permissions": flat,
	}, nil
}

func (s *Service) PermissionCatalog(ctx context.Context) (map[string]any, error) {
	keys, err := s.store.ListPermissionCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		keys = rbac.CatalogKeys()
	}
	sort.Strings(keys)
	return map[string]any{"permissions": keys}, nil
}

func groupView(group store.PermissionGroup, items []store.PermissionGroupItem) map[string]any {
	view := map[string]any{
		"id":          group.ID,
		"name":        group.Name,
		"description": group.Description,
		"isDefault":   group.IsDefault,
		"isCustom":    group.IsCustom,
		"createdAt":   group.CreatedAt,
	}
	if items != nil {
		permissions := map[string]bool{}
		for _, item := range items {
			permissions[item.PermissionKey] = item.Enabled
		}
		view["permissions"] = permissions
	}
	return view
}

func (s *Service) ListPermissionGroups(ctx context.Context, session Session) (map[string]any, error) {
	groups, err := s.store.ListPermissionGroups(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(groups))
	for _, group := range groups {
		views = append(views, groupView(group, nil))
	}
	return map[string]any{"groups": views}, nil
}

func (s *Service) GetPermissionGroup(ctx context.Context, session Session, groupID string) (map[string]any, error) {
	group, err := s.store.GetPermissionGroup(ctx, session.WorkspaceID, groupID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListGroupItems(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	return groupView(group, items), nil
}

func (s *Service) CreatePermissionGroup(ctx context.Context, session Session, name, description string, permissions map[string]bool) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	taken, err := s.store.GroupNameTaken(ctx, session.WorkspaceID, name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domainError(http.StatusConflict, "GROUP_EXISTS", "A group with that name already exists", nil)
	}

	group := store.PermissionGroup{
		ID:          util.NewID("pg"),
		WorkspaceID: session.WorkspaceID,
		Name:        name,
		Description: strings.TrimSpace(description),
		IsCustom:    true,
	}
	if err := s.store.InsertPermissionGroup(ctx, group); err != nil {
		return nil, err
	}
	items := permissionItems(group.ID, permissions)
	if len(items) > 0 {
		if err := s.store.ReplaceGroupItems(ctx, group.ID, items); err != nil {
			return nil, err
		}
	}
	return groupView(group, items), nil
}

func (s *Service) UpdatePermissionGroup(ctx context.Context, session Session, groupID, name, description string, permissions map[string]bool) (map[string]any, error) {
	group, err := s.store.GetPermissionGroup(ctx, session.WorkspaceID, groupID)
	if err != nil {
		return nil, err
	}
	if !group.IsCustom {
		return nil, domainError(http.StatusConflict, "GROUP_READONLY", "Built-in groups cannot be edited", nil)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = group.Name
	}
	if name != group.Name {
		taken, err := s.store.GroupNameTaken(ctx, session.WorkspaceID, name)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, domainError(http.StatusConflict, "GROUP_EXISTS", "A group with that name already exists", nil)
		}
	}
	if err := s.store.UpdatePermissionGroup(ctx, session.WorkspaceID, groupID, name, strings.TrimSpace(description)); err != nil {
		return nil, err
	}

	var items []store.PermissionGroupItem
	if permissions != nil {
		items = permissionItems(groupID, permissions)
		if err := s.store.ReplaceGroupItems(ctx, groupID, items); err != nil {
			return nil, err
		}
	} else {
		items, err = s.store.ListGroupItems(ctx, groupID)
		if err != nil {
			return nil, err
		}
	}

	updated, err := s.store.GetPermissionGroup(ctx, session.WorkspaceID, groupID)
	if err != nil {
		return nil, err
	}
	return groupView(updated, items), nil
}

func (s *Service) DeletePermissionGroup(ctx context.Context, session Session, groupID string) error {
	group, err := s.store.GetPermissionGroup(ctx, session.WorkspaceID, groupID)
	if err != nil {
		return err
	}
	if !group.IsCustom {
		return domainError(http.StatusConflict, "GROUP_READONLY", "Built-in groups cannot be deleted", nil)
	}
	return s.store.DeletePermissionGroup(ctx, session.WorkspaceID, groupID)
}

func permissionItems(groupID string, permissions map[string]bool) []store.PermissionGroupItem {
	keys := make([]string, 0, len(permissions))
	for key := range permissions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	items := make([]store.PermissionGroupItem, 0, len(keys))
	for _, key := range keys {
		items = append(items, store.PermissionGroupItem{
			GroupID:       groupID,
			PermissionKey: key,
			Enabled:       permissions[key],
		})
	}
	return items
}

// SetOpenAIKey validates the key against the provider before storing
// it in the workspace system config.
func (s *Service) SetOpenAIKey(ctx context.Context, session Session, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "apiKey is required", nil)
	}
	if s.openai != nil {
		if err := s.openai.ValidateKey(ctx, apiKey); err != nil {
			if errors.Is(err, openai.ErrInvalidAPIKey) {
				return domainError(http.StatusUnprocessableEntity, "INVALID_API_KEY", "The OpenAI API key was rejected", nil)
			}
			return err
		}
	}
	return s.store.SetSystemConfig(ctx, session.WorkspaceID, configKeyOpenAIAPIKey, apiKey)
}

// OpenAIKeyStatus never returns the stored key, only whether one is set.
func (s *Service) OpenAIKeyStatus(ctx context.Context, session Session) (map[string]any, error) {
	key, err := s.workspaceOpenAIKey(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"configured": key != ""}, nil
}

func (s *Service) workspaceOpenAIKey(ctx context.Context, workspaceID string) (string, error) {
	key, err := s.store.GetSystemConfig(ctx, workspaceID, configKeyOpenAIAPIKey)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return key, nil
}
