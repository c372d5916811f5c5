package app

import (
	"net/http"
)

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "users.view") {
			return
		}
		payload, err := s.service.ListWorkspaceUsers(r.Context(), session)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "invite" && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "users.invite") {
			return
		}
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.InviteUser(r.Context(), session, body.Email, body.Role)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 2 && rest[1] == "role" && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "users.manage") {
			return
		}
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateUserRole(r.Context(), session, rest[0], body.Role)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "status" && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "users.manage") {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateUserStatus(r.Context(), session, rest[0], body.Status)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "permission-group" && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "users.manage") {
			return
		}
		var body struct {
			GroupID *string `json:"groupId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AssignUserPermissionGroup(r.Context(), session, rest[0], body.GroupID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "permissions" && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "users.manage") {
			return
		}
		var body struct {
			Permissions map[string]bool `json:"permissions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateUserPermissions(r.Context(), session, rest[0], body.Permissions)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "effective-permissions" && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "users.view") {
			return
		}
		payload, err := s.service.EffectivePermissions(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePermissionCatalog(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) != 0 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if !s.requirePerm(w, r, session, "permissiongroups.view") {
		return
	}
	payload, err := s.service.PermissionCatalog(r.Context())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePermissionGroups(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "permissiongroups.view") {
			return
		}
		payload, err := s.service.ListPermissionGroups(r.Context(), session)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 0 && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "permissiongroups.manage") {
			return
		}
		var body struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Permissions map[string]bool `json:"permissions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreatePermissionGroup(r.Context(), session, body.Name, body.Description, body.Permissions)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "permissiongroups.view") {
			return
		}
		payload, err := s.service.GetPermissionGroup(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "permissiongroups.manage") {
			return
		}
		var body struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Permissions map[string]bool `json:"permissions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdatePermissionGroup(r.Context(), session, rest[0], body.Name, body.Description, body.Permissions)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if !s.requirePerm(w, r, session, "permissiongroups.manage") {
			return
		}
		if err := s.service.DeletePermissionGroup(r.Context(), session, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "openai-key" && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "settings.view") {
			return
		}
		payload, err := s.service.OpenAIKeyStatus(r.Context(), session)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "openai-key" && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "settings.manage") {
			return
		}
		var body struct {
			APIKey string `json:"apiKey"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetOpenAIKey(r.Context(), session, body.APIKey); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
