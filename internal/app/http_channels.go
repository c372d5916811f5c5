package app

import (
	"net/http"
)

// multipart uploads for vector store files are capped at 32 MiB.
const maxUploadBytes = 32 << 20

func (s *HTTPServer) handleAgents(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "agents.view") {
			return
		}
		payload, err := s.service.ListAgents(r.Context(), session)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 0 && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "agents.create") {
			return
		}
		var body AgentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateAgent(r.Context(), session, body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "agents.view") {
			return
		}
		payload, err := s.service.GetAgent(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "agents.update") {
			return
		}
		var body AgentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateAgent(r.Context(), session, rest[0], body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if !s.requirePerm(w, r, session, "agents.delete") {
			return
		}
		if err := s.service.DeleteAgent(r.Context(), session, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "sync" && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "agents.sync") {
			return
		}
		payload, err := s.service.SyncAgent(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "agents.view") {
			return
		}
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit")
		if !ok {
			return
		}
		payload, err := s.service.AgentHistory(r.Context(), session, rest[0], limit)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 3 && rest[1] == "history" && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "agents.view") {
			return
		}
		payload, err := s.service.AgentRevision(r.Context(), session, rest[0], rest[2])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleVectorStores(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "vectorstores.view") {
			return
		}
		payload, err := s.service.ListVectorStores(r.Context(), session)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 0 && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "vectorstores.manage") {
			return
		}
		var body struct {
			Name    string  `json:"name"`
			AgentID *string `json:"agentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateVectorStore(r.Context(), session, body.Name, body.AgentID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if !s.requirePerm(w, r, session, "vectorstores.manage") {
			return
		}
		if err := s.service.DeleteVectorStore(r.Context(), session, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "files" && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "vectorstores.view") {
			return
		}
		payload, err := s.service.ListVectorStoreFiles(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "files" && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "vectorstores.manage") {
			return
		}
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart upload with a file field", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Missing file field", nil)
			return
		}
		defer file.Close()
		payload, err := s.service.AttachVectorStoreFile(r.Context(), session, rest[0], header.Filename, file)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 3 && rest[1] == "files" && r.Method == http.MethodDelete:
		if !s.requirePerm(w, r, session, "vectorstores.manage") {
			return
		}
		if err := s.service.DetachVectorStoreFile(r.Context(), session, rest[0], rest[2]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "connections.view") {
			return
		}
		payload, err := s.service.ListConnections(r.Context(), session)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "whatsapp" && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "connections.manage") {
			return
		}
		var body WhatsAppConnectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ConnectWhatsApp(r.Context(), session, body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && rest[0] == "disparaja" && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "connections.manage") {
			return
		}
		var body DisparaJaConnectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ConnectDisparaJa(r.Context(), session, body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 1 && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "connections.view") {
			return
		}
		payload, err := s.service.GetConnection(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if !s.requirePerm(w, r, session, "connections.manage") {
			return
		}
		if err := s.service.DeleteConnection(r.Context(), session, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "status" && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "connections.manage") {
			return
		}
		payload, err := s.service.RefreshConnectionStatus(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "status" && r.Method == http.MethodPut:
		if !s.requirePerm(w, r, session, "connections.manage") {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetConnectionStatus(r.Context(), session, rest[0], body.Status)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "qrcode" && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "connections.manage") {
			return
		}
		payload, err := s.service.ConnectionQRCode(r.Context(), session, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "logs" && r.Method == http.MethodGet:
		if !s.requirePerm(w, r, session, "connections.view") {
			return
		}
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit")
		if !ok {
			return
		}
		payload, err := s.service.ListConnectionLogs(r.Context(), session, rest[0], limit)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "logs" && r.Method == http.MethodPost:
		if !s.requirePerm(w, r, session, "connections.manage") {
			return
		}
		var body struct {
			Level   string `json:"level"`
			Event   string `json:"event"`
			Payload string `json:"payload"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.IngestConnectionLog(r.Context(), session, rest[0], body.Level, body.Event, body.Payload); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
