package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"talkbase/api/internal/channel"
	"talkbase/api/internal/media"
	"talkbase/api/internal/store"
	"talkbase/api/internal/util"
)

var allowedConnectionStatuses = map[string]struct{}{
	"connecting":   {},
	"connected":    {},
	"disconnected": {},
	"error":        {},
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// connectionView never exposes the stored credentials.
func connectionView(connection store.Connection) map[string]any {
	view := map[string]any{
		"id":        connection.ID,
		"provider":  connection.Provider,
		"status":    connection.Status,
		"createdAt": connection.CreatedAt,
		"updatedAt": connection.UpdatedAt,
	}
	if connection.AgentID != nil {
		view["agentId"] = *connection.AgentID
	}
	if connection.PhoneNumberID != nil {
		view["phoneNumberId"] = *connection.PhoneNumberID
	}
	if connection.BusinessAccountID != nil {
		view["businessAccountId"] = *connection.BusinessAccountID
	}
	if connection.InstanceID != nil {
		view["instanceId"] = *connection.InstanceID
	}
	if connection.LastSyncAt != nil {
		view["lastSyncAt"] = *connection.LastSyncAt
	}
	view["hasQRCode"] = connection.QRCodeKey != nil && *connection.QRCodeKey != ""
	return view
}

func (s *Service) ListConnections(ctx context.Context, session Session) (map[string]any, error) {
	connections, err := s.store.ListConnections(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(connections))
	for _, connection := range connections {
		views = append(views, connectionView(connection))
	}
	return map[string]any{"connections": views}, nil
}

func (s *Service) GetConnection(ctx context.Context, session Session, connectionID string) (map[string]any, error) {
	connection, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID)
	if err != nil {
		return nil, err
	}
	return connectionView(connection), nil
}

type WhatsAppConnectInput struct {
	AgentID           *string `json:"agentId"`
	PhoneNumberID     string  `json:"phoneNumberId"`
	BusinessAccountID string  `json:"businessAccountId"`
	AccessToken       string  `json:"accessToken"`
}

// ConnectWhatsApp verifies the Cloud API credentials against the Graph
// endpoint, then creates or refreshes the connection row.
func (s *Service) ConnectWhatsApp(ctx context.Context, session Session, input WhatsAppConnectInput) (map[string]any, error) {
	if s.whatsapp == nil {
		return nil, domainError(http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "WhatsApp is not configured", nil)
	}
	phoneNumberID := strings.TrimSpace(input.PhoneNumberID)
	accessToken := strings.TrimSpace(input.AccessToken)
	if phoneNumberID == "" || accessToken == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "phoneNumberId and accessToken are required", nil)
	}
	if input.AgentID != nil && *input.AgentID != "" {
		if _, err := s.store.GetAgent(ctx, session.WorkspaceID, *input.AgentID); err != nil {
			return nil, err
		}
	}

	verifiedName, err := s.whatsapp.VerifyCredentials(ctx, channel.WhatsAppCredentials{
		AccessToken:   accessToken,
		PhoneNumberID: phoneNumberID,
	})
	if err != nil {
		// A provider 401/403 means the credentials are wrong, not
		// that the provider is down.
		var upstream *channel.UpstreamError
		if errors.As(err, &upstream) && (upstream.Status == http.StatusUnauthorized || upstream.Status == http.StatusForbidden) {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_CREDENTIALS", "WhatsApp rejected the credentials", nil)
		}
		return nil, err
	}

	businessAccountID := strings.TrimSpace(input.BusinessAccountID)
	connection, err := s.store.UpsertWhatsAppConnection(ctx, store.Connection{
		ID:                util.NewID("conn"),
		WorkspaceID:       session.WorkspaceID,
		AgentID:           input.AgentID,
		Status:            "connected",
		PhoneNumberID:     &phoneNumberID,
		BusinessAccountID: &businessAccountID,
		AccessToken:       &accessToken,
	})
	if err != nil {
		return nil, err
	}

	s.logConnection(ctx, session.WorkspaceID, connection.ID, "info", "whatsapp_connected",
		`{"verifiedName":`+jsonString(verifiedName)+`}`)

	view := connectionView(connection)
	view["verifiedName"] = verifiedName
	return view, nil
}

type DisparaJaConnectInput struct {
	AgentID    *string `json:"agentId"`
	InstanceID string  `json:"instanceId"`
	APIKey     string  `json:"apiKey"`
}

// ConnectDisparaJa starts an instance pairing. The connection stays in
// "connecting" until the QR code is scanned and a status refresh sees
// the instance open.
func (s *Service) ConnectDisparaJa(ctx context.Context, session Session, input DisparaJaConnectInput) (map[string]any, error) {
	if s.disparaja == nil {
		return nil, domainError(http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "Dispara-Ja is not configured", nil)
	}
	instanceID := strings.TrimSpace(input.InstanceID)
	apiKey := strings.TrimSpace(input.APIKey)
	if instanceID == "" || apiKey == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "instanceId and apiKey are required", nil)
	}
	if input.AgentID != nil && *input.AgentID != "" {
		if _, err := s.store.GetAgent(ctx, session.WorkspaceID, *input.AgentID); err != nil {
			return nil, err
		}
	}

	if err := s.disparaja.Connect(ctx, channel.DisparaJaCredentials{APIKey: apiKey, InstanceID: instanceID}); err != nil {
		var upstream *channel.UpstreamError
		if errors.As(err, &upstream) && (upstream.Status == http.StatusUnauthorized || upstream.Status == http.StatusForbidden) {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_CREDENTIALS", "Dispara-Ja rejected the credentials", nil)
		}
		return nil, err
	}

	connection, err := s.store.UpsertDisparaJaConnection(ctx, store.Connection{
		ID:          util.NewID("conn"),
		WorkspaceID: session.WorkspaceID,
		AgentID:     input.AgentID,
		Status:      "connecting",
		InstanceID:  &instanceID,
		APIKey:      &apiKey,
	})
	if err != nil {
		return nil, err
	}

	s.logConnection(ctx, session.WorkspaceID, connection.ID, "info", "disparaja_pairing_started", "{}")
	return connectionView(connection), nil
}

// RefreshConnectionStatus polls the provider and persists the result.
func (s *Service) RefreshConnectionStatus(ctx context.Context, session Session, connectionID string) (map[string]any, error) {
	connection, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID)
	if err != nil {
		return nil, err
	}

	status := connection.Status
	switch connection.Provider {
	case store.ProviderWhatsAppCloud:
		if s.whatsapp == nil {
			return nil, domainError(http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "WhatsApp is not configured", nil)
		}
		creds, err := whatsappCreds(connection)
		if err != nil {
			return nil, err
		}
		if _, err := s.whatsapp.VerifyCredentials(ctx, creds); err != nil {
			status = "error"
		} else {
			status = "connected"
		}
	case store.ProviderDisparaJa:
		if s.disparaja == nil {
			return nil, domainError(http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "Dispara-Ja is not configured", nil)
		}
		creds, err := disparajaCreds(connection)
		if err != nil {
			return nil, err
		}
		state, err := s.disparaja.Status(ctx, creds)
		if err != nil {
			return nil, err
		}
		status = disparajaState(state)
	default:
		return nil, domainError(http.StatusConflict, "UNKNOWN_PROVIDER", "Unknown connection provider", nil)
	}

	if err := s.store.UpdateConnectionStatus(ctx, session.WorkspaceID, connectionID, status); err != nil {
		return nil, err
	}
	s.logConnection(ctx, session.WorkspaceID, connectionID, "info", "status_refreshed",
		`{"status":`+jsonString(status)+`}`)

	updated, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID)
	if err != nil {
		return nil, err
	}
	return connectionView(updated), nil
}

// SetConnectionStatus applies a manual status override.
func (s *Service) SetConnectionStatus(ctx context.Context, session Session, connectionID, status string) (map[string]any, error) {
	if _, ok := allowedConnectionStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown connection status", nil)
	}
	if err := s.store.UpdateConnectionStatus(ctx, session.WorkspaceID, connectionID, status); err != nil {
		return nil, err
	}
	updated, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID)
	if err != nil {
		return nil, err
	}
	return connectionView(updated), nil
}

// ConnectionQRCode fetches the pairing QR from the provider, stores the
// PNG in object storage, and returns it inline plus a presigned URL
// when storage is available.
func (s *Service) ConnectionQRCode(ctx context.Context, session Session, connectionID string) (map[string]any, error) {
	connection, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID)
	if err != nil {
		return nil, err
	}
	if connection.Provider != store.ProviderDisparaJa {
		return nil, domainError(http.StatusConflict, "QR_UNSUPPORTED", "Only Dispara-Ja connections use QR pairing", nil)
	}
	if s.disparaja == nil {
		return nil, domainError(http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "Dispara-Ja is not configured", nil)
	}
	creds, err := disparajaCreds(connection)
	if err != nil {
		return nil, err
	}

	png, err := s.disparaja.QRCode(ctx, creds)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"connectionId": connectionID,
		"qrCode":       base64.StdEncoding.EncodeToString(png),
	}
	if s.media != nil {
		key := media.QRKey(session.WorkspaceID, connectionID)
		if err := s.media.Put(ctx, key, png, "image/png"); err == nil {
			if err := s.store.SetConnectionQRCode(ctx, session.WorkspaceID, connectionID, key); err != nil {
				return nil, err
			}
			if url, err := s.media.PresignGet(ctx, key, 15*time.Minute); err == nil {
				result["url"] = url
			}
		}
	}
	return result, nil
}

func (s *Service) DeleteConnection(ctx context.Context, session Session, connectionID string) error {
	connection, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID)
	if err != nil {
		return err
	}
	if s.media != nil && connection.QRCodeKey != nil && *connection.QRCodeKey != "" {
		_ = s.media.Delete(ctx, *connection.QRCodeKey)
	}
	return s.store.DeleteConnection(ctx, session.WorkspaceID, connectionID)
}

// IngestConnectionLog records a provider event against a connection.
func (s *Service) IngestConnectionLog(ctx context.Context, session Session, connectionID, level, event, payload string) error {
	if _, ok := allowedLogLevels[level]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown log level", nil)
	}
	if strings.TrimSpace(event) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "event is required", nil)
	}
	if _, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID); err != nil {
		return err
	}
	if payload == "" {
		payload = "{}"
	}
	return s.store.InsertConnectionLog(ctx, store.ConnectionLog{
		WorkspaceID:  session.WorkspaceID,
		ConnectionID: connectionID,
		Level:        level,
		Event:        event,
		Payload:      payload,
	})
}

func (s *Service) ListConnectionLogs(ctx context.Context, session Session, connectionID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetConnection(ctx, session.WorkspaceID, connectionID); err != nil {
		return nil, err
	}
	logs, err := s.store.ListConnectionLogs(ctx, session.WorkspaceID, connectionID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(logs))
	for _, entry := range logs {
		views = append(views, map[string]any{
			"id":        entry.ID,
			"level":     entry.Level,
			"event":     entry.Event,
			"payload":   entry.Payload,
			"createdAt": entry.CreatedAt,
		})
	}
	return map[string]any{"logs": views}, nil
}

// dispatchText routes an outbound text through the connection's
// provider and returns the provider message id.
func (s *Service) dispatchText(ctx context.Context, connection store.Connection, to, body string) (string, error) {
	switch connection.Provider {
	case store.ProviderWhatsAppCloud:
		if s.whatsapp == nil {
			return "", domainError(http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "WhatsApp is not configured", nil)
		}
		creds, err := whatsappCreds(connection)
		if err != nil {
			return "", err
		}
		return s.whatsapp.SendText(ctx, creds, to, body)
	case store.ProviderDisparaJa:
		if s.disparaja == nil {
			return "", domainError(http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE", "Dispara-Ja is not configured", nil)
		}
		creds, err := disparajaCreds(connection)
		if err != nil {
			return "", err
		}
		return s.disparaja.SendText(ctx, creds, to, body)
	default:
		return "", domainError(http.StatusConflict, "UNKNOWN_PROVIDER", "Unknown connection provider", nil)
	}
}

func whatsappCreds(connection store.Connection) (channel.WhatsAppCredentials, error) {
	if connection.AccessToken == nil || connection.PhoneNumberID == nil {
		return channel.WhatsAppCredentials{}, domainError(http.StatusConflict, "CONNECTION_MISCONFIGURED", "The connection is missing WhatsApp credentials", nil)
	}
	return channel.WhatsAppCredentials{
		AccessToken:   *connection.AccessToken,
		PhoneNumberID: *connection.PhoneNumberID,
	}, nil
}

func disparajaCreds(connection store.Connection) (channel.DisparaJaCredentials, error) {
	if connection.APIKey == nil || connection.InstanceID == nil {
		return channel.DisparaJaCredentials{}, domainError(http.StatusConflict, "CONNECTION_MISCONFIGURED", "The connection is missing Dispara-Ja credentials", nil)
	}
	return channel.DisparaJaCredentials{
		APIKey:     *connection.APIKey,
		InstanceID: *connection.InstanceID,
	}, nil
}

// disparajaState maps Evolution-style instance states onto connection
// statuses.
func disparajaState(state string) string {
	switch state {
	case "open":
		return "connected"
	case "connecting", "qrcode":
		return "connecting"
	case "close", "closed":
		return "disconnected"
	default:
		return "error"
	}
}

func (s *Service) logConnection(ctx context.Context, workspaceID, connectionID, level, event, payload string) {
	_ = s.store.InsertConnectionLog(ctx, store.ConnectionLog{
		WorkspaceID:  workspaceID,
		ConnectionID: connectionID,
		Level:        level,
		Event:        event,
		Payload:      payload,
	})
}

func jsonString(value string) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}
