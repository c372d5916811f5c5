package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"talkbase/api/internal/export"
	"talkbase/api/internal/search"
	"talkbase/api/internal/store"
	"talkbase/api/internal/util"
)

type LeadInput struct {
	Name       string   `json:"name"`
	Phone      string   `json:"phone"`
	Email      string   `json:"email"`
	Stage      string   `json:"stage"`
	Source     string   `json:"source"`
	AssignedTo *string  `json:"assignedTo"`
	Notes      string   `json:"notes"`
	TagIDs     []string `json:"tagIds"`
}

func leadView(lead store.Lead, tags []store.Tag) map[string]any {
	view := map[string]any{
		"id":        lead.ID,
		"name":      lead.Name,
		"phone":     lead.Phone,
		"email":     lead.Email,
		"stage":     lead.Stage,
		"source":    lead.Source,
		"notes":     lead.Notes,
		"createdAt": lead.CreatedAt,
		"updatedAt": lead.UpdatedAt,
	}
	if lead.AssignedTo != nil {
		view["assignedTo"] = *lead.AssignedTo
	}
	if tags != nil {
		view["tags"] = tagViews(tags)
	}
	return view
}

func tagViews(tags []store.Tag) []map[string]any {
	views := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		views = append(views, map[string]any{
			"id":    tag.ID,
			"name":  tag.Name,
			"color": tag.Color,
		})
	}
	return views
}

func (s *Service) indexLead(lead store.Lead) {
	if s.search == nil {
		return
	}
	s.search.IndexLead(search.LeadRecord{
		ID:          lead.ID,
		Name:        lead.Name,
		Phone:       lead.Phone,
		Email:       lead.Email,
		Notes:       lead.Notes,
		Stage:       lead.Stage,
		WorkspaceID: lead.WorkspaceID,
	})
}

func (s *Service) ListLeads(ctx context.Context, session Session, stage, tagID, query string) (map[string]any, error) {
	if stage != "" {
		if _, ok := allowedLeadStages[stage]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown lead stage", nil)
		}
	}

	// A free-text query resolves through the search index first and
	// then hydrates the matching rows.
	if query != "" && s.search != nil {
		resp := s.search.Search(search.Query{
			Text:        query,
			FilterType:  "lead",
			WorkspaceID: session.WorkspaceID,
			Limit:       50,
		})
		views := make([]map[string]any, 0, len(resp.Results))
		for _, result := range resp.Results {
			lead, err := s.store.GetLead(ctx, session.WorkspaceID, result.ID)
			if err != nil {
				continue
			}
			if stage != "" && lead.Stage != stage {
				continue
			}
			views = append(views, leadView(lead, nil))
		}
		return map[string]any{"leads": views}, nil
	}

	leads, err := s.store.ListLeads(ctx, session.WorkspaceID, stage, tagID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(leads))
	for _, lead := range leads {
		views = append(views, leadView(lead, nil))
	}
	return map[string]any{"leads": views}, nil
}

func (s *Service) CreateLead(ctx context.Context, session Session, input LeadInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	stage := input.Stage
	if stage == "" {
		stage = "new"
	}
	if _, ok := allowedLeadStages[stage]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown lead stage", nil)
	}

	lead := store.Lead{
		ID:          util.NewID("lead"),
		WorkspaceID: session.WorkspaceID,
		Name:        name,
		Phone:       strings.TrimSpace(input.Phone),
		Email:       strings.TrimSpace(input.Email),
		Stage:       stage,
		Source:      strings.TrimSpace(input.Source),
		AssignedTo:  input.AssignedTo,
		Notes:       input.Notes,
	}
	if err := s.store.InsertLead(ctx, lead); err != nil {
		return nil, err
	}
	if len(input.TagIDs) > 0 {
		if err := s.store.SetLeadTags(ctx, session.WorkspaceID, lead.ID, input.TagIDs); err != nil {
			return nil, err
		}
	}
	s.indexLead(lead)

	created, err := s.store.GetLead(ctx, session.WorkspaceID, lead.ID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListLeadTags(ctx, session.WorkspaceID, lead.ID)
	if err != nil {
		return nil, err
	}
	return leadView(created, tags), nil
}

func (s *Service) GetLead(ctx context.Context, session Session, leadID string) (map[string]any, error) {
	lead, err := s.store.GetLead(ctx, session.WorkspaceID, leadID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListLeadTags(ctx, session.WorkspaceID, leadID)
	if err != nil {
		return nil, err
	}
	return leadView(lead, tags), nil
}

func (s *Service) UpdateLead(ctx context.Context, session Session, leadID string, input LeadInput) (map[string]any, error) {
	lead, err := s.store.GetLead(ctx, session.WorkspaceID, leadID)
	if err != nil {
		return nil, err
	}

	if name := strings.TrimSpace(input.Name); name != "" {
		lead.Name = name
	}
	lead.Phone = strings.TrimSpace(input.Phone)
	lead.Email = strings.TrimSpace(input.Email)
	lead.Source = strings.TrimSpace(input.Source)
	lead.Notes = input.Notes
	lead.AssignedTo = input.AssignedTo

	if err := s.store.UpdateLead(ctx, lead); err != nil {
		return nil, err
	}
	if input.TagIDs != nil {
		if err := s.store.SetLeadTags(ctx, session.WorkspaceID, leadID, input.TagIDs); err != nil {
			return nil, err
		}
	}
	s.indexLead(lead)

	updated, err := s.store.GetLead(ctx, session.WorkspaceID, leadID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListLeadTags(ctx, session.WorkspaceID, leadID)
	if err != nil {
		return nil, err
	}
	return leadView(updated, tags), nil
}

func (s *Service) UpdateLeadStage(ctx context.Context, session Session, leadID, stage string) (map[string]any, error) {
	if _, ok := allowedLeadStages[stage]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown lead stage", nil)
	}
	lead, err := s.store.UpdateLeadStage(ctx, session.WorkspaceID, leadID, stage)
	if err != nil {
		return nil, err
	}
	s.indexLead(lead)
	return leadView(lead, nil), nil
}

func (s *Service) DeleteLead(ctx context.Context, session Session, leadID string) error {
	if err := s.store.DeleteLead(ctx, session.WorkspaceID, leadID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteLead(leadID)
	}
	return nil
}

func (s *Service) SetLeadTags(ctx context.Context, session Session, leadID string, tagIDs []string) (map[string]any, error) {
	if _, err := s.store.GetLead(ctx, session.WorkspaceID, leadID); err != nil {
		return nil, err
	}
	if err := s.store.SetLeadTags(ctx, session.WorkspaceID, leadID, tagIDs); err != nil {
		return nil, err
	}
	tags, err := s.store.ListLeadTags(ctx, session.WorkspaceID, leadID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"leadId": leadID, "tags": tagViews(tags)}, nil
}

func (s *Service) ListTags(ctx context.Context, session Session) (map[string]any, error) {
	tags, err := s.store.ListTags(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tags": tagViews(tags)}, nil
}

func (s *Service) CreateTag(ctx context.Context, session Session, name, color string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	taken, err := s.store.TagNameTaken(ctx, session.WorkspaceID, name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domainError(http.StatusConflict, "TAG_EXISTS", "A tag with that name already exists", nil)
	}

	tag := store.Tag{
		ID:          util.NewID("tag"),
		WorkspaceID: session.WorkspaceID,
		Name:        name,
		Color:       strings.TrimSpace(color),
	}
	if err := s.store.InsertTag(ctx, tag); err != nil {
		return nil, err
	}
	return map[string]any{"id": tag.ID, "name": tag.Name, "color": tag.Color}, nil
}

func (s *Service) UpdateTag(ctx context.Context, session Session, tagID, name, color string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.store.UpdateTag(ctx, session.WorkspaceID, tagID, name, strings.TrimSpace(color)); err != nil {
		return nil, err
	}
	return map[string]any{"id": tagID, "name": name, "color": color}, nil
}

func (s *Service) DeleteTag(ctx context.Context, session Session, tagID string) error {
	return s.store.DeleteTag(ctx, session.WorkspaceID, tagID)
}

type ContactFieldInput struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	FieldType string `json:"fieldType"`
	Required  bool   `json:"required"`
	SortOrder int    `json:"sortOrder"`
}

func contactFieldView(field store.ContactField) map[string]any {
	return map[string]any{
		"id":        field.ID,
		"key":       field.Key,
		"label":     field.Label,
		"fieldType": field.FieldType,
		"required":  field.Required,
		"sortOrder": field.SortOrder,
	}
}

func (s *Service) ListContactFields(ctx context.Context, session Session) (map[string]any, error) {
	fields, err := s.store.ListContactFields(ctx, session.WorkspaceID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(fields))
	for _, field := range fields {
		views = append(views, contactFieldView(field))
	}
	return map[string]any{"fields": views}, nil
}

func (s *Service) CreateContactField(ctx context.Context, session Session, input ContactFieldInput) (map[string]any, error) {
	key := strings.TrimSpace(strings.ToLower(input.Key))
	label := strings.TrimSpace(input.Label)
	if key == "" || label == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "key and label are required", nil)
	}
	fieldType := input.FieldType
	if fieldType == "" {
		fieldType = "text"
	}
	if _, ok := allowedContactFieldTypes[fieldType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown field type", nil)
	}
	taken, err := s.store.ContactFieldKeyTaken(ctx, session.WorkspaceID, key)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, domainError(http.StatusConflict, "FIELD_EXISTS", "A field with that key already exists", nil)
	}

	field := store.ContactField{
		ID:          util.NewID("cf"),
		WorkspaceID: session.WorkspaceID,
		Key:         key,
		Label:       label,
		FieldType:   fieldType,
		Required:    input.Required,
		SortOrder:   input.SortOrder,
	}
	if err := s.store.InsertContactField(ctx, field); err != nil {
		return nil, err
	}
	return contactFieldView(field), nil
}

func (s *Service) UpdateContactField(ctx context.Context, session Session, fieldID string, input ContactFieldInput) (map[string]any, error) {
	label := strings.TrimSpace(input.Label)
	if label == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "label is required", nil)
	}
	fieldType := input.FieldType
	if fieldType == "" {
		fieldType = "text"
	}
	if _, ok := allowedContactFieldTypes[fieldType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown field type", nil)
	}

	field := store.ContactField{
		ID:          fieldID,
		WorkspaceID: session.WorkspaceID,
		Label:       label,
		FieldType:   fieldType,
		Required:    input.Required,
		SortOrder:   input.SortOrder,
	}
	if err := s.store.UpdateContactField(ctx, field); err != nil {
		return nil, err
	}
	return contactFieldView(field), nil
}

func (s *Service) DeleteContactField(ctx context.Context, session Session, fieldID string) error {
	return s.store.DeleteContactField(ctx, session.WorkspaceID, fieldID)
}

func conversationView(conversation store.Conversation) map[string]any {
	view := map[string]any{
		"id":          conversation.ID,
		"leadId":      conversation.LeadID,
		"channel":     conversation.Channel,
		"status":      conversation.Status,
		"unreadCount": conversation.UnreadCount,
		"createdAt":   conversation.CreatedAt,
	}
	if conversation.ConnectionID != nil {
		view["connectionId"] = *conversation.ConnectionID
	}
	if conversation.LastMessageAt != nil {
		view["lastMessageAt"] = *conversation.LastMessageAt
	}
	return view
}

func messageView(message store.Message) map[string]any {
	view := map[string]any{
		"id":         message.ID,
		"direction":  message.Direction,
		"body":       message.Body,
		"authorName": message.AuthorName,
		"sentAt":     message.SentAt,
	}
	if message.MediaKey != nil {
		view["mediaKey"] = *message.MediaKey
	}
	return view
}

func (s *Service) ListConversations(ctx context.Context, session Session, status string) (map[string]any, error) {
	if status != "" {
		if _, ok := allowedConversationStatuses[status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown conversation status", nil)
		}
	}
	conversations, err := s.store.ListConversations(ctx, session.WorkspaceID, status)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(conversations))
	for _, conversation := range conversations {
		views = append(views, conversationView(conversation))
	}
	return map[string]any{"conversations": views}, nil
}

func (s *Service) CreateConversation(ctx context.Context, session Session, leadID string, connectionID *string) (map[string]any, error) {
	lead, err := s.store.GetLead(ctx, session.WorkspaceID, leadID)
	if err != nil {
		return nil, err
	}

	channelName := "whatsapp"
	if connectionID != nil && *connectionID != "" {
		connection, err := s.store.GetConnection(ctx, session.WorkspaceID, *connectionID)
		if err != nil {
			return nil, err
		}
		if connection.Provider == store.ProviderDisparaJa {
			channelName = "disparaja"
		}
	}

	conversation := store.Conversation{
		ID:           util.NewID("conv"),
		WorkspaceID:  session.WorkspaceID,
		LeadID:       lead.ID,
		ConnectionID: connectionID,
		Channel:      channelName,
		Status:       "open",
	}
	if err := s.store.InsertConversation(ctx, conversation); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexConversation(search.ConversationRecord{
			ID:          conversation.ID,
			LeadID:      lead.ID,
			LeadName:    lead.Name,
			Channel:     conversation.Channel,
			Status:      conversation.Status,
			WorkspaceID: session.WorkspaceID,
		})
	}
	return conversationView(conversation), nil
}

func (s *Service) GetConversation(ctx context.Context, session Session, conversationID string) (map[string]any, error) {
	conversation, err := s.store.GetConversation(ctx, session.WorkspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	lead, err := s.store.GetLead(ctx, session.WorkspaceID, conversation.LeadID)
	if err != nil {
		return nil, err
	}
	view := conversationView(conversation)
	view["lead"] = leadView(lead, nil)
	return view, nil
}

func (s *Service) ListConversationMessages(ctx context.Context, session Session, conversationID string, limit int) (map[string]any, error) {
	// Scope check before touching messages.
	if _, err := s.store.GetConversation(ctx, session.WorkspaceID, conversationID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, session.WorkspaceID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageView(message))
	}
	return map[string]any{"messages": views}, nil
}

// SendMessage dispatches an outbound text through the connection the
// conversation is bound to. The message row is only written after the
// provider accepted it.
func (s *Service) SendMessage(ctx context.Context, session Session, conversationID, body string) (map[string]any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	conversation, err := s.store.GetConversation(ctx, session.WorkspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Status == "closed" {
		return nil, domainError(http.StatusConflict, "CONVERSATION_CLOSED", "The conversation is closed", nil)
	}
	if conversation.ConnectionID == nil || *conversation.ConnectionID == "" {
		return nil, domainError(http.StatusConflict, "CONNECTION_REQUIRED", "The conversation has no channel connection", nil)
	}
	lead, err := s.store.GetLead(ctx, session.WorkspaceID, conversation.LeadID)
	if err != nil {
		return nil, err
	}
	if lead.Phone == "" {
		return nil, domainError(http.StatusConflict, "NO_PHONE", "The lead has no phone number", nil)
	}
	connection, err := s.store.GetConnection(ctx, session.WorkspaceID, *conversation.ConnectionID)
	if err != nil {
		return nil, err
	}
	if connection.Status != "connected" {
		return nil, domainError(http.StatusConflict, "CONNECTION_OFFLINE", "The channel connection is not connected", nil)
	}

	if _, err := s.dispatchText(ctx, connection, lead.Phone, body); err != nil {
		return nil, err
	}

	message := store.Message{
		ID:             util.NewID("msg"),
		WorkspaceID:    session.WorkspaceID,
		ConversationID: conversationID,
		Direction:      "outbound",
		Body:           body,
		AuthorName:     session.UserName,
		SentAt:         time.Now(),
	}
	if err := s.store.AppendMessage(ctx, message); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:             message.ID,
			ConversationID: conversationID,
			LeadID:         lead.ID,
			Body:           body,
			AuthorName:     message.AuthorName,
			WorkspaceID:    session.WorkspaceID,
		})
	}
	return messageView(message), nil
}

func (s *Service) MarkConversationRead(ctx context.Context, session Session, conversationID string) error {
	return s.store.MarkConversationRead(ctx, session.WorkspaceID, conversationID)
}

func (s *Service) ExportTranscript(ctx context.Context, session Session, conversationID string) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	return s.export.Export(ctx, export.Request{
		WorkspaceID:    session.WorkspaceID,
		ConversationID: conversationID,
		Format:         export.FormatPDF,
	})
}
