package app

import (
	"context"

	"talkbase/api/internal/export"
	"talkbase/api/internal/store"
)

// exportStore adapts the relational store to the transcript exporter.
type exportStore struct {
	store dataStore
}

// NewExportStore wraps the Postgres store for export.NewService.
func NewExportStore(dataStore *store.PostgresStore) export.DataStore {
	return exportStore{store: dataStore}
}

func (e exportStore) GetConversation(ctx context.Context, workspaceID, conversationID string) (export.ConversationInfo, error) {
	conversation, err := e.store.GetConversation(ctx, workspaceID, conversationID)
	if err != nil {
		return export.ConversationInfo{}, err
	}
	return export.ConversationInfo{
		ID:      conversation.ID,
		LeadID:  conversation.LeadID,
		Channel: conversation.Channel,
		Status:  conversation.Status,
	}, nil
}

func (e exportStore) GetLead(ctx context.Context, workspaceID, leadID string) (export.LeadInfo, error) {
	lead, err := e.store.GetLead(ctx, workspaceID, leadID)
	if err != nil {
		return export.LeadInfo{}, err
	}
	return export.LeadInfo{
		ID:    lead.ID,
		Name:  lead.Name,
		Phone: lead.Phone,
	}, nil
}

func (e exportStore) ListMessages(ctx context.Context, workspaceID, conversationID string) ([]export.MessageInfo, error) {
	messages, err := e.store.ListMessages(ctx, workspaceID, conversationID, 0)
	if err != nil {
		return nil, err
	}
	infos := make([]export.MessageInfo, 0, len(messages))
	for _, message := range messages {
		infos = append(infos, export.MessageInfo{
			Direction: message.Direction,
			Author:    message.AuthorName,
			Body:      message.Body,
			SentAt:    message.SentAt,
		})
	}
	return infos, nil
}
