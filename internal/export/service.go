package export

import (
	"context"
	"fmt"
	"time"
)

// DataStore defines the interface for data access. Every lookup is
// workspace-scoped so a foreign conversation ID reads as not-found.
type DataStore interface {
	GetConversation(ctx context.Context, workspaceID, conversationID string) (ConversationInfo, error)
	GetLead(ctx context.Context, workspaceID, leadID string) (LeadInfo, error)
	ListMessages(ctx context.Context, workspaceID, conversationID string) ([]MessageInfo, error)
}

// ConversationInfo holds conversation metadata
type ConversationInfo struct {
	ID      string
	LeadID  string
	Channel string
	Status  string
}

// LeadInfo holds lead metadata
type LeadInfo struct {
	ID    string
	Name  string
	Phone string
}

// MessageInfo holds message metadata
type MessageInfo struct {
	Direction string
	Author    string
	Body      string
	SentAt    time.Time
}

// Service provides conversation transcript export
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a transcript in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	conv, err := s.store.GetConversation(ctx, req.WorkspaceID, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	lead, err := s.store.GetLead(ctx, req.WorkspaceID, conv.LeadID)
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}

	messages, err := s.store.ListMessages(ctx, req.WorkspaceID, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	data := TemplateData{
		LeadName:  lead.Name,
		LeadPhone: lead.Phone,
		Channel:   conv.Channel,
		Status:    conv.Status,
		Exported:  time.Now(),
	}
	for _, m := range messages {
		data.Messages = append(data.Messages, TranscriptMessage{
			Direction: m.Direction,
			Author:    m.Author,
			Body:      m.Body,
			SentAt:    m.SentAt,
		})
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(ctx, html, lead.Name)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
