package export

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRenderTranscriptHTML(t *testing.T) {
	data := TemplateData{
		LeadName:  "Maria Souza",
		LeadPhone: "+55 11 99999-0000",
		Channel:   "whatsapp",
		Status:    "OPEN",
		Exported:  time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		Messages: []TranscriptMessage{
			{Direction: "inbound", Author: "Maria Souza", Body: "Oi, quero saber o preço", SentAt: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)},
			{Direction: "outbound", Author: "Support Bot", Body: "Claro! Segue a tabela.", SentAt: time.Date(2026, 3, 10, 14, 1, 0, 0, time.UTC)},
		},
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		t.Fatalf("RenderTranscriptHTML() error = %v", err)
	}

	if !strings.Contains(html, "Maria Souza") {
		t.Error("expected lead name in transcript")
	}
	if !strings.Contains(html, `class="message inbound"`) {
		t.Error("expected inbound message styling")
	}
	if !strings.Contains(html, `class="message outbound"`) {
		t.Error("expected outbound message styling")
	}
	if !strings.Contains(html, "Segue a tabela.") {
		t.Error("expected message body in transcript")
	}
	if !strings.Contains(html, "open") {
		t.Error("expected lowercased status in meta line")
	}
}

func TestRenderTranscriptEscapesHTML(t *testing.T) {
	data := TemplateData{
		LeadName: "Lead",
		Channel:  "whatsapp",
		Messages: []TranscriptMessage{
			{Direction: "inbound", Author: "Lead", Body: "<script>alert(1)</script>", SentAt: time.Now()},
		},
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		t.Fatalf("RenderTranscriptHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("message body must be escaped")
	}
	if !strings.Contains(html, "&lt;script&gt;") {
		t.Error("expected escaped body in output")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple name", input: "Maria Souza", expected: "Maria-Souza"},
		{name: "special characters stripped", input: "João (lead #42)!", expected: "Joo-lead-42"},
		{name: "empty falls back", input: "", expected: "transcript"},
		{name: "only specials falls back", input: "@#$%", expected: "transcript"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestHTMLDataURL(t *testing.T) {
	const prefix = "data:text/html;charset=utf-8,"

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "unreserved untouched", input: "abc-123_.~", expected: "abc-123_.~"},
		{name: "space as percent20", input: "a b", expected: "a%20b"},
		{name: "html chars encoded", input: "<p>", expected: "%3Cp%3E"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := htmlDataURL(tt.input); got != prefix+tt.expected {
				t.Errorf("htmlDataURL(%q) = %q, want %q", tt.input, got, prefix+tt.expected)
			}
		})
	}
}

type fakeExportStore struct {
	conversation ConversationInfo
	lead         LeadInfo
	messages     []MessageInfo
	convErr      error
}

func (f *fakeExportStore) GetConversation(ctx context.Context, workspaceID, conversationID string) (ConversationInfo, error) {
	if f.convErr != nil {
		return ConversationInfo{}, f.convErr
	}
	return f.conversation, nil
}

func (f *fakeExportStore) GetLead(ctx context.Context, workspaceID, leadID string) (LeadInfo, error) {
	return f.lead, nil
}

func (f *fakeExportStore) ListMessages(ctx context.Context, workspaceID, conversationID string) ([]MessageInfo, error) {
	return f.messages, nil
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	svc := NewService(&fakeExportStore{
		conversation: ConversationInfo{ID: "c1", LeadID: "l1", Channel: "whatsapp", Status: "open"},
		lead:         LeadInfo{ID: "l1", Name: "Maria"},
	})

	_, err := svc.Export(context.Background(), Request{WorkspaceID: "ws1", ConversationID: "c1", Format: Format("docx")})
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestExportPropagatesStoreError(t *testing.T) {
	svc := NewService(&fakeExportStore{convErr: ErrContentUnavailable})

	_, err := svc.Export(context.Background(), Request{WorkspaceID: "ws1", ConversationID: "c1", Format: FormatPDF})
	if err == nil || !strings.Contains(err.Error(), "get conversation") {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
