// Package export renders a conversation transcript to PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF Format = "pdf"
)

// Request contains parameters for an export operation
type Request struct {
	WorkspaceID    string
	ConversationID string
	Format         Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// TranscriptMessage is one message in the rendered transcript.
type TranscriptMessage struct {
	Direction string // "inbound" or "outbound"
	Author    string
	Body      string
	SentAt    time.Time
}

var (
	// ErrContentUnavailable indicates the conversation could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
