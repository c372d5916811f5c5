package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(transcriptHTML))
}

// TemplateData holds data for transcript template rendering
type TemplateData struct {
	LeadName  string
	LeadPhone string
	Channel   string
	Status    string
	Exported  time.Time
	Messages  []TranscriptMessage
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const transcriptHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Conversation with {{.LeadName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #1f2937; }
    h1 { border-bottom: 2px solid #16a34a; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .message { padding: 0.6rem 1rem; margin: 0.5rem 0; border-radius: 6px; max-width: 80%; }
    .inbound { background: #f3f4f6; }
    .outbound { background: #dcfce7; margin-left: auto; }
    .message .author { font-weight: bold; font-size: 0.85em; }
    .message .when { color: #888; font-size: 0.75em; }
  </style>
</head>
<body>
  <h1>{{.LeadName}}</h1>
  <div class="meta">
    {{if .LeadPhone}}{{.LeadPhone}} | {{end}}{{.Channel}} | {{.Status | lower}} | exported {{formatDate .Exported "Jan 2, 2006 15:04"}}
  </div>
  {{range .Messages}}
  <div class="message {{.Direction | lower}}">
    <div class="author">{{.Author}}</div>
    <div>{{.Body}}</div>
    <div class="when">{{formatDate .SentAt "Jan 2, 2006 15:04"}}</div>
  </div>
  {{end}}
</body>
</html>`
