package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultWhatsAppBaseURL = "https://graph.facebook.com/v19.0"

// WhatsAppCredentials identifies one WhatsApp Cloud API connection.
type WhatsAppCredentials struct {
	AccessToken   string
	PhoneNumberID string
}

// WhatsApp calls the WhatsApp Cloud (Graph) API.
type WhatsApp struct {
	baseURL string
	client  *http.Client
}

// NewWhatsApp creates a WhatsApp Cloud adapter. baseURL may be empty to use the public API.
func NewWhatsApp(baseURL string) *WhatsApp {
	if baseURL == "" {
		baseURL = DefaultWhatsAppBaseURL
	}
	return &WhatsApp{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// VerifyCredentials checks that the token can read its phone number resource.
// Returns the verified display name when available.
func (w *WhatsApp) VerifyCredentials(ctx context.Context, creds WhatsAppCredentials) (string, error) {
	url := fmt.Sprintf("%s/%s?fields=verified_name,display_phone_number", w.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	var out struct {
		VerifiedName string `json:"verified_name"`
	}
	if err := w.send(req, &out); err != nil {
		return "", err
	}
	return out.VerifiedName, nil
}

// SendText sends a text message and returns the provider message ID.
func (w *WhatsApp) SendText(ctx context.Context, creds WhatsAppCredentials, to, body string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := w.send(req, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("whatsapp send: empty message list in response")
	}
	return out.Messages[0].ID, nil
}

func (w *WhatsApp) send(req *http.Request, out any) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{Provider: "whatsapp", Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode whatsapp response: %w", err)
	}
	return nil
}
