package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DisparaJaCredentials identifies one Dispara-Já instance.
type DisparaJaCredentials struct {
	APIKey     string
	InstanceID string
}

// DisparaJa calls the Dispara-Já instance API.
type DisparaJa struct {
	baseURL string
	client  *http.Client
}

// NewDisparaJa creates a Dispara-Já adapter.
func NewDisparaJa(baseURL string) *DisparaJa {
	return &DisparaJa{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Connect starts the pairing flow for an instance.
func (d *DisparaJa) Connect(ctx context.Context, creds DisparaJaCredentials) error {
	return d.doJSON(ctx, creds, http.MethodPost, "/instance/connect/"+creds.InstanceID, nil, nil)
}

// Status returns the connection state reported by the provider
// (e.g. "open", "connecting", "close").
func (d *DisparaJa) Status(ctx context.Context, creds DisparaJaCredentials) (string, error) {
	var out struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := d.doJSON(ctx, creds, http.MethodGet, "/instance/connectionState/"+creds.InstanceID, nil, &out); err != nil {
		return "", err
	}
	return out.Instance.State, nil
}

// QRCode fetches the current pairing QR code as PNG bytes.
func (d *DisparaJa) QRCode(ctx context.Context, creds DisparaJaCredentials) ([]byte, error) {
	var out struct {
		Base64 string `json:"base64"`
	}
	if err := d.doJSON(ctx, creds, http.MethodGet, "/instance/qrcode/"+creds.InstanceID, nil, &out); err != nil {
		return nil, err
	}
	if out.Base64 == "" {
		return nil, fmt.Errorf("disparaja qrcode: empty payload")
	}

	// Payload arrives as a data URI ("data:image/png;base64,....").
	encoded := out.Base64
	if idx := strings.Index(encoded, ","); idx >= 0 {
		encoded = encoded[idx+1:]
	}
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("disparaja qrcode decode: %w", err)
	}
	return png, nil
}

// SendText sends a text message through an instance and returns the provider message ID.
func (d *DisparaJa) SendText(ctx context.Context, creds DisparaJaCredentials, to, body string) (string, error) {
	payload := map[string]any{
		"number": to,
		"text":   body,
	}
	var out struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := d.doJSON(ctx, creds, http.MethodPost, "/message/sendText/"+creds.InstanceID, payload, &out); err != nil {
		return "", err
	}
	return out.Key.ID, nil
}

func (d *DisparaJa) doJSON(ctx context.Context, creds DisparaJaCredentials, method, path string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", creds.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("disparaja request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{Provider: "disparaja", Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode disparaja response: %w", err)
	}
	return nil
}
