// Package openai is a thin client for the OpenAI Assistants API.
// The API key is per-workspace and passed on every call.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var ErrInvalidAPIKey = errors.New("invalid api key")

// UpstreamError reports a non-2xx response from the OpenAI API.
// Handlers translate it to 502.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("openai upstream status %d: %s", e.Status, e.Body)
}

// Client calls the OpenAI REST API.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates an OpenAI client. baseURL may be empty to use the public API.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Assistant is the subset of the assistant object we use.
type Assistant struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	Instructions string  `json:"instructions"`
	Temperature  float64 `json:"temperature"`
}

// AssistantParams describes an assistant to create or update.
type AssistantParams struct {
	Name          string   `json:"name"`
	Model         string   `json:"model"`
	Instructions  string   `json:"instructions"`
	Temperature   float64  `json:"temperature"`
	VectorStoreID string   `json:"-"`
	Tools         []string `json:"-"`
}

func (p AssistantParams) body() map[string]any {
	body := map[string]any{
		"name":         p.Name,
		"model":        p.Model,
		"instructions": p.Instructions,
		"temperature":  p.Temperature,
	}
	var tools []map[string]string
	for _, t := range p.Tools {
		tools = append(tools, map[string]string{"type": t})
	}
	if p.VectorStoreID != "" {
		tools = append(tools, map[string]string{"type": "file_search"})
		body["tool_resources"] = map[string]any{
			"file_search": map[string]any{
				"vector_store_ids": []string{p.VectorStoreID},
			},
		}
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	return body
}

// CreateAssistant creates an assistant and returns its ID.
func (c *Client) CreateAssistant(ctx context.Context, apiKey string, params AssistantParams) (Assistant, error) {
	var out Assistant
	err := c.doJSON(ctx, apiKey, http.MethodPost, "/assistants", params.body(), &out)
	return out, err
}

// UpdateAssistant updates an existing assistant.
func (c *Client) UpdateAssistant(ctx context.Context, apiKey, assistantID string, params AssistantParams) (Assistant, error) {
	var out Assistant
	err := c.doJSON(ctx, apiKey, http.MethodPost, "/assistants/"+assistantID, params.body(), &out)
	return out, err
}

// DeleteAssistant removes an assistant.
func (c *Client) DeleteAssistant(ctx context.Context, apiKey, assistantID string) error {
	return c.doJSON(ctx, apiKey, http.MethodDelete, "/assistants/"+assistantID, nil, nil)
}

// VectorStore is the subset of the vector store object we use.
type VectorStore struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateVectorStore creates a vector store.
func (c *Client) CreateVectorStore(ctx context.Context, apiKey, name string) (VectorStore, error) {
	var out VectorStore
	err := c.doJSON(ctx, apiKey, http.MethodPost, "/vector_stores", map[string]any{"name": name}, &out)
	return out, err
}

// DeleteVectorStore removes a vector store.
func (c *Client) DeleteVectorStore(ctx context.Context, apiKey, vectorStoreID string) error {
	return c.doJSON(ctx, apiKey, http.MethodDelete, "/vector_stores/"+vectorStoreID, nil, nil)
}

// StoredFile is a file attached to a vector store.
type StoredFile struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListVectorStoreFiles lists the files attached to a vector store.
func (c *Client) ListVectorStoreFiles(ctx context.Context, apiKey, vectorStoreID string) ([]StoredFile, error) {
	var out struct {
		Data []StoredFile `json:"data"`
	}
	err := c.doJSON(ctx, apiKey, http.MethodGet, "/vector_stores/"+vectorStoreID+"/files", nil, &out)
	return out.Data, err
}

// AttachFile adds an uploaded file to a vector store.
func (c *Client) AttachFile(ctx context.Context, apiKey, vectorStoreID, fileID string) error {
	return c.doJSON(ctx, apiKey, http.MethodPost, "/vector_stores/"+vectorStoreID+"/files",
		map[string]any{"file_id": fileID}, nil)
}

// DetachFile removes a file from a vector store.
func (c *Client) DetachFile(ctx context.Context, apiKey, vectorStoreID, fileID string) error {
	return c.doJSON(ctx, apiKey, http.MethodDelete, "/vector_stores/"+vectorStoreID+"/files/"+fileID, nil, nil)
}

// UploadFile uploads file content for assistant use and returns the file ID.
func (c *Client) UploadFile(ctx context.Context, apiKey, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("write purpose field: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("copy file content: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.send(req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeleteFile removes an uploaded file.
func (c *Client) DeleteFile(ctx context.Context, apiKey, fileID string) error {
	return c.doJSON(ctx, apiKey, http.MethodDelete, "/files/"+fileID, nil, nil)
}

// ValidateKey tests an API key by calling the /models endpoint.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) error {
	return c.doJSON(ctx, apiKey, http.MethodGet, "/models", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, apiKey, method, path string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrInvalidAPIKey
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode openai response: %w", err)
	}
	return nil
}
