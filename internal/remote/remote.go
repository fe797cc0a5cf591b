package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entity is a record as returned by the remote store.
type Entity struct {
	ID     string
	Fields map[string]any
}

// Saver persists a payload to the remote store. An empty entityID means
// create; otherwise the existing record is updated. filePath optionally
// names a local file uploaded alongside the payload.
type Saver func(ctx context.Context, entityKind, entityID string, payload map[string]any, filePath, credential string) (Entity, error)

// Fetcher loads a record by id, used to prefetch edit snapshots.
type Fetcher func(ctx context.Context, entityKind, entityID, credential string) (map[string]any, error)

// APIError wraps non-2xx responses with the server's message.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote store error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client talks to the remote record store's REST endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 15 * time.Second,
	}
}

// Save creates or updates a record. When filePath is set the payload and
// file travel as one multipart request; otherwise plain JSON.
func (c *Client) Save(ctx context.Context, entityKind, entityID string, payload map[string]any, filePath, credential string) (Entity, error) {
	method := http.MethodPost
	endpoint := c.kindPath(entityKind)
	if entityID != "" {
		method = http.MethodPut
		endpoint = endpoint + "/" + url.PathEscape(entityID)
	}
	var body io.Reader
	contentType := "application/json"
	if filePath != "" {
		buf, boundary, err := multipartBody(payload, filePath)
		if err != nil {
			return Entity{}, err
		}
		body = buf
		contentType = "multipart/form-data; boundary=" + boundary
	} else {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return Entity{}, err
		}
		body = &buf
	}
	raw, err := c.do(ctx, method, endpoint, body, contentType, credential)
	if err != nil {
		return Entity{}, err
	}
	return entityFromResponse(raw), nil
}

// FetchByID loads a record for edit-buffer seeding.
func (c *Client) FetchByID(ctx context.Context, entityKind, entityID, credential string) (map[string]any, error) {
	endpoint := c.kindPath(entityKind) + "/" + url.PathEscape(entityID)
	return c.do(ctx, http.MethodGet, endpoint, nil, "", credential)
}

func multipartBody(payload map[string]any, filePath string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("data", string(data)); err != nil {
		return nil, "", err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.Boundary(), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType, credential string) (map[string]any, error) {
	// one Client is shared across concurrent requests; never mutate it here
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode remote response: %w", err)
	}
	return out, nil
}

// entityFromResponse accepts both id and the legacy _id field.
func entityFromResponse(fields map[string]any) Entity {
	id, _ := fields["id"].(string)
	if id == "" {
		id, _ = fields["_id"].(string)
	}
	return Entity{ID: id, Fields: fields}
}

func (c *Client) kindPath(entityKind string) string {
	return fmt.Sprintf("v1/%s", url.PathEscape(entityKind))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
