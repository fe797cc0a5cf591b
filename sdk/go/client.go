package draftdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Draftdesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Modal represents one open or minimized dialog session.
type Modal struct {
	ID         string         `json:"id"`
	EntityKind string         `json:"entity_kind"`
	Mode       string         `json:"mode"`
	Minimized  bool           `json:"minimized"`
	EntityID   string         `json:"entity_id,omitempty"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
	OpenedAt   string         `json:"opened_at"`
}

// Draft represents a persisted edit buffer.
type Draft struct {
	ModalID       string         `json:"modal_id"`
	EntityKind    string         `json:"entity_kind"`
	IsEdit        bool           `json:"is_edit"`
	Data          map[string]any `json:"data"`
	SavedEntityID string         `json:"saved_entity_id,omitempty"`
	UpdatedAt     string         `json:"updated_at"`
}

// TrayItem is one minimized dialog or orphaned draft.
type TrayItem struct {
	ModalID    string `json:"modal_id"`
	EntityKind string `json:"entity_kind"`
	Label      string `json:"label"`
	Minimized  bool   `json:"minimized"`
	Orphaned   bool   `json:"orphaned"`
	Saved      bool   `json:"saved"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// Tray wraps the tray listing.
type Tray struct {
	Items []TrayItem `json:"items"`
}

// SubmitResult is the saved entity returned by a submit.
type SubmitResult struct {
	EntityID string         `json:"entity_id"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// OpenCreate opens a create dialog for an entity kind.
func (c *Client) OpenCreate(ctx context.Context, entityKind string) (Modal, error) {
	body := map[string]any{
		"entity_kind": entityKind,
		"mode":        "create",
	}
	var resp Modal
	err := c.do(ctx, http.MethodPost, c.apiPath("modals"), body, &resp)
	return resp, err
}

// OpenEdit opens an edit dialog. A nil snapshot makes the server fetch
// the entity itself.
func (c *Client) OpenEdit(ctx context.Context, entityKind, entityID string, snapshot map[string]any) (Modal, error) {
	body := map[string]any{
		"entity_kind": entityKind,
		"mode":        "edit",
		"entity_id":   entityID,
	}
	if snapshot != nil {
		body["snapshot"] = snapshot
	}
	var resp Modal
	err := c.do(ctx, http.MethodPost, c.apiPath("modals"), body, &resp)
	return resp, err
}

// Modals lists open and minimized dialogs, optionally by entity kind.
func (c *Client) Modals(ctx context.Context, entityKind string) ([]Modal, error) {
	endpoint := c.apiPath("modals")
	if entityKind != "" {
		endpoint += "?entity_kind=" + url.QueryEscape(entityKind)
	}
	var resp []Modal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Modal fetches one dialog instance.
func (c *Client) Modal(ctx context.Context, modalID string) (Modal, error) {
	var resp Modal
	err := c.do(ctx, http.MethodGet, c.modalPath(modalID, ""), nil, &resp)
	return resp, err
}

// Minimize sends a dialog to the tray.
func (c *Client) Minimize(ctx context.Context, modalID string) error {
	return c.do(ctx, http.MethodPost, c.modalPath(modalID, "minimize"), nil, nil)
}

// Restore brings a minimized dialog back.
func (c *Client) Restore(ctx context.Context, modalID string) error {
	return c.do(ctx, http.MethodPost, c.modalPath(modalID, "restore"), nil, nil)
}

// Close closes a dialog; its draft survives in the tray.
func (c *Client) Close(ctx context.Context, modalID string) error {
	return c.do(ctx, http.MethodDelete, c.modalPath(modalID, ""), nil, nil)
}

// Cancel closes a dialog and discards its draft unless it was saved
// to the server before.
func (c *Client) Cancel(ctx context.Context, modalID string) error {
	return c.do(ctx, http.MethodPost, c.modalPath(modalID, "cancel"), nil, nil)
}

// WriteDraft replaces a dialog's edit buffer and persists it.
func (c *Client) WriteDraft(ctx context.Context, modalID string, data map[string]any) (Draft, error) {
	body := map[string]any{"data": data}
	var resp Draft
	err := c.do(ctx, http.MethodPut, c.draftPath(modalID), body, &resp)
	return resp, err
}

// Draft fetches one draft.
func (c *Client) Draft(ctx context.Context, modalID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.draftPath(modalID), nil, &resp)
	return resp, err
}

// Drafts lists persisted drafts, optionally by entity kind.
func (c *Client) Drafts(ctx context.Context, entityKind string) ([]Draft, error) {
	endpoint := c.apiPath("drafts")
	if entityKind != "" {
		endpoint += "?entity_kind=" + url.QueryEscape(entityKind)
	}
	var resp []Draft
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteDraft removes a draft.
func (c *Client) DeleteDraft(ctx context.Context, modalID string) error {
	return c.do(ctx, http.MethodDelete, c.draftPath(modalID), nil, nil)
}

// Tray returns minimized dialogs and orphaned drafts.
func (c *Client) Tray(ctx context.Context, entityKind string) (Tray, error) {
	endpoint := c.apiPath("tray")
	if entityKind != "" {
		endpoint += "?entity_kind=" + url.QueryEscape(entityKind)
	}
	var resp Tray
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RestoreAll restores every minimized dialog.
func (c *Client) RestoreAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.apiPath("tray/restore-all"), nil, nil)
}

// ClearUnsaved discards never-saved drafts from the tray.
func (c *Client) ClearUnsaved(ctx context.Context, entityKind string) error {
	endpoint := c.apiPath("tray/clear-unsaved")
	if entityKind != "" {
		endpoint += "?entity_kind=" + url.QueryEscape(entityKind)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// ClearAll discards every tray draft and dialog. Destructive; the
// server requires the confirm flag.
func (c *Client) ClearAll(ctx context.Context, entityKind string) error {
	endpoint := c.apiPath("tray/clear-all") + "?confirm=true"
	if entityKind != "" {
		endpoint += "&entity_kind=" + url.QueryEscape(entityKind)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// OpenOrphan reopens an orphaned draft as a dialog.
func (c *Client) OpenOrphan(ctx context.Context, modalID string) (Modal, error) {
	endpoint := c.apiPath(fmt.Sprintf("tray/orphans/%s/open", url.PathEscape(modalID)))
	var resp Modal
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Submit saves a dialog's draft to the remote store.
func (c *Client) Submit(ctx context.Context, modalID, filePath string) (SubmitResult, error) {
	body := map[string]any{}
	if filePath != "" {
		body["file_path"] = filePath
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.modalPath(modalID, "submit"), body, &resp)
	return resp, err
}

// Events returns recent lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) modalPath(modalID, action string) string {
	p := fmt.Sprintf("modals/%s", url.PathEscape(modalID))
	if action != "" {
		p += "/" + action
	}
	return c.apiPath(p)
}

func (c *Client) draftPath(modalID string) string {
	return c.apiPath(fmt.Sprintf("drafts/%s", url.PathEscape(modalID)))
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v0"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
