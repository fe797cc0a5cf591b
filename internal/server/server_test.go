package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"draftdesk/internal/app"
	"draftdesk/internal/config"
)

// stubStore fakes the remote record store's v1 REST surface.
type stubStore struct {
	mu       sync.Mutex
	failNext bool
	saves    int
	auth     []string
}

func (s *stubStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fail := s.failNext
		s.failNext = false
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 2 || parts[0] != "v1" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if len(parts) != 3 {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"id": parts[2], "name": "Remote name"})
		case http.MethodPost, http.MethodPut:
			if fail {
				http.Error(w, "store rejected", http.StatusInternalServerError)
				return
			}
			s.mu.Lock()
			s.saves++
			s.mu.Unlock()
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			id := "srv-created"
			if len(parts) == 3 {
				id = parts[2]
			}
			out := map[string]any{"id": id}
			for k, v := range payload {
				out[k] = v
			}
			json.NewEncoder(w).Encode(out)
		default:
			http.NotFound(w, r)
		}
	})
}

type testServer struct {
	URL    string
	Desk   *app.Desk
	Store  *stubStore
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	stub := &stubStore{}
	remoteSrv := httptest.NewServer(stub.handler())

	yaml := `
remote:
  base_url: ` + remoteSrv.URL + `
kinds:
  project:
    label_fields: [name]
  stakeholder:
    label_fields: [name]
`
	cfg, err := config.FromYAML([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	desk, err := app.Open(t.TempDir(), cfg, nil)
	if err != nil {
		t.Fatalf("open desk: %v", err)
	}
	handler, err := New(Config{
		Desk:     desk,
		BasePath: "/v0",
		Auth: AuthConfig{
			AllowAnonymous: true,
			Logger:         log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Desk:   desk,
		Store:  stub,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			desk.Close()
			remoteSrv.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestCreateDraftSubmitFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	openRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "project",
		"mode":        "create",
	}, nil)
	if openRes.StatusCode != http.StatusCreated {
		t.Fatalf("open status %d: %s", openRes.StatusCode, string(data))
	}
	var modal ModalResponse
	if err := json.Unmarshal(data, &modal); err != nil {
		t.Fatalf("unmarshal modal: %v", err)
	}
	if modal.ID == "" || modal.Mode != "create" {
		t.Fatalf("unexpected modal: %+v", modal)
	}

	putRes, putBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/drafts/"+modal.ID, map[string]any{
		"data": map[string]any{"name": map[string]any{"en": "New project"}},
	}, nil)
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("write draft status %d: %s", putRes.StatusCode, string(putBody))
	}

	// foreground dialogs stay out of the tray
	trayRes, trayBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tray", nil, nil)
	if trayRes.StatusCode != http.StatusOK {
		t.Fatalf("tray status %d", trayRes.StatusCode)
	}
	var trayView TrayResponse
	_ = json.Unmarshal(trayBody, &trayView)
	if len(trayView.Items) != 0 {
		t.Fatalf("expected empty tray, got %+v", trayView.Items)
	}

	minRes, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals/"+modal.ID+"/minimize", nil, nil)
	if minRes.StatusCode >= 300 {
		t.Fatalf("minimize status %d", minRes.StatusCode)
	}
	_, trayBody = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tray", nil, nil)
	trayView = TrayResponse{}
	_ = json.Unmarshal(trayBody, &trayView)
	if len(trayView.Items) != 1 || trayView.Items[0].Label != "New project" {
		t.Fatalf("unexpected tray: %+v", trayView.Items)
	}

	subRes, subBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals/"+modal.ID+"/submit", map[string]any{}, nil)
	if subRes.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", subRes.StatusCode, string(subBody))
	}
	var saved SubmitResponse
	_ = json.Unmarshal(subBody, &saved)
	if saved.EntityID != "srv-created" {
		t.Fatalf("unexpected submit result: %+v", saved)
	}

	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts/"+modal.ID, nil, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("draft should be gone, status %d", res.StatusCode)
	}
	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/modals/"+modal.ID, nil, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("modal should be gone, status %d", res.StatusCode)
	}
}

func TestOpenEditPrefetchesSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "stakeholder",
		"mode":        "edit",
		"entity_id":   "srv-9",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open edit status %d: %s", res.StatusCode, string(data))
	}
	var modal ModalResponse
	_ = json.Unmarshal(data, &modal)
	if modal.EntityID != "srv-9" {
		t.Fatalf("unexpected modal: %+v", modal)
	}
	if modal.Snapshot["name"] != "Remote name" {
		t.Fatalf("expected prefetched snapshot, got %+v", modal.Snapshot)
	}
}

func TestOpenUnknownKindRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "bogus",
		"mode":        "create",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "unknown_kind") {
		t.Fatalf("expected unknown_kind code: %s", string(data))
	}
}

func TestSubmitFailureKeepsDraftForRetry(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "project",
		"mode":        "create",
	}, nil)
	var modal ModalResponse
	_ = json.Unmarshal(data, &modal)
	doJSON(t, client, http.MethodPut, srv.URL+"/v0/drafts/"+modal.ID, map[string]any{
		"data": map[string]any{"name": "Fragile"},
	}, nil)

	srv.Store.mu.Lock()
	srv.Store.failNext = true
	srv.Store.mu.Unlock()

	subRes, subBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals/"+modal.ID+"/submit", map[string]any{}, nil)
	if subRes.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", subRes.StatusCode, string(subBody))
	}
	if !strings.Contains(string(subBody), "save_failed") {
		t.Fatalf("expected save_failed code: %s", string(subBody))
	}

	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts/"+modal.ID, nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("draft must survive failed submit, status %d", res.StatusCode)
	}
	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/modals/"+modal.ID, nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("modal must survive failed submit, status %d", res.StatusCode)
	}

	// retry succeeds once the store recovers
	retryRes, retryBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals/"+modal.ID+"/submit", map[string]any{}, nil)
	if retryRes.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d: %s", retryRes.StatusCode, string(retryBody))
	}
}

func TestCloseKeepsDraftAsOrphan(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "project",
		"mode":        "create",
	}, nil)
	var modal ModalResponse
	_ = json.Unmarshal(data, &modal)
	doJSON(t, client, http.MethodPut, srv.URL+"/v0/drafts/"+modal.ID, map[string]any{
		"data": map[string]any{"name": "Orphan-to-be"},
	}, nil)

	doJSON(t, client, http.MethodDelete, srv.URL+"/v0/modals/"+modal.ID, nil, nil)

	_, trayBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tray", nil, nil)
	var trayView TrayResponse
	_ = json.Unmarshal(trayBody, &trayView)
	if len(trayView.Items) != 1 || !trayView.Items[0].Orphaned {
		t.Fatalf("expected one orphan, got %+v", trayView.Items)
	}

	// reopening recovers the same modal id and clears the orphan
	reopenRes, reopenBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tray/orphans/"+modal.ID+"/open", nil, nil)
	if reopenRes.StatusCode >= 300 {
		t.Fatalf("reopen status %d: %s", reopenRes.StatusCode, string(reopenBody))
	}
	var reopened ModalResponse
	_ = json.Unmarshal(reopenBody, &reopened)
	if reopened.ID != modal.ID {
		t.Fatalf("expected same modal id back, got %+v", reopened)
	}
}

func TestCancelDiscardsUnsavedDraft(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "project",
		"mode":        "create",
	}, nil)
	var modal ModalResponse
	_ = json.Unmarshal(data, &modal)
	doJSON(t, client, http.MethodPut, srv.URL+"/v0/drafts/"+modal.ID, map[string]any{
		"data": map[string]any{"name": "Scratch"},
	}, nil)

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals/"+modal.ID+"/cancel", nil, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("cancel status %d", res.StatusCode)
	}
	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts/"+modal.ID, nil, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("draft should be discarded, status %d", res.StatusCode)
	}
}

func TestClearAllRequiresConfirm(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tray/clear-all", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without confirm, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tray/clear-all?confirm=true", nil, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("expected success with confirm, got %d", res.StatusCode)
	}
}

func TestCredentialPassedThroughToStore(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	headers := map[string]string{"Authorization": "Bearer opaque-cms-token"}
	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "project",
		"mode":        "create",
	}, headers)
	var modal ModalResponse
	_ = json.Unmarshal(data, &modal)
	doJSON(t, client, http.MethodPut, srv.URL+"/v0/drafts/"+modal.ID, map[string]any{
		"data": map[string]any{"name": "Secured"},
	}, headers)
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals/"+modal.ID+"/submit", map[string]any{}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}

	srv.Store.mu.Lock()
	defer srv.Store.mu.Unlock()
	found := false
	for _, a := range srv.Store.auth {
		if a == "Bearer opaque-cms-token" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected credential forwarded to store, saw %v", srv.Store.auth)
	}
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestWebhookDelivery(t *testing.T) {
	received := make(chan []byte, 4)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- b
	}))
	defer hookSrv.Close()

	yaml := `
kinds:
  project:
    label_fields: [name]
webhooks:
  - url: ` + hookSrv.URL + `
    events: [modal.open]
`
	cfg, err := config.FromYAML([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	desk, err := app.Open(t.TempDir(), cfg, nil)
	if err != nil {
		t.Fatalf("open desk: %v", err)
	}
	defer desk.Close()
	if err := desk.Events.Append(context.Background(), "modal.open", "project", "m1", "tester", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := desk.Events.Append(context.Background(), "draft.save", "project", "m1", "tester", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	// the dispatcher stops with this context instead of outliving the test
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := New(Config{
		Desk:     desk,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowAnonymous: true, Logger: log.New(io.Discard, "", 0)},
		Context:  ctx,
	}); err != nil {
		t.Fatalf("build handler: %v", err)
	}

	select {
	case body := <-received:
		if !strings.Contains(string(body), "modal.open") {
			t.Fatalf("expected modal.open delivered, got %s", body)
		}
		if strings.Contains(string(body), "draft.save") {
			t.Fatalf("event filter leaked: %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook was never called")
	}
}

func TestEventsRecorded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/modals", map[string]any{
		"entity_kind": "project",
		"mode":        "create",
	}, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=modal.open", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "modal.open") {
		t.Fatalf("expected modal.open event, got %s", string(data))
	}
}
