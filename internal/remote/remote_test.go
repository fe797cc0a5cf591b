package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"draftdesk/internal/remote"
)

func TestSaveCreatePostsJSON(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"id": "srv-1", "name": "Created"})
	}))
	defer srv.Close()

	client := remote.New(srv.URL)
	entity, err := client.Save(context.Background(), "project", "", map[string]any{"name": "Created"}, "", "tok-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/project" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotBody["name"] != "Created" {
		t.Fatalf("payload lost: %+v", gotBody)
	}
	if entity.ID != "srv-1" {
		t.Fatalf("unexpected entity: %+v", entity)
	}
}

func TestSaveUpdatePutsToEntityPath(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"_id": "srv-7"})
	}))
	defer srv.Close()

	client := remote.New(srv.URL)
	entity, err := client.Save(context.Background(), "stakeholder", "srv-7", map[string]any{}, "", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/stakeholder/srv-7" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if entity.ID != "srv-7" {
		t.Fatalf("legacy _id not honored: %+v", entity)
	}
}

func TestSaveWithFileSendsMultipart(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(filePath, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var gotData string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("expected multipart, got %s", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotData = r.FormValue("data")
		f, _, err := r.FormFile("file")
		if err == nil {
			gotFile, _ = io.ReadAll(f)
			f.Close()
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "srv-2"})
	}))
	defer srv.Close()

	client := remote.New(srv.URL)
	if _, err := client.Save(context.Background(), "team-member", "", map[string]any{"name": "Pic"}, filePath, ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(gotData), &data); err != nil || data["name"] != "Pic" {
		t.Fatalf("data field wrong: %q err=%v", gotData, err)
	}
	if string(gotFile) != "png-bytes" {
		t.Fatalf("file part wrong: %q", gotFile)
	}
}

func TestSaveNon2xxReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "validation failed", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := remote.New(srv.URL)
	_, err := client.Save(context.Background(), "project", "", map[string]any{}, "", "")
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Body, "validation failed") {
		t.Fatalf("expected server body, got %q", apiErr.Body)
	}
}

func TestConcurrentRequestsShareClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "srv-1"})
	}))
	defer srv.Close()

	client := remote.New(srv.URL)
	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := client.FetchByID(context.Background(), "project", "srv-1", "")
			errs <- err
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent fetch: %v", err)
		}
	}
}

func TestFetchByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/project/srv-3" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "srv-3", "name": "Fetched"})
	}))
	defer srv.Close()

	client := remote.New(srv.URL)
	fields, err := client.FetchByID(context.Background(), "project", "srv-3", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fields["name"] != "Fetched" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}
