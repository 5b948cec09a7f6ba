package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDocumentPathEscapesSegments(t *testing.T) {
	got := DocumentPath("/projects/p 1/tasks/", "t?1")
	want := "/v1/documents/projects/p%201/tasks/t%3F1"
	if got != want {
		t.Fatalf("DocumentPath() = %q, want %q", got, want)
	}
}

func TestNewHTTPStoreValidatesBaseURL(t *testing.T) {
	if _, err := NewHTTPStore(HTTPStoreConfig{}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for blank url, got %v", err)
	}
	if _, err := NewHTTPStore(HTTPStoreConfig{BaseURL: "ftp://example.com"}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for ftp scheme, got %v", err)
	}
}

func TestHTTPStoreRoundTrip(t *testing.T) {
	var observed []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observed = append(observed, r.Method+" "+r.URL.EscapedPath())
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing token"})
			return
		}
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrorCodeNotFound})
		case http.MethodPut, http.MethodPatch:
			var request WriteRequest
			if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(DocumentPayload{
				CollectionPath:  "projects/p1/tasks",
				DocumentID:      "t1",
				Fields:          request.Fields,
				UpdatedAtMillis: 1700000000123,
				Version:         2,
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client, err := NewHTTPStore(HTTPStoreConfig{BaseURL: server.URL + "/", Token: "secret-token"})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	document, err := client.Create(context.Background(), "projects/p1/tasks", "t1", map[string]any{"status": "done"})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if document.Fields["status"] != "done" || document.Version != 2 {
		t.Fatalf("unexpected document %+v", document)
	}
	if !document.UpdatedAt.Equal(time.UnixMilli(1700000000123).UTC()) {
		t.Fatalf("unexpected updated at %v", document.UpdatedAt)
	}
	if _, err := client.Update(context.Background(), "projects/p1/tasks", "t1", map[string]any{"status": "blocked"}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if _, err := client.Get(context.Background(), "projects/p1/tasks", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := client.Delete(context.Background(), "projects/p1/tasks", "t1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	want := []string{
		"PUT /v1/documents/projects/p1/tasks/t1",
		"PATCH /v1/documents/projects/p1/tasks/t1",
		"GET /v1/documents/projects/p1/tasks/t1",
		"DELETE /v1/documents/projects/p1/tasks/t1",
	}
	if len(observed) != len(want) {
		t.Fatalf("unexpected requests %v", observed)
	}
	for index := range want {
		if observed[index] != want[index] {
			t.Fatalf("request %d = %q, want %q", index, observed[index], want[index])
		}
	}
}

func TestHTTPStoreReportsUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
	}))
	defer server.Close()

	client, err := NewHTTPStore(HTTPStoreConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	_, err = client.Create(context.Background(), "projects", "p1", map[string]any{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHTTPStoreSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("database offline"))
	}))
	defer server.Close()

	client, _ := NewHTTPStore(HTTPStoreConfig{BaseURL: server.URL})
	err := client.Delete(context.Background(), "projects", "p1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a server error, got %v", err)
	}
}

func TestHTTPStoreTreatsRouteNotFoundAsRetryable(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))
	defer server.Close()

	client, err := NewHTTPStore(HTTPStoreConfig{BaseURL: server.URL + "/wrong-prefix"})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if _, err := client.Update(context.Background(), "tasks", "y", map[string]any{"status": "done"}); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a retryable status error for update, got %v", err)
	}
	if err := client.Delete(context.Background(), "tasks", "z"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a retryable status error for delete, got %v", err)
	}
	if _, err := client.Get(context.Background(), "tasks", "y"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a retryable status error for get, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 requests, got %d", calls)
	}
}
