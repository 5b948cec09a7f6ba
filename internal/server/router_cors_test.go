package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestDocumentRouterAnswersPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: stubTokenValidator{subject: "writer"},
		Documents:    &stubDocumentService{},
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	request := httptest.NewRequest(http.MethodOptions, "/v1/documents/logs/x", http.NoBody)
	request.Header.Set("Origin", "https://field.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowMethods := recorder.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allowMethods, http.MethodPatch) {
		t.Fatalf("expected PATCH to be allowed, got %q", allowMethods)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Authorization to be allowed, got %q", allowHeaders)
	}
}
