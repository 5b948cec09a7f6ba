package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrorCodeNotFound is the error code the document server returns for a missing document.
// A 404 without it comes from routing, not from the document API.
const ErrorCodeNotFound = "not_found"

const (
	documentsPrefix       = "/v1/documents/"
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 4096
)

var (
	// ErrInvalidClientConfig indicates an HTTPStore configured without a usable base URL.
	ErrInvalidClientConfig = errors.New("remote: invalid client config")
)

// HTTPStoreConfig describes how to reach the document server.
type HTTPStoreConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// HTTPStore implements Store against the /v1/documents API.
type HTTPStore struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// DocumentPayload is the wire representation of a document.
type DocumentPayload struct {
	CollectionPath  string         `json:"collection_path"`
	DocumentID      string         `json:"document_id"`
	Fields          map[string]any `json:"fields"`
	CreatedAtMillis int64          `json:"created_at_ms"`
	UpdatedAtMillis int64          `json:"updated_at_ms"`
	Version         int64          `json:"version"`
}

// WriteRequest is the body of create and update requests.
type WriteRequest struct {
	Fields map[string]any `json:"fields"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPStore validates cfg and returns an HTTPStore.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	parsed, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, parsed.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPStore{
		baseURL:    parsed,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Get fetches one document.
func (s *HTTPStore) Get(ctx context.Context, collectionPath, documentID string) (Document, error) {
	return s.exchange(ctx, http.MethodGet, collectionPath, documentID, nil)
}

// Create upserts a document.
func (s *HTTPStore) Create(ctx context.Context, collectionPath, documentID string, fields map[string]any) (Document, error) {
	return s.exchange(ctx, http.MethodPut, collectionPath, documentID, &WriteRequest{Fields: fields})
}

// Update merges fields into an existing document.
func (s *HTTPStore) Update(ctx context.Context, collectionPath, documentID string, fields map[string]any) (Document, error) {
	return s.exchange(ctx, http.MethodPatch, collectionPath, documentID, &WriteRequest{Fields: fields})
}

// Delete removes a document.
func (s *HTTPStore) Delete(ctx context.Context, collectionPath, documentID string) error {
	response, err := s.do(ctx, http.MethodDelete, collectionPath, documentID, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNoContent || response.StatusCode == http.StatusOK {
		return nil
	}
	return s.statusError(response)
}

// DocumentPath builds the request path for a document, escaping each segment.
func DocumentPath(collectionPath, documentID string) string {
	segments := strings.Split(strings.Trim(collectionPath, "/"), "/")
	escaped := make([]string, 0, len(segments)+1)
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	escaped = append(escaped, url.PathEscape(documentID))
	return documentsPrefix + strings.Join(escaped, "/")
}

// ToDocument converts the wire representation.
func (payload DocumentPayload) ToDocument() Document {
	fields := payload.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return Document{
		CollectionPath: payload.CollectionPath,
		ID:             payload.DocumentID,
		Fields:         fields,
		UpdatedAt:      time.UnixMilli(payload.UpdatedAtMillis).UTC(),
		Version:        payload.Version,
	}
}

func (s *HTTPStore) exchange(ctx context.Context, method, collectionPath, documentID string, body *WriteRequest) (Document, error) {
	response, err := s.do(ctx, method, collectionPath, documentID, body)
	if err != nil {
		return Document{}, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return Document{}, s.statusError(response)
	}
	var payload DocumentPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Document{}, fmt.Errorf("remote: decode %s response: %w", method, err)
	}
	return payload.ToDocument(), nil
}

func (s *HTTPStore) do(ctx context.Context, method, collectionPath, documentID string, body *WriteRequest) (*http.Response, error) {
	requestPath := DocumentPath(collectionPath, documentID)
	target := s.baseURL.JoinPath(requestPath)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		request.Header.Set("Authorization", "Bearer "+s.token)
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		s.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", requestPath),
			zap.Error(err))
		return nil, err
	}
	return response, nil
}

func (s *HTTPStore) statusError(response *http.Response) error {
	limited, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	message := strings.TrimSpace(string(limited))
	var decoded errorResponse
	if json.Unmarshal(limited, &decoded) == nil && decoded.Error != "" {
		message = decoded.Error
	}
	switch response.StatusCode {
	case http.StatusNotFound:
		if decoded.Error == ErrorCodeNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("remote request returned status %d: %s", response.StatusCode, message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, message)
	default:
		return fmt.Errorf("remote request returned status %d: %s", response.StatusCode, message)
	}
}
