// Package remote defines the document store the sync core writes to and an HTTP client for it.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the remote store has no document under the requested key.
	ErrNotFound = errors.New("remote: document not found")
	// ErrUnauthorized indicates that the remote store rejected the bearer token.
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// Document is a remote record with its server-assigned modification time.
type Document struct {
	CollectionPath string
	ID             string
	Fields         map[string]any
	UpdatedAt      time.Time
	Version        int64
}

// Store is the document-oriented remote the sync core applies queued operations to.
// Create is an idempotent upsert by id. Update merges fields shallowly and returns
// ErrNotFound when the document is missing. Delete of a missing document either succeeds or
// returns ErrNotFound.
type Store interface {
	Get(ctx context.Context, collectionPath, documentID string) (Document, error)
	Create(ctx context.Context, collectionPath, documentID string, fields map[string]any) (Document, error)
	Update(ctx context.Context, collectionPath, documentID string, fields map[string]any) (Document, error)
	Delete(ctx context.Context, collectionPath, documentID string) error
}
