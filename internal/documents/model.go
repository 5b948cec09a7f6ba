package documents

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the writes recorded in the change audit.
type OperationType string

const (
	// OperationTypeCreate records an idempotent create-or-replace.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate records a shallow field merge.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete records a removal.
	OperationTypeDelete OperationType = "delete"
)

const (
	maxIdentifierLength = 190
	maxCollectionLength = 512
)

var (
	// ErrInvalidCollectionPath indicates that a collection path is empty or malformed.
	ErrInvalidCollectionPath = errors.New("documents: invalid collection path")
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrDocumentNotFound indicates that no document exists under the requested key.
	ErrDocumentNotFound = errors.New("documents: document not found")
)

// CollectionPath represents a validated slash-separated collection path.
type CollectionPath string

// NewCollectionPath validates raw input and returns a CollectionPath.
func NewCollectionPath(rawInput string) (CollectionPath, error) {
	trimmed := strings.Trim(strings.TrimSpace(rawInput), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollectionPath)
	}
	if len(trimmed) > maxCollectionLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollectionPath, maxCollectionLength)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if strings.TrimSpace(segment) == "" {
			return "", fmt.Errorf("%w: empty segment", ErrInvalidCollectionPath)
		}
	}
	return CollectionPath(trimmed), nil
}

// String returns the underlying path.
func (path CollectionPath) String() string {
	return string(path)
}

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains '/'", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Key addresses one document.
type Key struct {
	Collection CollectionPath
	ID         DocumentID
}

// NewKey validates both halves of a document address.
func NewKey(collectionPath, documentID string) (Key, error) {
	collection, err := NewCollectionPath(collectionPath)
	if err != nil {
		return Key{}, err
	}
	id, err := NewDocumentID(documentID)
	if err != nil {
		return Key{}, err
	}
	return Key{Collection: collection, ID: id}, nil
}

// Document models the persisted document with its server-assigned modification time.
type Document struct {
	CollectionPath  string `gorm:"column:collection_path;primaryKey;size:512;not null"`
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	FieldsJSON      string `gorm:"column:fields_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_documents_updated"`
	Version         int64  `gorm:"column:version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// DocumentChange captures an append-only audit trail for document writes.
type DocumentChange struct {
	ChangeID        string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	CollectionPath  string        `gorm:"column:collection_path;size:512;not null;index:idx_document_changes_key,priority:1"`
	DocumentID      string        `gorm:"column:document_id;size:190;not null;index:idx_document_changes_key,priority:2"`
	Operation       OperationType `gorm:"column:op;size:16;not null"`
	Writer          string        `gorm:"column:writer;size:190;not null"`
	AppliedAtMillis int64         `gorm:"column:applied_at_ms;not null"`
	FieldsJSON      string        `gorm:"column:fields_json;type:text;not null"`
	PreviousVersion *int64        `gorm:"column:prev_version"`
	NewVersion      *int64        `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentChange) TableName() string {
	return "document_changes"
}

// Models lists the schema owned by the documents service for migration.
func Models() []any {
	return []any{&Document{}, &DocumentChange{}}
}
