// Package documents implements the remote document store: last-write-wins records keyed by
// collection path and document id, stamped with server-assigned modification times.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/identifier"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "documents.service.new"
	opGet        = "documents.get"
	opCreate     = "documents.create"
	opUpdate     = "documents.update"
	opDelete     = "documents.delete"

	fieldCollection = "collection_path"
	fieldDocumentID = "document_id"
	queryKey        = "collection_path = ? AND document_id = ?"

	reasonMissingDatabase = "missing_database"
	reasonSelectFailed    = "select_failed"
	reasonNotFound        = "not_found"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonSaveFailed      = "save_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonAuditFailed     = "audit_insert_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies required by Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider identifier.Provider
	Logger     *zap.Logger
}

// Service persists documents and their change audit.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider identifier.Provider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Record is the decoded view of a stored document.
type Record struct {
	Key       Key
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Get returns the document stored under key.
func (s *Service) Get(ctx context.Context, key Key) (Record, error) {
	if s.db == nil {
		return Record{}, newServiceError(opGet, reasonMissingDatabase, errMissingDatabase)
	}
	var stored Document
	err := s.db.WithContext(ctx).
		Where(queryKey, key.Collection.String(), key.ID.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(opGet, reasonNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonSelectFailed, err, keyFields(key)...)
		return Record{}, newServiceError(opGet, reasonSelectFailed, err)
	}
	record, err := decodeDocument(stored)
	if err != nil {
		s.logError(opGet, reasonDecodeFailed, err, keyFields(key)...)
		return Record{}, newServiceError(opGet, reasonDecodeFailed, err)
	}
	return record, nil
}

// Create stores fields under key, replacing any existing document. Repeating the call is harmless.
func (s *Service) Create(ctx context.Context, writer string, key Key, fields map[string]any) (Record, error) {
	return s.write(ctx, opCreate, OperationTypeCreate, writer, key, fields)
}

// Update shallow-merges fields into the existing document.
func (s *Service) Update(ctx context.Context, writer string, key Key, fields map[string]any) (Record, error) {
	return s.write(ctx, opUpdate, OperationTypeUpdate, writer, key, fields)
}

// Delete removes the document. Deleting an absent document is not an error.
func (s *Service) Delete(ctx context.Context, writer string, key Key) error {
	if s.db == nil {
		return newServiceError(opDelete, reasonMissingDatabase, errMissingDatabase)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockDocument(tx, key)
		if err != nil {
			s.logError(opDelete, reasonSelectFailed, err, keyFields(key)...)
			return newServiceError(opDelete, reasonSelectFailed, err)
		}
		if existing == nil {
			return nil
		}
		if err := tx.Where(queryKey, key.Collection.String(), key.ID.String()).Delete(&Document{}).Error; err != nil {
			s.logError(opDelete, reasonDeleteFailed, err, keyFields(key)...)
			return newServiceError(opDelete, reasonDeleteFailed, err)
		}
		return s.appendChange(tx, opDelete, OperationTypeDelete, writer, key, existing, nil)
	})
}

func (s *Service) write(ctx context.Context, operation string, opType OperationType, writer string, key Key, fields map[string]any) (Record, error) {
	if s.db == nil {
		return Record{}, newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}

	var result Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockDocument(tx, key)
		if err != nil {
			s.logError(operation, reasonSelectFailed, err, keyFields(key)...)
			return newServiceError(operation, reasonSelectFailed, err)
		}
		if existing == nil && opType == OperationTypeUpdate {
			return newServiceError(operation, reasonNotFound, ErrDocumentNotFound)
		}

		merged := make(map[string]any, len(fields))
		if existing != nil && opType == OperationTypeUpdate {
			current, decodeErr := decodeFields(existing.FieldsJSON)
			if decodeErr != nil {
				s.logError(operation, reasonDecodeFailed, decodeErr, keyFields(key)...)
				return newServiceError(operation, reasonDecodeFailed, decodeErr)
			}
			for name, value := range current {
				merged[name] = value
			}
		}
		for name, value := range fields {
			merged[name] = value
		}

		encoded, err := json.Marshal(merged)
		if err != nil {
			s.logError(operation, reasonEncodeFailed, err, keyFields(key)...)
			return newServiceError(operation, reasonEncodeFailed, err)
		}

		updated := nextRevision(existing, key, s.clock().UTC())
		updated.FieldsJSON = string(encoded)
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(operation, reasonSaveFailed, err, keyFields(key)...)
			return newServiceError(operation, reasonSaveFailed, err)
		}
		if err := s.appendChange(tx, operation, opType, writer, key, existing, &updated); err != nil {
			return err
		}

		result, err = decodeDocument(updated)
		if err != nil {
			return newServiceError(operation, reasonDecodeFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return result, nil
}

// nextRevision keeps modification times strictly increasing per document so that
// timestamp comparisons against queued writes stay unambiguous.
func nextRevision(existing *Document, key Key, appliedAt time.Time) Document {
	nowMillis := appliedAt.UnixMilli()
	if existing == nil {
		return Document{
			CollectionPath:  key.Collection.String(),
			DocumentID:      key.ID.String(),
			CreatedAtMillis: nowMillis,
			UpdatedAtMillis: nowMillis,
			Version:         1,
		}
	}
	updated := *existing
	updated.UpdatedAtMillis = nowMillis
	if updated.UpdatedAtMillis <= existing.UpdatedAtMillis {
		updated.UpdatedAtMillis = existing.UpdatedAtMillis + 1
	}
	updated.Version = existing.Version + 1
	return updated
}

func (s *Service) lockDocument(tx *gorm.DB, key Key) (*Document, error) {
	var existing Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryKey, key.Collection.String(), key.ID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) appendChange(tx *gorm.DB, operation string, opType OperationType, writer string, key Key, previous, next *Document) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDFailed, err, keyFields(key)...)
		return newServiceError(operation, reasonIDFailed, err)
	}
	change := &DocumentChange{
		ChangeID:        changeID,
		CollectionPath:  key.Collection.String(),
		DocumentID:      key.ID.String(),
		Operation:       opType,
		Writer:          writer,
		AppliedAtMillis: s.clock().UTC().UnixMilli(),
		FieldsJSON:      "{}",
	}
	if previous != nil {
		change.PreviousVersion = pointerTo(previous.Version)
	}
	if next != nil {
		change.NewVersion = pointerTo(next.Version)
		change.FieldsJSON = next.FieldsJSON
	}
	if err := tx.Create(change).Error; err != nil {
		s.logError(operation, reasonAuditFailed, err, keyFields(key)...)
		return newServiceError(operation, reasonAuditFailed, err)
	}
	return nil
}

func decodeDocument(stored Document) (Record, error) {
	fields, err := decodeFields(stored.FieldsJSON)
	if err != nil {
		return Record{}, err
	}
	key, err := NewKey(stored.CollectionPath, stored.DocumentID)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Key:       key,
		Fields:    fields,
		CreatedAt: time.UnixMilli(stored.CreatedAtMillis).UTC(),
		UpdatedAt: time.UnixMilli(stored.UpdatedAtMillis).UTC(),
		Version:   stored.Version,
	}, nil
}

func decodeFields(payload string) (map[string]any, error) {
	fields := map[string]any{}
	if payload == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}

func keyFields(key Key) []zap.Field {
	return []zap.Field{
		zap.String(fieldCollection, key.Collection.String()),
		zap.String(fieldDocumentID, key.ID.String()),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
