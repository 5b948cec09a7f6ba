// Package remotetest provides an in-memory remote.Store for exercising the sync core.
package remotetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/remote"
)

// Call records one write issued against the store.
type Call struct {
	Method         string
	CollectionPath string
	DocumentID     string
	Fields         map[string]any
}

// MemoryStore keeps documents in a map and stamps writes with a strictly increasing clock.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[string]remote.Document
	calls     []Call
	clock     func() time.Time
	lastStamp time.Time

	// FailWrites, when set, is returned by every write before it is applied.
	FailWrites error
	// FailReads, when set, is returned by every Get.
	FailReads error
	// BeforeWrite runs outside the lock before each write is applied.
	BeforeWrite func(call Call)
}

// NewMemoryStore constructs an empty MemoryStore. A nil clock uses time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{documents: make(map[string]remote.Document), clock: clock}
}

// Seed stores a document as if another client had written it at updatedAt.
func (s *MemoryStore) Seed(collectionPath, documentID string, fields map[string]any, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[key(collectionPath, documentID)] = remote.Document{
		CollectionPath: collectionPath,
		ID:             documentID,
		Fields:         copyFields(fields),
		UpdatedAt:      updatedAt.UTC(),
		Version:        1,
	}
}

// Document returns the stored document, if any.
func (s *MemoryStore) Document(collectionPath, documentID string) (remote.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	document, ok := s.documents[key(collectionPath, documentID)]
	if ok {
		document.Fields = copyFields(document.Fields)
	}
	return document, ok
}

// Calls returns the writes observed so far, in order.
func (s *MemoryStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Get implements remote.Store.
func (s *MemoryStore) Get(ctx context.Context, collectionPath, documentID string) (remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return remote.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return remote.Document{}, s.FailReads
	}
	document, ok := s.documents[key(collectionPath, documentID)]
	if !ok {
		return remote.Document{}, remote.ErrNotFound
	}
	document.Fields = copyFields(document.Fields)
	return document, nil
}

// Create implements remote.Store.
func (s *MemoryStore) Create(ctx context.Context, collectionPath, documentID string, fields map[string]any) (remote.Document, error) {
	return s.write(ctx, Call{Method: "create", CollectionPath: collectionPath, DocumentID: documentID, Fields: copyFields(fields)})
}

// Update implements remote.Store.
func (s *MemoryStore) Update(ctx context.Context, collectionPath, documentID string, fields map[string]any) (remote.Document, error) {
	return s.write(ctx, Call{Method: "update", CollectionPath: collectionPath, DocumentID: documentID, Fields: copyFields(fields)})
}

// Delete implements remote.Store.
func (s *MemoryStore) Delete(ctx context.Context, collectionPath, documentID string) error {
	_, err := s.write(ctx, Call{Method: "delete", CollectionPath: collectionPath, DocumentID: documentID})
	return err
}

func (s *MemoryStore) write(ctx context.Context, call Call) (remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return remote.Document{}, err
	}
	if s.BeforeWrite != nil {
		s.BeforeWrite(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.FailWrites != nil {
		return remote.Document{}, s.FailWrites
	}

	documentKey := key(call.CollectionPath, call.DocumentID)
	existing, exists := s.documents[documentKey]
	switch call.Method {
	case "delete":
		if !exists {
			return remote.Document{}, remote.ErrNotFound
		}
		delete(s.documents, documentKey)
		return existing, nil
	case "update":
		if !exists {
			return remote.Document{}, remote.ErrNotFound
		}
		merged := copyFields(existing.Fields)
		for name, value := range call.Fields {
			merged[name] = value
		}
		existing.Fields = merged
	case "create":
		existing = remote.Document{CollectionPath: call.CollectionPath, ID: call.DocumentID, Fields: copyFields(call.Fields)}
	default:
		return remote.Document{}, errors.New("remotetest: unknown method " + call.Method)
	}
	existing.UpdatedAt = s.nextStampLocked()
	existing.Version++
	s.documents[documentKey] = existing
	existing.Fields = copyFields(existing.Fields)
	return existing, nil
}

func (s *MemoryStore) nextStampLocked() time.Time {
	stamp := s.clock().UTC().Truncate(time.Millisecond)
	if !stamp.After(s.lastStamp) {
		stamp = s.lastStamp.Add(time.Millisecond)
	}
	s.lastStamp = stamp
	return stamp
}

func key(collectionPath, documentID string) string {
	return collectionPath + "\x00" + documentID
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for name, value := range fields {
		copied[name] = value
	}
	return copied
}
