package offline

import (
	"sync"
	"time"
)

// EventType names a discrete lifecycle notification.
type EventType string

const (
	EventOperationQueued EventType = "operation-queued"
	EventSyncStarted     EventType = "sync-started"
	EventSyncCompleted   EventType = "sync-completed"
	EventSyncFailed      EventType = "sync-failed"
)

// SyncEvent is delivered to OnSyncEvent listeners.
type SyncEvent struct {
	Type        EventType
	OperationID string
	Result      *SyncResult
	Err         error
	Timestamp   time.Time
}

// SyncResult tallies one drain pass.
type SyncResult struct {
	Success   int
	Failed    int
	Skipped   int
	Conflicts int
}

// SyncState is the process-wide sync status observed by OnStatusChange listeners.
type SyncState struct {
	IsOnline           bool
	WasRecentlyOffline bool
	PendingCount       int
	SyncingCount       int
	FailedCount        int
	ConflictCount      int
	IsSyncing          bool
	LastSyncAttempt    *time.Time
	LastSuccessfulSync *time.Time
}

func (state SyncState) clone() SyncState {
	cloned := state
	if state.LastSyncAttempt != nil {
		attempt := *state.LastSyncAttempt
		cloned.LastSyncAttempt = &attempt
	}
	if state.LastSuccessfulSync != nil {
		success := *state.LastSuccessfulSync
		cloned.LastSuccessfulSync = &success
	}
	return cloned
}

// listenerSet fans values out to callbacks registered under increasing ids.
// Callbacks are invoked outside the lock.
type listenerSet[T any] struct {
	mu        sync.RWMutex
	listeners map[int64]func(T)
	nextID    int64
}

func newListenerSet[T any]() *listenerSet[T] {
	return &listenerSet[T]{listeners: make(map[int64]func(T))}
}

func (s *listenerSet[T]) add(callback func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = callback
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet[T]) publish(value T) {
	s.mu.RLock()
	if len(s.listeners) == 0 {
		s.mu.RUnlock()
		return
	}
	copies := make([]func(T), 0, len(s.listeners))
	for _, listener := range s.listeners {
		copies = append(copies, listener)
	}
	s.mu.RUnlock()
	for _, listener := range copies {
		listener(value)
	}
}

func (s *listenerSet[T]) reset() {
	s.mu.Lock()
	s.listeners = make(map[int64]func(T))
	s.mu.Unlock()
}
