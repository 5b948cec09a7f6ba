package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/offline"
)

const (
	// StreamEventStatus carries a sync state snapshot.
	StreamEventStatus    = "status"
	streamEventHeartbeat = "heartbeat"
	streamBufferSize     = 16
)

// StreamMessage is one server-sent event on the agent's /events stream.
type StreamMessage struct {
	EventType string
	Payload   any
	Timestamp time.Time
}

// SyncEventSource is the manager surface the dispatcher listens to.
type SyncEventSource interface {
	OnSyncEvent(callback func(offline.SyncEvent)) func()
	OnStatusChange(callback func(offline.SyncState)) func()
}

// EventDispatcher fans sync events out to stream subscribers. Slow subscribers drop messages.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type streamSubscriber struct {
	id     int64
	stream chan StreamMessage
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*streamSubscriber),
		bufferSize:  streamBufferSize,
		clock:       time.Now,
	}
}

// Attach forwards the source's lifecycle events and state changes until the returned func is called.
func (d *EventDispatcher) Attach(source SyncEventSource) func() {
	detachEvents := source.OnSyncEvent(func(event offline.SyncEvent) {
		d.Publish(StreamMessage{
			EventType: string(event.Type),
			Payload:   newSyncEventPayload(event),
			Timestamp: event.Timestamp,
		})
	})
	detachStatus := source.OnStatusChange(func(state offline.SyncState) {
		d.Publish(StreamMessage{
			EventType: StreamEventStatus,
			Payload:   newSyncStatePayload(state),
		})
	})
	return func() {
		detachEvents()
		detachStatus()
	}
}

// Subscribe registers a stream that lives until ctx ends or the cleanup func runs.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan StreamMessage, func()) {
	subscriber := &streamSubscriber{
		id:     d.nextSequence(),
		stream: make(chan StreamMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(message StreamMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*streamSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *EventDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(subscriber *streamSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
