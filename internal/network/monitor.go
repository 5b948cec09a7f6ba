// Package network turns the platform's connectivity signal into deduplicated transitions.
package network

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultReconnectWindow bounds how long the reconnected pulse stays raised when nobody clears it.
const DefaultReconnectWindow = 10 * time.Second

// Status is the last observed connectivity state.
type Status struct {
	Online bool
	// Reconnected is raised by an offline to online transition and cleared by
	// AcknowledgeReconnect, a later offline transition, or the reconnect window.
	Reconnected bool
}

// Config describes the monitor's initial state.
type Config struct {
	InitialOnline   bool
	ReconnectWindow time.Duration
	Logger          *zap.Logger
}

// Monitor records the platform's push notifications and fans transitions out to subscribers.
// Subscribers run synchronously in transition order and must not call SetOnline.
type Monitor struct {
	deliverMu sync.Mutex

	mu          sync.Mutex
	online      bool
	reconnected bool
	generation  uint64
	timer       *time.Timer
	window      time.Duration
	subscribers map[int64]func(Status)
	nextID      int64
	closed      bool
	logger      *zap.Logger
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config) *Monitor {
	window := cfg.ReconnectWindow
	if window <= 0 {
		window = DefaultReconnectWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online:      cfg.InitialOnline,
		window:      window,
		subscribers: make(map[int64]func(Status)),
		logger:      logger,
	}
}

// CurrentStatus reports the last known connectivity.
func (m *Monitor) CurrentStatus() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Status returns the full last known state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Subscribe invokes callback with the current status and then on every transition.
func (m *Monitor) Subscribe(callback func(Status)) func() {
	if callback == nil {
		return func() {}
	}
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = callback
	current := m.statusLocked()
	m.mu.Unlock()

	callback(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// SetOnline records a platform notification. Repeating the current value is ignored.
func (m *Monitor) SetOnline(online bool) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.generation++
	m.stopTimerLocked()
	if online {
		m.reconnected = true
		generation := m.generation
		m.timer = time.AfterFunc(m.window, func() {
			m.expireReconnect(generation)
		})
	} else {
		m.reconnected = false
	}
	current := m.statusLocked()
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("network status changed", zap.Bool("online", current.Online))
	deliver(listeners, current)
}

// AcknowledgeReconnect clears the reconnected pulse before the window elapses.
func (m *Monitor) AcknowledgeReconnect() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if !m.reconnected {
		m.mu.Unlock()
		return
	}
	m.reconnected = false
	m.generation++
	m.stopTimerLocked()
	current := m.statusLocked()
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	deliver(listeners, current)
}

// Close stops the reconnect timer and drops all subscribers.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.generation++
	m.stopTimerLocked()
	m.subscribers = make(map[int64]func(Status))
}

func (m *Monitor) expireReconnect(generation uint64) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.closed || generation != m.generation || !m.reconnected {
		m.mu.Unlock()
		return
	}
	m.reconnected = false
	m.timer = nil
	current := m.statusLocked()
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	deliver(listeners, current)
}

func (m *Monitor) statusLocked() Status {
	return Status{Online: m.online, Reconnected: m.reconnected}
}

func (m *Monitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) snapshotLocked() []func(Status) {
	listeners := make([]func(Status), 0, len(m.subscribers))
	for _, listener := range m.subscribers {
		listeners = append(listeners, listener)
	}
	return listeners
}

func deliver(listeners []func(Status), status Status) {
	for _, listener := range listeners {
		listener(status)
	}
}
