// Package offline orchestrates draining the durable operation queue into the remote
// document store whenever the device is online.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/conflict"
	"github.com/MarcoPoloResearchLab/sitesync/internal/network"
	"github.com/MarcoPoloResearchLab/sitesync/internal/queue"
	"github.com/MarcoPoloResearchLab/sitesync/internal/remote"
	"go.uber.org/zap"
)

// WakeTag is registered with the platform's background wake-up facility on every enqueue.
const WakeTag = "sitesync-queue"

// DefaultSyncInterval is the period of the background drain.
const DefaultSyncInterval = 30 * time.Second

var (
	// ErrRemoteWriteFailed wraps a failed remote write; the operation is retried later.
	ErrRemoteWriteFailed = errors.New("offline: remote write failed")
	// ErrUnresolvedConflict marks an operation parked until a resolution strategy is supplied.
	ErrUnresolvedConflict = errors.New("offline: unresolved conflict")
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("offline: manager already initialized")

	errMissingQueue   = errors.New("queue is required")
	errMissingRemote  = errors.New("remote store is required")
	errMissingMonitor = errors.New("network monitor is required")
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
	opNew        = "offline.new"
	opInitialize = "offline.initialize"
	opQueue      = "offline.queue_operation"
	opProcess    = "offline.process_queue"
	opRetry      = "offline.retry_operation"
	opRemove     = "offline.remove_operation"
	opResolve    = "offline.resolve_conflict"
	opStats      = "offline.refresh_stats"

	reasonMissingDependency = "missing_dependency"
	reasonRecoverFailed     = "recover_failed"
	reasonEnqueueFailed     = "enqueue_failed"
	reasonListFailed        = "list_failed"
	reasonMarkFailed        = "mark_failed"
	reasonDequeueFailed     = "dequeue_failed"
	reasonRemoteWrite       = "remote_write_failed"
	reasonConflict          = "unresolved_conflict"
	reasonInvalidStrategy   = "invalid_strategy"
	reasonStoreFailed       = "store_failed"
	reasonWakeFailed        = "wake_registration_failed"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Waker registers a tag with a platform facility that resumes a suspended process.
type Waker interface {
	Register(tag string) error
}

// NetworkStatus is the connectivity source the manager follows.
type NetworkStatus interface {
	CurrentStatus() bool
	Status() network.Status
	Subscribe(callback func(network.Status)) func()
	AcknowledgeReconnect()
}

// ConflictHandler decides how to resolve a conflict reported under the manual strategy.
// Returning StrategyManual or an error parks the operation until ResolveConflict is called.
type ConflictHandler func(ctx context.Context, detected conflict.Conflict) (conflict.Strategy, error)

// ParkConflicts leaves every manual conflict in the queue for an operator to resolve.
func ParkConflicts(context.Context, conflict.Conflict) (conflict.Strategy, error) {
	return conflict.StrategyManual, nil
}

// Config describes the dependencies of a Manager.
type Config struct {
	Queue           *queue.Queue
	Remote          remote.Store
	Network         NetworkStatus
	Resolver        *conflict.Resolver
	Waker           Waker
	SyncInterval    time.Duration
	Backoff         Backoff
	DefaultStrategy conflict.Strategy
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Manager drains the queue into the remote store. Use one per process.
type Manager struct {
	queue    *queue.Queue
	remote   remote.Store
	network  NetworkStatus
	resolver *conflict.Resolver
	waker    Waker
	interval time.Duration
	backoff  Backoff
	clock    func() time.Time
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	baseCtx    context.Context
	cancelBase context.CancelFunc
	background sync.WaitGroup
	syncing    atomic.Bool

	// Set on an offline to online edge until a clean drain acknowledges the reconnect.
	reconnectPending atomic.Bool

	mu              sync.Mutex
	state           SyncState
	initialized     bool
	tornDown        bool
	lastOnline      bool
	unsubscribe     func()
	defaultStrategy conflict.Strategy
	handler         ConflictHandler

	statusListeners *listenerSet[SyncState]
	eventListeners  *listenerSet[SyncEvent]
}

// NewManager validates cfg and returns a Manager. Call Initialize to start background work.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Queue == nil {
		return nil, newServiceError(opNew, reasonMissingDependency, errMissingQueue)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opNew, reasonMissingDependency, errMissingRemote)
	}
	if cfg.Network == nil {
		return nil, newServiceError(opNew, reasonMissingDependency, errMissingMonitor)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(cfg.Remote, logger)
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	strategy := cfg.DefaultStrategy
	if strategy == "" {
		strategy = conflict.DefaultStrategy
	}
	if _, err := conflict.ParseStrategy(string(strategy)); err != nil {
		return nil, newServiceError(opNew, reasonInvalidStrategy, err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue:           cfg.Queue,
		remote:          cfg.Remote,
		network:         cfg.Network,
		resolver:        resolver,
		waker:           cfg.Waker,
		interval:        interval,
		backoff:         cfg.Backoff,
		clock:           clock,
		logger:          logger,
		sleep:           sleepContext,
		baseCtx:         baseCtx,
		cancelBase:      cancel,
		defaultStrategy: strategy,
		state:           SyncState{IsOnline: cfg.Network.CurrentStatus()},
		statusListeners: newListenerSet[SyncState](),
		eventListeners:  newListenerSet[SyncEvent](),
	}, nil
}

// Initialize recovers interrupted operations, follows the network monitor, starts the
// periodic drain and publishes the initial stats. It may be called once.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.initialized = true
	m.lastOnline = m.network.CurrentStatus()
	m.mu.Unlock()

	if _, err := m.queue.RecoverInterrupted(ctx); err != nil {
		m.logError(opInitialize, reasonRecoverFailed, err)
		return newServiceError(opInitialize, reasonRecoverFailed, err)
	}

	unsubscribe := m.network.Subscribe(m.handleNetworkStatus)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.registerWake()

	m.background.Add(1)
	go m.runPeriodic()

	stats := m.refreshStats(ctx)
	if m.network.CurrentStatus() && stats.Pending > 0 {
		m.scheduleDrain()
	}
	m.logger.Info("sync manager initialized",
		zap.Bool("online", m.network.CurrentStatus()),
		zap.Int("pending", stats.Pending),
		zap.Duration("interval", m.interval))
	return nil
}

// Teardown stops following the network, stops the periodic drain and drops every listener.
// A drain already writing to the remote store finishes that write.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.cancelBase()
	m.statusListeners.reset()
	m.eventListeners.reset()
	m.logger.Info("sync manager torn down")
}

// Wait blocks until the periodic drain and any scheduled drains have returned. Call it after Teardown.
func (m *Manager) Wait() {
	m.background.Wait()
}

// QueueOperation durably queues a mutation and, when online, schedules a drain without
// waiting for it.
func (m *Manager) QueueOperation(ctx context.Context, opType queue.OperationType, collectionPath, documentID string, payload map[string]any) (string, error) {
	operationID, err := m.queue.Enqueue(ctx, opType, collectionPath, documentID, payload)
	if err != nil {
		m.logError(opQueue, reasonEnqueueFailed, err)
		return "", err
	}
	m.emit(SyncEvent{Type: EventOperationQueued, OperationID: operationID})
	m.registerWake()
	m.refreshStats(ctx)
	if m.network.CurrentStatus() {
		m.scheduleDrain()
	}
	return operationID, nil
}

// ProcessQueue drains pending operations oldest first. Only one drain runs at a time;
// overlapping calls and calls made while offline return a zero result. Failures of
// individual operations are recorded on the operation and never returned.
func (m *Manager) ProcessQueue(ctx context.Context) (SyncResult, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return SyncResult{}, nil
	}
	defer m.syncing.Store(false)

	if !m.network.CurrentStatus() {
		return SyncResult{}, nil
	}

	startedAt := m.clock().UTC()
	m.updateState(func(state *SyncState) {
		state.IsSyncing = true
		state.LastSyncAttempt = &startedAt
	})
	m.emit(SyncEvent{Type: EventSyncStarted})

	var result SyncResult
	pending, err := m.queue.ListPending(ctx)
	if err != nil {
		m.logError(opProcess, reasonListFailed, err)
		m.updateState(func(state *SyncState) { state.IsSyncing = false })
		m.emit(SyncEvent{Type: EventSyncFailed, Err: err})
		return result, newServiceError(opProcess, reasonListFailed, err)
	}

	interrupted := false
	for _, operation := range pending {
		if ctx.Err() != nil || !m.network.CurrentStatus() {
			interrupted = true
			break
		}
		outcome := m.processOperation(ctx, operation)
		switch outcome {
		case outcomeSuccess:
			result.Success++
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			result.Skipped++
		case outcomeConflict:
			result.Conflicts++
		case outcomeInterrupted:
			interrupted = true
		}
		m.refreshStats(context.WithoutCancel(ctx))
		if interrupted {
			break
		}
	}

	finishedAt := m.clock().UTC()
	clean := result.Failed == 0 && !interrupted
	m.updateState(func(state *SyncState) {
		state.IsSyncing = false
		if clean {
			state.LastSuccessfulSync = &finishedAt
		}
	})
	if clean && m.reconnectPending.CompareAndSwap(true, false) {
		m.network.AcknowledgeReconnect()
	}
	completed := result
	m.emit(SyncEvent{Type: EventSyncCompleted, Result: &completed})
	m.logger.Info("sync pass finished",
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("conflicts", result.Conflicts),
		zap.Bool("interrupted", interrupted))
	return result, nil
}

// ForceSync drains the queue now.
func (m *Manager) ForceSync(ctx context.Context) (SyncResult, error) {
	return m.ProcessQueue(ctx)
}

// RetryOperation resets a failed operation so the next drain picks it up.
func (m *Manager) RetryOperation(ctx context.Context, operationID string) error {
	if _, err := m.queue.Retry(ctx, operationID); err != nil {
		if errors.Is(err, queue.ErrOperationNotFound) {
			m.logger.Warn("retry requested for unknown operation", zap.String("operation_id", operationID))
			return err
		}
		m.logError(opRetry, reasonStoreFailed, err, zap.String("operation_id", operationID))
		return err
	}
	m.refreshStats(ctx)
	if m.network.CurrentStatus() {
		m.scheduleDrain()
	}
	return nil
}

// RemoveOperation discards a queued operation. Removing an unknown id is logged and ignored.
func (m *Manager) RemoveOperation(ctx context.Context, operationID string) error {
	if _, err := m.queue.Get(ctx, operationID); errors.Is(err, queue.ErrOperationNotFound) {
		m.logger.Warn("remove requested for unknown operation", zap.String("operation_id", operationID))
	}
	if err := m.queue.Remove(ctx, operationID); err != nil {
		m.logError(opRemove, reasonStoreFailed, err, zap.String("operation_id", operationID))
		return err
	}
	m.refreshStats(ctx)
	return nil
}

// ResolveConflict supplies the strategy for an operation parked by a manual conflict and
// returns it to the queue.
func (m *Manager) ResolveConflict(ctx context.Context, operationID string, strategy conflict.Strategy) error {
	parsed, err := conflict.ParseStrategy(string(strategy))
	if err != nil {
		return newServiceError(opResolve, reasonInvalidStrategy, err)
	}
	if parsed == conflict.StrategyManual {
		return newServiceError(opResolve, reasonInvalidStrategy, fmt.Errorf("%w: manual cannot resolve a conflict", conflict.ErrUnknownStrategy))
	}
	if _, err := m.queue.Resolve(ctx, operationID, string(parsed)); err != nil {
		if !errors.Is(err, queue.ErrOperationNotFound) {
			m.logError(opResolve, reasonStoreFailed, err, zap.String("operation_id", operationID))
		}
		return err
	}
	m.refreshStats(ctx)
	if m.network.CurrentStatus() {
		m.scheduleDrain()
	}
	return nil
}

// OnStatusChange registers a listener called now with the current state and then on every change.
func (m *Manager) OnStatusChange(callback func(SyncState)) func() {
	if callback == nil {
		return func() {}
	}
	unsubscribe := m.statusListeners.add(callback)
	callback(m.State())
	return unsubscribe
}

// OnSyncEvent registers a listener for lifecycle events.
func (m *Manager) OnSyncEvent(callback func(SyncEvent)) func() {
	if callback == nil {
		return func() {}
	}
	return m.eventListeners.add(callback)
}

// SetConflictHandler installs the callback consulted for manual conflicts. Nil removes it.
func (m *Manager) SetConflictHandler(handler ConflictHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// SetDefaultConflictStrategy changes the strategy applied to conflicts without a stored resolution.
func (m *Manager) SetDefaultConflictStrategy(strategy conflict.Strategy) error {
	parsed, err := conflict.ParseStrategy(string(strategy))
	if err != nil {
		return newServiceError(opResolve, reasonInvalidStrategy, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultStrategy = parsed
	return nil
}

// State returns a snapshot of the current sync state.
func (m *Manager) State() SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *Manager) handleNetworkStatus(status network.Status) {
	m.mu.Lock()
	cameOnline := status.Online && !m.lastOnline
	m.lastOnline = status.Online
	m.mu.Unlock()

	m.updateState(func(state *SyncState) {
		state.IsOnline = status.Online
		state.WasRecentlyOffline = status.Reconnected
	})
	if !status.Online {
		m.reconnectPending.Store(false)
	}
	if cameOnline {
		m.reconnectPending.Store(true)
		m.logger.Info("network reconnected, draining queue")
		m.scheduleDrain()
	}
}

func (m *Manager) runPeriodic() {
	defer m.background.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			if !m.network.CurrentStatus() {
				continue
			}
			stats, err := m.queue.Stats(m.baseCtx)
			if err != nil {
				m.logError(opStats, reasonStoreFailed, err)
				continue
			}
			if stats.Pending == 0 {
				continue
			}
			if _, err := m.ProcessQueue(m.baseCtx); err != nil {
				m.logger.Warn("periodic drain failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) scheduleDrain() {
	if m.baseCtx.Err() != nil {
		return
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		if _, err := m.ProcessQueue(m.baseCtx); err != nil {
			m.logger.Warn("scheduled drain failed", zap.Error(err))
		}
	}()
}

func (m *Manager) registerWake() {
	if m.waker == nil {
		return
	}
	if err := m.waker.Register(WakeTag); err != nil {
		m.logger.Warn("background wake registration failed",
			zap.String("operation", opQueue),
			zap.String("reason", reasonWakeFailed),
			zap.Error(err))
	}
}

func (m *Manager) refreshStats(ctx context.Context) queue.Stats {
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		m.logError(opStats, reasonStoreFailed, err)
		return stats
	}
	m.updateState(func(state *SyncState) {
		state.PendingCount = stats.Pending
		state.SyncingCount = stats.Syncing
		state.FailedCount = stats.Failed
		state.ConflictCount = stats.Conflicts
	})
	return stats
}

func (m *Manager) updateState(mutate func(*SyncState)) {
	m.mu.Lock()
	mutate(&m.state)
	snapshot := m.state.clone()
	m.mu.Unlock()
	m.statusListeners.publish(snapshot)
}

func (m *Manager) emit(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock().UTC()
	}
	m.eventListeners.publish(event)
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("sync manager error", attrs...)
}
