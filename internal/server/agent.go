package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/conflict"
	"github.com/MarcoPoloResearchLab/sitesync/internal/network"
	"github.com/MarcoPoloResearchLab/sitesync/internal/offline"
	"github.com/MarcoPoloResearchLab/sitesync/internal/queue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamHeartbeatInterval = 15 * time.Second

var (
	errMissingSyncController = errors.New("sync controller dependency required")
	errMissingOperationList  = errors.New("operation lister dependency required")
	errMissingNetworkSwitch  = errors.New("network switch dependency required")
)

// SyncController is the manager surface exposed by the agent admin API.
type SyncController interface {
	State() offline.SyncState
	ForceSync(ctx context.Context) (offline.SyncResult, error)
	QueueOperation(ctx context.Context, opType queue.OperationType, collectionPath, documentID string, payload map[string]any) (string, error)
	RetryOperation(ctx context.Context, operationID string) error
	RemoveOperation(ctx context.Context, operationID string) error
	ResolveConflict(ctx context.Context, operationID string, strategy conflict.Strategy) error
}

// OperationLister reads the local queue.
type OperationLister interface {
	ListAll(ctx context.Context) ([]queue.Operation, error)
}

// NetworkSwitch lets operators override the connectivity signal.
type NetworkSwitch interface {
	SetOnline(online bool)
	Status() network.Status
}

// AgentDependencies wires the admin API. Projects and Teams are optional; their routes are
// registered only when set.
type AgentDependencies struct {
	Sync       SyncController
	Operations OperationLister
	Network    NetworkSwitch
	Events     *EventDispatcher
	Projects   ProjectDirectory
	Teams      TeamDirectory
	Logger     *zap.Logger
}

// NewAgentHandler builds the local admin API served by the sync agent.
func NewAgentHandler(deps AgentDependencies) (http.Handler, error) {
	if deps.Sync == nil {
		return nil, errMissingSyncController
	}
	if deps.Operations == nil {
		return nil, errMissingOperationList
	}
	if deps.Network == nil {
		return nil, errMissingNetworkSwitch
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &agentHandler{
		sync:       deps.Sync,
		operations: deps.Operations,
		network:    deps.Network,
		events:     events,
		logger:     logger,
	}

	router.GET("/healthz", handleHealth)
	router.GET("/status", handler.handleStatus)
	router.POST("/sync", handler.handleSync)
	router.GET("/operations", handler.handleListOperations)
	router.POST("/operations", handler.handleQueueOperation)
	router.POST("/operations/:id/retry", handler.handleRetryOperation)
	router.POST("/operations/:id/resolve", handler.handleResolveConflict)
	router.DELETE("/operations/:id", handler.handleRemoveOperation)
	router.PUT("/network", handler.handleSetNetwork)
	router.GET("/events", handler.handleEvents)
	registerCacheRoutes(router, deps.Projects, deps.Teams, logger)

	return router, nil
}

type agentHandler struct {
	sync       SyncController
	operations OperationLister
	network    NetworkSwitch
	events     *EventDispatcher
	logger     *zap.Logger
}

type syncStatePayload struct {
	IsOnline                 bool   `json:"is_online"`
	WasRecentlyOffline       bool   `json:"was_recently_offline"`
	PendingCount             int    `json:"pending_count"`
	SyncingCount             int    `json:"syncing_count"`
	FailedCount              int    `json:"failed_count"`
	ConflictCount            int    `json:"conflict_count"`
	IsSyncing                bool   `json:"is_syncing"`
	LastSyncAttemptMillis    *int64 `json:"last_sync_attempt_ms,omitempty"`
	LastSuccessfulSyncMillis *int64 `json:"last_successful_sync_ms,omitempty"`
}

type syncResultPayload struct {
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
}

type syncEventPayload struct {
	Type            string             `json:"type"`
	OperationID     string             `json:"operation_id,omitempty"`
	Result          *syncResultPayload `json:"result,omitempty"`
	Error           string             `json:"error,omitempty"`
	TimestampMillis int64              `json:"timestamp_ms"`
}

type operationPayload struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	CollectionPath     string         `json:"collection_path"`
	DocumentID         string         `json:"document_id"`
	Payload            map[string]any `json:"payload"`
	EnqueuedAtMillis   int64          `json:"enqueued_at_ms"`
	RetryCount         int            `json:"retry_count"`
	Status             string         `json:"status"`
	LastError          string         `json:"last_error,omitempty"`
	NeedsResolution    bool           `json:"needs_resolution"`
	ResolutionStrategy string         `json:"resolution_strategy,omitempty"`
}

type queueOperationRequest struct {
	Type           string         `json:"type"`
	CollectionPath string         `json:"collection_path"`
	DocumentID     string         `json:"document_id"`
	Payload        map[string]any `json:"payload"`
}

type resolveConflictRequest struct {
	Strategy string `json:"strategy"`
}

type networkRequest struct {
	Online *bool `json:"online"`
}

type networkStatusPayload struct {
	Online      bool `json:"online"`
	Reconnected bool `json:"reconnected"`
}

func (h *agentHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, newSyncStatePayload(h.sync.State()))
}

func (h *agentHandler) handleSync(c *gin.Context) {
	result, err := h.sync.ForceSync(c.Request.Context())
	if err != nil {
		h.logger.Error("forced sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, newSyncResultPayload(result))
}

func (h *agentHandler) handleListOperations(c *gin.Context) {
	operations, err := h.operations.ListAll(c.Request.Context())
	if err != nil {
		h.logger.Error("listing operations failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]operationPayload, 0, len(operations))
	for _, operation := range operations {
		response = append(response, newOperationPayload(operation))
	}
	c.JSON(http.StatusOK, gin.H{"operations": response})
}

func (h *agentHandler) handleQueueOperation(c *gin.Context) {
	var request queueOperationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	opType, err := queue.ParseOperationType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}
	operationID, err := h.sync.QueueOperation(c.Request.Context(), opType, request.CollectionPath, request.DocumentID, request.Payload)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTarget) || errors.Is(err, queue.ErrInvalidOperationType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
			return
		}
		h.logger.Error("queueing operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operation_id": operationID})
}

func (h *agentHandler) handleRetryOperation(c *gin.Context) {
	err := h.sync.RetryOperation(c.Request.Context(), c.Param("id"))
	h.respondOperationResult(c, "retry", err)
}

func (h *agentHandler) handleResolveConflict(c *gin.Context) {
	var request resolveConflictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.sync.ResolveConflict(c.Request.Context(), c.Param("id"), conflict.Strategy(request.Strategy))
	if errors.Is(err, conflict.ErrUnknownStrategy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
		return
	}
	h.respondOperationResult(c, "resolve", err)
}

func (h *agentHandler) handleRemoveOperation(c *gin.Context) {
	err := h.sync.RemoveOperation(c.Request.Context(), c.Param("id"))
	h.respondOperationResult(c, "remove", err)
}

func (h *agentHandler) respondOperationResult(c *gin.Context, action string, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, queue.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("operation request failed", zap.String("action", action), zap.String("operation_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": action + "_failed"})
	}
}

func (h *agentHandler) handleSetNetwork(c *gin.Context) {
	var request networkRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.network.SetOnline(*request.Online)
	status := h.network.Status()
	c.JSON(http.StatusOK, networkStatusPayload{Online: status.Online, Reconnected: status.Reconnected})
}

func (h *agentHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(message.EventType, message.Payload)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp_ms": tick.UnixMilli()})
			return true
		}
	})
}

func newSyncStatePayload(state offline.SyncState) syncStatePayload {
	return syncStatePayload{
		IsOnline:                 state.IsOnline,
		WasRecentlyOffline:       state.WasRecentlyOffline,
		PendingCount:             state.PendingCount,
		SyncingCount:             state.SyncingCount,
		FailedCount:              state.FailedCount,
		ConflictCount:            state.ConflictCount,
		IsSyncing:                state.IsSyncing,
		LastSyncAttemptMillis:    millisOrNil(state.LastSyncAttempt),
		LastSuccessfulSyncMillis: millisOrNil(state.LastSuccessfulSync),
	}
}

func newSyncResultPayload(result offline.SyncResult) syncResultPayload {
	return syncResultPayload{
		Success:   result.Success,
		Failed:    result.Failed,
		Skipped:   result.Skipped,
		Conflicts: result.Conflicts,
	}
}

func newSyncEventPayload(event offline.SyncEvent) syncEventPayload {
	payload := syncEventPayload{
		Type:            string(event.Type),
		OperationID:     event.OperationID,
		TimestampMillis: event.Timestamp.UnixMilli(),
	}
	if event.Result != nil {
		result := newSyncResultPayload(*event.Result)
		payload.Result = &result
	}
	if event.Err != nil {
		payload.Error = event.Err.Error()
	}
	return payload
}

func newOperationPayload(operation queue.Operation) operationPayload {
	return operationPayload{
		ID:                 operation.ID,
		Type:               string(operation.Type),
		CollectionPath:     operation.CollectionPath,
		DocumentID:         operation.DocumentID,
		Payload:            operation.Payload,
		EnqueuedAtMillis:   operation.EnqueuedAt.UnixMilli(),
		RetryCount:         operation.RetryCount,
		Status:             string(operation.Status),
		LastError:          operation.LastError,
		NeedsResolution:    operation.NeedsResolution,
		ResolutionStrategy: operation.ResolutionStrategy,
	}
}

func millisOrNil(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	millis := value.UnixMilli()
	return &millis
}
