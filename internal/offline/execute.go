package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sitesync/internal/conflict"
	"github.com/MarcoPoloResearchLab/sitesync/internal/queue"
	"github.com/MarcoPoloResearchLab/sitesync/internal/remote"
	"go.uber.org/zap"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeConflict
	outcomeVanished
	outcomeInterrupted
)

func (m *Manager) processOperation(ctx context.Context, operation queue.Operation) outcome {
	operationField := zap.String("operation_id", operation.ID)

	if operation.RetryCount > 0 {
		delay := m.backoff.Delay(operation.RetryCount)
		if err := m.sleep(ctx, delay); err != nil {
			return outcomeInterrupted
		}
	}

	current, err := m.queue.MarkSyncing(ctx, operation.ID)
	if errors.Is(err, queue.ErrOperationNotFound) {
		return outcomeVanished
	}
	if err != nil {
		if ctx.Err() != nil {
			return outcomeInterrupted
		}
		m.logError(opProcess, reasonMarkFailed, err, operationField)
		return outcomeFailed
	}

	// Once picked up, the write and its bookkeeping run to completion.
	writeCtx := context.WithoutCancel(ctx)

	payload := current.Payload
	if current.Type == queue.OperationUpdate {
		resolution := m.resolver.Check(writeCtx, current, m.strategyFor(current))
		if resolution.Decision == conflict.DecisionConflict {
			resolution = m.resolveManually(writeCtx, current, resolution)
		}
		switch resolution.Decision {
		case conflict.DecisionSkip:
			m.dequeue(writeCtx, current.ID)
			return outcomeSkipped
		case conflict.DecisionConflict:
			m.park(writeCtx, current)
			return outcomeConflict
		}
		payload = resolution.Payload
		if resolution.Conflict != nil && !samePayload(payload, current.Payload) {
			if _, err := m.queue.SetPayload(writeCtx, current.ID, payload); err != nil {
				m.logError(opProcess, reasonStoreFailed, err, operationField)
			}
		}
	}

	writeErr := m.execute(writeCtx, current, queue.StripInternal(payload))
	switch {
	case writeErr == nil:
		m.dequeue(writeCtx, current.ID)
		return outcomeSuccess
	case current.Type == queue.OperationDelete && errors.Is(writeErr, remote.ErrNotFound):
		m.dequeue(writeCtx, current.ID)
		return outcomeSuccess
	case current.Type == queue.OperationUpdate && errors.Is(writeErr, remote.ErrNotFound):
		m.logger.Info("update target disappeared, dropping operation", operationField)
		m.dequeue(writeCtx, current.ID)
		return outcomeSkipped
	}

	cause := fmt.Errorf("%w: %v", ErrRemoteWriteFailed, writeErr)
	failed, markErr := m.queue.MarkFailed(writeCtx, current.ID, cause)
	if markErr != nil && !errors.Is(markErr, queue.ErrRetryLimitExceeded) {
		m.logError(opProcess, reasonMarkFailed, markErr, operationField)
	}
	m.logger.Warn("remote write failed",
		zap.String("operation", opProcess),
		zap.String("reason", reasonRemoteWrite),
		operationField,
		zap.Int("retry_count", failed.RetryCount),
		zap.String("status", string(failed.Status)),
		zap.Error(writeErr))
	m.emit(SyncEvent{Type: EventSyncFailed, OperationID: current.ID, Err: cause})
	return outcomeFailed
}

func (m *Manager) execute(ctx context.Context, operation queue.Operation, fields map[string]any) error {
	switch operation.Type {
	case queue.OperationCreate:
		_, err := m.remote.Create(ctx, operation.CollectionPath, operation.DocumentID, fields)
		return err
	case queue.OperationUpdate:
		_, err := m.remote.Update(ctx, operation.CollectionPath, operation.DocumentID, fields)
		return err
	case queue.OperationDelete:
		return m.remote.Delete(ctx, operation.CollectionPath, operation.DocumentID)
	default:
		return fmt.Errorf("%w: %q", queue.ErrInvalidOperationType, operation.Type)
	}
}

// resolveManually consults the conflict handler. Without one, the built-in default applies.
func (m *Manager) resolveManually(ctx context.Context, operation queue.Operation, resolution conflict.Resolution) conflict.Resolution {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return conflict.Apply(resolution.Conflict, operation.Payload, conflict.DefaultStrategy)
	}
	chosen, err := handler(ctx, *resolution.Conflict)
	if err != nil {
		m.logger.Warn("conflict handler failed",
			zap.String("operation_id", operation.ID),
			zap.Error(err))
		return resolution
	}
	parsed, err := conflict.ParseStrategy(string(chosen))
	if err != nil || parsed == conflict.StrategyManual {
		return resolution
	}
	return conflict.Apply(resolution.Conflict, operation.Payload, parsed)
}

func (m *Manager) strategyFor(operation queue.Operation) conflict.Strategy {
	if operation.ResolutionStrategy != "" {
		if parsed, err := conflict.ParseStrategy(operation.ResolutionStrategy); err == nil {
			return parsed
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultStrategy
}

func (m *Manager) park(ctx context.Context, operation queue.Operation) {
	reason := ErrUnresolvedConflict.Error()
	if _, err := m.queue.MarkConflict(ctx, operation.ID, reason); err != nil {
		m.logError(opProcess, reasonMarkFailed, err, zap.String("operation_id", operation.ID))
	}
	m.logger.Warn("operation awaiting conflict resolution",
		zap.String("operation", opProcess),
		zap.String("reason", reasonConflict),
		zap.String("operation_id", operation.ID))
	m.emit(SyncEvent{Type: EventSyncFailed, OperationID: operation.ID, Err: ErrUnresolvedConflict})
}

func (m *Manager) dequeue(ctx context.Context, operationID string) {
	if err := m.queue.Dequeue(ctx, operationID); err != nil {
		m.logError(opProcess, reasonDequeueFailed, err, zap.String("operation_id", operationID))
	}
}

func samePayload(left, right map[string]any) bool {
	if len(left) != len(right) {
		return false
	}
	for key, value := range left {
		other, ok := right[key]
		if !ok || fmt.Sprint(other) != fmt.Sprint(value) {
			return false
		}
	}
	return true
}
