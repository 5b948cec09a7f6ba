// Package conflict decides whether a queued update may still be applied once the remote
// document has moved on since the update was queued.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitesync/internal/queue"
	"github.com/MarcoPoloResearchLab/sitesync/internal/remote"
	"go.uber.org/zap"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	// StrategyServerWins discards the local change.
	StrategyServerWins Strategy = "server_wins"
	// StrategyClientWins applies the local change anyway.
	StrategyClientWins Strategy = "client_wins"
	// StrategyMerge overlays the local fields onto the remote document.
	StrategyMerge Strategy = "merge"
	// StrategyManual defers the decision to a caller-supplied handler.
	StrategyManual Strategy = "manual"
)

// DefaultStrategy applies when nothing else is configured.
const DefaultStrategy = StrategyServerWins

// ErrUnknownStrategy indicates a strategy name outside the supported set.
var ErrUnknownStrategy = errors.New("conflict: unknown strategy")

// ParseStrategy validates a strategy name. Blank input yields DefaultStrategy.
func ParseStrategy(raw string) (Strategy, error) {
	normalized := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case "":
		return DefaultStrategy, nil
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

// Decision is the outcome of a conflict check.
type Decision string

const (
	// DecisionContinue applies the operation with Resolution.Payload.
	DecisionContinue Decision = "continue"
	// DecisionSkip drops the operation without writing.
	DecisionSkip Decision = "skip"
	// DecisionConflict requires a manual decision before the operation can proceed.
	DecisionConflict Decision = "conflict"
)

// Conflict describes a queued update whose target changed remotely after it was queued.
type Conflict struct {
	OperationID     string
	CollectionPath  string
	DocumentID      string
	LocalPayload    map[string]any
	Remote          remote.Document
	QueuedAt        time.Time
	RemoteUpdatedAt time.Time
}

// Resolution is returned by Check.
type Resolution struct {
	Decision Decision
	// Payload is the payload to apply when Decision is DecisionContinue.
	Payload map[string]any
	// Conflict is set whenever the remote document was newer than the queued change.
	Conflict *Conflict
}

// RemoteReader fetches the current remote document.
type RemoteReader interface {
	Get(ctx context.Context, collectionPath, documentID string) (remote.Document, error)
}

// Resolver checks queued updates against the remote store.
type Resolver struct {
	reader RemoteReader
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(reader RemoteReader, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{reader: reader, logger: logger}
}

// Check decides what to do with operation. Only updates are checked; a failed remote
// read lets the operation continue rather than blocking the queue.
func (r *Resolver) Check(ctx context.Context, operation queue.Operation, strategy Strategy) Resolution {
	proceed := Resolution{Decision: DecisionContinue, Payload: operation.Payload}
	if operation.Type != queue.OperationUpdate {
		return proceed
	}

	current, err := r.reader.Get(ctx, operation.CollectionPath, operation.DocumentID)
	if errors.Is(err, remote.ErrNotFound) {
		r.logger.Info("conflict check skipped update of missing document",
			zap.String("operation_id", operation.ID),
			zap.String("collection_path", operation.CollectionPath),
			zap.String("document_id", operation.DocumentID))
		return Resolution{Decision: DecisionSkip}
	}
	if err != nil {
		r.logger.Warn("conflict check read failed, continuing",
			zap.String("operation_id", operation.ID),
			zap.Error(err))
		return proceed
	}

	queuedAt := operation.QueuedAt()
	if !current.UpdatedAt.After(queuedAt) {
		return proceed
	}

	detected := &Conflict{
		OperationID:     operation.ID,
		CollectionPath:  operation.CollectionPath,
		DocumentID:      operation.DocumentID,
		LocalPayload:    queue.StripInternal(operation.Payload),
		Remote:          current,
		QueuedAt:        queuedAt,
		RemoteUpdatedAt: current.UpdatedAt,
	}
	r.logger.Info("conflict detected",
		zap.String("operation_id", operation.ID),
		zap.String("document_id", operation.DocumentID),
		zap.Time("queued_at", queuedAt),
		zap.Time("remote_updated_at", current.UpdatedAt),
		zap.String("strategy", string(strategy)))

	return Apply(detected, operation.Payload, strategy)
}

// Apply resolves a detected conflict with a concrete strategy.
func Apply(detected *Conflict, payload map[string]any, strategy Strategy) Resolution {
	switch strategy {
	case StrategyClientWins:
		return Resolution{Decision: DecisionContinue, Payload: payload, Conflict: detected}
	case StrategyMerge:
		return Resolution{Decision: DecisionContinue, Payload: Merge(detected.Remote.Fields, payload), Conflict: detected}
	case StrategyManual:
		return Resolution{Decision: DecisionConflict, Conflict: detected}
	default:
		return Resolution{Decision: DecisionSkip, Conflict: detected}
	}
}

// Merge overlays local onto remote, one level deep. Local values win per key and the
// queue's bookkeeping fields are carried from local only.
func Merge(remoteFields, local map[string]any) map[string]any {
	merged := make(map[string]any, len(remoteFields)+len(local))
	for key, value := range remoteFields {
		if queue.IsInternalField(key) {
			continue
		}
		merged[key] = value
	}
	for key, value := range local {
		merged[key] = value
	}
	return merged
}
