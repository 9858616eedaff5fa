package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/kvstore"
	"go.uber.org/zap"
)

const (
	fieldChangeID  = "change_id"
	fieldOperation = "operation"
	fieldRetries   = "retries"
)

// QueueConfig describes a Queue.
type QueueConfig struct {
	Store      kvstore.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Queue is the persisted, ordered list of writes not yet applied to the
// backend. Every mutation rewrites the whole list under one store key.
type Queue struct {
	mu         sync.Mutex
	store      kvstore.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewQueue validates cfg and returns a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opQueueNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewChangeIDProvider(clock)
	}
	return &Queue{
		store:      cfg.Store,
		clock:      clock,
		idProvider: idProvider,
		logger:     loggerOrNop(cfg.Logger),
	}, nil
}

// Enqueue validates the write and appends it to the end of the queue.
func (q *Queue) Enqueue(ctx context.Context, table string, operation Operation, data Record) (PendingChange, error) {
	return q.EnqueueFor(ctx, "", table, operation, data)
}

// EnqueueFor appends a write issued under userID's session. An empty userID
// marks a change issued with the service key.
func (q *Queue) EnqueueFor(ctx context.Context, userID, table string, operation Operation, data Record) (PendingChange, error) {
	owner := ""
	if strings.TrimSpace(userID) != "" {
		user, err := NewUserID(userID)
		if err != nil {
			return PendingChange{}, newServiceError(opEnqueue, reasonInvalidUserID, err)
		}
		owner = user.String()
	}
	tableName, err := NewTableName(table)
	if err != nil {
		return PendingChange{}, newServiceError(opEnqueue, reasonInvalidTable, err)
	}
	if _, err := ParseOperation(string(operation)); err != nil {
		return PendingChange{}, newServiceError(opEnqueue, reasonInvalidOp, err)
	}
	if operation.RequiresRecordID() {
		if _, ok := RecordID(data); !ok {
			return PendingChange{}, newServiceError(opEnqueue, reasonMissingID,
				fmt.Errorf("%w: %s on %s", ErrMissingRecordID, operation, tableName))
		}
	}
	if data == nil {
		data = Record{}
	}

	id, err := q.idProvider.NewID()
	if err != nil {
		logError(q.logger, "failed to generate change id", opEnqueue, reasonIDFailed, err)
		return PendingChange{}, newServiceError(opEnqueue, reasonIDFailed, err)
	}
	change := PendingChange{
		ID:        id,
		Table:     tableName.String(),
		Operation: operation,
		Data:      data,
		UserID:    owner,
		Timestamp: q.clock().UnixMilli(),
		Retries:   0,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	changes, err := q.loadForUpdate(ctx, opEnqueue)
	if err != nil {
		return PendingChange{}, err
	}
	changes = append(changes, change)
	if err := q.save(ctx, opEnqueue, changes); err != nil {
		return PendingChange{}, err
	}
	q.logger.Info("pending change queued",
		zap.String(fieldChangeID, change.ID),
		zap.String(fieldTable, change.Table),
		zap.String(fieldOperation, string(change.Operation)))
	return change, nil
}

// ListAll returns the queue in insertion order. Unreadable or corrupt state
// reads as an empty queue.
func (q *Queue) ListAll(ctx context.Context) []PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	changes, _, err := q.load(ctx)
	if err != nil {
		logWarn(q.logger, "failed to read pending changes", opSync, reasonStoreRead, err)
		return []PendingChange{}
	}
	return changes
}

// ListFor returns the changes issued under userID's session, in queue order.
func (q *Queue) ListFor(ctx context.Context, userID string) []PendingChange {
	owned := []PendingChange{}
	user, err := NewUserID(userID)
	if err != nil {
		return owned
	}
	for _, change := range q.ListAll(ctx) {
		if change.UserID == user.String() {
			owned = append(owned, change)
		}
	}
	return owned
}

// Contains reports whether a change with the given id is still queued.
func (q *Queue) Contains(ctx context.Context, id string) bool {
	for _, change := range q.ListAll(ctx) {
		if change.ID == id {
			return true
		}
	}
	return false
}

// Len returns the number of queued changes.
func (q *Queue) Len(ctx context.Context) int {
	return len(q.ListAll(ctx))
}

// RemoveByID deletes the change with the given id; a missing id is a no-op.
func (q *Queue) RemoveByID(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	changes, err := q.loadForUpdate(ctx, opRemoveChange)
	if err != nil {
		return err
	}
	kept := changes[:0]
	removed := false
	for _, change := range changes {
		if !removed && change.ID == id {
			removed = true
			continue
		}
		kept = append(kept, change)
	}
	if !removed {
		return nil
	}
	return q.save(ctx, opRemoveChange, kept)
}

// IncrementRetry bumps the retry counter of the change with the given id.
func (q *Queue) IncrementRetry(ctx context.Context, id string) error {
	return q.RecordFailure(ctx, id, nil)
}

// RecordFailure bumps the retry counter and records the cause and attempt time.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	changes, err := q.loadForUpdate(ctx, opRecordFailure)
	if err != nil {
		return err
	}
	for index := range changes {
		if changes[index].ID != id {
			continue
		}
		changes[index].Retries++
		changes[index].LastAttemptAt = q.clock().UnixMilli()
		if cause != nil {
			changes[index].LastError = cause.Error()
		}
		return q.save(ctx, opRecordFailure, changes)
	}
	return newServiceError(opRecordFailure, reasonNotFound, fmt.Errorf("%w: %s", ErrChangeNotFound, id))
}

// Clear drops every pending change. It is the only removal path besides a
// successful sync.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	changes, _, _ := q.load(ctx)
	if err := q.save(ctx, opClearQueue, []PendingChange{}); err != nil {
		return 0, err
	}
	q.logger.Warn("pending change queue cleared", zap.Int("discarded", len(changes)))
	return len(changes), nil
}

// load reads the queue; corrupt reports whether stored bytes failed to decode.
func (q *Queue) load(ctx context.Context) ([]PendingChange, bool, error) {
	raw, found, err := q.store.Get(ctx, QueueKey)
	if err != nil {
		return nil, false, err
	}
	if !found || len(bytes.TrimSpace(raw)) == 0 {
		return []PendingChange{}, false, nil
	}
	changes, err := decodeQueue(raw)
	if err != nil {
		logWarn(q.logger, "pending change queue unreadable", opSync, reasonCorruptValue, err, zap.String(fieldKey, QueueKey))
		return []PendingChange{}, true, nil
	}
	return changes, false, nil
}

// loadForUpdate reads the queue ahead of a rewrite. Store read failures abort
// the mutation so a transient error never truncates the persisted queue;
// corrupt bytes are preserved under a quarantine key before being replaced.
func (q *Queue) loadForUpdate(ctx context.Context, operation string) ([]PendingChange, error) {
	changes, corrupt, err := q.load(ctx)
	if err != nil {
		logError(q.logger, "failed to load pending changes", operation, reasonStoreRead, err)
		return nil, newServiceError(operation, reasonStoreRead, err)
	}
	if corrupt {
		q.quarantine(ctx)
	}
	return changes, nil
}

func (q *Queue) quarantine(ctx context.Context) {
	raw, found, err := q.store.Get(ctx, QueueKey)
	if err != nil || !found {
		return
	}
	key := fmt.Sprintf("%s-corrupt-%d", QueueKey, q.clock().UnixMilli())
	if err := q.store.Set(ctx, key, raw); err != nil {
		logWarn(q.logger, "failed to quarantine corrupt queue", opSync, reasonStoreWrite, err, zap.String(fieldKey, key))
		return
	}
	q.logger.Warn("corrupt pending change queue quarantined", zap.String(fieldKey, key))
}

func (q *Queue) save(ctx context.Context, operation string, changes []PendingChange) error {
	encoded, err := json.Marshal(changes)
	if err != nil {
		logError(q.logger, "failed to encode pending changes", operation, reasonEncodeFailed, err)
		return newServiceError(operation, reasonEncodeFailed, err)
	}
	if err := q.store.Set(ctx, QueueKey, encoded); err != nil {
		logError(q.logger, "failed to persist pending changes", operation, reasonStoreWrite, err)
		return newServiceError(operation, reasonStoreWrite, err)
	}
	return nil
}

func decodeQueue(raw []byte) ([]PendingChange, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var changes []PendingChange
	if err := decoder.Decode(&changes); err != nil {
		return nil, err
	}
	if changes == nil {
		return nil, errors.New("queue value is not an array")
	}
	for index, change := range changes {
		if change.ID == "" {
			return nil, fmt.Errorf("entry %d has no id", index)
		}
	}
	return changes, nil
}
