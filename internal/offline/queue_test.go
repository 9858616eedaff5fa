package offline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/kvstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestQueueEnqueuePreservesInsertionOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := mustEnqueue(t, h.queue, "accounts", OperationInsert, Record{"id": "a1", "name": "Cash"})
	h.clock.Advance(time.Millisecond)
	second := mustEnqueue(t, h.queue, "accounts", OperationUpdate, Record{"id": "a1", "name": "Wallet"})

	changes := h.queue.ListAll(ctx)
	if len(changes) != 2 {
		t.Fatalf("expected two changes, got %d", len(changes))
	}
	if changes[0].ID != first.ID || changes[1].ID != second.ID {
		t.Fatalf("unexpected order: %#v", changes)
	}
	if changes[0].Retries != 0 {
		t.Fatalf("expected zero retries on enqueue, got %d", changes[0].Retries)
	}
	if changes[0].Timestamp != h.clock.Now().UnixMilli()-1 {
		t.Fatalf("unexpected timestamp %d", changes[0].Timestamp)
	}
	if changes[1].Data["name"] != "Wallet" {
		t.Fatalf("unexpected payload %#v", changes[1].Data)
	}
}

func TestQueueEnqueueValidatesInput(t *testing.T) {
	h := newHarness(t, nil)
	testCases := []struct {
		name      string
		table     string
		operation Operation
		data      Record
		expected  error
	}{
		{name: "empty table", table: "", operation: OperationInsert, data: Record{}, expected: ErrInvalidTable},
		{name: "table with path", table: "accounts/1", operation: OperationInsert, data: Record{}, expected: ErrInvalidTable},
		{name: "unknown operation", table: "accounts", operation: Operation("upsert"), data: Record{}, expected: ErrInvalidOperation},
		{name: "update without id", table: "accounts", operation: OperationUpdate, data: Record{"name": "x"}, expected: ErrMissingRecordID},
		{name: "delete with empty id", table: "movements", operation: OperationDelete, data: Record{"id": ""}, expected: ErrMissingRecordID},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := h.queue.Enqueue(context.Background(), testCase.table, testCase.operation, testCase.data)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || !strings.HasPrefix(serviceErr.Code(), opEnqueue+".") {
				t.Fatalf("expected service error with enqueue code, got %v", err)
			}
		})
	}
	if length := h.queue.Len(context.Background()); length != 0 {
		t.Fatalf("expected nothing queued, got %d", length)
	}
}

func TestQueueMutationsPersistAcrossInstances(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := mustEnqueue(t, h.queue, "accounts", OperationInsert, Record{"id": "a1"})
	second := mustEnqueue(t, h.queue, "movements", OperationDelete, Record{"id": "m9"})

	if err := h.queue.IncrementRetry(ctx, second.ID); err != nil {
		t.Fatalf("unexpected increment error: %v", err)
	}
	if err := h.queue.RemoveByID(ctx, first.ID); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}

	reopened, err := NewQueue(QueueConfig{Store: h.store})
	if err != nil {
		t.Fatalf("failed to reopen queue: %v", err)
	}
	changes := reopened.ListAll(ctx)
	if len(changes) != 1 || changes[0].ID != second.ID {
		t.Fatalf("unexpected persisted queue %#v", changes)
	}
	if changes[0].Retries != 1 {
		t.Fatalf("expected retries 1, got %d", changes[0].Retries)
	}
}

func TestQueueRemoveMissingIDIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	mustEnqueue(t, h.queue, "accounts", OperationInsert, Record{"id": "a1"})
	if err := h.queue.RemoveByID(context.Background(), "change-404"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if length := h.queue.Len(context.Background()); length != 1 {
		t.Fatalf("expected queue untouched, got %d", length)
	}
}

func TestQueueRecordFailureStoresDiagnostics(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	change := mustEnqueue(t, h.queue, "accounts", OperationInsert, Record{"id": "a1"})
	h.clock.Advance(5 * time.Second)

	if err := h.queue.RecordFailure(ctx, change.ID, errBackendUnavailable); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := h.queue.ListAll(ctx)[0]
	if stored.LastError != errBackendUnavailable.Error() {
		t.Fatalf("unexpected last error %q", stored.LastError)
	}
	if stored.LastAttemptAt != h.clock.Now().UnixMilli() {
		t.Fatalf("unexpected last attempt %d", stored.LastAttemptAt)
	}

	err := h.queue.RecordFailure(ctx, "change-404", errBackendUnavailable)
	if !errors.Is(err, ErrChangeNotFound) {
		t.Fatalf("expected ErrChangeNotFound, got %v", err)
	}
}

func TestQueueCorruptValueReadsAsEmptyAndIsQuarantined(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, zap.New(core))
	ctx := context.Background()
	if err := h.store.Set(ctx, QueueKey, []byte("{not json")); err != nil {
		t.Fatalf("failed to seed corrupt value: %v", err)
	}

	if changes := h.queue.ListAll(ctx); len(changes) != 0 {
		t.Fatalf("expected empty queue, got %#v", changes)
	}
	if logs.FilterField(zap.String("reason", reasonCorruptValue)).Len() == 0 {
		t.Fatalf("expected corrupt value warning")
	}

	mustEnqueue(t, h.queue, "accounts", OperationInsert, Record{"id": "a1"})
	if length := h.queue.Len(ctx); length != 1 {
		t.Fatalf("expected fresh queue with one entry, got %d", length)
	}
	quarantined, found, err := h.store.Get(ctx, "offline-queue-corrupt-1700000000000")
	if err != nil || !found {
		t.Fatalf("expected quarantined bytes, found=%v err=%v", found, err)
	}
	if string(quarantined) != "{not json" {
		t.Fatalf("unexpected quarantined value %q", quarantined)
	}
}

func TestQueueReadFailureAbortsMutation(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := &failingStore{Store: kvstore.NewMemoryStore(clock.Now)}
	queue, err := NewQueue(QueueConfig{Store: store, Clock: clock.Now, IDProvider: &sequentialIDs{}})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	existing := mustEnqueue(t, queue, "accounts", OperationInsert, Record{"id": "a1"})

	store.setFailures(true, false)
	if _, err := queue.Enqueue(ctx, "accounts", OperationInsert, Record{"id": "a2"}); err == nil {
		t.Fatalf("expected enqueue to fail while the store is unreadable")
	}
	store.setFailures(false, false)

	changes := queue.ListAll(ctx)
	if len(changes) != 1 || changes[0].ID != existing.ID {
		t.Fatalf("expected persisted queue to survive read failure, got %#v", changes)
	}
}

func TestQueueClearDropsEverything(t *testing.T) {
	h := newHarness(t, nil)
	mustEnqueue(t, h.queue, "accounts", OperationInsert, Record{"id": "a1"})
	mustEnqueue(t, h.queue, "accounts", OperationInsert, Record{"id": "a2"})

	discarded, err := h.queue.Clear(context.Background())
	if err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	if discarded != 2 {
		t.Fatalf("expected two discarded, got %d", discarded)
	}
	if length := h.queue.Len(context.Background()); length != 0 {
		t.Fatalf("expected empty queue, got %d", length)
	}
}

func TestChangeIDProviderFormat(t *testing.T) {
	clock := newTestClock()
	provider := NewChangeIDProvider(clock.Now)
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	second, _ := provider.NewID()
	if !strings.HasPrefix(first, "change-1700000000000-") {
		t.Fatalf("unexpected id %q", first)
	}
	if first == second {
		t.Fatalf("expected distinct ids, got %q twice", first)
	}
}
