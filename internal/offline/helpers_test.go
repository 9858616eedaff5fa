package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/kvstore"
	"go.uber.org/zap"
)

var (
	errBackendUnavailable = errors.New("backend unavailable")
	errRowPolicyDenied    = errors.New("row-level policy denied the write")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("change-%d", s.next), nil
}

type backendCall struct {
	Operation Operation
	Table     string
	ID        string
	Data      Record
	// Credential is the user token the call was scoped to; empty means the service key.
	Credential string
}

type credentialKey struct{}

// fakeCredentials hands out a token per known user.
type fakeCredentials struct {
	tokens map[string]string
}

func (c *fakeCredentials) ReplayContext(ctx context.Context, userID string) (context.Context, bool) {
	token, ok := c.tokens[userID]
	if !ok {
		return nil, false
	}
	return context.WithValue(ctx, credentialKey{}, token), true
}

// interceptingLeaser runs beforeAcquire once, ahead of the next lease acquisition.
type interceptingLeaser struct {
	kvstore.Leaser
	mu            sync.Mutex
	beforeAcquire func()
}

func (l *interceptingLeaser) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	hook := l.beforeAcquire
	l.beforeAcquire = nil
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
	return l.Leaser.AcquireLease(ctx, name, owner, ttl)
}

// fakeBackend records every call and fails those whose ordinal (1-based)
// appears in failCalls, or every call when failAll is set.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []backendCall
	failCalls map[int]bool
	failAll   bool
	// denied rejects calls scoped to these credentials.
	denied map[string]bool
	onCall func(call backendCall)
	block  chan struct{}
}

func (b *fakeBackend) record(ctx context.Context, call backendCall) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call.Credential, _ = ctx.Value(credentialKey{}).(string)
	b.mu.Lock()
	b.calls = append(b.calls, call)
	ordinal := len(b.calls)
	fail := b.failAll || b.failCalls[ordinal]
	denied := b.denied[call.Credential]
	onCall := b.onCall
	b.mu.Unlock()
	if onCall != nil {
		onCall(call)
	}
	if denied {
		return errRowPolicyDenied
	}
	if fail {
		return errBackendUnavailable
	}
	return nil
}

func (b *fakeBackend) Insert(ctx context.Context, table string, data Record) error {
	return b.record(ctx, backendCall{Operation: OperationInsert, Table: table, Data: data})
}

func (b *fakeBackend) Update(ctx context.Context, table, id string, data Record) error {
	return b.record(ctx, backendCall{Operation: OperationUpdate, Table: table, ID: id, Data: data})
}

func (b *fakeBackend) Delete(ctx context.Context, table, id string) error {
	return b.record(ctx, backendCall{Operation: OperationDelete, Table: table, ID: id})
}

func (b *fakeBackend) Calls() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendCall(nil), b.calls...)
}

// failingStore wraps a store and fails reads or writes on demand.
type failingStore struct {
	kvstore.Store
	mu        sync.Mutex
	failGet   bool
	failWrite bool
}

func (s *failingStore) setFailures(get, write bool) {
	s.mu.Lock()
	s.failGet = get
	s.failWrite = write
	s.mu.Unlock()
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	fail := s.failGet
	s.mu.Unlock()
	if fail {
		return nil, false, errors.New("disk read failed")
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failWrite
	s.mu.Unlock()
	if fail {
		return errors.New("disk write failed")
	}
	return s.Store.Set(ctx, key, value)
}

type harness struct {
	clock   *testClock
	store   *kvstore.MemoryStore
	monitor *StatusMonitor
	backend *fakeBackend
	queue   *Queue
	cache   *Cache
	driver  *Driver
	access  *Access
}

type harnessOption func(*DriverConfig)

func newHarness(t *testing.T, logger *zap.Logger, options ...harnessOption) *harness {
	t.Helper()
	clock := newTestClock()
	store := kvstore.NewMemoryStore(clock.Now)
	monitor := NewStatusMonitor(true)
	backend := &fakeBackend{failCalls: map[int]bool{}}

	queue, err := NewQueue(QueueConfig{Store: store, Clock: clock.Now, IDProvider: &sequentialIDs{}, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	cache, err := NewCache(CacheConfig{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	driverConfig := DriverConfig{
		Queue:        queue,
		Backend:      backend,
		Store:        store,
		Connectivity: monitor,
		Leaser:       store,
		Owner:        "test-owner",
		Clock:        clock.Now,
		Logger:       logger,
	}
	for _, option := range options {
		option(&driverConfig)
	}
	driver, err := NewDriver(driverConfig)
	if err != nil {
		t.Fatalf("failed to construct driver: %v", err)
	}
	access, err := NewAccess(AccessConfig{
		Connectivity: monitor,
		Queue:        queue,
		Cache:        cache,
		Driver:       driver,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("failed to construct access: %v", err)
	}
	return &harness{
		clock:   clock,
		store:   store,
		monitor: monitor,
		backend: backend,
		queue:   queue,
		cache:   cache,
		driver:  driver,
		access:  access,
	}
}

func mustEnqueue(t *testing.T, queue *Queue, table string, operation Operation, data Record) PendingChange {
	t.Helper()
	change, err := queue.Enqueue(context.Background(), table, operation, data)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	return change
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
