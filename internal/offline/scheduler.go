package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultRefreshInterval = 5 * time.Second

// Sync triggers recorded on reports.
const (
	TriggerReconnect = "reconnect"
	TriggerStartup   = "startup"
	TriggerInterval  = "interval"
	TriggerManual    = "manual"
)

// EventType names the kind of event a Scheduler publishes.
type EventType string

const (
	EventStatus     EventType = "status"
	EventSyncReport EventType = "sync-report"
)

// SyncReport describes one completed drain pass.
type SyncReport struct {
	Trigger     string `json:"trigger"`
	Success     int    `json:"success"`
	Failed      int    `json:"failed"`
	Deferred    int    `json:"deferred"`
	CompletedAt int64  `json:"completed_at"`
}

// Event is published to listeners whenever the status changes or a pass completes.
type Event struct {
	Type   EventType   `json:"type"`
	Status *SyncStatus `json:"status,omitempty"`
	Report *SyncReport `json:"report,omitempty"`
}

// EventPublisher receives scheduler events. Publish must not block.
type EventPublisher interface {
	Publish(event Event)
}

// SchedulerConfig describes a Scheduler.
type SchedulerConfig struct {
	Access          *Access
	RefreshInterval time.Duration
	// SyncInterval retries pending changes periodically while online; zero disables it.
	SyncInterval time.Duration
	Publisher    EventPublisher
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Scheduler drains the queue when connectivity returns and keeps the
// observable status fresh.
type Scheduler struct {
	access          *Access
	refreshInterval time.Duration
	syncInterval    time.Duration
	publisher       EventPublisher
	clock           func() time.Time
	logger          *zap.Logger

	syncing atomic.Bool

	mu      sync.Mutex
	status  SyncStatus
	known   bool
	stopped bool
	workers sync.WaitGroup
}

// NewScheduler validates cfg and returns a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Access == nil {
		return nil, newServiceError(opSchedulerNew, "missing_access", errMissingAccess)
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		access:          cfg.Access,
		refreshInterval: refresh,
		syncInterval:    cfg.SyncInterval,
		publisher:       cfg.Publisher,
		clock:           clock,
		logger:          loggerOrNop(cfg.Logger),
	}, nil
}

// IsSyncing reports whether a scheduler-initiated pass is running.
func (s *Scheduler) IsSyncing() bool {
	return s.syncing.Load()
}

// SyncNow runs one drain pass and reports it. A pass already running through
// this scheduler, or held by another drain, yields a skipped result.
func (s *Scheduler) SyncNow(ctx context.Context, trigger string) SyncResult {
	if !s.syncing.CompareAndSwap(false, true) {
		return SyncResult{Skipped: true}
	}
	result := s.access.SyncPendingChanges(ctx)
	s.syncing.Store(false)
	if result.Skipped {
		return result
	}
	s.report(trigger, result)
	s.Refresh(ctx)
	return result
}

// Refresh recomputes the status and publishes it when it changed.
func (s *Scheduler) Refresh(ctx context.Context) SyncStatus {
	status := s.access.GetSyncStatus(ctx)
	if s.IsSyncing() {
		status.IsSyncing = true
	}
	s.mu.Lock()
	changed := !s.known || !sameStatus(s.status, status)
	s.status = status
	s.known = true
	s.mu.Unlock()
	if changed {
		s.publish(Event{Type: EventStatus, Status: &status})
	}
	return status
}

// Status returns the last refreshed status.
func (s *Scheduler) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run subscribes to connectivity changes and refreshes status until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	unsubscribe := s.access.OnOnlineStatusChange(func(online bool) {
		s.Refresh(ctx)
		if online {
			s.spawn(ctx, TriggerReconnect)
		}
	})
	defer s.stop()
	defer unsubscribe()

	s.Refresh(ctx)
	s.spawn(ctx, TriggerStartup)

	refreshTicker := time.NewTicker(s.refreshInterval)
	defer refreshTicker.Stop()
	var syncTick <-chan time.Time
	if s.syncInterval > 0 {
		syncTicker := time.NewTicker(s.syncInterval)
		defer syncTicker.Stop()
		syncTick = syncTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refreshTicker.C:
			s.Refresh(ctx)
		case <-syncTick:
			if s.Status().PendingChanges > 0 {
				s.spawn(ctx, TriggerInterval)
			}
		}
	}
}

// spawn starts a background pass while online.
func (s *Scheduler) spawn(ctx context.Context, trigger string) {
	if !s.access.IsOnline() || s.IsSyncing() {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.workers.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.workers.Done()
		s.SyncNow(ctx, trigger)
	}()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.workers.Wait()
}

func (s *Scheduler) report(trigger string, result SyncResult) {
	report := SyncReport{
		Trigger:     trigger,
		Success:     result.Success,
		Failed:      result.Failed,
		Deferred:    result.Deferred,
		CompletedAt: s.clock().UnixMilli(),
	}
	if result.Success > 0 {
		s.logger.Info("pending changes synced", zap.String("trigger", trigger), zap.Int("success", result.Success))
	}
	if result.Failed > 0 {
		s.logger.Warn("pending changes failed to sync", zap.String("trigger", trigger), zap.Int("failed", result.Failed))
	}
	if result.Success > 0 || result.Failed > 0 {
		s.publish(Event{Type: EventSyncReport, Report: &report})
	}
}

func (s *Scheduler) publish(event Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event)
}

func sameStatus(left, right SyncStatus) bool {
	if left.IsOnline != right.IsOnline ||
		left.PendingChanges != right.PendingChanges ||
		left.IsSyncing != right.IsSyncing ||
		left.Stuck != right.Stuck {
		return false
	}
	switch {
	case left.LastSyncAt == nil && right.LastSyncAt == nil:
		return true
	case left.LastSyncAt == nil || right.LastSyncAt == nil:
		return false
	default:
		return *left.LastSyncAt == *right.LastSyncAt
	}
}
