package offline

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// AccessConfig describes an Access.
type AccessConfig struct {
	Connectivity Connectivity
	Queue        *Queue
	Cache        *Cache
	Driver       *Driver
	Logger       *zap.Logger
}

// Access is the offline-aware surface the rest of the application talks to.
type Access struct {
	connectivity Connectivity
	queue        *Queue
	cache        *Cache
	driver       *Driver
	logger       *zap.Logger
}

// NewAccess validates cfg and returns an Access.
func NewAccess(cfg AccessConfig) (*Access, error) {
	switch {
	case cfg.Connectivity == nil:
		return nil, newServiceError(opAccessNew, "missing_connectivity", errMissingConnectivity)
	case cfg.Queue == nil:
		return nil, newServiceError(opAccessNew, "missing_queue", errMissingQueue)
	case cfg.Cache == nil:
		return nil, newServiceError(opAccessNew, "missing_cache", errMissingCache)
	case cfg.Driver == nil:
		return nil, newServiceError(opAccessNew, "missing_driver", errMissingDriver)
	}
	return &Access{
		connectivity: cfg.Connectivity,
		queue:        cfg.Queue,
		cache:        cfg.Cache,
		driver:       cfg.Driver,
		logger:       loggerOrNop(cfg.Logger),
	}, nil
}

func (a *Access) IsOnline() bool {
	return a.connectivity.IsOnline()
}

func (a *Access) OnOnlineStatusChange(callback func(online bool)) func() {
	return a.connectivity.OnStatusChange(callback)
}

func (a *Access) GetPendingChanges(ctx context.Context) []PendingChange {
	return a.queue.ListAll(ctx)
}

// PendingChangesFor lists the queued changes issued under userID's session.
func (a *Access) PendingChangesFor(ctx context.Context, userID string) []PendingChange {
	return a.queue.ListFor(ctx, userID)
}

func (a *Access) SyncPendingChanges(ctx context.Context) SyncResult {
	return a.driver.SyncPendingChanges(ctx)
}

// GetLastSyncTime returns the unix millis of the last productive pass, if any.
func (a *Access) GetLastSyncTime(ctx context.Context) (int64, bool) {
	return a.driver.LastSyncTime(ctx)
}

// GetSyncStatus derives the current status from the live state.
func (a *Access) GetSyncStatus(ctx context.Context) SyncStatus {
	status := SyncStatus{
		IsOnline:       a.IsOnline(),
		PendingChanges: a.queue.Len(ctx),
		IsSyncing:      a.driver.InProgress(),
		Stuck:          len(a.driver.StuckChanges(ctx)),
	}
	if millis, ok := a.driver.LastSyncTime(ctx); ok {
		status.LastSyncAt = &millis
	}
	return status
}

// MutateWithQueue applies the write through mutate when online and queues it
// otherwise, or when mutate fails. applied is false whenever the change was
// queued. err is set only when the change could be neither applied nor queued.
func (a *Access) MutateWithQueue(ctx context.Context, table string, operation Operation, data Record, mutate func(context.Context) error) (bool, error) {
	return a.MutateWithQueueFor(ctx, "", table, operation, data, mutate)
}

// MutateWithQueueFor is MutateWithQueue for a write issued under userID's
// session; a queued change keeps that owner and replays only as that user.
func (a *Access) MutateWithQueueFor(ctx context.Context, userID, table string, operation Operation, data Record, mutate func(context.Context) error) (bool, error) {
	if mutate == nil {
		return false, newServiceError(opMutate, reasonMissingMutate, errMissingMutation)
	}
	if a.IsOnline() {
		err := mutate(ctx)
		if err == nil {
			return true, nil
		}
		logWarn(a.logger, "direct mutation failed; queueing change", opMutate, reasonMutationFailed, err,
			zap.String(fieldTable, table),
			zap.String(fieldOperation, string(operation)))
	}
	if _, err := a.queue.EnqueueFor(ctx, userID, table, operation, data); err != nil {
		return false, err
	}
	return false, nil
}

// ClearUserCache drops every cached snapshot for userID, as on sign-out.
func (a *Access) ClearUserCache(ctx context.Context, userID string) (int64, error) {
	return a.cache.ClearAll(ctx, userID)
}

// FetchWithCache returns fresh rows when online and the fetch succeeds,
// refreshing the cache; otherwise it serves the cached snapshot, or an empty
// collection when there is none. It never fails.
func FetchWithCache[T any](ctx context.Context, access *Access, userID, table string, fetch func(context.Context) ([]T, error)) []T {
	if access == nil || strings.TrimSpace(userID) == "" {
		return []T{}
	}
	if access.IsOnline() && fetch != nil {
		items, err := fetch(ctx)
		if err == nil {
			if items == nil {
				items = []T{}
			}
			if cacheErr := access.cache.Set(ctx, table, userID, items); cacheErr != nil {
				logWarn(access.logger, "failed to refresh offline cache", opFetch, reasonStoreWrite, cacheErr, zap.String(fieldTable, table))
			}
			return items
		}
		logWarn(access.logger, "live fetch failed; serving cache", opFetch, reasonFetchFailed, err, zap.String(fieldTable, table))
	}

	raw, found := access.cache.Get(ctx, table, userID)
	if !found {
		return []T{}
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		logWarn(access.logger, "cached snapshot unreadable", opFetch, reasonCorruptValue, err, zap.String(fieldTable, table))
		return []T{}
	}
	if items == nil {
		return []T{}
	}
	return items
}
