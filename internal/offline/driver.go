package offline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/ledger/internal/kvstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultLeaseTTL = 2 * time.Minute

// Backend applies a single write against the remote data service.
type Backend interface {
	Insert(ctx context.Context, table string, data Record) error
	Update(ctx context.Context, table, id string, data Record) error
	Delete(ctx context.Context, table, id string) error
}

// BackoffPolicy spaces out retries of a failing change. A zero Base disables it.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Enabled reports whether the policy ever defers a change.
func (p BackoffPolicy) Enabled() bool {
	return p.Base > 0
}

// Delay returns the wait after the given number of failed attempts:
// Base*2^(retries-1), capped at Max when Max is set.
func (p BackoffPolicy) Delay(retries int) time.Duration {
	if !p.Enabled() || retries <= 0 {
		return 0
	}
	shift := retries - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.Base << uint(shift)
	if delay <= 0 || (p.Max > 0 && delay > p.Max) {
		return p.Max
	}
	return delay
}

// ready reports whether change may be attempted at now.
func (p BackoffPolicy) ready(change PendingChange, now time.Time) bool {
	if !p.Enabled() || change.Retries == 0 || change.LastAttemptAt == 0 {
		return true
	}
	next := time.UnixMilli(change.LastAttemptAt).Add(p.Delay(change.Retries))
	return !now.Before(next)
}

// CredentialProvider scopes the replay of a user's change to that user's
// credentials. ok is false when no usable credentials are known.
type CredentialProvider interface {
	ReplayContext(ctx context.Context, userID string) (scoped context.Context, ok bool)
}

// DriverConfig describes a Driver.
type DriverConfig struct {
	Queue   *Queue
	Backend Backend
	Store   kvstore.Store
	// Connectivity is consulted before every entry; nil means always online.
	Connectivity Connectivity
	// Leaser, when set, keeps drains exclusive across processes sharing Store.
	Leaser kvstore.Leaser
	// Credentials replays user-owned changes; without it they stay deferred.
	Credentials      CredentialProvider
	LeaseTTL         time.Duration
	Owner            string
	OperationTimeout time.Duration
	Backoff          BackoffPolicy
	// StuckAfter marks changes with at least this many retries as stuck; zero disables it.
	StuckAfter int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Driver drains the pending change queue against the backend.
type Driver struct {
	queue            *Queue
	backend          Backend
	store            kvstore.Store
	connectivity     Connectivity
	leaser           kvstore.Leaser
	credentials      CredentialProvider
	leaseTTL         time.Duration
	owner            string
	operationTimeout time.Duration
	backoff          BackoffPolicy
	stuckAfter       int
	clock            func() time.Time
	logger           *zap.Logger

	drainMu    sync.Mutex
	inProgress atomic.Bool
}

// NewDriver validates cfg and returns a Driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Queue == nil {
		return nil, newServiceError(opDriverNew, "missing_queue", errMissingQueue)
	}
	if cfg.Backend == nil {
		return nil, newServiceError(opDriverNew, "missing_backend", errMissingBackend)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opDriverNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Driver{
		queue:            cfg.Queue,
		backend:          cfg.Backend,
		store:            cfg.Store,
		connectivity:     cfg.Connectivity,
		leaser:           cfg.Leaser,
		credentials:      cfg.Credentials,
		leaseTTL:         leaseTTL,
		owner:            owner,
		operationTimeout: cfg.OperationTimeout,
		backoff:          cfg.Backoff,
		stuckAfter:       cfg.StuckAfter,
		clock:            clock,
		logger:           loggerOrNop(cfg.Logger),
	}, nil
}

// InProgress reports whether a drain pass is running in this process.
func (d *Driver) InProgress() bool {
	return d.inProgress.Load()
}

// SyncPendingChanges applies every queued change in FIFO order. Failures stay
// queued with retries incremented; the pass never returns an error.
func (d *Driver) SyncPendingChanges(ctx context.Context) SyncResult {
	if !d.drainMu.TryLock() {
		d.logger.Debug("sync pass skipped", zap.String("reason", "drain_in_progress"))
		return SyncResult{Skipped: true}
	}
	defer d.drainMu.Unlock()
	d.inProgress.Store(true)
	defer d.inProgress.Store(false)

	if d.queue.Len(ctx) == 0 {
		return SyncResult{}
	}

	if d.leaser != nil {
		acquired, err := d.leaser.AcquireLease(ctx, SyncLeaseName, d.owner, d.leaseTTL)
		if err != nil {
			logWarn(d.logger, "failed to acquire sync lease", opSync, reasonLeaseFailed, err)
			return SyncResult{Skipped: true}
		}
		if !acquired {
			d.logger.Debug("sync pass skipped", zap.String("reason", "lease_held"))
			return SyncResult{Skipped: true}
		}
		defer d.releaseLease(ctx)
	}

	// Read under the lease: a drain that finished while we waited has already
	// removed what it applied.
	changes := d.queue.ListAll(ctx)
	if len(changes) == 0 {
		return SyncResult{}
	}

	var result SyncResult
	held := newDeferrals()
	for index, change := range changes {
		if ctx.Err() != nil || !d.online() {
			result.Deferred += len(changes) - index
			d.logger.Info("sync pass interrupted", zap.Int("deferred", len(changes)-index))
			break
		}
		if held.blocks(change) {
			held.add(change)
			result.Deferred++
			continue
		}
		if !d.backoff.ready(change, d.clock()) {
			held.add(change)
			result.Deferred++
			continue
		}
		callCtx, ok := d.replayContext(ctx, change)
		if !ok {
			d.logger.Debug("pending change deferred",
				zap.String(fieldChangeID, change.ID),
				zap.String("reason", "credentials_unavailable"))
			held.add(change)
			result.Deferred++
			continue
		}
		if !d.renewLease(ctx) {
			result.Deferred += len(changes) - index
			break
		}
		if !d.queue.Contains(ctx, change.ID) {
			continue
		}

		if err := d.apply(callCtx, change); err != nil {
			result.Failed++
			d.recordFailure(ctx, change, err)
			continue
		}
		result.Success++
		if err := d.queue.RemoveByID(context.WithoutCancel(ctx), change.ID); err != nil {
			// The write already landed; the entry is resubmitted on the next pass.
			logError(d.logger, "failed to remove applied change", opSync, reasonStoreWrite, err, zap.String(fieldChangeID, change.ID))
		}
	}

	if result.Success > 0 {
		d.persistLastSync(context.WithoutCancel(ctx))
	}
	d.logger.Info("sync pass completed",
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Int("deferred", result.Deferred))
	return result
}

// replayContext scopes ctx to the change owner's credentials. Changes issued
// with the service key replay on ctx as is.
func (d *Driver) replayContext(ctx context.Context, change PendingChange) (context.Context, bool) {
	if change.UserID == "" {
		return ctx, true
	}
	if d.credentials == nil {
		return nil, false
	}
	return d.credentials.ReplayContext(ctx, change.UserID)
}

// deferrals tracks the records a pass has held back, so later changes to the
// same record wait behind them. A change without a record id conflicts with
// every held change of its table.
type deferrals struct {
	tables map[string]*heldTable
}

type heldTable struct {
	all bool
	ids map[string]struct{}
}

func newDeferrals() *deferrals {
	return &deferrals{tables: map[string]*heldTable{}}
}

func (d *deferrals) add(change PendingChange) {
	held, ok := d.tables[change.Table]
	if !ok {
		held = &heldTable{ids: map[string]struct{}{}}
		d.tables[change.Table] = held
	}
	id, ok := RecordID(change.Data)
	if !ok {
		held.all = true
		return
	}
	held.ids[id] = struct{}{}
}

func (d *deferrals) blocks(change PendingChange) bool {
	held, ok := d.tables[change.Table]
	if !ok {
		return false
	}
	if held.all {
		return true
	}
	id, ok := RecordID(change.Data)
	if !ok {
		return len(held.ids) > 0
	}
	_, blocked := held.ids[id]
	return blocked
}

// LastSyncTime returns the unix millis of the last pass with at least one success.
func (d *Driver) LastSyncTime(ctx context.Context) (int64, bool) {
	raw, found, err := d.store.Get(ctx, LastSyncKey)
	if err != nil {
		logWarn(d.logger, "failed to read last sync time", opSync, reasonStoreRead, err, zap.String(fieldKey, LastSyncKey))
		return 0, false
	}
	if !found {
		return 0, false
	}
	millis, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		logWarn(d.logger, "last sync time corrupt", opSync, reasonCorruptValue, err, zap.String(fieldKey, LastSyncKey))
		return 0, false
	}
	return millis, true
}

// StuckChanges returns the queued changes whose retries reached StuckAfter.
func (d *Driver) StuckChanges(ctx context.Context) []PendingChange {
	stuck := []PendingChange{}
	if d.stuckAfter <= 0 {
		return stuck
	}
	for _, change := range d.queue.ListAll(ctx) {
		if change.Retries >= d.stuckAfter {
			stuck = append(stuck, change)
		}
	}
	return stuck
}

func (d *Driver) online() bool {
	if d.connectivity == nil {
		return true
	}
	return d.connectivity.IsOnline()
}

func (d *Driver) apply(ctx context.Context, change PendingChange) error {
	callCtx := ctx
	if d.operationTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.operationTimeout)
		defer cancel()
	}
	switch change.Operation {
	case OperationInsert:
		return d.backend.Insert(callCtx, change.Table, change.Data)
	case OperationUpdate, OperationDelete:
		id, ok := RecordID(change.Data)
		if !ok {
			return fmt.Errorf("%w: change %s", ErrMissingRecordID, change.ID)
		}
		if change.Operation == OperationUpdate {
			return d.backend.Update(callCtx, change.Table, id, change.Data)
		}
		return d.backend.Delete(callCtx, change.Table, id)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperation, change.Operation)
	}
}

func (d *Driver) recordFailure(ctx context.Context, change PendingChange, cause error) {
	logWarn(d.logger, "failed to apply pending change", opSync, reasonBackendFailed, cause,
		zap.String(fieldChangeID, change.ID),
		zap.String(fieldTable, change.Table),
		zap.String(fieldOperation, string(change.Operation)),
		zap.Int(fieldRetries, change.Retries+1))
	if err := d.queue.RecordFailure(context.WithoutCancel(ctx), change.ID, cause); err != nil && !errors.Is(err, ErrChangeNotFound) {
		logError(d.logger, "failed to record sync failure", opSync, reasonStoreWrite, err, zap.String(fieldChangeID, change.ID))
	}
}

func (d *Driver) persistLastSync(ctx context.Context) {
	value := strconv.FormatInt(d.clock().UnixMilli(), 10)
	if err := d.store.Set(ctx, LastSyncKey, []byte(value)); err != nil {
		logError(d.logger, "failed to persist last sync time", opSync, reasonStoreWrite, err, zap.String(fieldKey, LastSyncKey))
	}
}

func (d *Driver) renewLease(ctx context.Context) bool {
	if d.leaser == nil {
		return true
	}
	acquired, err := d.leaser.AcquireLease(ctx, SyncLeaseName, d.owner, d.leaseTTL)
	if err != nil {
		logWarn(d.logger, "failed to renew sync lease", opSync, reasonLeaseFailed, err)
		return false
	}
	if !acquired {
		d.logger.Warn("sync lease lost", zap.String("owner", d.owner))
	}
	return acquired
}

func (d *Driver) releaseLease(ctx context.Context) {
	if err := d.leaser.ReleaseLease(context.WithoutCancel(ctx), SyncLeaseName, d.owner); err != nil {
		logWarn(d.logger, "failed to release sync lease", opSync, reasonLeaseFailed, err)
	}
}
