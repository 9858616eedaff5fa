package offline

import (
	"errors"

	"go.uber.org/zap"
)

var (
	errMissingStore        = errors.New("key-value store is required")
	errMissingQueue        = errors.New("pending change queue is required")
	errMissingCache        = errors.New("cache store is required")
	errMissingBackend      = errors.New("backend collaborator is required")
	errMissingDriver       = errors.New("synchronization driver is required")
	errMissingAccess       = errors.New("access wrappers are required")
	errMissingMonitor      = errors.New("status monitor is required")
	errMissingPinger       = errors.New("pinger is required")
	errMissingConnectivity = errors.New("connectivity monitor is required")
	errMissingMutation     = errors.New("mutation function is required")
	noOpLogger             = zap.NewNop()
)

const (
	opQueueNew      = "offline.queue.new"
	opEnqueue       = "offline.enqueue"
	opRemoveChange  = "offline.remove_change"
	opRecordFailure = "offline.record_failure"
	opClearQueue    = "offline.clear_queue"
	opCacheNew      = "offline.cache.new"
	opCacheSet      = "offline.cache.set"
	opCacheClear    = "offline.cache.clear"
	opDriverNew     = "offline.driver.new"
	opSync          = "offline.sync"
	opAccessNew     = "offline.access.new"
	opMutate        = "offline.mutate"
	opFetch         = "offline.fetch"
	opProberNew     = "offline.prober.new"
	opSchedulerNew  = "offline.scheduler.new"

	reasonInvalidTable   = "invalid_table"
	reasonInvalidUserID  = "invalid_user_id"
	reasonInvalidOp      = "invalid_operation"
	reasonMissingID      = "missing_record_id"
	reasonIDFailed       = "id_generation_failed"
	reasonStoreRead      = "store_read_failed"
	reasonStoreWrite     = "store_write_failed"
	reasonEncodeFailed   = "encode_failed"
	reasonCorruptValue   = "corrupt_value"
	reasonNotFound       = "change_not_found"
	reasonBackendFailed  = "backend_failed"
	reasonLeaseFailed    = "lease_failed"
	reasonMissingMutate  = "missing_mutation"
	reasonFetchFailed    = "fetch_failed"
	reasonMutationFailed = "mutation_failed"
)

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return noOpLogger
	}
	return logger
}

func logError(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	logAt(logger.Error, message, operation, reason, err, fields...)
}

func logWarn(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	logAt(logger.Warn, message, operation, reason, err, fields...)
}

func logAt(write func(string, ...zap.Field), message, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	write(message, attrs...)
}
