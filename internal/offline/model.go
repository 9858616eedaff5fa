package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operation enumerates the write kinds a PendingChange can carry.
type Operation string

const (
	// OperationInsert creates a record.
	OperationInsert Operation = "insert"
	// OperationUpdate modifies the record named by data["id"].
	OperationUpdate Operation = "update"
	// OperationDelete removes the record named by data["id"].
	OperationDelete Operation = "delete"
)

const (
	// QueueKey is the store key holding the JSON array of pending changes.
	QueueKey = "offline-queue"
	// LastSyncKey is the store key holding the unix millis of the last productive sync pass.
	LastSyncKey = "offline-last-sync"
	// DefaultCachePrefix namespaces cache entries as {prefix}-{userID}-{table}.
	DefaultCachePrefix = "offline-cache"
	// SyncLeaseName names the lease that keeps drains exclusive across processes.
	SyncLeaseName = "offline-sync-lease"

	recordIDField       = "id"
	maxIdentifierLength = 190
)

var (
	// ErrInvalidTable indicates a table name that is empty or not a plain identifier.
	ErrInvalidTable = errors.New("offline: invalid table name")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("offline: invalid user id")
	// ErrInvalidOperation indicates an operation outside insert/update/delete.
	ErrInvalidOperation = errors.New("offline: invalid operation")
	// ErrMissingRecordID indicates an update or delete payload without an id field.
	ErrMissingRecordID = errors.New("offline: record id is required")
	// ErrChangeNotFound indicates that no pending change carries the requested id.
	ErrChangeNotFound = errors.New("offline: pending change not found")

	tablePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
)

// Record is an open field map as sent to and received from the backend.
type Record = map[string]interface{}

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(rawInput string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationInsert:
		return OperationInsert, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// RequiresRecordID reports whether the operation targets an existing record.
func (op Operation) RequiresRecordID() bool {
	return op == OperationUpdate || op == OperationDelete
}

// TableName represents a validated backend collection name.
type TableName string

// NewTableName validates raw input and returns a TableName.
func NewTableName(rawInput string) (TableName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if !tablePattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, rawInput)
	}
	return TableName(trimmed), nil
}

// String returns the underlying table name.
func (name TableName) String() string {
	return string(name)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// RecordID extracts the target record identifier from a payload. Numeric ids
// are rendered in their canonical decimal form.
func RecordID(data Record) (string, bool) {
	raw, ok := data[recordIDField]
	if !ok || raw == nil {
		return "", false
	}
	var id string
	switch value := raw.(type) {
	case string:
		id = strings.TrimSpace(value)
	case json.Number:
		id = value.String()
	case float64:
		id = strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		id = strconv.Itoa(value)
	case int64:
		id = strconv.FormatInt(value, 10)
	default:
		return "", false
	}
	return id, id != ""
}

// PendingChange is one queued write awaiting application against the backend.
type PendingChange struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`
	Data      Record    `json:"data"`
	// UserID names the session that issued the change; it is replayed only with
	// that user's credentials. Empty for changes issued with the service key.
	UserID string `json:"user_id,omitempty"`
	// Timestamp is the enqueue time in unix millis; diagnostics and ordering only.
	Timestamp     int64  `json:"timestamp"`
	Retries       int    `json:"retries"`
	LastError     string `json:"last_error,omitempty"`
	LastAttemptAt int64  `json:"last_attempt_at,omitempty"`
}

// SyncResult aggregates the outcome of one drain pass.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	// Deferred counts entries left untouched this pass: the client went offline
	// or the context ended, the entry is backing off, its owner has no usable
	// credentials, or an earlier change to the same record was held back.
	Deferred int `json:"deferred"`
	// Skipped reports that another drain held the queue and this pass did nothing.
	Skipped bool `json:"skipped"`
}

// SyncStatus is the derived, display-oriented view of the offline subsystem.
type SyncStatus struct {
	IsOnline       bool   `json:"is_online"`
	LastSyncAt     *int64 `json:"last_sync_at"`
	PendingChanges int    `json:"pending_changes"`
	IsSyncing      bool   `json:"is_syncing"`
	Stuck          int    `json:"stuck"`
}

// ServiceError carries a stable operation.reason code for callers that map
// failures onto transport responses.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
