package entitystore

import (
	"errors"
	"strings"
)

var (
	// ErrClosed indicates an operation was attempted on a closed store.
	ErrClosed = errors.New("entitystore closed")

	// ErrNotFound indicates the requested entity or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorruptBlob indicates a blob file is missing or does not match the
	// size and checksum recorded in the index.
	ErrCorruptBlob = errors.New("corrupt blob")

	// ErrReadOnly indicates a write was attempted inside a read-only transaction.
	ErrReadOnly = errors.New("read-only transaction")

	// ErrTxActive is returned by [Store.Close] while transactions are open.
	ErrTxActive = errors.New("transaction in progress")

	// ErrTxDone indicates the transaction was already committed or rolled back.
	ErrTxDone = errors.New("transaction already finished")

	// ErrLocked indicates another process holds the store directory.
	ErrLocked = errors.New("store locked by another process")

	// ErrCacheRoot indicates the cache root directory could not be created.
	// Callers are expected to continue without persistence.
	ErrCacheRoot = errors.New("cache root unavailable")

	// ErrSerialize indicates a [Storable] failed to export or marshal itself.
	ErrSerialize = errors.New("serialize")

	// ErrUnsupportedValue indicates a property value of an unsupported type.
	ErrUnsupportedValue = errors.New("unsupported property value")
)

// Error carries the entity a failure relates to.
//
// The underlying message comes first, followed by the entity context:
//
//	corrupt blob (entity_type=Source store_id=/src/A.java)
//
// Use [errors.Is] for the sentinel and [errors.As] for the fields.
type Error struct {
	EntityType string
	StoreID    string
	Err        error
}

// Error formats as "<cause> (entity_type=X store_id=Y)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}

	var parts []string

	if e.EntityType != "" {
		parts = append(parts, "entity_type="+e.EntityType)
	}

	if e.StoreID != "" {
		parts = append(parts, "store_id="+e.StoreID)
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// withEntity wraps err with entity context. Existing context is not
// duplicated.
func withEntity(err error, entityType, storeID string) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	return &Error{EntityType: entityType, StoreID: storeID, Err: err}
}
