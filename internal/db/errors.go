package db

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a connection or dataset id is unknown.
var ErrNotFound = errors.New("not found")

// ErrClosed is wrapped in a ConnectionError when a closed connection is used.
var ErrClosed = errors.New("connection is closed")

// ConnectionError reports an auth or network failure opening a backend
// connection, or use of a connection that has already been closed.
type ConnectionError struct {
	Engine       string
	ConnectionID string
	Err          error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %q (%s): %v", e.ConnectionID, e.Engine, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnsupportedBackendError is returned for engine types with no registered driver.
type UnsupportedBackendError struct {
	Engine    string
	Available []string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported backend %q (available: %v)", e.Engine, e.Available)
}

// SchemaIntrospectionError describes a single table whose columns could not be
// read. It is logged and degraded to empty columns, never returned to callers
// of Introspect.
type SchemaIntrospectionError struct {
	Table string
	Err   error
}

func (e *SchemaIntrospectionError) Error() string {
	return fmt.Sprintf("introspect table %q: %v", e.Table, e.Err)
}

func (e *SchemaIntrospectionError) Unwrap() error { return e.Err }

// QueryExecutionError carries the backend's native error message verbatim.
type QueryExecutionError struct {
	Engine string
	Err    error
}

func (e *QueryExecutionError) Error() string { return e.Err.Error() }

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// InvalidQueryError reports a query rejected before it reached the backend,
// such as a malformed MongoDB query document.
type InvalidQueryError struct {
	Engine string
	Err    error
}

func (e *InvalidQueryError) Error() string { return e.Err.Error() }

func (e *InvalidQueryError) Unwrap() error { return e.Err }

// RewriteError is returned when a date-bucket rewrite target cannot be located safely.
type RewriteError struct {
	Reason string
}

func (e *RewriteError) Error() string { return "rewrite: " + e.Reason }

// SyncError reports a rejected reconciliation batch or a backend write failure
// during reconciliation. Err is nil for validation failures.
type SyncError struct {
	Table  string
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sync %q: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("sync %q: %s: %v", e.Table, e.Reason, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Rejected reports whether the batch was refused before any write.
func (e *SyncError) Rejected() bool { return e.Err == nil }
