package db

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"dashgate/internal/introspect"
	"dashgate/pkg/config"
)

// Driver opens connections to one database engine.
type Driver interface {

	// Connect opens and verifies a connection described by d. The context
	// bounds the dial and the initial ping.
	Connect(ctx context.Context, d config.Descriptor) (Conn, error)
}

// Conn is a live connection to one backend. Every call is bound to ctx.
type Conn interface {
	ListTables(ctx context.Context) ([]string, error)
	ListColumns(ctx context.Context, table string) ([]string, error)
	ColumnTypes(ctx context.Context, table string) ([]introspect.ColumnType, error)
	Execute(ctx context.Context, q QuerySpec) (introspect.Result, error)

	// Upsert creates the table if absent, deletes rows whose key is not in
	// req.Rows and upserts every row by primary key.
	Upsert(ctx context.Context, req UpsertRequest) (introspect.SyncResult, error)
	Close() error
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register makes a Driver available under name.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[strings.ToLower(name)] = d
}

// listRegistered returns the registered engine keys (for diagnostics).
func listRegistered() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	keys := make([]string, 0, len(drivers))
	for k := range drivers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Lookup returns the driver registered for engine.
func Lookup(engine string) (Driver, error) {
	engine = config.NormalizeEngine(engine)
	driversMu.RLock()
	d, ok := drivers[engine]
	driversMu.RUnlock()
	if !ok {
		return nil, &UnsupportedBackendError{Engine: engine, Available: listRegistered()}
	}
	return d, nil
}

// Open connects to the backend described by d and returns a Session that must
// be closed by the caller on every exit path.
func Open(ctx context.Context, d config.Descriptor) (*Session, error) {
	drv, err := Lookup(d.Type)
	if err != nil {
		return nil, err
	}
	engine := config.NormalizeEngine(d.Type)
	conn, err := drv.Connect(ctx, d)
	if err != nil {
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConnectionError{Engine: engine, ConnectionID: d.ID, Err: err}
	}
	return newSession(d.ID, engine, conn), nil
}

// RegisteredEngines is a helper that allows main to print registered engines
func RegisteredEngines() []string {
	return listRegistered()
}
