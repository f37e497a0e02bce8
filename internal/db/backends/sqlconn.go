package backends

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"dashgate/internal/db"
	"dashgate/internal/introspect"
	"dashgate/internal/logger"
	"dashgate/pkg/config"
)

// sqlDialect holds the engine-specific statements used by sqlConn.
type sqlDialect interface {
	quote(ident string) string
	listTablesQuery() string
	// columnsQuery takes the table name as its only argument and returns
	// (column_name, data_type) rows in ordinal order.
	columnsQuery() string
	// tableExistsQuery takes the table name and returns a single count.
	tableExistsQuery() string
	createTable(table, pk string, cols []string) string
	// deleteStale removes every row whose key is not in keys and reports how
	// many were removed.
	deleteStale(ctx context.Context, tx *sql.Tx, table, pk string, keys []string) (int64, error)
	upsertBatch(ctx context.Context, tx *sql.Tx, table, pk string, cols []string, rows []introspect.Row) (inserted, updated int64, err error)
}

// sqlDriver opens database/sql connections for one dialect.
type sqlDriver struct {
	dialect sqlDialect
}

func (d sqlDriver) Connect(ctx context.Context, desc config.Descriptor) (db.Conn, error) {
	driver, dsn, err := config.BuildDSN(desc)
	if err != nil {
		return nil, err
	}
	dbConn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := dbConn.PingContext(ctx); err != nil {
		dbConn.Close()
		return nil, err
	}
	return newSQLConn(dbConn, d.dialect), nil
}

// newSQLConn wraps dbConn, limited to a single physical connection so one
// logical operation never fans out over the pool.
func newSQLConn(dbConn *sql.DB, dialect sqlDialect) *sqlConn {
	dbConn.SetMaxOpenConns(1)
	return &sqlConn{db: dbConn, dialect: dialect}
}

// sqlConn implements db.Conn over database/sql.
type sqlConn struct {
	db      *sql.DB
	dialect sqlDialect
}

func (c *sqlConn) ListTables(ctx context.Context) ([]string, error) {
	tr, err := c.db.QueryContext(ctx, c.dialect.listTablesQuery())
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer tr.Close()

	tables := []string{}
	for tr.Next() {
		var name string
		if err := tr.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, tr.Err()
}

func (c *sqlConn) ColumnTypes(ctx context.Context, table string) ([]introspect.ColumnType, error) {
	cr, err := c.db.QueryContext(ctx, c.dialect.columnsQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("query columns for %s: %w", table, err)
	}
	defer cr.Close()

	cols := []introspect.ColumnType{}
	for cr.Next() {
		var col introspect.ColumnType
		if err := cr.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("scan column for %s: %w", table, err)
		}
		cols = append(cols, col)
	}
	return cols, cr.Err()
}

func (c *sqlConn) ListColumns(ctx context.Context, table string) ([]string, error) {
	types, err := c.ColumnTypes(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(types))
	for i, ct := range types {
		names[i] = ct.Name
	}
	return names, nil
}

func (c *sqlConn) Execute(ctx context.Context, q db.QuerySpec) (introspect.Result, error) {
	res := introspect.Result{Columns: []string{}, Rows: []introspect.Row{}}
	rows, err := c.db.QueryContext(ctx, q.SQL())
	if err != nil {
		return res, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return res, err
	}
	res.Columns = cols

	for rows.Next() {
		if q.Limit > 0 && len(res.Rows) == q.Limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return res, err
		}
		row := make(introspect.Row, len(cols))
		for i, col := range cols {
			row[col] = scanValue(vals[i])
		}
		res.Rows = append(res.Rows, row)
	}
	return res, rows.Err()
}

func (c *sqlConn) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, c.dialect.tableExistsQuery(), table).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// Upsert creates the table when absent, then runs delete-stale and the batched
// upsert inside one transaction.
func (c *sqlConn) Upsert(ctx context.Context, req db.UpsertRequest) (introspect.SyncResult, error) {
	var res introspect.SyncResult

	exists, err := c.tableExists(ctx, req.Table)
	if err != nil {
		return res, err
	}
	if !exists {
		if len(req.Rows) == 0 {
			return res, nil
		}
		if _, err := c.db.ExecContext(ctx, c.dialect.createTable(req.Table, req.PrimaryKey, req.Columns())); err != nil {
			return res, fmt.Errorf("create table %s: %w", req.Table, err)
		}
		logger.Info("created table %s", req.Table)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	keys := make([]string, len(req.Rows))
	for i, k := range req.Keys() {
		keys[i] = keyString(k)
	}
	if res.Deleted, err = c.dialect.deleteStale(ctx, tx, req.Table, req.PrimaryKey, keys); err != nil {
		return res, fmt.Errorf("delete stale rows: %w", err)
	}

	cols := req.Columns()
	req.BatchSize = batchSize(req.BatchSize, len(cols))
	for _, batch := range req.Batches() {
		ins, upd, err := c.dialect.upsertBatch(ctx, tx, req.Table, req.PrimaryKey, cols, batch)
		if err != nil {
			return res, fmt.Errorf("upsert: %w", err)
		}
		res.Inserted += ins
		res.Updated += upd
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (c *sqlConn) Close() error {
	return c.db.Close()
}

// maxBindParams is the bind-parameter ceiling of a single statement on both
// Postgres and MySQL.
const maxBindParams = 65535

// batchSize bounds size so one multi-row statement over cols columns stays
// within maxBindParams.
func batchSize(size, cols int) int {
	limit := max(maxBindParams/max(cols, 1), 1)
	if size <= 0 || size > limit {
		return limit
	}
	return size
}

// rowArgs flattens rows into positional arguments ordered by cols.
func rowArgs(cols []string, rows []introspect.Row) []any {
	args := make([]any, 0, len(cols)*len(rows))
	for _, row := range rows {
		for _, col := range cols {
			args = append(args, sqlValue(row[col]))
		}
	}
	return args
}

// sqlValue converts a decoded JSON value into a driver argument. Nested
// objects and arrays are stored as JSON text.
func sqlValue(v any) any {
	switch x := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return v
	}
}

// keyString renders a primary key value the way it compares as text.
func keyString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func scanValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func placeholders(n, start int, pg bool) string {
	buf := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		if pg {
			buf = append(buf, '$')
			buf = strconv.AppendInt(buf, int64(start+i), 10)
		} else {
			buf = append(buf, '?')
		}
	}
	return string(buf)
}
