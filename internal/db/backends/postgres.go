package backends

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"dashgate/internal/db"
	"dashgate/internal/introspect"
)

// pgDialect implements sqlDialect using information_schema and
// INSERT ... ON CONFLICT.
type pgDialect struct{}

func (pgDialect) quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

func (pgDialect) listTablesQuery() string {
	return `
        SELECT table_name
        FROM information_schema.tables
        WHERE table_type = 'BASE TABLE'
          AND table_schema = current_schema()
        ORDER BY table_name`
}

func (pgDialect) columnsQuery() string {
	return `
        SELECT column_name, data_type
        FROM information_schema.columns
        WHERE table_schema = current_schema() AND table_name = $1
        ORDER BY ordinal_position`
}

func (pgDialect) tableExistsQuery() string {
	return `
        SELECT COUNT(*)
        FROM information_schema.tables
        WHERE table_schema = current_schema() AND table_name = $1`
}

func (d pgDialect) createTable(table, pk string, cols []string) string {
	defs := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == pk {
			defs = append(defs, d.quote(col)+" TEXT PRIMARY KEY")
		} else {
			defs = append(defs, d.quote(col)+" TEXT")
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.quote(table), strings.Join(defs, ", "))
}

// deleteStale binds the kept keys as one text[] parameter.
func (d pgDialect) deleteStale(ctx context.Context, tx *sql.Tx, table, pk string, keys []string) (int64, error) {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE CAST(%s AS TEXT) <> ALL($1::text[])", d.quote(table), d.quote(pk))
	r, err := tx.ExecContext(ctx, stmt, pq.Array(keys))
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

// upsertBatch issues one multi-row INSERT ... ON CONFLICT. The RETURNING
// clause reports xmax = 0 for freshly inserted tuples.
func (d pgDialect) upsertBatch(ctx context.Context, tx *sql.Tx, table, pk string, cols []string, rows []introspect.Row) (int64, int64, error) {
	quoted := make([]string, len(cols))
	var sets []string
	for i, col := range cols {
		quoted[i] = d.quote(col)
		if col != pk {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.quote(pk), d.quote(pk)))
	}

	values := make([]string, len(rows))
	for i := range rows {
		values[i] = "(" + placeholders(len(cols), i*len(cols)+1, true) + ")"
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET %s RETURNING (xmax = 0) AS inserted",
		d.quote(table), strings.Join(quoted, ", "), strings.Join(values, ", "), d.quote(pk), strings.Join(sets, ", "))

	rs, err := tx.QueryContext(ctx, stmt, rowArgs(cols, rows)...)
	if err != nil {
		return 0, 0, err
	}
	defer rs.Close()

	var inserted, updated int64
	for rs.Next() {
		var fresh bool
		if err := rs.Scan(&fresh); err != nil {
			return 0, 0, err
		}
		if fresh {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, rs.Err()
}

func init() {
	db.Register("postgres", sqlDriver{dialect: pgDialect{}})
	db.Register("postgresql", sqlDriver{dialect: pgDialect{}})
}
