package backends

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"dashgate/internal/db"
	"dashgate/internal/introspect"
)

// myDialect implements sqlDialect for MySQL (SHOW TABLES + information_schema).
type myDialect struct{}

func (myDialect) quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (myDialect) listTablesQuery() string {
	return `SHOW TABLES`
}

func (myDialect) columnsQuery() string {
	return `
        SELECT column_name, column_type
        FROM information_schema.columns
        WHERE table_schema = DATABASE() AND table_name = ?
        ORDER BY ordinal_position`
}

func (myDialect) tableExistsQuery() string {
	return `
        SELECT COUNT(*)
        FROM information_schema.tables
        WHERE table_schema = DATABASE() AND table_name = ?`
}

func (d myDialect) createTable(table, pk string, cols []string) string {
	defs := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == pk {
			// TEXT cannot be a key without a prefix length
			defs = append(defs, d.quote(col)+" VARCHAR(255) NOT NULL PRIMARY KEY")
		} else {
			defs = append(defs, d.quote(col)+" TEXT")
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.quote(table), strings.Join(defs, ", "))
}

// deleteStale reads the stored keys and deletes those missing from keys in
// chunks of at most maxBindParams, so the statement size is independent of
// the batch size.
func (d myDialect) deleteStale(ctx context.Context, tx *sql.Tx, table, pk string, keys []string) (int64, error) {
	if len(keys) == 0 {
		r, err := tx.ExecContext(ctx, "DELETE FROM "+d.quote(table))
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	}

	stale, err := d.staleKeys(ctx, tx, table, pk, keys)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for chunk := range slices.Chunk(stale, maxBindParams) {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE CAST(%s AS CHAR) IN (%s)",
			d.quote(table), d.quote(pk), placeholders(len(chunk), 1, false))
		r, err := tx.ExecContext(ctx, stmt, chunk...)
		if err != nil {
			return deleted, err
		}
		n, err := r.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func (d myDialect) staleKeys(ctx context.Context, tx *sql.Tx, table, pk string, keys []string) ([]any, error) {
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}

	rs, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT CAST(%s AS CHAR) FROM %s", d.quote(pk), d.quote(table)))
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var stale []any
	for rs.Next() {
		var k sql.NullString
		if err := rs.Scan(&k); err != nil {
			return nil, err
		}
		if _, ok := keep[k.String]; k.Valid && !ok {
			stale = append(stale, k.String)
		}
	}
	return stale, rs.Err()
}

// upsertBatch counts the keys already present, then issues one multi-row
// INSERT ... ON DUPLICATE KEY UPDATE. Affected-row counts from MySQL cannot
// separate inserts from unchanged updates, so the pre-count is used instead.
func (d myDialect) upsertBatch(ctx context.Context, tx *sql.Tx, table, pk string, cols []string, rows []introspect.Row) (int64, int64, error) {
	keys := make([]any, len(rows))
	for i, row := range rows {
		keys[i] = keyString(row[pk])
	}
	var existing int64
	countStmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE CAST(%s AS CHAR) IN (%s)",
		d.quote(table), d.quote(pk), placeholders(len(keys), 1, false))
	if err := tx.QueryRowContext(ctx, countStmt, keys...).Scan(&existing); err != nil {
		return 0, 0, err
	}

	quoted := make([]string, len(cols))
	var sets []string
	for i, col := range cols {
		quoted[i] = d.quote(col)
		if col != pk {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", quoted[i], quoted[i]))
		}
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.quote(pk), d.quote(pk)))
	}

	row := "(" + placeholders(len(cols), 1, false) + ")"
	values := make([]string, len(rows))
	for i := range rows {
		values[i] = row
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON DUPLICATE KEY UPDATE %s",
		d.quote(table), strings.Join(quoted, ", "), strings.Join(values, ", "), strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, stmt, rowArgs(cols, rows)...); err != nil {
		return 0, 0, err
	}
	return int64(len(rows)) - existing, existing, nil
}

func init() {
	db.Register("mysql", sqlDriver{dialect: myDialect{}})
	db.Register("mariadb", sqlDriver{dialect: myDialect{}})
}
