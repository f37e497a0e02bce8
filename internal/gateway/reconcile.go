package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"dashgate/internal/db"
	"dashgate/internal/introspect"
	"dashgate/internal/logger"
	"dashgate/internal/observability"
	"dashgate/pkg/config"
)

// Reconcile replaces the contents of table with rows, keyed by primaryKey:
// the table is created if missing, rows whose key is absent from the batch
// are deleted and every row is upserted. The batch is validated before any
// write and calls for the same connection and table are serialized.
func (s *Service) Reconcile(ctx context.Context, connectionID, table, primaryKey string, rows []introspect.Row) (introspect.SyncResult, error) {
	var res introspect.SyncResult

	rows, err := normalizeRows(table, primaryKey, rows)
	if err != nil {
		return res, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	unlock, err := s.locks.lock(ctx, connectionID, table)
	if err != nil {
		return res, fmt.Errorf("wait for table %q: %w", table, err)
	}
	defer unlock()

	err = s.withSession(ctx, "reconcile", connectionID, func(ctx context.Context, sess *db.Session) error {
		var err error
		res, err = sess.Upsert(ctx, db.UpsertRequest{
			Table:      table,
			PrimaryKey: primaryKey,
			Rows:       dedupeRows(rows, primaryKey, sess.Engine() == config.MongoDB),
			BatchSize:  s.cfg.UpsertBatchSize,
		})
		return err
	})
	if err != nil {
		return res, err
	}

	observability.ObserveReconcile(res.Inserted, res.Updated, res.Deleted)
	logger.Info("reconciled %s on %s: inserted=%d updated=%d deleted=%d",
		table, connectionID, res.Inserted, res.Updated, res.Deleted)
	return res, nil
}

// normalizeRows validates the batch and returns a copy in which json.Number
// values are converted.
func normalizeRows(table, primaryKey string, rows []introspect.Row) ([]introspect.Row, error) {
	if strings.TrimSpace(table) == "" {
		return nil, &db.SyncError{Table: table, Reason: "table name is required"}
	}
	if strings.TrimSpace(primaryKey) == "" {
		return nil, &db.SyncError{Table: table, Reason: "primary key column is required"}
	}

	out := make([]introspect.Row, 0, len(rows))
	for i, row := range rows {
		key, ok := row[primaryKey]
		if !ok || key == nil {
			return nil, &db.SyncError{Table: table, Reason: fmt.Sprintf("row %d has no value for primary key %q", i, primaryKey)}
		}
		switch key.(type) {
		case map[string]any, []any:
			return nil, &db.SyncError{Table: table, Reason: fmt.Sprintf("row %d has a non-scalar primary key", i)}
		}

		norm := make(introspect.Row, len(row))
		for k, v := range row {
			norm[k] = normalizeValue(v)
		}
		out = append(out, norm)
	}
	return out, nil
}

// dedupeRows collapses rows sharing a primary key to the last occurrence,
// kept at the position of the first. SQL engines compare keys as text, so 1
// and "1" collide; typed keeps them apart for MongoDB, which compares by type.
func dedupeRows(rows []introspect.Row, primaryKey string, typed bool) []introspect.Row {
	out := make([]introspect.Row, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		id := dedupeKey(row[primaryKey], typed)
		if at, dup := index[id]; dup {
			out[at] = row
			continue
		}
		index[id] = len(out)
		out = append(out, row)
	}
	return out
}

func dedupeKey(v any, typed bool) string {
	if !typed {
		return fmt.Sprint(v)
	}
	switch x := v.(type) {
	case string:
		return "s:" + x
	case int64:
		return "n:" + strconv.FormatInt(x, 10)
	case float64:
		// MongoDB matches 1 and 1.0 as the same number
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(x), 10)
		}
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = normalizeValue(e)
		}
		return m
	case []any:
		a := make([]any, len(x))
		for i, e := range x {
			a[i] = normalizeValue(e)
		}
		return a
	default:
		return v
	}
}
