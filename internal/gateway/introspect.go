package gateway

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"dashgate/internal/db"
	"dashgate/internal/introspect"
	"dashgate/internal/logger"
)

type tableColumns struct {
	names []string
	types []introspect.ColumnType
}

// Introspect lists every table of the connection with its columns and types.
// A table whose columns cannot be read is reported with empty sequences.
func (s *Service) Introspect(ctx context.Context, connectionID string) (introspect.Schema, error) {
	var schema introspect.Schema
	err := s.withSession(ctx, "introspect", connectionID, func(ctx context.Context, sess *db.Session) error {
		tables, err := sess.ListTables(ctx)
		if err != nil {
			var ce *db.ConnectionError
			if errors.As(err, &ce) {
				return err
			}
			return &db.QueryExecutionError{Engine: sess.Engine(), Err: err}
		}
		schema = introspect.NewSchema(tables)

		found := make([]tableColumns, len(tables))
		var g errgroup.Group
		g.SetLimit(s.cfg.IntrospectWorkers)
		for i, table := range tables {
			g.Go(func() error {
				cols, err := readTable(ctx, sess, table)
				if err != nil {
					logger.Warn("%v", &db.SchemaIntrospectionError{Table: table, Err: err})
					return nil
				}
				found[i] = cols
				return nil
			})
		}
		_ = g.Wait()

		for i, table := range tables {
			if found[i].names != nil {
				schema.Columns[table] = found[i].names
			}
			if found[i].types != nil {
				schema.ColumnTypes[table] = found[i].types
			}
		}
		return nil
	})
	return schema, err
}

// readTable fetches names and types together so a failure in either leaves
// both empty.
func readTable(ctx context.Context, sess *db.Session, table string) (tableColumns, error) {
	names, err := sess.ListColumns(ctx, table)
	if err != nil {
		return tableColumns{}, err
	}
	types, err := sess.ColumnTypes(ctx, table)
	if err != nil {
		return tableColumns{}, err
	}
	if names == nil {
		names = []string{}
	}
	if types == nil {
		types = []introspect.ColumnType{}
	}
	return tableColumns{names: names, types: types}, nil
}
