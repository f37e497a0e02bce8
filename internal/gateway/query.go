package gateway

import (
	"context"
	"fmt"
	"strings"

	"dashgate/internal/db"
	"dashgate/internal/introspect"
	"dashgate/internal/rewrite"
	"dashgate/pkg/config"
)

// DatasetResult is a dataset query result plus the exact query text that ran.
type DatasetResult struct {
	introspect.Result
	EffectiveQuery string `json:"effectiveQuery"`
}

// effectiveQuery is the statement text a backend receives for spec.
func effectiveQuery(engine string, spec db.QuerySpec) string {
	if engine == config.MongoDB {
		return spec.Raw
	}
	return spec.SQL()
}

// RunQuery executes an ad-hoc query, capping it at the default limit unless it
// already mentions one.
func (s *Service) RunQuery(ctx context.Context, connectionID, query string) (introspect.Result, error) {
	var res introspect.Result
	err := s.withSession(ctx, "run_query", connectionID, func(ctx context.Context, sess *db.Session) error {
		var err error
		res, err = sess.Execute(ctx, db.NewQuerySpec(query, s.cfg.DefaultLimit))
		return err
	})
	return res, err
}

// RunDatasetQuery runs a saved dataset. overrideQuery replaces the saved
// query text when non-empty; bucket overrides the dataset's own date bucket
// preference when non-nil.
func (s *Service) RunDatasetQuery(ctx context.Context, connectionID, datasetID, overrideQuery string, bucket *rewrite.Bucket) (DatasetResult, error) {
	var out DatasetResult
	err := s.withSession(ctx, "run_dataset_query", connectionID, func(ctx context.Context, sess *db.Session) error {
		ds, err := s.store.FetchDataset(ctx, datasetID)
		if err != nil {
			return err
		}
		if ds.ConnectionID != "" && ds.ConnectionID != connectionID {
			return fmt.Errorf("dataset %q on connection %q: %w", datasetID, connectionID, db.ErrNotFound)
		}

		query := ds.Query
		if strings.TrimSpace(overrideQuery) != "" {
			query = overrideQuery
		}
		if b := datasetBucket(ds, bucket); b != nil {
			if query, err = rewrite.ForBucket(sess.Engine(), query, *b); err != nil {
				return err
			}
		}

		spec := db.NewQuerySpec(query, s.cfg.DefaultLimit)
		out.EffectiveQuery = effectiveQuery(sess.Engine(), spec)
		out.Result, err = sess.Execute(ctx, spec)
		return err
	})
	return out, err
}

// datasetBucket picks the requested bucket, else the dataset's preference.
func datasetBucket(ds config.Dataset, requested *rewrite.Bucket) *rewrite.Bucket {
	if requested != nil && requested.Column != "" {
		return requested
	}
	if ds.DateColumn == "" || ds.Granularity == "" {
		return nil
	}
	return &rewrite.Bucket{Column: ds.DateColumn, Granularity: ds.Granularity, GroupBy: ds.GroupBy}
}

// isQuery reports whether tableOrQuery is a statement or query document
// rather than a table name.
func isQuery(tableOrQuery string) bool {
	t := strings.TrimSpace(tableOrQuery)
	if strings.HasPrefix(t, "{") {
		return true
	}
	word, _, _ := strings.Cut(strings.ToLower(t), " ")
	word, _, _ = strings.Cut(word, "\n")
	return word == "select" || word == "with"
}

// ListColumns returns the columns of a table, or of the result set of a query
// run with the default cap.
func (s *Service) ListColumns(ctx context.Context, connectionID, tableOrQuery string) ([]string, error) {
	var cols []string
	err := s.withSession(ctx, "list_columns", connectionID, func(ctx context.Context, sess *db.Session) error {
		if isQuery(tableOrQuery) {
			res, err := sess.Execute(ctx, db.NewQuerySpec(tableOrQuery, s.cfg.DefaultLimit))
			cols = res.Columns
			return err
		}
		var err error
		if cols, err = sess.ListColumns(ctx, tableOrQuery); err != nil {
			return &db.SchemaIntrospectionError{Table: tableOrQuery, Err: err}
		}
		return nil
	})
	if cols == nil {
		cols = []string{}
	}
	return cols, err
}
