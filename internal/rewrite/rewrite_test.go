package rewrite

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashgate/internal/db"
	"dashgate/pkg/config"
)

func TestForBucketPostgres(t *testing.T) {
	var tests = []struct {
		name   string
		query  string
		bucket Bucket
		want   string
	}{
		{
			name:   "selected column",
			query:  "SELECT created_at, amount FROM orders",
			bucket: Bucket{Column: "created_at", Granularity: "month"},
			want:   `SELECT date_trunc('month', created_at) AS "created_at", amount FROM orders GROUP BY date_trunc('month', created_at), amount`,
		},
		{
			name:   "star select counts rows",
			query:  "SELECT * FROM events;",
			bucket: Bucket{Column: "ts", Granularity: "Day"},
			want:   `SELECT date_trunc('day', ts) AS "ts", COUNT(*) AS "count" FROM events GROUP BY date_trunc('day', ts)`,
		},
		{
			name:   "existing group by",
			query:  "SELECT region, created_at, SUM(total) FROM orders GROUP BY region, created_at ORDER BY region",
			bucket: Bucket{Column: "created_at", Granularity: "month"},
			want:   `SELECT region, date_trunc('month', created_at) AS "created_at", SUM(total) FROM orders GROUP BY date_trunc('month', created_at), region ORDER BY region`,
		},
		{
			name:   "extra grouping column",
			query:  "SELECT created_at, SUM(total) AS revenue FROM orders",
			bucket: Bucket{Column: "created_at", Granularity: "day", GroupBy: []string{"region"}},
			want:   `SELECT date_trunc('day', created_at) AS "created_at", region, SUM(total) AS revenue FROM orders GROUP BY date_trunc('day', created_at), region`,
		},
		{
			name:   "date column not selected",
			query:  "SELECT SUM(total) AS revenue FROM orders WHERE status = 'paid'",
			bucket: Bucket{Column: "created_at", Granularity: "year"},
			want:   `SELECT date_trunc('year', created_at) AS "created_at", SUM(total) AS revenue FROM orders WHERE status = 'paid' GROUP BY date_trunc('year', created_at)`,
		},
		{
			name:   "positional order by kept in place",
			query:  "SELECT created_at, SUM(total) FROM orders GROUP BY created_at ORDER BY 1",
			bucket: Bucket{Column: "created_at", Granularity: "month"},
			want:   `SELECT date_trunc('month', created_at) AS "created_at", SUM(total) FROM orders GROUP BY date_trunc('month', created_at) ORDER BY 1`,
		},
		{
			name:   "granularity change replaces truncation",
			query:  `SELECT date_trunc('month', created_at) AS "created_at", amount FROM orders GROUP BY date_trunc('month', created_at), amount`,
			bucket: Bucket{Column: "created_at", Granularity: "week"},
			want:   `SELECT date_trunc('week', created_at) AS "created_at", amount FROM orders GROUP BY date_trunc('week', created_at), amount`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ForBucket("postgres", tt.query, tt.bucket)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestForBucketMySQL(t *testing.T) {
	got, err := ForBucket("mysql", "SELECT created_at, COUNT(*) AS n FROM orders WHERE x = 1 ORDER BY created_at", Bucket{Column: "created_at", Granularity: "week"})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT DATE_SUB(DATE(created_at), INTERVAL WEEKDAY(created_at) DAY) AS `created_at`, COUNT(*) AS n FROM orders WHERE x = 1 GROUP BY DATE_SUB(DATE(created_at), INTERVAL WEEKDAY(created_at) DAY) ORDER BY created_at",
		got)
}

func TestForBucketIdempotent(t *testing.T) {
	queries := map[string]string{
		"postgres": "SELECT created_at, region, SUM(total) AS revenue FROM orders WHERE status = 'paid' ORDER BY created_at LIMIT 50",
		"mysql":    "SELECT created_at, region, SUM(total) AS revenue FROM orders WHERE status = 'paid' ORDER BY created_at LIMIT 50",
	}
	for engine, query := range queries {
		for _, g := range Granularities {
			t.Run(engine+"/"+g, func(t *testing.T) {
				b := Bucket{Column: "created_at", Granularity: g}
				once, err := ForBucket(engine, query, b)
				require.NoError(t, err)
				twice, err := ForBucket(engine, once, b)
				require.NoError(t, err)
				assert.Equal(t, once, twice)
			})
		}
	}
}

func TestForBucketErrors(t *testing.T) {
	var tests = []struct {
		name   string
		query  string
		bucket Bucket
	}{
		{"not a select", "DELETE FROM orders", Bucket{Column: "created_at", Granularity: "day"}},
		{"multiple statements", "SELECT created_at FROM a; SELECT created_at FROM b", Bucket{Column: "created_at", Granularity: "day"}},
		{"union", "SELECT created_at FROM a UNION SELECT created_at FROM b", Bucket{Column: "created_at", Granularity: "day"}},
		{"star mixed with columns", "SELECT *, created_at FROM orders", Bucket{Column: "created_at", Granularity: "day"}},
		{"no from clause", "SELECT 1", Bucket{Column: "created_at", Granularity: "day"}},
		{"positional group by", "SELECT created_at, region FROM orders GROUP BY 1, 2", Bucket{Column: "created_at", Granularity: "day"}},
		{"un-aliased subquery", "SELECT total FROM (SELECT created_at, total FROM orders)", Bucket{Column: "created_at", Granularity: "day"}},
		{"unbalanced parentheses", "SELECT created_at FROM orders WHERE (a = 1", Bucket{Column: "created_at", Granularity: "day"}},
		{"positional order by after prepend", "SELECT region, SUM(total) FROM orders GROUP BY region ORDER BY 1", Bucket{Column: "created_at", Granularity: "day"}},
		{"positional order by after extras", "SELECT created_at, SUM(total) FROM orders ORDER BY 2 DESC", Bucket{Column: "created_at", Granularity: "day", GroupBy: []string{"region"}}},
		{"date expression in group by", "SELECT DATE(created_at) AS d, COUNT(*) FROM orders GROUP BY DATE(created_at)", Bucket{Column: "created_at", Granularity: "month"}},
		{"date expression selected", "SELECT EXTRACT(dow FROM created_at), COUNT(*) FROM orders", Bucket{Column: "created_at", Granularity: "month"}},
		{"bad granularity", "SELECT created_at FROM orders", Bucket{Column: "created_at", Granularity: "fortnight"}},
		{"bad column", "SELECT created_at FROM orders", Bucket{Column: "created_at; drop table x", Granularity: "day"}},
		{"bad group by column", "SELECT created_at FROM orders", Bucket{Column: "created_at", Granularity: "day", GroupBy: []string{"a b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ForBucket("postgres", tt.query, tt.bucket)
			var rerr *db.RewriteError
			require.True(t, errors.As(err, &rerr), "want RewriteError, got %v", err)
		})
	}
}

func TestForBucketMongo(t *testing.T) {
	query := `{"collection": "orders", "filter": {"qty": {"$gt": 10}}}`
	b := Bucket{Column: "created", Granularity: "month", GroupBy: []string{"region"}}

	got, err := ForBucket("mongo", query, b)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"collection": "orders", "filter": {"qty": {"$gt": 10}}, "bucket": {"column": "created", "granularity": "month", "groupBy": ["region"]}}`,
		got)

	again, err := ForBucket("mongodb", got, b)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	_, err = ForBucket("mongodb", "db.orders.find()", b)
	var rerr *db.RewriteError
	assert.True(t, errors.As(err, &rerr))
}

func TestForBucketMongoKeepsMemberOrder(t *testing.T) {
	query := `{"collection": "events", "sort": {"zone": 1, "at": -1}, "pipeline": [{"$group": {"_id": "$zone", "n": {"$sum": 1}}}, {"$sort": {"n": -1, "_id": 1}}]}`

	got, err := ForBucket(config.MongoDB, query, Bucket{Column: "at", Granularity: "day"})
	require.NoError(t, err)
	assert.Equal(t,
		`{"collection":"events","sort":{"zone":1,"at":-1},"pipeline":[{"$group":{"_id":"$zone","n":{"$sum":1}}},{"$sort":{"n":-1,"_id":1}}],"bucket":{"column":"at","granularity":"day"}}`,
		got)

	// an existing bucket is replaced in place
	again, err := ForBucket(config.MongoDB, got, Bucket{Column: "at", Granularity: "week"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(again, `"bucket":{"column":"at","granularity":"week"}}`), again)
	assert.Equal(t, 1, strings.Count(again, `"bucket"`))
}

func TestForBucketUnsupportedEngine(t *testing.T) {
	_, err := ForBucket("oracle", "SELECT created_at FROM t", Bucket{Column: "created_at", Granularity: "day"})
	var uerr *db.UnsupportedBackendError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "oracle", uerr.Engine)
}

func TestScanComments(t *testing.T) {
	got, err := ForBucket("postgres", "SELECT created_at -- the day, from orders\nFROM orders /* group by x */", Bucket{Column: "created_at", Granularity: "day"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT date_trunc('day', created_at) AS "created_at" FROM orders GROUP BY date_trunc('day', created_at)`, got)

	got, err = ForBucket("postgres", "SELECT created_at FROM orders -- trailing note", Bucket{Column: "created_at", Granularity: "day"})
	require.NoError(t, err)
	assert.NotContains(t, got, "--")
}
