package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashgate/internal/db"
	"dashgate/internal/gateway"
	"dashgate/internal/introspect"
	"dashgate/internal/rewrite"
)

type stubGateway struct {
	err error

	connectionID string
	query        string
	datasetID    string
	bucket       *rewrite.Bucket
	table        string
	primaryKey   string
	rows         []introspect.Row
}

func (g *stubGateway) Introspect(ctx context.Context, connectionID string) (introspect.Schema, error) {
	g.connectionID = connectionID
	return introspect.NewSchema([]string{"orders"}), g.err
}

func (g *stubGateway) Ping(ctx context.Context, connectionID string) error {
	g.connectionID = connectionID
	return g.err
}

func (g *stubGateway) RunQuery(ctx context.Context, connectionID, query string) (introspect.Result, error) {
	g.connectionID, g.query = connectionID, query
	return introspect.Result{Columns: []string{"n"}, Rows: []introspect.Row{{"n": 1}}}, g.err
}

func (g *stubGateway) RunDatasetQuery(ctx context.Context, connectionID, datasetID, overrideQuery string, bucket *rewrite.Bucket) (gateway.DatasetResult, error) {
	g.connectionID, g.datasetID, g.query, g.bucket = connectionID, datasetID, overrideQuery, bucket
	return gateway.DatasetResult{
		Result:         introspect.Result{Columns: []string{"n"}, Rows: []introspect.Row{}},
		EffectiveQuery: "SELECT n FROM t LIMIT 100",
	}, g.err
}

func (g *stubGateway) ListColumns(ctx context.Context, connectionID, tableOrQuery string) ([]string, error) {
	g.connectionID, g.query = connectionID, tableOrQuery
	return []string{"id", "total"}, g.err
}

func (g *stubGateway) Reconcile(ctx context.Context, connectionID, table, primaryKey string, rows []introspect.Row) (introspect.SyncResult, error) {
	g.connectionID, g.table, g.primaryKey, g.rows = connectionID, table, primaryKey, rows
	return introspect.SyncResult{Inserted: 1, Updated: 2, Deleted: 3}, g.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestSchemaRoute(t *testing.T) {
	gw := &stubGateway{}
	rr := do(t, NewHandler(gw, nil), http.MethodGet, "/api/connections/c1/schema", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "c1", gw.connectionID)
	assert.JSONEq(t, `{"tables": ["orders"], "columns": {"orders": []}, "columnTypes": {"orders": []}}`, rr.Body.String())
}

func TestQueryRoute(t *testing.T) {
	gw := &stubGateway{}
	h := NewHandler(gw, nil)

	rr := do(t, h, http.MethodPost, "/api/connections/c1/query", `{"query": "SELECT n FROM t"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "SELECT n FROM t", gw.query)
	assert.JSONEq(t, `{"columns": ["n"], "rows": [{"n": 1}]}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/api/connections/c1/query", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "query is required", decode(t, rr)["error"])

	rr = do(t, h, http.MethodPost, "/api/connections/c1/query", `{"query":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestColumnsRoute(t *testing.T) {
	gw := &stubGateway{}
	rr := do(t, NewHandler(gw, nil), http.MethodPost, "/api/connections/c1/columns", `{"tableOrQuery": "orders"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "orders", gw.query)
	assert.JSONEq(t, `{"columns": ["id", "total"]}`, rr.Body.String())
}

func TestDatasetQueryRoute(t *testing.T) {
	gw := &stubGateway{}
	h := NewHandler(gw, nil)

	rr := do(t, h, http.MethodPost, "/api/connections/c1/datasets/d1/query",
		`{"dateBucket": {"column": "created_at", "granularity": "week", "groupBy": ["region"]}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "d1", gw.datasetID)
	assert.Equal(t, &rewrite.Bucket{Column: "created_at", Granularity: "week", GroupBy: []string{"region"}}, gw.bucket)
	assert.Equal(t, "SELECT n FROM t LIMIT 100", decode(t, rr)["effectiveQuery"])

	// body is optional
	rr = do(t, h, http.MethodPost, "/api/connections/c1/datasets/d2/query", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "d2", gw.datasetID)
	assert.Nil(t, gw.bucket)
}

func TestSyncRouteKeepsNumbers(t *testing.T) {
	gw := &stubGateway{}
	rr := do(t, NewHandler(gw, nil), http.MethodPost, "/api/connections/c1/tables/items/sync",
		`{"primaryKey": "id", "rows": [{"id": 9007199254740993, "price": 1.5}]}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "items", gw.table)
	assert.Equal(t, "id", gw.primaryKey)
	require.Len(t, gw.rows, 1)
	assert.Equal(t, json.Number("9007199254740993"), gw.rows[0]["id"])
	assert.JSONEq(t, `{"inserted": 1, "updated": 2, "deleted": 3}`, rr.Body.String())
}

func TestEnginesRoute(t *testing.T) {
	rr := do(t, NewHandler(&stubGateway{}, nil), http.MethodGet, "/api/engines", "")
	require.Equal(t, http.StatusOK, rr.Code)
	_, ok := decode(t, rr)["engines"]
	assert.True(t, ok)
}

func TestErrorStatus(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want int
	}{
		{"unsupported", &db.UnsupportedBackendError{Engine: "oracle"}, http.StatusBadRequest},
		{"rewrite", &db.RewriteError{Reason: "ambiguous"}, http.StatusBadRequest},
		{"invalid query", &db.InvalidQueryError{Engine: "mongodb", Err: errors.New(`invalid mongodb query document: "collection" is required`)}, http.StatusBadRequest},
		{"rejected batch", &db.SyncError{Table: "t", Reason: "missing key"}, http.StatusBadRequest},
		{"write failure", &db.SyncError{Table: "t", Reason: "backend write failed", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"not found", fmt.Errorf("connection %q: %w", "x", db.ErrNotFound), http.StatusNotFound},
		{"connection", &db.ConnectionError{Engine: "postgres", ConnectionID: "c1", Err: errors.New("auth failed")}, http.StatusBadGateway},
		{"execution", &db.QueryExecutionError{Engine: "postgres", Err: errors.New("syntax error")}, http.StatusInternalServerError},
		{"timeout", &db.QueryExecutionError{Engine: "postgres", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &stubGateway{err: tt.err}
			rr := do(t, NewHandler(gw, nil), http.MethodPost, "/api/connections/c1/test", "")
			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, tt.err.Error(), decode(t, rr)["error"])
		})
	}
}

func TestCORS(t *testing.T) {
	h := NewHandler(&stubGateway{}, []string{"http://dash.local"})
	req := httptest.NewRequest(http.MethodOptions, "/api/connections/c1/query", nil)
	req.Header.Set("Origin", "http://dash.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "http://dash.local", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsRoute(t *testing.T) {
	rr := do(t, NewHandler(&stubGateway{}, nil), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
