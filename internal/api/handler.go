// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"dashgate/internal/db"
	"dashgate/internal/gateway"
	"dashgate/internal/introspect"
	"dashgate/internal/logger"
	"dashgate/internal/observability"
	"dashgate/internal/rewrite"
)

// maxBodyBytes bounds request bodies; reconcile batches can be large.
const maxBodyBytes = 32 << 20

// Gateway is the set of operations the HTTP surface serves.
type Gateway interface {
	Introspect(ctx context.Context, connectionID string) (introspect.Schema, error)
	Ping(ctx context.Context, connectionID string) error
	RunQuery(ctx context.Context, connectionID, query string) (introspect.Result, error)
	RunDatasetQuery(ctx context.Context, connectionID, datasetID, overrideQuery string, bucket *rewrite.Bucket) (gateway.DatasetResult, error)
	ListColumns(ctx context.Context, connectionID, tableOrQuery string) ([]string, error)
	Reconcile(ctx context.Context, connectionID, table, primaryKey string, rows []introspect.Row) (introspect.SyncResult, error)
}

// NewHandler builds the router. corsOrigins lists the dashboard origins
// allowed to call the API from a browser; empty allows any origin.
func NewHandler(gw Gateway, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestMiddleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handler{gw: gw}
	r.Route("/api", func(r chi.Router) {
		r.Get("/engines", h.engines)
		r.Route("/connections/{connectionID}", func(r chi.Router) {
			r.Get("/schema", h.schema)
			r.Post("/test", h.test)
			r.Post("/query", h.query)
			r.Post("/columns", h.columns)
			r.Post("/datasets/{datasetID}/query", h.datasetQuery)
			r.Post("/tables/{table}/sync", h.sync)
		})
	})
	return r
}

type handler struct {
	gw Gateway
}

func (h *handler) engines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"engines": db.RegisteredEngines()})
}

func (h *handler) schema(w http.ResponseWriter, r *http.Request) {
	schema, err := h.gw.Introspect(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *handler) test(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.Ping(r.Context(), chi.URLParam(r, "connectionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type queryRequest struct {
	Query string `json:"query"`
}

func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query is required"))
		return
	}
	res, err := h.gw.RunQuery(r.Context(), chi.URLParam(r, "connectionID"), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type columnsRequest struct {
	TableOrQuery string `json:"tableOrQuery"`
}

func (h *handler) columns(w http.ResponseWriter, r *http.Request) {
	var req columnsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TableOrQuery == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("tableOrQuery is required"))
		return
	}
	cols, err := h.gw.ListColumns(r.Context(), chi.URLParam(r, "connectionID"), req.TableOrQuery)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": cols})
}

type datasetQueryRequest struct {
	Query      string          `json:"query"`
	DateBucket *rewrite.Bucket `json:"dateBucket"`
}

func (h *handler) datasetQuery(w http.ResponseWriter, r *http.Request) {
	var req datasetQueryRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	res, err := h.gw.RunDatasetQuery(r.Context(),
		chi.URLParam(r, "connectionID"), chi.URLParam(r, "datasetID"), req.Query, req.DateBucket)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type syncRequest struct {
	PrimaryKey string           `json:"primaryKey"`
	Rows       []introspect.Row `json:"rows"`
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.gw.Reconcile(r.Context(),
		chi.URLParam(r, "connectionID"), chi.URLParam(r, "table"), req.PrimaryKey, req.Rows)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeBody decodes a JSON body keeping numbers as json.Number. It writes a
// 400 response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		msg := "invalid json: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeJSON(w, http.StatusBadRequest, errorBody(msg))
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for routes whose body may be omitted.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json: "+err.Error()))
		return false
	}
	return true
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps the gateway error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		unsupported *db.UnsupportedBackendError
		rewriteErr  *db.RewriteError
		invalidErr  *db.InvalidQueryError
		syncErr     *db.SyncError
		connErr     *db.ConnectionError
		execErr     *db.QueryExecutionError
	)
	switch {
	case errors.As(err, &unsupported), errors.As(err, &rewriteErr), errors.As(err, &invalidErr):
		return http.StatusBadRequest
	case errors.As(err, &syncErr):
		if syncErr.Rejected() {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	case errors.As(err, &execErr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("%v", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}
