package db

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"dashgate/internal/introspect"
)

// QuerySpec is a raw query plus the row cap applied to it. Limit is zero when
// the raw query already carries its own limit and must run unmodified.
type QuerySpec struct {
	Raw   string
	Limit int
}

// HasLimit is a case-insensitive substring test for the token "limit".
func HasLimit(raw string) bool {
	return strings.Contains(strings.ToLower(raw), "limit")
}

// NewQuerySpec caps raw at defaultLimit unless it already mentions a limit.
func NewQuerySpec(raw string, defaultLimit int) QuerySpec {
	q := QuerySpec{Raw: raw}
	if !HasLimit(raw) {
		q.Limit = defaultLimit
	}
	return q
}

// SQL returns the statement text sent to SQL backends. The cap starts a new
// line when the last line may end in a line comment.
func (q QuerySpec) SQL() string {
	if q.Limit <= 0 {
		return q.Raw
	}
	stmt := strings.TrimRight(strings.TrimSpace(q.Raw), "; \t\r\n")
	sep := " "
	last := stmt[strings.LastIndexByte(stmt, '\n')+1:]
	if strings.Contains(last, "--") || strings.Contains(last, "#") {
		sep = "\n"
	}
	return stmt + sep + "LIMIT " + strconv.Itoa(q.Limit)
}

// UpsertRequest is a validated reconciliation batch for one table.
type UpsertRequest struct {
	Table      string
	PrimaryKey string
	Rows       []introspect.Row
	BatchSize  int
}

// Columns returns the union of row keys, in first-seen order, starting with
// the primary key.
func (r UpsertRequest) Columns() []string {
	cols := []string{r.PrimaryKey}
	seen := map[string]bool{r.PrimaryKey: true}
	for _, row := range r.Rows {
		for _, k := range sortedKeys(row) {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// Keys returns the primary key value of every row.
func (r UpsertRequest) Keys() []any {
	keys := make([]any, len(r.Rows))
	for i, row := range r.Rows {
		keys[i] = row[r.PrimaryKey]
	}
	return keys
}

// Batches splits the rows into chunks of at most BatchSize.
func (r UpsertRequest) Batches() [][]introspect.Row {
	size := r.BatchSize
	if size <= 0 {
		size = len(r.Rows)
	}
	var out [][]introspect.Row
	for start := 0; start < len(r.Rows); start += size {
		end := min(start+size, len(r.Rows))
		out = append(out, r.Rows[start:end])
	}
	return out
}

func sortedKeys(row introspect.Row) []string {
	return slices.Sorted(maps.Keys(row))
}
