package introspect

// ColumnType pairs a column name with its declared or inferred type.
type ColumnType struct {
	Name string `json:"columnName"`
	Type string `json:"dataType"`
}

// Schema is the full introspection result for one connection. It is rebuilt on
// every call and never persisted.
type Schema struct {
	Tables      []string                `json:"tables"`
	Columns     map[string][]string     `json:"columns"`
	ColumnTypes map[string][]ColumnType `json:"columnTypes"`
}

// NewSchema returns a Schema for the given tables with empty column entries.
func NewSchema(tables []string) Schema {
	s := Schema{
		Tables:      tables,
		Columns:     make(map[string][]string, len(tables)),
		ColumnTypes: make(map[string][]ColumnType, len(tables)),
	}
	if s.Tables == nil {
		s.Tables = []string{}
	}
	for _, t := range tables {
		s.Columns[t] = []string{}
		s.ColumnTypes[t] = []ColumnType{}
	}
	return s
}

// Row is one result row keyed by column name.
type Row = map[string]any

// Result is the normalized shape returned for every executed query.
type Result struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// SyncResult reports the outcome of a reconciliation.
type SyncResult struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Deleted  int64 `json:"deleted"`
}
