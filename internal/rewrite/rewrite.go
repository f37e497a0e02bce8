// Package rewrite turns a saved query into the same query grouped by a
// truncated date column.
//
// Rewriting is idempotent: the truncation expressions it inserts are
// recognised on the next pass and replaced rather than wrapped again.
package rewrite

import (
	"regexp"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"dashgate/internal/db"
	"dashgate/pkg/config"
)

// Bucket describes the requested grouping.
type Bucket struct {
	Column      string   `json:"column"`
	Granularity string   `json:"granularity"`
	GroupBy     []string `json:"groupBy,omitempty"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)*$`)

var unquote = strings.NewReplacer(`"`, "", "`", "")

func newRewriteError(reason string) error {
	return &db.RewriteError{Reason: reason}
}

func (b Bucket) validate() (Bucket, error) {
	b.Granularity = strings.ToLower(strings.TrimSpace(b.Granularity))
	if !slices.Contains(Granularities, b.Granularity) {
		return b, rewriteError("unsupported granularity %q (want one of %v)", b.Granularity, Granularities)
	}
	b.Column = strings.TrimSpace(b.Column)
	if !identPattern.MatchString(b.Column) {
		return b, rewriteError("invalid date column %q", b.Column)
	}
	for i, g := range b.GroupBy {
		g = strings.TrimSpace(g)
		if !identPattern.MatchString(g) {
			return b, rewriteError("invalid group-by column %q", g)
		}
		b.GroupBy[i] = g
	}
	return b, nil
}

// ForBucket rewrites query for engine so its rows are grouped by b.
func ForBucket(engine, query string, b Bucket) (string, error) {
	b.GroupBy = slices.Clone(b.GroupBy)
	b, err := b.validate()
	if err != nil {
		return "", err
	}
	switch e := config.NormalizeEngine(engine); e {
	case config.Postgres:
		return rewriteSQL(postgresTrunc, query, b.Column, b.Granularity, b.GroupBy)
	case config.MySQL:
		return rewriteSQL(mysqlTrunc, query, b.Column, b.Granularity, b.GroupBy)
	case config.MongoDB:
		return rewriteMongo(query, b)
	default:
		return "", &db.UnsupportedBackendError{Engine: e, Available: []string{config.MongoDB, config.MySQL, config.Postgres}}
	}
}

// rewriteMongo sets the bucket member of an Extended JSON query document,
// keeping the order of every other member. The backend turns it into a
// $group on $dateTrunc.
func rewriteMongo(query string, b Bucket) (string, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &doc); err != nil {
		return "", rewriteError("mongodb query is not a JSON document: %v", err)
	}
	i := slices.IndexFunc(doc, func(e bson.E) bool { return e.Key == "collection" })
	if i < 0 {
		return "", rewriteError(`mongodb query document has no "collection"`)
	}
	if _, ok := doc[i].Value.(string); !ok {
		return "", rewriteError(`mongodb query "collection" must be a string`)
	}

	bucket := bson.D{{Key: "column", Value: b.Column}, {Key: "granularity", Value: b.Granularity}}
	if len(b.GroupBy) > 0 {
		bucket = append(bucket, bson.E{Key: "groupBy", Value: b.GroupBy})
	}
	if i := slices.IndexFunc(doc, func(e bson.E) bool { return e.Key == "bucket" }); i >= 0 {
		doc[i].Value = bucket
	} else {
		doc = append(doc, bson.E{Key: "bucket", Value: bucket})
	}

	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", rewriteError("encode mongodb query: %v", err)
	}
	return string(out), nil
}
