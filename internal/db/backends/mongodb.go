package backends

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"dashgate/internal/db"
	"dashgate/internal/introspect"
	"dashgate/pkg/config"
)

// MongoDB has no declared column types; every sampled field reports this.
const mixedType = "mixed"

// MongoBucket groups a query by a truncated date field.
type MongoBucket struct {
	Column      string   `bson:"column" json:"column"`
	Granularity string   `bson:"granularity" json:"granularity"`
	GroupBy     []string `bson:"groupBy,omitempty" json:"groupBy,omitempty"`
}

// MongoQuery is the JSON query document accepted by the MongoDB backend.
// A non-empty Pipeline or a Bucket selects aggregation, otherwise find.
type MongoQuery struct {
	Collection string       `bson:"collection"`
	Filter     bson.D       `bson:"filter,omitempty"`
	Projection bson.D       `bson:"projection,omitempty"`
	Sort       bson.D       `bson:"sort,omitempty"`
	Skip       int64        `bson:"skip,omitempty"`
	Limit      int64        `bson:"limit,omitempty"`
	Pipeline   []bson.D     `bson:"pipeline,omitempty"`
	Bucket     *MongoBucket `bson:"bucket,omitempty"`
}

// ParseMongoQuery decodes a relaxed Extended JSON query document.
func ParseMongoQuery(raw string) (MongoQuery, error) {
	var q MongoQuery
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &q); err != nil {
		return q, &db.InvalidQueryError{Engine: config.MongoDB, Err: fmt.Errorf("invalid mongodb query document: %w", err)}
	}
	if q.Collection == "" {
		return q, &db.InvalidQueryError{Engine: config.MongoDB, Err: errors.New(`invalid mongodb query document: "collection" is required`)}
	}
	return q, nil
}

// aggregate reports whether q must run as an aggregation pipeline.
func (q MongoQuery) aggregate() bool {
	return len(q.Pipeline) > 0 || q.Bucket != nil
}

// bucketUnits maps granularities onto $dateTrunc units.
var bucketUnits = map[string]string{
	"minute":  "minute",
	"hour":    "hour",
	"day":     "day",
	"week":    "week",
	"month":   "month",
	"quarter": "quarter",
	"year":    "year",
}

// buildPipeline assembles the aggregation stages for q. capLimit is the
// executor row cap and is zero when the query carries its own limit.
func (q MongoQuery) buildPipeline(capLimit int) (bson.A, error) {
	stages := bson.A{}
	if len(q.Filter) > 0 {
		stages = append(stages, bson.D{{Key: "$match", Value: q.Filter}})
	}
	for _, st := range q.Pipeline {
		stages = append(stages, st)
	}
	if b := q.Bucket; b != nil {
		unit, ok := bucketUnits[strings.ToLower(b.Granularity)]
		if !ok {
			return nil, fmt.Errorf("unsupported granularity %q", b.Granularity)
		}
		for _, f := range append([]string{b.Column}, b.GroupBy...) {
			if f == "" || strings.HasPrefix(f, "$") {
				return nil, fmt.Errorf("invalid bucket field %q", f)
			}
		}
		key := bson.D{{Key: b.Column, Value: bson.D{{Key: "$dateTrunc", Value: bson.D{
			{Key: "date", Value: "$" + b.Column},
			{Key: "unit", Value: unit},
		}}}}}
		project := bson.D{{Key: "_id", Value: 0}, {Key: b.Column, Value: "$_id." + b.Column}}
		for _, g := range b.GroupBy {
			if g == b.Column {
				continue
			}
			key = append(key, bson.E{Key: g, Value: "$" + g})
			project = append(project, bson.E{Key: g, Value: "$_id." + g})
		}
		project = append(project, bson.E{Key: "count", Value: 1})
		stages = append(stages,
			bson.D{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: key},
				{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			}}},
			bson.D{{Key: "$project", Value: project}},
		)
		if len(q.Sort) == 0 {
			stages = append(stages, bson.D{{Key: "$sort", Value: bson.D{{Key: b.Column, Value: 1}}}})
		}
	}
	if len(q.Sort) > 0 {
		stages = append(stages, bson.D{{Key: "$sort", Value: q.Sort}})
	}
	if q.Bucket == nil && len(q.Projection) > 0 {
		stages = append(stages, bson.D{{Key: "$project", Value: q.Projection}})
	}
	if q.Skip > 0 {
		stages = append(stages, bson.D{{Key: "$skip", Value: q.Skip}})
	}
	switch {
	case q.Limit > 0:
		stages = append(stages, bson.D{{Key: "$limit", Value: q.Limit}})
	case capLimit > 0:
		stages = append(stages, bson.D{{Key: "$limit", Value: int64(capLimit)}})
	}
	return stages, nil
}

// findOptions builds find options for q, applying capLimit when set.
func (q MongoQuery) findOptions(capLimit int) *options.FindOptionsBuilder {
	opts := options.Find()
	if len(q.Projection) > 0 {
		opts.SetProjection(q.Projection)
	}
	if len(q.Sort) > 0 {
		opts.SetSort(q.Sort)
	}
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	switch {
	case q.Limit > 0:
		opts.SetLimit(q.Limit)
	case capLimit > 0:
		opts.SetLimit(int64(capLimit))
	}
	return opts
}

type mongoDriver struct{}

func (mongoDriver) Connect(ctx context.Context, desc config.Descriptor) (db.Conn, error) {
	_, uri, err := config.BuildDSN(desc)
	if err != nil {
		return nil, err
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &mongoConn{client: client, db: client.Database(desc.Database)}, nil
}

// mongoConn implements db.Conn for MongoDB. Collections play the role of
// tables and the columns of a collection are the keys of one sampled document.
type mongoConn struct {
	client *mongo.Client
	db     *mongo.Database
}

func (c *mongoConn) ListTables(ctx context.Context) ([]string, error) {
	names, err := c.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	tables := []string{}
	for _, n := range names {
		if strings.HasPrefix(n, "system.") {
			continue
		}
		tables = append(tables, n)
	}
	slices.Sort(tables)
	return tables, nil
}

func (c *mongoConn) ListColumns(ctx context.Context, table string) ([]string, error) {
	var doc bson.D
	err := c.db.Collection(table).FindOne(ctx, bson.D{}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", table, err)
	}
	cols := make([]string, len(doc))
	for i, e := range doc {
		cols[i] = e.Key
	}
	return cols, nil
}

func (c *mongoConn) ColumnTypes(ctx context.Context, table string) ([]introspect.ColumnType, error) {
	cols, err := c.ListColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	types := make([]introspect.ColumnType, len(cols))
	for i, col := range cols {
		types[i] = introspect.ColumnType{Name: col, Type: mixedType}
	}
	return types, nil
}

func (c *mongoConn) Execute(ctx context.Context, qs db.QuerySpec) (introspect.Result, error) {
	q, err := ParseMongoQuery(qs.Raw)
	if err != nil {
		return introspect.Result{}, err
	}
	coll := c.db.Collection(q.Collection)

	var cur *mongo.Cursor
	if q.aggregate() {
		pipeline, err := q.buildPipeline(qs.Limit)
		if err != nil {
			return introspect.Result{}, &db.InvalidQueryError{Engine: config.MongoDB, Err: err}
		}
		cur, err = coll.Aggregate(ctx, pipeline)
		if err != nil {
			return introspect.Result{}, err
		}
	} else {
		filter := q.Filter
		if filter == nil {
			filter = bson.D{}
		}
		cur, err = coll.Find(ctx, filter, q.findOptions(qs.Limit))
		if err != nil {
			return introspect.Result{}, err
		}
	}
	defer cur.Close(ctx)

	var docs []bson.D
	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return introspect.Result{}, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return introspect.Result{}, err
	}
	return documentsResult(docs), nil
}

// documentsResult flattens documents into rows; columns are the union of
// top-level keys in first-seen order.
func documentsResult(docs []bson.D) introspect.Result {
	res := introspect.Result{Columns: []string{}, Rows: make([]introspect.Row, 0, len(docs))}
	seen := map[string]bool{}
	for _, doc := range docs {
		row := make(introspect.Row, len(doc))
		for _, e := range doc {
			if !seen[e.Key] {
				seen[e.Key] = true
				res.Columns = append(res.Columns, e.Key)
			}
			row[e.Key] = normalizeValue(e.Value)
		}
		res.Rows = append(res.Rows, row)
	}
	return res
}

// normalizeValue converts BSON values into JSON-friendly Go values.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = normalizeValue(e)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	case bson.ObjectID:
		return x.Hex()
	case bson.DateTime:
		return x.Time().UTC()
	case bson.Decimal128:
		return x.String()
	default:
		return v
	}
}

func (c *mongoConn) collectionExists(ctx context.Context, name string) (bool, error) {
	names, err := c.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return len(names) > 0, nil
}

// upsertModels builds one upsert-by-key model per row. Key-only rows only
// set the key on insert.
func upsertModels(pk string, rows []introspect.Row) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(rows))
	for _, row := range rows {
		set := bson.D{}
		for _, k := range sortedRowKeys(row) {
			if k == pk {
				continue
			}
			set = append(set, bson.E{Key: k, Value: row[k]})
		}
		update := bson.D{{Key: "$set", Value: set}}
		if len(set) == 0 {
			update = bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: pk, Value: row[pk]}}}}
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: pk, Value: row[pk]}}).
			SetUpdate(update).
			SetUpsert(true))
	}
	return models
}

// Upsert deletes documents whose key is absent from req.Rows with $nin and
// upserts the rest through unordered bulk writes. MongoDB without a replica
// set offers no multi-document transaction, so the steps are not atomic.
func (c *mongoConn) Upsert(ctx context.Context, req db.UpsertRequest) (introspect.SyncResult, error) {
	var res introspect.SyncResult

	exists, err := c.collectionExists(ctx, req.Table)
	if err != nil {
		return res, err
	}
	coll := c.db.Collection(req.Table)
	if !exists {
		if len(req.Rows) == 0 {
			return res, nil
		}
		if err := c.db.CreateCollection(ctx, req.Table); err != nil {
			return res, fmt.Errorf("create collection %s: %w", req.Table, err)
		}
		if req.PrimaryKey != "_id" {
			idx := mongo.IndexModel{
				Keys:    bson.D{{Key: req.PrimaryKey, Value: 1}},
				Options: options.Index().SetUnique(true),
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return res, fmt.Errorf("create key index on %s: %w", req.Table, err)
			}
		}
	} else {
		dr, err := coll.DeleteMany(ctx, bson.D{{Key: req.PrimaryKey, Value: bson.D{{Key: "$nin", Value: req.Keys()}}}})
		if err != nil {
			return res, fmt.Errorf("delete stale documents: %w", err)
		}
		res.Deleted = dr.DeletedCount
	}

	for _, batch := range req.Batches() {
		br, err := coll.BulkWrite(ctx, upsertModels(req.PrimaryKey, batch), options.BulkWrite().SetOrdered(false))
		if err != nil {
			return res, fmt.Errorf("bulk upsert: %w", err)
		}
		res.Inserted += br.UpsertedCount
		res.Updated += br.MatchedCount
	}
	return res, nil
}

func (c *mongoConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

func sortedRowKeys(row introspect.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func init() {
	db.Register("mongodb", mongoDriver{})
	db.Register("mongo", mongoDriver{})
}
