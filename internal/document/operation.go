package document

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// OpKind names a document operation.
type OpKind string

// Operation kinds.
const (
	KindFind           OpKind = "find"
	KindFindOne        OpKind = "findOne"
	KindInsertOne      OpKind = "insertOne"
	KindInsertMany     OpKind = "insertMany"
	KindUpdateOne      OpKind = "updateOne"
	KindUpdateMany     OpKind = "updateMany"
	KindDeleteOne      OpKind = "deleteOne"
	KindDeleteMany     OpKind = "deleteMany"
	KindReplaceOne     OpKind = "replaceOne"
	KindAggregate      OpKind = "aggregate"
	KindCountDocuments OpKind = "countDocuments"
)

// IsWrite reports whether operations of this kind mutate data.
func (k OpKind) IsWrite() bool {
	switch k {
	case KindInsertOne, KindInsertMany,
		KindUpdateOne, KindUpdateMany,
		KindDeleteOne, KindDeleteMany,
		KindReplaceOne:
		return true
	}
	return false
}

// Operation is one of Find, FindOne, InsertOne, InsertMany, UpdateOne, UpdateMany,
// DeleteOne, DeleteMany, ReplaceOne, Aggregate or CountDocuments. The set is closed.
type Operation interface {
	Kind() OpKind
	CollectionName() string

	validate() error
	run(ctx context.Context, coll *mongo.Collection) (*Result, error)
}

// Find returns every matching document.
type Find struct {
	Collection string
	Filter     any
	Options    *options.FindOptions
}

// FindOne returns the first matching document, or none.
type FindOne struct {
	Collection string
	Filter     any
	Options    *options.FindOneOptions
}

// InsertOne inserts one document.
type InsertOne struct {
	Collection string
	Document   any
	Options    *options.InsertOneOptions
}

// InsertMany inserts several documents.
type InsertMany struct {
	Collection string
	Documents  []any
	Options    *options.InsertManyOptions
}

// UpdateOne updates the first matching document.
type UpdateOne struct {
	Collection string
	Filter     any
	Update     any
	Options    *options.UpdateOptions
}

// UpdateMany updates every matching document.
type UpdateMany struct {
	Collection string
	Filter     any
	Update     any
	Options    *options.UpdateOptions
}

// DeleteOne deletes the first matching document.
type DeleteOne struct {
	Collection string
	Filter     any
	Options    *options.DeleteOptions
}

// DeleteMany deletes every matching document.
type DeleteMany struct {
	Collection string
	Filter     any
	Options    *options.DeleteOptions
}

// ReplaceOne replaces the first matching document.
type ReplaceOne struct {
	Collection  string
	Filter      any
	Replacement any
	Options     *options.ReplaceOptions
}

// Aggregate runs an aggregation pipeline.
type Aggregate struct {
	Collection string
	Pipeline   any
	Options    *options.AggregateOptions
}

// CountDocuments counts matching documents.
type CountDocuments struct {
	Collection string
	Filter     any
	Options    *options.CountOptions
}

func (Find) Kind() OpKind           { return KindFind }
func (FindOne) Kind() OpKind        { return KindFindOne }
func (InsertOne) Kind() OpKind      { return KindInsertOne }
func (InsertMany) Kind() OpKind     { return KindInsertMany }
func (UpdateOne) Kind() OpKind      { return KindUpdateOne }
func (UpdateMany) Kind() OpKind     { return KindUpdateMany }
func (DeleteOne) Kind() OpKind      { return KindDeleteOne }
func (DeleteMany) Kind() OpKind     { return KindDeleteMany }
func (ReplaceOne) Kind() OpKind     { return KindReplaceOne }
func (Aggregate) Kind() OpKind      { return KindAggregate }
func (CountDocuments) Kind() OpKind { return KindCountDocuments }

func (o Find) CollectionName() string           { return o.Collection }
func (o FindOne) CollectionName() string        { return o.Collection }
func (o InsertOne) CollectionName() string      { return o.Collection }
func (o InsertMany) CollectionName() string     { return o.Collection }
func (o UpdateOne) CollectionName() string      { return o.Collection }
func (o UpdateMany) CollectionName() string     { return o.Collection }
func (o DeleteOne) CollectionName() string      { return o.Collection }
func (o DeleteMany) CollectionName() string     { return o.Collection }
func (o ReplaceOne) CollectionName() string     { return o.Collection }
func (o Aggregate) CollectionName() string      { return o.Collection }
func (o CountDocuments) CollectionName() string { return o.Collection }

func invalid(format string, args ...any) error {
	return dberrors.NewInvalidOperation(types.FamilyDocument, fmt.Sprintf(format, args...))
}

func requireCollection(op Operation) error {
	if op.CollectionName() == "" {
		return invalid("%s: collection is required", op.Kind())
	}
	return nil
}

func (o Find) validate() error    { return requireCollection(o) }
func (o FindOne) validate() error { return requireCollection(o) }

func (o InsertOne) validate() error {
	if o.Document == nil {
		return invalid("insertOne: document is required")
	}
	return requireCollection(o)
}

func (o InsertMany) validate() error {
	if len(o.Documents) == 0 {
		return invalid("insertMany: documents are required")
	}
	return requireCollection(o)
}

func (o UpdateOne) validate() error {
	if o.Update == nil {
		return invalid("updateOne: update is required")
	}
	return requireCollection(o)
}

func (o UpdateMany) validate() error {
	if o.Update == nil {
		return invalid("updateMany: update is required")
	}
	return requireCollection(o)
}

func (o DeleteOne) validate() error  { return requireCollection(o) }
func (o DeleteMany) validate() error { return requireCollection(o) }

func (o ReplaceOne) validate() error {
	if o.Replacement == nil {
		return invalid("replaceOne: replacement is required")
	}
	return requireCollection(o)
}

func (o Aggregate) validate() error {
	if o.Pipeline == nil {
		return invalid("aggregate: pipeline is required")
	}
	return requireCollection(o)
}

func (o CountDocuments) validate() error { return requireCollection(o) }

// filterOf returns an empty filter for nil, which the driver rejects.
func filterOf(f any) any {
	if f == nil {
		return bson.D{}
	}
	return f
}

func optsOf[T any](o *T) []*T {
	if o == nil {
		return nil
	}
	return []*T{o}
}

func (o Find) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	cur, err := coll.Find(ctx, filterOf(o.Filter), optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	docs := []bson.M{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &Result{Kind: KindFind, Documents: docs}, nil
}

func (o FindOne) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	var doc bson.M
	err := coll.FindOne(ctx, filterOf(o.Filter), optsOf(o.Options)...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &Result{Kind: KindFindOne, Documents: []bson.M{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindFindOne, Documents: []bson.M{doc}}, nil
}

func (o InsertOne) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	res, err := coll.InsertOne(ctx, o.Document, optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindInsertOne, InsertedIDs: []any{res.InsertedID}}, nil
}

func (o InsertMany) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	res, err := coll.InsertMany(ctx, o.Documents, optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindInsertMany, InsertedIDs: res.InsertedIDs}, nil
}

func updateResult(kind OpKind, res *mongo.UpdateResult) *Result {
	return &Result{
		Kind:          kind,
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}
}

func (o UpdateOne) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	res, err := coll.UpdateOne(ctx, filterOf(o.Filter), o.Update, optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return updateResult(KindUpdateOne, res), nil
}

func (o UpdateMany) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	res, err := coll.UpdateMany(ctx, filterOf(o.Filter), o.Update, optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return updateResult(KindUpdateMany, res), nil
}

func (o DeleteOne) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	res, err := coll.DeleteOne(ctx, filterOf(o.Filter), optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindDeleteOne, DeletedCount: res.DeletedCount}, nil
}

func (o DeleteMany) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	res, err := coll.DeleteMany(ctx, filterOf(o.Filter), optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindDeleteMany, DeletedCount: res.DeletedCount}, nil
}

func (o ReplaceOne) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	res, err := coll.ReplaceOne(ctx, filterOf(o.Filter), o.Replacement, optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return updateResult(KindReplaceOne, res), nil
}

func (o Aggregate) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	cur, err := coll.Aggregate(ctx, o.Pipeline, optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	docs := []bson.M{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &Result{Kind: KindAggregate, Documents: docs}, nil
}

func (o CountDocuments) run(ctx context.Context, coll *mongo.Collection) (*Result, error) {
	n, err := coll.CountDocuments(ctx, filterOf(o.Filter), optsOf(o.Options)...)
	if err != nil {
		return nil, err
	}
	return &Result{Kind: KindCountDocuments, Count: n}, nil
}
