package document

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/blueberrycongee/dbmux/internal/router"
)

// Routed adapts an Operation to the router. Inserted documents without an _id get
// one before the fan-out so every instance stores the same identifier.
func Routed(op Operation) router.Op[*Pool, *Result] {
	return routed{op: WithObjectIDs(op)}
}

type routed struct {
	op Operation
}

func (r routed) Exec(ctx context.Context, pool *Pool) (*Result, error) {
	if r.op == nil {
		return nil, invalid("nil operation")
	}
	if err := r.op.validate(); err != nil {
		return nil, err
	}
	return r.op.run(ctx, pool.Collection(r.op.CollectionName()))
}

func (r routed) IsWrite() bool {
	return r.op != nil && r.op.Kind().IsWrite()
}

func (r routed) Name() string {
	if r.op == nil {
		return ""
	}
	return fmt.Sprintf("%s %s", r.op.Kind(), r.op.CollectionName())
}

func (r routed) Signature() ([]byte, error) {
	return Signature(r.op)
}

// Signature returns the canonical Extended JSON of op used as its cache key. BSON
// types survive the encoding, so an ObjectID and its hex string give different
// keys. Map keys are sorted at every level; bson.D keeps its order.
func Signature(op Operation) ([]byte, error) {
	if op == nil {
		return nil, invalid("nil operation")
	}
	doc := bson.D{
		{Key: "kind", Value: string(op.Kind())},
		{Key: "collection", Value: op.CollectionName()},
		{Key: "op", Value: signatureFields(op)},
	}
	sig, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return nil, fmt.Errorf("%s signature: %w", op.Kind(), err)
	}
	return sig, nil
}

func signatureFields(op Operation) bson.D {
	v := reflect.Indirect(reflect.ValueOf(op))
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	fields := make(bson.D, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Name == "Collection" {
			continue
		}
		var value any
		if f.Name == "Options" {
			value = normalizeOptions(v.Field(i))
		} else {
			value = normalize(v.Field(i).Interface())
		}
		fields = append(fields, bson.E{Key: f.Name, Value: value})
	}
	return fields
}

// normalizeOptions copies a driver options struct with its interface fields
// (sort, projection, hint, let) normalized.
func normalizeOptions(v reflect.Value) any {
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil
	}
	cp := reflect.New(v.Elem().Type())
	cp.Elem().Set(v.Elem())
	for i := 0; i < cp.Elem().NumField(); i++ {
		f := cp.Elem().Field(i)
		if f.Kind() != reflect.Interface || f.IsNil() || !f.CanSet() {
			continue
		}
		if n := normalize(f.Interface()); n != nil {
			f.Set(reflect.ValueOf(n))
		}
	}
	return cp.Interface()
}

// normalize turns maps into key-sorted bson.D and slices into bson.A, recursively.
// Every other value is returned as is.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bson.D:
		out := make(bson.D, len(x))
		for i, e := range x {
			out[i] = bson.E{Key: e.Key, Value: normalize(e.Value)}
		}
		return out
	case bson.M:
		return sortedDoc(x)
	case map[string]any:
		return sortedDoc(x)
	case bson.A:
		return normalizeSlice(x)
	case []any:
		return normalizeSlice(x)
	}

	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8:
		out := make(bson.A, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return sortedDoc(m)
	}
	return v
}

func sortedDoc(m map[string]any) bson.D {
	keys := slices.Sorted(maps.Keys(m))
	out := make(bson.D, len(keys))
	for i, k := range keys {
		out[i] = bson.E{Key: k, Value: normalize(m[k])}
	}
	return out
}

func normalizeSlice(s []any) bson.A {
	out := make(bson.A, len(s))
	for i, v := range s {
		out[i] = normalize(v)
	}
	return out
}

// Validate reports whether op carries the fields its kind needs.
func Validate(op Operation) error {
	if op == nil {
		return invalid("nil operation")
	}
	return op.validate()
}

// WithObjectIDs returns op with a fresh ObjectID set on every inserted bson.M,
// bson.D or map document that has no _id. Other operations and document types are
// returned unchanged; the caller's documents are never modified.
func WithObjectIDs(op Operation) Operation {
	switch o := op.(type) {
	case InsertOne:
		o.Document = withID(o.Document)
		return o
	case InsertMany:
		docs := make([]any, len(o.Documents))
		for i, d := range o.Documents {
			docs[i] = withID(d)
		}
		o.Documents = docs
		return o
	}
	return op
}

func withID(doc any) any {
	switch d := doc.(type) {
	case bson.M:
		if _, ok := d["_id"]; ok {
			return d
		}
		out := maps.Clone(d)
		out["_id"] = primitive.NewObjectID()
		return out
	case map[string]any:
		if _, ok := d["_id"]; ok {
			return d
		}
		out := maps.Clone(d)
		out["_id"] = primitive.NewObjectID()
		return out
	case bson.D:
		for _, e := range d {
			if e.Key == "_id" {
				return d
			}
		}
		out := make(bson.D, 0, len(d)+1)
		out = append(out, bson.E{Key: "_id", Value: primitive.NewObjectID()})
		return append(out, d...)
	}
	return doc
}
