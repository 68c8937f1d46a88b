package document

import "go.mongodb.org/mongo-driver/bson"

// Result is the native result of an operation on one instance. Only the fields of
// its Kind are set. Results served from the cache are shared between callers and
// must not be modified.
type Result struct {
	Kind OpKind `json:"kind"`

	// Documents holds find, findOne and aggregate output. A findOne without a
	// match yields an empty slice.
	Documents []bson.M `json:"documents,omitempty"`

	InsertedIDs []any `json:"inserted_ids,omitempty"`

	MatchedCount  int64 `json:"matched_count,omitempty"`
	ModifiedCount int64 `json:"modified_count,omitempty"`
	UpsertedCount int64 `json:"upserted_count,omitempty"`
	UpsertedID    any   `json:"upserted_id,omitempty"`
	DeletedCount  int64 `json:"deleted_count,omitempty"`

	Count int64 `json:"count,omitempty"`
}

// Len returns the number of documents returned or affected.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	switch r.Kind {
	case KindFind, KindFindOne, KindAggregate:
		return len(r.Documents)
	case KindInsertOne, KindInsertMany:
		return len(r.InsertedIDs)
	case KindUpdateOne, KindUpdateMany, KindReplaceOne:
		return int(r.ModifiedCount + r.UpsertedCount)
	case KindDeleteOne, KindDeleteMany:
		return int(r.DeletedCount)
	case KindCountDocuments:
		return int(r.Count)
	}
	return 0
}

// One returns the single document of a findOne, or nil when nothing matched.
func (r *Result) One() bson.M {
	if r == nil || len(r.Documents) == 0 {
		return nil
	}
	return r.Documents[0]
}
