package document

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/blueberrycongee/dbmux/internal/metrics"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
)

func TestOperation_WriteClassification(t *testing.T) {
	tests := []struct {
		op    Operation
		write bool
	}{
		{Find{Collection: "asistencias"}, false},
		{FindOne{Collection: "asistencias"}, false},
		{Aggregate{Collection: "asistencias", Pipeline: bson.A{}}, false},
		{CountDocuments{Collection: "asistencias"}, false},
		{InsertOne{Collection: "asistencias", Document: bson.M{}}, true},
		{InsertMany{Collection: "asistencias", Documents: []any{bson.M{}}}, true},
		{UpdateOne{Collection: "asistencias", Update: bson.M{}}, true},
		{UpdateMany{Collection: "asistencias", Update: bson.M{}}, true},
		{DeleteOne{Collection: "asistencias"}, true},
		{DeleteMany{Collection: "asistencias"}, true},
		{ReplaceOne{Collection: "asistencias", Replacement: bson.M{}}, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.op.Kind()), func(t *testing.T) {
			assert.Equal(t, tt.write, tt.op.Kind().IsWrite())
			assert.Equal(t, tt.write, Routed(tt.op).IsWrite())
			assert.NoError(t, Validate(tt.op))
		})
	}
}

func TestOperation_Validate(t *testing.T) {
	tests := []Operation{
		Find{},
		InsertOne{Collection: "c"},
		InsertMany{Collection: "c"},
		UpdateOne{Collection: "c", Filter: bson.M{}},
		UpdateMany{Collection: "c"},
		ReplaceOne{Collection: "c"},
		Aggregate{Collection: "c"},
		nil,
	}
	for _, op := range tests {
		err := Validate(op)
		assert.ErrorIs(t, err, dberrors.ErrInvalidOperation, "%#v", op)
	}
}

func TestRouted_Name(t *testing.T) {
	assert.Equal(t, "find horarios", Routed(Find{Collection: "horarios"}).Name())
	assert.Equal(t, "deleteMany asistencias", Routed(DeleteMany{Collection: "asistencias"}).Name())
}

func TestSignature(t *testing.T) {
	limit := options.Find().SetLimit(10)

	a, err := Signature(Find{Collection: "personal", Filter: bson.M{"rol": "TUTOR", "activo": true}, Options: limit})
	require.NoError(t, err)
	b, err := Signature(Find{Collection: "personal", Filter: bson.M{"activo": true, "rol": "TUTOR"}, Options: options.Find().SetLimit(10)})
	require.NoError(t, err)
	assert.Equal(t, a, b, "map order does not matter")

	c, err := Signature(Find{Collection: "personal", Filter: bson.M{"rol": "TUTOR", "activo": true}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "options are part of the signature")

	d, err := Signature(CountDocuments{Collection: "personal", Filter: bson.M{"rol": "TUTOR", "activo": true}})
	require.NoError(t, err)
	assert.NotEqual(t, c, d, "kind is part of the signature")
}

func TestSignature_KeepsBSONTypes(t *testing.T) {
	id := primitive.NewObjectID()

	typed, err := Signature(FindOne{Collection: "personal", Filter: bson.M{"_id": id}})
	require.NoError(t, err)
	hex, err := Signature(FindOne{Collection: "personal", Filter: bson.M{"_id": id.Hex()}})
	require.NoError(t, err)
	assert.NotEqual(t, typed, hex, "an ObjectID and its hex string are different filters")
	assert.Contains(t, string(typed), `{"$oid":"`+id.Hex()+`"}`)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	date, err := Signature(Find{Collection: "asistencias", Filter: bson.M{"fecha": day}})
	require.NoError(t, err)
	text, err := Signature(Find{Collection: "asistencias", Filter: bson.M{"fecha": day.Format(time.RFC3339)}})
	require.NoError(t, err)
	assert.NotEqual(t, date, text)

	small, err := Signature(CountDocuments{Collection: "notas", Filter: bson.M{"nota": int32(20)}})
	require.NoError(t, err)
	double, err := Signature(CountDocuments{Collection: "notas", Filter: bson.M{"nota": 20.0}})
	require.NoError(t, err)
	assert.NotEqual(t, small, double)
}

func TestSignature_Ordering(t *testing.T) {
	nested := func(a, b string) bson.M {
		return bson.M{"$and": bson.A{bson.M{a: 1, b: 2}}, "activo": true}
	}
	a, err := Signature(Find{Collection: "personal", Filter: nested("rol", "turno")})
	require.NoError(t, err)
	b, err := Signature(Find{Collection: "personal", Filter: nested("turno", "rol")})
	require.NoError(t, err)
	assert.Equal(t, a, b, "nested map order does not matter")

	asc, err := Signature(Find{Collection: "personal", Options: options.Find().SetSort(bson.D{{Key: "apellidos", Value: 1}, {Key: "nombres", Value: 1}})})
	require.NoError(t, err)
	desc, err := Signature(Find{Collection: "personal", Options: options.Find().SetSort(bson.D{{Key: "nombres", Value: 1}, {Key: "apellidos", Value: 1}})})
	require.NoError(t, err)
	assert.NotEqual(t, asc, desc, "bson.D order is significant")

	projA, err := Signature(Find{Collection: "personal", Options: options.Find().SetProjection(bson.M{"dni": 1, "nombres": 1})})
	require.NoError(t, err)
	projB, err := Signature(Find{Collection: "personal", Options: options.Find().SetProjection(map[string]any{"nombres": 1, "dni": 1})})
	require.NoError(t, err)
	assert.Equal(t, projA, projB, "maps inside options are sorted too")
}

func TestWithObjectIDs(t *testing.T) {
	original := bson.M{"dni": "71234567"}
	op := WithObjectIDs(InsertOne{Collection: "asistencias", Document: original}).(InsertOne)

	doc := op.Document.(bson.M)
	assert.IsType(t, primitive.ObjectID{}, doc["_id"])
	assert.NotContains(t, original, "_id", "caller document is not modified")

	existing := primitive.NewObjectID()
	many := WithObjectIDs(InsertMany{Collection: "asistencias", Documents: []any{
		bson.D{{Key: "dni", Value: "1"}},
		map[string]any{"_id": existing},
		struct{ DNI string }{"3"},
	}}).(InsertMany)

	first := many.Documents[0].(bson.D)
	assert.Equal(t, "_id", first[0].Key)
	assert.Equal(t, existing, many.Documents[1].(map[string]any)["_id"])
	assert.Equal(t, struct{ DNI string }{"3"}, many.Documents[2])

	find := Find{Collection: "asistencias"}
	assert.Equal(t, Operation(find), WithObjectIDs(find))
}

func TestResult_Len(t *testing.T) {
	assert.Equal(t, 2, (&Result{Kind: KindFind, Documents: []bson.M{{}, {}}}).Len())
	assert.Equal(t, 0, (&Result{Kind: KindFindOne, Documents: []bson.M{}}).Len())
	assert.Equal(t, 3, (&Result{Kind: KindInsertMany, InsertedIDs: []any{1, 2, 3}}).Len())
	assert.Equal(t, 1, (&Result{Kind: KindUpdateOne, MatchedCount: 1, ModifiedCount: 1}).Len())
	assert.Equal(t, 4, (&Result{Kind: KindDeleteMany, DeletedCount: 4}).Len())
	assert.Equal(t, 7, (&Result{Kind: KindCountDocuments, Count: 7}).Len())
	assert.Equal(t, 0, (*Result)(nil).Len())

	assert.Nil(t, (&Result{Kind: KindFindOne, Documents: []bson.M{}}).One())
	assert.Equal(t, bson.M{"a": 1}, (&Result{Kind: KindFindOne, Documents: []bson.M{{"a": 1}}}).One())
}

func TestPoolMonitor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	monitor := poolMonitor("INS2", logger, metrics.NewCollector())

	before := testutil.ToFloat64(metrics.DocumentPoolEvents.WithLabelValues("INS2", event.ConnectionClosed))

	monitor.Event(&event.PoolEvent{Type: event.ConnectionClosed, Address: "ins2:27017", ConnectionID: 7, Reason: "error"})
	monitor.Event(&event.PoolEvent{Type: event.ConnectionClosed, Address: "ins2:27017", ConnectionID: 8, Reason: reasonIdle})
	monitor.Event(&event.PoolEvent{Type: event.ConnectionReady, Address: "ins2:27017"})

	out := buf.String()
	assert.Contains(t, out, "document connection closed")
	assert.Contains(t, out, "connection_id=7")
	assert.NotContains(t, out, "connection_id=8", "idle closes are debug")
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.DocumentPoolEvents.WithLabelValues("INS2", event.ConnectionClosed)))
}

func TestServerMonitor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	serverMonitor(logger).ServerHeartbeatFailed(&event.ServerHeartbeatFailedEvent{
		ConnectionID: "ins3:27017[-4]",
		Failure:      assert.AnError,
	})
	assert.Contains(t, buf.String(), "document heartbeat failed")
}

func TestClientOptions(t *testing.T) {
	opts := ClientOptions("INS1", "mongodb://localhost:27017", DefaultPoolConfig(), nil, nil)

	require.NotNil(t, opts.MaxPoolSize)
	assert.Equal(t, uint64(10), *opts.MaxPoolSize)
	assert.Equal(t, uint64(2), *opts.MinPoolSize)
	assert.NotNil(t, opts.PoolMonitor)
	assert.NotNil(t, opts.ServerMonitor)
}
