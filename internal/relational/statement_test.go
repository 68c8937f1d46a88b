package relational

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/dbmux/internal/metrics"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
)

func TestIsWriteStatement(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"INSERT INTO asistencias VALUES ($1)", true},
		{"  update personal set activo = false", true},
		{"\n\tDelete FROM horarios", true},
		{"CREATE TABLE t_backup (id int)", true},
		{"alter table t add column x int", true},
		{"DROP TABLE IF EXISTS t", true},
		{"WITH x AS (SELECT 1) DROP TABLE t", true},
		{"SELECT * FROM asistencias", false},
		{"select count(*) from insertions", false},
		{"CREATE INDEX idx ON t (id)", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWriteStatement(tt.text))
		})
	}
}

func TestStatement_KindOverridesText(t *testing.T) {
	assert.False(t, Statement{Text: "SELECT 1"}.IsWrite())
	assert.True(t, Statement{Text: "SELECT refresh()", Kind: KindWrite}.IsWrite())
	assert.False(t, Statement{Text: "DELETE FROM t", Kind: KindRead}.IsWrite())
}

func TestStatement_Name(t *testing.T) {
	assert.Equal(t, "SELECT", NewStatement("select * from t").Name())
	assert.Equal(t, "INSERT", NewStatement("  insert into t values (1)").Name())
	assert.Equal(t, "", NewStatement("   ").Name())
}

func TestStatement_Signature(t *testing.T) {
	a, err := NewStatement("SELECT * FROM t WHERE id = $1", 1).Signature()
	require.NoError(t, err)
	b, err := NewStatement("SELECT * FROM t WHERE id = $1", 1).Signature()
	require.NoError(t, err)
	c, err := NewStatement("SELECT * FROM t WHERE id = $1", 2).Signature()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestStatement_ExecWriteWithoutReturning(t *testing.T) {
	backend := &fakeBackend{}
	pool := NewPool("INS1", backend.open(), PoolConfig{})
	defer pool.Close(context.Background())

	res, err := NewStatement("UPDATE personal SET activo = $1", false).Exec(context.Background(), pool)
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.RowsAffected)
	assert.Equal(t, 3, res.Len())
	assert.Equal(t, []string{"exec: UPDATE personal SET activo = $1"}, backend.Calls())
}

func TestStatement_ExecReturningQueriesRows(t *testing.T) {
	backend := &fakeBackend{}
	pool := NewPool("INS1", backend.open(), PoolConfig{})
	defer pool.Close(context.Background())

	res, err := NewStatement("INSERT INTO t (nombre) VALUES ($1) RETURNING id, nombre", "Ana").Exec(context.Background(), pool)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Len())
	assert.Equal(t, []string{"query: INSERT INTO t (nombre) VALUES ($1) RETURNING id, nombre"}, backend.Calls())
}

func TestStatement_ExecRead(t *testing.T) {
	backend := &fakeBackend{}
	pool := NewPool("INS1", backend.open(), PoolConfig{})
	defer pool.Close(context.Background())

	res, err := NewStatement("SELECT id, nombre FROM personal").Exec(context.Background(), pool)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "nombre"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Ana", res.Rows[0][1], "byte slices are returned as strings")
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "nombre": "Ana"},
		{"id": int64(2), "nombre": "Luis"},
	}, res.Maps())
}

func TestStatement_ExecEmptyIsInvalid(t *testing.T) {
	backend := &fakeBackend{}
	pool := NewPool("INS1", backend.open(), PoolConfig{})
	defer pool.Close(context.Background())

	_, err := NewStatement("  ").Exec(context.Background(), pool)
	assert.ErrorIs(t, err, dberrors.ErrInvalidOperation)
	assert.Empty(t, backend.Calls())
}

func TestStatement_ExecDriverError(t *testing.T) {
	backend := &fakeBackend{execErr: errors.New("duplicate key value")}
	pool := NewPool("INS1", backend.open(), PoolConfig{})
	defer pool.Close(context.Background())

	_, err := NewStatement("INSERT INTO t VALUES (1)").Exec(context.Background(), pool)
	assert.ErrorContains(t, err, "duplicate key value")
}

func TestPool_PingAndKnobs(t *testing.T) {
	backend := &fakeBackend{}
	pool := NewPool("INS2", backend.open(), PoolConfig{MaxOpenConns: 3, IdleTimeout: 10 * time.Second})
	defer pool.Close(context.Background())

	require.NoError(t, pool.Ping(context.Background()))
	assert.Equal(t, 3, pool.DBStats().MaxOpenConnections)

	backend.mu.Lock()
	backend.pingErr = errors.New("server closed the connection unexpectedly")
	backend.mu.Unlock()
	// database/sql keeps the idle connection; the pinger reports on it.
	assert.Error(t, pool.Ping(context.Background()))
}

func TestPool_PublishesStats(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	backend := &fakeBackend{}
	pool := NewPool("INS3", backend.open(), PoolConfig{MaxOpenConns: 2, StatsInterval: 30 * time.Second}, WithClock(clk))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DBConnectionPoolSize.WithLabelValues("INS3", "max")))

	require.NoError(t, pool.Ping(context.Background()))
	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DBConnectionPoolSize.WithLabelValues("INS3", "idle")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Close(context.Background()))
}
