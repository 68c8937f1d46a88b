package dbmux

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"

	"github.com/blueberrycongee/dbmux/internal/registry"
	"github.com/blueberrycongee/dbmux/internal/relational"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// fakeInstances stands in for a set of PostgreSQL instances.
type fakeInstances struct {
	mu    sync.Mutex
	calls map[types.InstanceID][]string
	down  map[types.InstanceID]bool
	dsns  map[types.InstanceID]string
}

func newFakeInstances(down ...types.InstanceID) *fakeInstances {
	f := &fakeInstances{
		calls: make(map[types.InstanceID][]string),
		down:  make(map[types.InstanceID]bool),
		dsns:  make(map[types.InstanceID]string),
	}
	for _, id := range down {
		f.down[id] = true
	}
	return f
}

func (f *fakeInstances) opener() registry.Opener[*relational.Pool] {
	return func(_ context.Context, id types.InstanceID, dsn string) (*relational.Pool, error) {
		f.mu.Lock()
		f.dsns[id] = dsn
		down := f.down[id]
		f.mu.Unlock()
		if down {
			return nil, errors.New("connection refused")
		}
		db := sql.OpenDB(&fakeConnector{id: id, instances: f})
		return relational.NewPool(id, db, relational.PoolConfig{}), nil
	}
}

func (f *fakeInstances) record(id types.InstanceID, call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id] = append(f.calls[id], call)
}

func (f *fakeInstances) Calls(id types.InstanceID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[id]...)
}

// Touched returns the instances that received at least one statement.
func (f *fakeInstances) Touched() []types.InstanceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []types.InstanceID
	for id, calls := range f.calls {
		if len(calls) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

type fakeConnector struct {
	id        types.InstanceID
	instances *fakeInstances
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{id: c.id, instances: c.instances}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("fake driver: use the connector")
}

type fakeConn struct {
	id        types.InstanceID
	instances *fakeInstances
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fake driver: prepare not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("fake driver: transactions not supported")
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.instances.record(c.id, "exec: "+query)
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.instances.record(c.id, "query: "+query)
	return &fakeRows{
		columns: []string{"instancia"},
		rows:    [][]driver.Value{{string(c.id)}},
	}, nil
}

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	next    int
}

func (r *fakeRows) Columns() []string { return r.columns }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}
