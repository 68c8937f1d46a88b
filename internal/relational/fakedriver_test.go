package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
)

// fakeBackend is an in-memory stand-in for one PostgreSQL instance.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []string // "query: <text>" or "exec: <text>"
	args    [][]any
	pingErr error
	execErr error
}

func (b *fakeBackend) record(kind, text string, args []driver.NamedValue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, kind+": "+text)
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	b.args = append(b.args, vals)
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) open() *sql.DB {
	return sql.OpenDB(&fakeConnector{backend: b})
}

type fakeConnector struct {
	backend *fakeBackend
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{backend: c.backend}, nil
}

func (c *fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("fake driver: use the connector")
}

type fakeConn struct {
	backend *fakeBackend
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fake driver: prepare not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("fake driver: transactions not supported")
}

func (c *fakeConn) Ping(context.Context) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.backend.pingErr
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.backend.record("exec", query, args)
	if c.backend.execErr != nil {
		return nil, c.backend.execErr
	}
	return driver.RowsAffected(3), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.backend.record("query", query, args)
	return &fakeRows{
		columns: []string{"id", "nombre"},
		rows: [][]driver.Value{
			{int64(1), []byte("Ana")},
			{int64(2), "Luis"},
		},
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
