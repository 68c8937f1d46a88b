// Package relational implements the PostgreSQL family: pooled instances backed by
// database/sql and lib/pq, and the statement descriptor routed across them.
package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/lib/pq"

	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/registry"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// PoolConfig holds the per-instance pool knobs.
type PoolConfig struct {
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
	// ConnectTimeout bounds the dial and startup handshake of every connection
	// the pool opens, not only the first one. It is rounded up to whole seconds.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// StatsInterval is how often sql.DBStats are published. Zero disables publishing.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// DefaultPoolConfig returns the production pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:   3,
		MaxIdleConns:   3,
		IdleTimeout:    10 * time.Second,
		ConnectTimeout: 5 * time.Second,
		StatsInterval:  30 * time.Second,
	}
}

// Pool is the connection pool of one relational instance.
type Pool struct {
	id     types.InstanceID
	db     *sql.DB
	logger *slog.Logger
	clock  clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the clock driving the stats publisher.
func WithClock(clk clock.Clock) Option {
	return func(p *Pool) {
		if clk != nil {
			p.clock = clk
		}
	}
}

// NewPool wraps an open *sql.DB. cfg knobs are applied to db.
func NewPool(id types.InstanceID, db *sql.DB, cfg PoolConfig, opts ...Option) *Pool {
	p := &Pool{
		id:     id,
		db:     db,
		logger: slog.Default(),
		clock:  clock.WallClock,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("instance", string(id))

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	if cfg.StatsInterval > 0 {
		metrics.UpdateDBPoolStats(string(id), db.Stats())
		go p.publishStats(cfg.StatsInterval)
	} else {
		close(p.done)
	}
	return p
}

// Connector returns a lib/pq connector whose connections honor cfg.ConnectTimeout.
// A connect_timeout already present in dsn wins.
func Connector(dsn string, cfg PoolConfig) (driver.Connector, error) {
	dsn, err := withConnectTimeout(dsn, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	return pq.NewConnector(dsn)
}

func withConnectTimeout(dsn string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return dsn, nil
	}
	seconds := strconv.FormatInt(int64((timeout+time.Second-1)/time.Second), 10)

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		q := u.Query()
		if q.Get("connect_timeout") == "" {
			q.Set("connect_timeout", seconds)
			u.RawQuery = q.Encode()
		}
		return u.String(), nil
	}

	if strings.Contains(dsn, "connect_timeout=") {
		return dsn, nil
	}
	return strings.TrimSpace(dsn + " connect_timeout=" + seconds), nil
}

// Open opens and pings a relational instance. The pool is closed again when the
// first ping fails.
func Open(ctx context.Context, id types.InstanceID, dsn string, cfg PoolConfig, opts ...Option) (*Pool, error) {
	connector, err := Connector(dsn, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db := sql.OpenDB(connector)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewPool(id, db, cfg, opts...), nil
}

// Opener returns a registry opener using cfg for every instance.
func Opener(cfg PoolConfig, opts ...Option) registry.Opener[*Pool] {
	return func(ctx context.Context, id types.InstanceID, dsn string) (*Pool, error) {
		return Open(ctx, id, dsn, cfg, opts...)
	}
}

// ID returns the instance id.
func (p *Pool) ID() types.InstanceID { return p.id }

// DB returns the underlying handle.
func (p *Pool) DB() *sql.DB { return p.db }

// DBStats returns the pool statistics.
func (p *Pool) DBStats() sql.DBStats { return p.db.Stats() }

// Ping checks connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close stops the stats publisher and closes the pool. In-flight queries are
// waited for by database/sql.
func (p *Pool) Close(_ context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
	if err := p.db.Close(); err != nil {
		return err
	}
	p.logger.Debug("relational pool closed")
	return nil
}

func (p *Pool) publishStats(interval time.Duration) {
	defer close(p.done)
	p.logger.Debug("db pool metrics updater started", "interval", interval.String())

	for {
		select {
		case <-p.clock.After(interval):
			metrics.UpdateDBPoolStats(string(p.id), p.db.Stats())
		case <-p.stopCh:
			return
		}
	}
}
