// Package document implements the MongoDB family: pooled instances backed by the
// official driver, and the closed set of operations routed across them.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/registry"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// DefaultDatabase is the database every instance serves.
const DefaultDatabase = "siasis_asuncion_8"

// PoolConfig holds the per-instance client knobs.
type PoolConfig struct {
	Database               string        `yaml:"database"`
	MaxPoolSize            uint64        `yaml:"max_pool_size"`
	MinPoolSize            uint64        `yaml:"min_pool_size"`
	MaxConnIdleTime        time.Duration `yaml:"max_conn_idle_time"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
}

// DefaultPoolConfig returns the production client settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Database:               DefaultDatabase,
		MaxPoolSize:            10,
		MinPoolSize:            2,
		MaxConnIdleTime:        30 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
		ConnectTimeout:         10 * time.Second,
		HeartbeatInterval:      10 * time.Second,
	}
}

// Pool is the client of one document instance, bound to its database.
type Pool struct {
	id     types.InstanceID
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger  *slog.Logger
	metrics *metrics.Collector
}

// WithLogger sets the logger used for the pool and its driver events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records driver pool events.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *openOptions) { o.metrics = m }
}

// ClientOptions builds the driver options for one instance, including the pool
// and server monitors.
func ClientOptions(id types.InstanceID, uri string, cfg PoolConfig, logger *slog.Logger, m *metrics.Collector) *options.ClientOptions {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("instance", string(id))
	opts := options.Client().
		ApplyURI(uri).
		SetPoolMonitor(poolMonitor(id, logger, m)).
		SetServerMonitor(serverMonitor(logger))
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(cfg.MaxConnIdleTime)
	}
	if cfg.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(cfg.ServerSelectionTimeout)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.HeartbeatInterval > 0 {
		opts.SetHeartbeatInterval(cfg.HeartbeatInterval)
	}
	return opts
}

// Open connects and pings a document instance. The client is disconnected again
// when the first ping fails.
func Open(ctx context.Context, id types.InstanceID, uri string, cfg PoolConfig, opts ...Option) (*Pool, error) {
	o := openOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	client, err := mongo.Connect(ctx, ClientOptions(id, uri, cfg, o.logger, o.metrics))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = DefaultDatabase
	}
	return NewPool(id, client, database, o.logger.With("instance", string(id))), nil
}

// Opener returns a registry opener using cfg for every instance.
func Opener(cfg PoolConfig, opts ...Option) registry.Opener[*Pool] {
	return func(ctx context.Context, id types.InstanceID, uri string) (*Pool, error) {
		return Open(ctx, id, uri, cfg, opts...)
	}
}

// NewPool wraps a connected client.
func NewPool(id types.InstanceID, client *mongo.Client, database string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		id:     id,
		client: client,
		db:     client.Database(database),
		logger: logger,
	}
}

// ID returns the instance id.
func (p *Pool) ID() types.InstanceID { return p.id }

// Database returns the bound database.
func (p *Pool) Database() *mongo.Database { return p.db }

// Collection returns a handle on a collection of the bound database.
func (p *Pool) Collection(name string) *mongo.Collection {
	return p.db.Collection(name)
}

// Ping checks connectivity against the primary.
func (p *Pool) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client, waiting for in-flight operations.
func (p *Pool) Close(ctx context.Context) error {
	if err := p.client.Disconnect(ctx); err != nil {
		return err
	}
	p.logger.Debug("document pool closed")
	return nil
}

// Connection close reasons that are part of normal pool housekeeping.
const (
	reasonIdle       = "idle"
	reasonPoolClosed = "poolClosed"
)

func poolMonitor(id types.InstanceID, logger *slog.Logger, m *metrics.Collector) *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionClosed:
				level := slog.LevelWarn
				if evt.Reason == reasonIdle || evt.Reason == reasonPoolClosed {
					level = slog.LevelDebug
				}
				logger.Log(context.Background(), level, "document connection closed",
					"address", evt.Address,
					"connection_id", evt.ConnectionID,
					"reason", evt.Reason,
				)
			case event.PoolCleared:
				logger.Warn("document pool cleared", "address", evt.Address, "error", evt.Error)
			case event.GetFailed:
				logger.Warn("document connection checkout failed", "address", evt.Address, "reason", evt.Reason)
			default:
				return
			}
			if m != nil {
				m.RecordDocumentPoolEvent(string(id), evt.Type)
			}
		},
	}
}

func serverMonitor(logger *slog.Logger) *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerHeartbeatFailed: func(evt *event.ServerHeartbeatFailedEvent) {
			logger.Warn("document heartbeat failed",
				"connection_id", evt.ConnectionID,
				"duration", evt.Duration.String(),
				"error", evt.Failure,
			)
		},
	}
}
