package dbmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"

	"github.com/blueberrycongee/dbmux/internal/cache"
	"github.com/blueberrycongee/dbmux/internal/config"
	"github.com/blueberrycongee/dbmux/internal/document"
	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/observability"
	"github.com/blueberrycongee/dbmux/internal/registry"
	"github.com/blueberrycongee/dbmux/internal/relational"
	"github.com/blueberrycongee/dbmux/internal/resilience"
	"github.com/blueberrycongee/dbmux/internal/router"
	"github.com/blueberrycongee/dbmux/internal/secret"
	"github.com/blueberrycongee/dbmux/internal/secret/env"
	"github.com/blueberrycongee/dbmux/internal/secret/vault"
	"github.com/blueberrycongee/dbmux/internal/swipes"
	"github.com/blueberrycongee/dbmux/internal/topology"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("dbmux: client closed")

type (
	relationalRouter = router.Router[*relational.Pool, *relational.Result]
	documentRouter   = router.Router[*document.Pool, *document.Result]
)

// Client is the entry point for routed data access. It owns the pools of both
// families, their result caches and the secret manager.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Collector

	secrets      registry.SecretResolver
	ownedSecrets *secret.Manager

	relationalPools *registry.Registry[*relational.Pool]
	documentPools   *registry.Registry[*document.Pool]

	relationalCache *cache.ResultCache[*relational.Result]
	documentCache   *cache.ResultCache[*document.Result]

	relational *relationalRouter
	document   *documentRouter

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New opens every configured instance of both families and returns a ready client.
// Instances that cannot be opened are logged and left out of routing; New only
// fails when the configuration itself is invalid.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cc := defaultClientConfig()
	for _, opt := range opts {
		opt(cc)
	}
	cfg := cc.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		logger:  cc.Logger,
		clock:   cc.Clock,
		metrics: cc.Metrics,
		secrets: cc.Secrets,
	}

	if c.secrets == nil {
		mgr, err := newSecretManager(cfg.Secrets, cc.Logger)
		if err != nil {
			return nil, err
		}
		c.secrets, c.ownedSecrets = mgr, mgr
	}

	relationalGroups, err := cfg.Relational.TopologyGroups(cfg.Environment)
	if err != nil {
		_ = c.closeSecrets()
		return nil, fmt.Errorf("relational topology: %w", err)
	}
	documentGroups, err := cfg.Document.TopologyGroups(cfg.Environment)
	if err != nil {
		_ = c.closeSecrets()
		return nil, fmt.Errorf("document topology: %w", err)
	}
	relationalResolver, err := topology.NewResolver(relationalGroups)
	if err != nil {
		_ = c.closeSecrets()
		return nil, fmt.Errorf("relational topology: %w", err)
	}
	documentResolver, err := topology.NewResolver(documentGroups)
	if err != nil {
		_ = c.closeSecrets()
		return nil, fmt.Errorf("document topology: %w", err)
	}

	relationalOpener := cc.RelationalOpener
	if relationalOpener == nil {
		relationalOpener = relational.Opener(cfg.Relational.Pool,
			relational.WithLogger(cc.Logger),
			relational.WithClock(cc.Clock),
		)
	}
	documentOpener := cc.DocumentOpener
	if documentOpener == nil {
		documentOpener = document.Opener(cfg.Document.Pool,
			document.WithLogger(cc.Logger),
			document.WithMetrics(cc.Metrics),
		)
	}

	regOpts := registry.Options{
		Heartbeat:    cfg.Heartbeat.Interval,
		ProbeTimeout: cfg.Heartbeat.Timeout,
		Secrets:      c.secrets,
		Logger:       cc.Logger,
		Clock:        cc.Clock,
		Metrics:      cc.Metrics,
	}
	c.relationalPools = registry.New(ctx, types.FamilyRelational, cfg.Relational.InstanceSpecs(), relationalOpener, regOpts)
	c.documentPools = registry.New(ctx, types.FamilyDocument, cfg.Document.InstanceSpecs(), documentOpener, regOpts)

	if cfg.Cache.Enabled {
		cacheOpts := []cache.Option{cache.WithClock(cc.Clock), cache.WithLogger(cc.Logger)}
		c.relationalCache = cache.NewResultCache[*relational.Result](cfg.Cache.TTL, cacheOpts...)
		c.documentCache = cache.NewResultCache[*document.Result](cfg.Cache.TTL, cacheOpts...)
		c.relationalCache.Start()
		c.documentCache.Start()
	}

	retrierOpts := []resilience.RetrierOption{
		resilience.WithClock(cc.Clock),
		resilience.WithLogger(cc.Logger),
	}
	if cc.Metrics != nil {
		retrierOpts = append(retrierOpts, resilience.WithObserver(func(target string, _ int, err error) {
			cc.Metrics.RecordAttempt(target, err)
		}))
	}
	retrier := resilience.NewRetrier(retrierOpts...)
	policy := resilience.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}
	routerConfig := func(family types.Family) router.Config {
		return router.Config{
			Family:  family,
			Policy:  policy,
			Retrier: retrier,
			Picker:  cc.Picker,
			Logger:  cc.Logger,
			Metrics: cc.Metrics,
			Tracer:  cc.Tracer,
		}
	}

	// Instances that failed to open are left out of every group.
	c.relational = router.New[*relational.Pool, *relational.Result](routerConfig(types.FamilyRelational), c.relationalPools,
		relationalResolver.Restrict(c.relationalPools.Has), c.relationalCache)
	c.document = router.New[*document.Pool, *document.Result](routerConfig(types.FamilyDocument), c.documentPools,
		documentResolver.Restrict(c.documentPools.Has), c.documentCache)

	c.logger.Info("dbmux client initialized",
		"environment", cfg.Environment,
		"relational_instances", len(c.relationalPools.AllInstances()),
		"document_instances", len(c.documentPools.AllInstances()),
		"cache_enabled", cfg.Cache.Enabled,
	)
	return c, nil
}

func newSecretManager(cfg config.SecretsConfig, logger *slog.Logger) (*secret.Manager, error) {
	mgr := secret.NewManager(logger)
	mgr.Register("env", env.New())

	if cfg.Vault != nil {
		provider, err := vault.New(*cfg.Vault, logger)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		var p secret.Provider = provider
		if cfg.CacheTTL > 0 {
			p = secret.NewCachedProvider(provider, cfg.CacheTTL)
		}
		mgr.Register("vault", p)
	}
	return mgr, nil
}

func (c *Client) closeSecrets() error {
	if c.ownedSecrets == nil {
		return nil
	}
	return c.ownedSecrets.Close()
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Config { return c.cfg }

// Query runs a SQL statement on the relational family. Statements starting with
// INSERT, UPDATE or DELETE, or containing CREATE, ALTER or DROP TABLE, are written
// to every instance of the role's group; anything else is read from one of them.
func (c *Client) Query(ctx context.Context, text string, args []any, opts ...CallOption) (*relational.Result, error) {
	return c.QueryStatement(ctx, relational.NewStatement(text, args...), opts...)
}

// QueryStatement is like Query for a prepared Statement, whose Kind can override
// the classification of its text.
func (c *Client) QueryStatement(ctx context.Context, stmt relational.Statement, opts ...CallOption) (*relational.Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := stmt.Validate(); err != nil {
		return nil, err
	}
	ctx, _ = observability.GetOrCreateOperationID(ctx)
	return c.relational.Execute(ctx, stmt, callOptions(opts))
}

// Execute runs a document operation on the document family. Inserts, updates,
// deletes and replaces are written to every instance of the role's group; finds,
// aggregations and counts are read from one of them.
func (c *Client) Execute(ctx context.Context, op document.Operation, opts ...CallOption) (*document.Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := document.Validate(op); err != nil {
		return nil, err
	}
	ctx, _ = observability.GetOrCreateOperationID(ctx)
	return c.document.Execute(ctx, document.Routed(op), callOptions(opts))
}

// TopologySnapshot describes the groups of one family as they are routed.
type TopologySnapshot struct {
	Family      types.Family
	Environment string
	// Groups only list the instances that are open.
	Groups []topology.Group
	// Unavailable holds the instances that could not be opened and why.
	Unavailable map[types.InstanceID]error
}

// Topology returns the routing table of family.
func (c *Client) Topology(family types.Family) (TopologySnapshot, error) {
	snap := TopologySnapshot{Family: family, Environment: c.cfg.Environment}
	switch family {
	case types.FamilyRelational:
		snap.Groups = c.relational.Topology().Groups()
		snap.Unavailable = c.relationalPools.Unavailable()
	case types.FamilyDocument:
		snap.Groups = c.document.Topology().Groups()
		snap.Unavailable = c.documentPools.Unavailable()
	default:
		return snap, fmt.Errorf("unknown family %q", family)
	}
	return snap, nil
}

// Ping pings every open instance of both families once and returns the failures.
func (c *Client) Ping(ctx context.Context) map[types.Family]map[types.InstanceID]error {
	return map[types.Family]map[types.InstanceID]error{
		types.FamilyRelational: c.relationalPools.Ping(ctx),
		types.FamilyDocument:   c.documentPools.Ping(ctx),
	}
}

// SwipeWriter returns a writer that replicates swipe statements to the relational
// group of each swipe's role.
func (c *Client) SwipeWriter() swipes.Writer {
	return swipes.WriterFunc(func(ctx context.Context, role types.Role, stmt relational.Statement) error {
		_, err := c.QueryStatement(ctx, stmt, WithRole(role))
		return err
	})
}

// FlushSwipes drains the swipes buffered for day into the configured table.
// The Redis address is resolved like any connection reference.
func (c *Client) FlushSwipes(ctx context.Context, day string, opts ...swipes.RecorderOption) (swipes.Report, error) {
	if c.closed.Load() {
		return swipes.Report{Day: day}, ErrClosed
	}
	ctx, _ = observability.GetOrCreateOperationID(ctx)
	logger := observability.LoggerFromContext(ctx, c.logger)

	url, err := c.secrets.Get(ctx, c.cfg.Swipes.Redis)
	if err != nil {
		return swipes.Report{Day: day}, fmt.Errorf("resolve swipe buffer: %w", err)
	}
	rdb, err := swipes.NewRedisClient(url)
	if err != nil {
		return swipes.Report{Day: day}, err
	}
	defer func() { _ = rdb.Close() }()

	opts = append([]swipes.RecorderOption{
		swipes.WithLogger(logger),
		swipes.WithClock(c.clock),
		swipes.WithMetrics(c.metrics),
	}, opts...)
	rec := swipes.NewRecorder(
		swipes.NewRedisSource(rdb, logger),
		c.SwipeWriter(),
		swipes.InsertInto(c.cfg.Swipes.Table),
		opts...,
	)
	return rec.Flush(ctx, day)
}

// Close stops the cache sweeps, closes every pool of both families and the
// secret manager. It waits for every pool and reports all failures together.
// Calling Close again returns the first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if c.relationalCache != nil {
			c.relationalCache.Close()
		}
		if c.documentCache != nil {
			c.documentCache.Close()
		}

		var errs *multierror.Error
		var g multierror.Group
		g.Go(func() error { return c.relationalPools.Close(ctx) })
		g.Go(func() error { return c.documentPools.Close(ctx) })
		if err := g.Wait(); err != nil {
			errs = multierror.Append(errs, err.Errors...)
		}
		if err := c.closeSecrets(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close secrets: %w", err))
		}

		c.closeErr = errs.ErrorOrNil()
		if c.closeErr != nil {
			c.logger.Warn("dbmux client closed with errors", "error", c.closeErr)
			return
		}
		c.logger.Info("dbmux client closed")
	})
	return c.closeErr
}
