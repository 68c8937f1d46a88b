// Package registry owns the connection pools of one backing-store family.
// Pools are opened once at construction; instances that cannot be opened stay
// absent for the lifetime of the registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/dbmux/internal/healthcheck"
	"github.com/blueberrycongee/dbmux/internal/metrics"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// ErrMissingConnString is reported for instances declared without a connection string.
var ErrMissingConnString = errors.New("connection string not configured")

// ErrClosed is reported by PoolFor after Close.
var ErrClosed = errors.New("registry closed")

// Pool is a pooled client for one physical instance.
type Pool interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// InstanceSpec declares one instance. ConnRef is a literal connection string or a
// secret reference such as env://RDP02_INS1_DATABASE_URL.
type InstanceSpec struct {
	ID      types.InstanceID
	ConnRef string
}

// Opener creates a pool from a resolved connection string.
type Opener[P Pool] func(ctx context.Context, id types.InstanceID, dsn string) (P, error)

// SecretResolver turns a connection reference into a connection string.
type SecretResolver interface {
	Get(ctx context.Context, ref string) (string, error)
}

// Options configures a Registry.
type Options struct {
	// Heartbeat is the probe interval. Zero disables probing.
	Heartbeat time.Duration
	// ProbeTimeout bounds a single Ping.
	ProbeTimeout time.Duration
	Secrets      SecretResolver
	Logger       *slog.Logger
	Clock        clock.Clock
	Metrics      *metrics.Collector
}

// Registry maps instance ids to open pools. It is safe for concurrent use.
type Registry[P Pool] struct {
	family      types.Family
	order       []types.InstanceID
	pools       map[types.InstanceID]P
	unavailable map[types.InstanceID]error

	logger  *slog.Logger
	metrics *metrics.Collector
	prober  *healthcheck.Prober

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type openResult[P Pool] struct {
	pool P
	err  error
}

// New opens a pool for every declared instance. Instances are opened concurrently;
// a failure on one never blocks the others and is logged as a warning.
func New[P Pool](ctx context.Context, family types.Family, specs []InstanceSpec, open Opener[P], opts Options) *Registry[P] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("family", string(family))

	r := &Registry[P]{
		family:      family,
		pools:       make(map[types.InstanceID]P, len(specs)),
		unavailable: make(map[types.InstanceID]error),
		logger:      logger,
		metrics:     opts.Metrics,
	}

	declared := make([]InstanceSpec, 0, len(specs))
	seen := make(map[types.InstanceID]bool, len(specs))
	for _, spec := range specs {
		if seen[spec.ID] {
			logger.Warn("instance declared twice, keeping first", "instance", spec.ID)
			continue
		}
		seen[spec.ID] = true
		declared = append(declared, spec)
	}

	results := make([]openResult[P], len(declared))
	var g errgroup.Group
	for i, spec := range declared {
		g.Go(func() error {
			pool, err := r.openOne(ctx, spec, open, opts.Secrets)
			results[i] = openResult[P]{pool: pool, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, spec := range declared {
		res := results[i]
		if res.err != nil {
			r.unavailable[spec.ID] = res.err
			logger.Warn("instance unavailable", "instance", spec.ID, "error", res.err)
			continue
		}
		r.pools[spec.ID] = res.pool
		r.order = append(r.order, spec.ID)
		logger.Info("instance ready", "instance", spec.ID)
	}

	if r.metrics != nil {
		r.metrics.RecordRegistry(string(family), len(r.order), len(r.unavailable))
	}

	probeOpts := []healthcheck.Option{
		healthcheck.WithResultFunc(func(name string, err error) {
			if r.metrics != nil {
				r.metrics.RecordInstanceHealth(string(family), name, err)
			}
		}),
	}
	if opts.Clock != nil {
		probeOpts = append(probeOpts, healthcheck.WithClock(opts.Clock))
	}
	r.prober = healthcheck.NewProber(healthcheck.Config{
		Enabled:  opts.Heartbeat > 0 && len(r.order) > 0,
		Interval: opts.Heartbeat,
		Timeout:  opts.ProbeTimeout,
	}, r, logger, probeOpts...)
	r.prober.Start(context.WithoutCancel(ctx))

	return r
}

func (r *Registry[P]) openOne(ctx context.Context, spec InstanceSpec, open Opener[P], secrets SecretResolver) (P, error) {
	var zero P
	if spec.ConnRef == "" {
		return zero, dberrors.NewInstanceUnavailable(r.family, spec.ID, ErrMissingConnString)
	}

	dsn := spec.ConnRef
	if secrets != nil {
		resolved, err := secrets.Get(ctx, spec.ConnRef)
		if err != nil {
			return zero, fmt.Errorf("resolve connection string: %w", err)
		}
		dsn = resolved
	}
	if dsn == "" {
		return zero, dberrors.NewInstanceUnavailable(r.family, spec.ID, ErrMissingConnString)
	}

	pool, err := open(ctx, spec.ID, dsn)
	if err != nil {
		return zero, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

// Family returns the backing-store family of the registry.
func (r *Registry[P]) Family() types.Family { return r.family }

// PoolFor returns the pool of an instance.
func (r *Registry[P]) PoolFor(id types.InstanceID) (P, error) {
	var zero P
	if r.closed.Load() {
		return zero, dberrors.NewInstanceUnavailable(r.family, id, ErrClosed)
	}
	pool, ok := r.pools[id]
	if !ok {
		cause := r.unavailable[id]
		if cause == nil {
			cause = errors.New("instance not declared")
		}
		if errors.Is(cause, dberrors.ErrInstanceUnavailable) {
			return zero, cause
		}
		return zero, dberrors.NewInstanceUnavailable(r.family, id, cause)
	}
	return pool, nil
}

// AllInstances returns the ready instances in declaration order.
func (r *Registry[P]) AllInstances() []types.InstanceID {
	return slices.Clone(r.order)
}

// Has reports whether id has an open pool.
func (r *Registry[P]) Has(id types.InstanceID) bool {
	_, ok := r.pools[id]
	return ok
}

// Unavailable returns the instances that could not be opened and why.
func (r *Registry[P]) Unavailable() map[types.InstanceID]error {
	out := make(map[types.InstanceID]error, len(r.unavailable))
	for id, err := range r.unavailable {
		out[id] = err
	}
	return out
}

// Targets implements healthcheck.TargetSource.
func (r *Registry[P]) Targets() []healthcheck.Target {
	if r.closed.Load() {
		return nil
	}
	targets := make([]healthcheck.Target, 0, len(r.order))
	for _, id := range r.order {
		targets = append(targets, healthcheck.Target{
			Name: string(id),
			Ping: r.pools[id].Ping,
		})
	}
	return targets
}

// Ping pings every ready instance once and returns the failures by instance.
func (r *Registry[P]) Ping(ctx context.Context) map[types.InstanceID]error {
	var (
		mu       sync.Mutex
		failures = make(map[types.InstanceID]error)
		g        errgroup.Group
	)
	for _, id := range r.order {
		pool := r.pools[id]
		g.Go(func() error {
			if err := pool.Ping(ctx); err != nil {
				mu.Lock()
				failures[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// Close stops the heartbeat and closes every pool concurrently, waiting for all of
// them. Errors are aggregated. Calling Close again returns the first result.
func (r *Registry[P]) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.prober.Stop()

		var g multierror.Group
		for _, id := range r.order {
			pool := r.pools[id]
			g.Go(func() error {
				if err := pool.Close(ctx); err != nil {
					return fmt.Errorf("close %s/%s: %w", r.family, id, err)
				}
				return nil
			})
		}
		r.closeErr = g.Wait().ErrorOrNil()
		if r.closeErr != nil {
			r.logger.Warn("registry closed with errors", "error", r.closeErr)
			return
		}
		r.logger.Info("registry closed", "instances", len(r.order))
	})
	return r.closeErr
}
