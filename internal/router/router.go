package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/dbmux/internal/cache"
	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/observability"
	"github.com/blueberrycongee/dbmux/internal/resilience"
	"github.com/blueberrycongee/dbmux/internal/topology"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

const (
	modeRead  = "read"
	modeWrite = "write"
)

// Config holds the collaborators shared by every call of a Router.
type Config struct {
	Family  types.Family
	Policy  resilience.Policy
	Retrier *resilience.Retrier
	Picker  InstancePicker
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Router routes operations of one family. It holds no per-call state and is
// safe for concurrent use.
type Router[P any, R Result] struct {
	family   types.Family
	pools    PoolSource[P]
	topology *topology.Resolver
	cache    *cache.ResultCache[R]

	policy  resilience.Policy
	retrier *resilience.Retrier
	picker  InstancePicker
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// New creates a router. resultCache may be nil to disable caching.
func New[P any, R Result](cfg Config, pools PoolSource[P], resolver *topology.Resolver, resultCache *cache.ResultCache[R]) *Router[P, R] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = resilience.NewRetrier(resilience.WithLogger(cfg.Logger))
	}
	if cfg.Picker == nil {
		cfg.Picker = NewRandomPicker()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(observability.TracerName)
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = cfg.Policy.WithMaxAttempts(resilience.DefaultMaxAttempts)
	}

	return &Router[P, R]{
		family:   cfg.Family,
		pools:    pools,
		topology: resolver,
		cache:    resultCache,
		policy:   cfg.Policy,
		retrier:  cfg.Retrier,
		picker:   cfg.Picker,
		clock:    cfg.Retrier.Clock(),
		logger:   cfg.Logger.With("family", string(cfg.Family)),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
}

// Topology returns the resolver the router routes with.
func (r *Router[P, R]) Topology() *topology.Resolver { return r.topology }

// Execute routes op according to its classification and opts.Dispatch.
func (r *Router[P, R]) Execute(ctx context.Context, op Op[P, R], opts Options) (R, error) {
	switch opts.Dispatch {
	case DispatchAll:
		return r.Write(ctx, op, opts)
	case DispatchOne:
		return r.Read(ctx, op, opts)
	}
	if op.IsWrite() {
		return r.Write(ctx, op, opts)
	}
	return r.Read(ctx, op, opts)
}

func (r *Router[P, R]) group(role types.Role) string {
	group, _ := r.topology.GroupOf(role)
	return group
}

// candidates returns the group's instances, or the universe when group is empty.
func (r *Router[P, R]) candidates(group string) []types.InstanceID {
	if group == "" {
		return r.topology.Universe()
	}
	return r.topology.InstancesOf(group)
}

func (r *Router[P, R]) policyFor(opts Options) resilience.Policy {
	return r.policy.WithMaxAttempts(opts.MaxRetries)
}

func (r *Router[P, R]) target(id types.InstanceID) string {
	return fmt.Sprintf("%s/%s", r.family, id)
}

// attempt runs op on one instance through the retry loop.
func (r *Router[P, R]) attempt(ctx context.Context, id types.InstanceID, op Op[P, R], policy resilience.Policy) (R, error) {
	target := r.target(id)
	return resilience.Retry(ctx, r.retrier, target, policy, func(ctx context.Context) (R, error) {
		var zero R
		pool, err := r.pools.PoolFor(id)
		if err != nil {
			return zero, err
		}
		res, err := op.Exec(ctx, pool)
		if err != nil {
			if errors.Is(err, dberrors.ErrInvalidOperation) {
				return zero, err
			}
			return zero, dberrors.NewOperationFailed(r.family, id, err)
		}
		return res, nil
	})
}

func (r *Router[P, R]) finish(span trace.Span, mode, group string, start time.Time, err error) {
	if err != nil {
		observability.RecordError(span, err)
	}
	if r.metrics != nil {
		r.metrics.RecordOperation(string(r.family), mode, group, err, r.clock.Now().Sub(start))
	}
}

// Read executes op on one instance of the role's group, or of the universe when the
// role has no group. With opts.UseCache and a resolved group, a cached result younger
// than the TTL is returned without touching any instance.
func (r *Router[P, R]) Read(ctx context.Context, op Op[P, R], opts Options) (res R, err error) {
	start := r.clock.Now()
	group := r.group(opts.Role)
	logger := observability.LoggerFromContext(ctx, r.logger)

	ctx, span := observability.StartOperationSpan(ctx, r.tracer, "dbmux.read", observability.OperationSpanAttributes{
		Family:    string(r.family),
		Mode:      modeRead,
		Group:     group,
		Operation: op.Name(),
	})
	defer func() {
		r.finish(span, modeRead, group, start, err)
		span.End()
	}()

	var sig []byte
	cacheable := opts.UseCache && group != "" && r.cache != nil && !op.IsWrite()
	if cacheable {
		sig, err = op.Signature()
		if err != nil {
			logger.Warn("operation signature failed, cache bypassed", "operation", op.Name(), "error", err)
			cacheable, err = false, nil
		}
	}
	if cacheable {
		cached, hit := r.cache.Get(group, sig)
		if r.metrics != nil {
			r.metrics.RecordCacheLookup(string(r.family), group, hit)
		}
		span.SetAttributes(attribute.Bool("dbmux.cache_hit", hit))
		if hit {
			logger.Debug("cache hit", "group", group, "operation", op.Name(), "count", cached.Len())
			return cached, nil
		}
	}

	candidates := r.candidates(group)
	if len(candidates) == 0 {
		return res, dberrors.NewNoInstancesAvailable(r.family, group)
	}
	id := r.picker.Pick(candidates)
	span.SetAttributes(attribute.String("dbmux.instance", string(id)))

	res, err = r.attempt(ctx, id, op, r.policyFor(opts))
	if err != nil {
		logger.Error("read failed", "group", group, "instance", id, "operation", op.Name(), "error", err)
		return res, err
	}

	if cacheable {
		r.cache.Set(group, sig, res)
	}
	logger.Info("read completed",
		"group", group,
		"instance", id,
		"operation", op.Name(),
		"count", res.Len(),
		"duration", r.clock.Now().Sub(start).String(),
	)
	return res, nil
}

// Write executes op on every instance of the role's group (or of the universe),
// sequentially in list order, each with its own retry budget. The result of the
// first successful instance is returned.
//
// In strict mode the first exhausted instance stops the fan-out: if nothing was
// applied yet its *RetriesExhaustedError is returned, otherwise a *PartialWriteError.
// With opts.BestEffort every instance is attempted and failures are reported
// together in a *PartialWriteError alongside the first successful result.
//
// Writes are not cancelled by ctx once started; applied instances are never rolled back.
func (r *Router[P, R]) Write(ctx context.Context, op Op[P, R], opts Options) (res R, err error) {
	start := r.clock.Now()
	group := r.group(opts.Role)
	logger := observability.LoggerFromContext(ctx, r.logger)
	ctx = context.WithoutCancel(ctx)

	ctx, span := observability.StartOperationSpan(ctx, r.tracer, "dbmux.write", observability.OperationSpanAttributes{
		Family:    string(r.family),
		Mode:      modeWrite,
		Group:     group,
		Operation: op.Name(),
	})
	defer func() {
		r.finish(span, modeWrite, group, start, err)
		span.End()
	}()

	targets := r.candidates(group)
	if len(targets) == 0 {
		return res, dberrors.NewNoInstancesAvailable(r.family, group)
	}
	span.SetAttributes(attribute.Int("dbmux.targets", len(targets)))

	policy := r.policyFor(opts)
	var (
		first    R
		applied  []types.InstanceID
		failed   []types.InstanceID
		firstErr error
	)

	for i, id := range targets {
		out, attemptErr := r.attempt(ctx, id, op, policy)
		if attemptErr != nil {
			failed = append(failed, id)
			if firstErr == nil {
				firstErr = attemptErr
			}
			logger.Error("write failed on instance",
				"group", group,
				"instance", id,
				"operation", op.Name(),
				"applied", len(applied),
				"error", attemptErr,
			)
			if opts.BestEffort {
				continue
			}

			if len(applied) == 0 {
				r.recordFanOut(metrics.FanOutFailed)
				return res, attemptErr
			}
			r.recordFanOut(metrics.FanOutPartial)
			return res, &dberrors.PartialWriteError{
				Family:  r.family,
				Group:   group,
				Applied: applied,
				Failed:  failed,
				Skipped: slices.Clone(targets[i+1:]),
				Err:     attemptErr,
			}
		}

		if len(applied) == 0 {
			first = out
		}
		applied = append(applied, id)
		logger.Debug("write applied", "group", group, "instance", id, "count", out.Len())
	}

	if len(failed) > 0 {
		outcome := metrics.FanOutPartial
		if len(applied) == 0 {
			outcome = metrics.FanOutFailed
		}
		r.recordFanOut(outcome)
		return first, &dberrors.PartialWriteError{
			Family:  r.family,
			Group:   group,
			Applied: applied,
			Failed:  failed,
			Err:     firstErr,
		}
	}

	r.recordFanOut(metrics.FanOutComplete)
	logger.Info("write completed",
		"group", group,
		"instances", len(applied),
		"operation", op.Name(),
		"count", first.Len(),
		"duration", r.clock.Now().Sub(start).String(),
	)
	return first, nil
}

func (r *Router[P, R]) recordFanOut(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordFanOut(string(r.family), outcome)
	}
}
