package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/blueberrycongee/dbmux/internal/cache"
	"github.com/blueberrycongee/dbmux/internal/resilience"
	"github.com/blueberrycongee/dbmux/internal/topology"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// fakeInstance records every call it receives.
type fakeInstance struct {
	id    types.InstanceID
	clock *testclock.Clock

	mu         sync.Mutex
	calls      int
	alwaysFail bool
	failures   int // remaining calls to fail
	times      []time.Time
}

func (f *fakeInstance) do() (fakeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.times = append(f.times, f.clock.Now())
	if f.alwaysFail {
		return fakeResult{}, fmt.Errorf("%s: connection refused", f.id)
	}
	if f.failures > 0 {
		f.failures--
		return fakeResult{}, fmt.Errorf("%s: transient", f.id)
	}
	return fakeResult{instance: f.id, n: 1}, nil
}

func (f *fakeInstance) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeInstance) Times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

type fakeResult struct {
	instance types.InstanceID
	n        int
}

func (r fakeResult) Len() int { return r.n }

type fakeOp struct {
	write bool
	text  string
}

func (o fakeOp) Exec(_ context.Context, pool *fakeInstance) (fakeResult, error) {
	return pool.do()
}

func (o fakeOp) IsWrite() bool { return o.write }

func (o fakeOp) Signature() ([]byte, error) { return []byte(o.text), nil }

func (o fakeOp) Name() string { return o.text }

var (
	readOp  = fakeOp{text: "SELECT * FROM asistencias"}
	writeOp = fakeOp{write: true, text: "INSERT INTO asistencias"}
)

type fakePools map[types.InstanceID]*fakeInstance

func (p fakePools) PoolFor(id types.InstanceID) (*fakeInstance, error) {
	inst, ok := p[id]
	if !ok {
		return nil, dberrors.NewInstanceUnavailable(types.FamilyRelational, id, errors.New("not declared"))
	}
	return inst, nil
}

type harness struct {
	clock  *testclock.Clock
	pools  fakePools
	cache  *cache.ResultCache[fakeResult]
	router *Router[*fakeInstance, fakeResult]
}

func newHarness(t *testing.T, groups []topology.Group, picker InstancePicker) *harness {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC))

	resolver, err := topology.NewResolver(groups)
	require.NoError(t, err)

	pools := make(fakePools)
	for _, id := range resolver.Universe() {
		pools[id] = &fakeInstance{id: id, clock: clk}
	}

	resultCache := cache.NewResultCache[fakeResult](cache.DefaultTTL, cache.WithClock(clk))
	r := New[*fakeInstance, fakeResult](Config{
		Family:  types.FamilyRelational,
		Policy:  resilience.DefaultPolicy(),
		Retrier: resilience.NewRetrier(resilience.WithClock(clk)),
		Picker:  picker,
	}, pools, resolver, resultCache)

	return &harness{clock: clk, pools: pools, cache: resultCache, router: r}
}

func schoolGroups() []topology.Group {
	return []topology.Group{
		{Name: "Administrativos", Roles: []types.Role{types.RoleDirector, types.RoleGuardian}, Instances: []types.InstanceID{"A"}},
		{Name: "Secundaria", Roles: []types.Role{types.RoleSecondaryTeacher, types.RoleTutor}, Instances: []types.InstanceID{"A", "B", "C"}},
		{Name: "Primaria", Roles: []types.Role{types.RolePrimaryTeacher}, Instances: []types.InstanceID{"D"}},
	}
}

func firstPicker() InstancePicker {
	return PickerFunc(func(c []types.InstanceID) types.InstanceID { return c[0] })
}

func TestRead_CacheHitSkipsInstances(t *testing.T) {
	h := newHarness(t, schoolGroups(), firstPicker())
	ctx := context.Background()
	opts := Options{Role: types.RoleTutor, UseCache: true}

	first, err := h.router.Read(ctx, readOp, opts)
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)
	second, err := h.router.Read(ctx, readOp, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.pools["A"].Calls())
	assert.Equal(t, int64(1), h.cache.Stats().Hits)
}

func TestRead_ExpiredEntryGoesToInstance(t *testing.T) {
	h := newHarness(t, schoolGroups(), firstPicker())
	ctx := context.Background()
	opts := Options{Role: types.RoleTutor, UseCache: true}

	_, err := h.router.Read(ctx, readOp, opts)
	require.NoError(t, err)
	h.clock.Advance(61 * time.Second)
	_, err = h.router.Read(ctx, readOp, opts)
	require.NoError(t, err)

	assert.Equal(t, 2, h.pools["A"].Calls())
}

func TestRead_NoCacheWithoutGroup(t *testing.T) {
	h := newHarness(t, schoolGroups(), firstPicker())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.router.Read(ctx, readOp, Options{Role: "VISITANTE", UseCache: true})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.pools["A"].Calls(), "unknown role reads the universe and never caches")
	assert.Equal(t, 0, h.cache.Len())
}

func TestRead_CacheDisabledByDefault(t *testing.T) {
	h := newHarness(t, schoolGroups(), firstPicker())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.router.Read(ctx, readOp, Options{Role: types.RoleTutor})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.pools["A"].Calls())
}

func TestRead_UniformDistribution(t *testing.T) {
	groups := []topology.Group{{Name: "g", Roles: []types.Role{"r"}, Instances: []types.InstanceID{"A", "B", "C", "D"}}}
	h := newHarness(t, groups, NewSeededPicker(42, 1024))

	for i := 0; i < 1000; i++ {
		_, err := h.router.Read(context.Background(), readOp, Options{Role: "r"})
		require.NoError(t, err)
	}

	for _, id := range []types.InstanceID{"A", "B", "C", "D"} {
		share := float64(h.pools[id].Calls()) / 1000
		assert.GreaterOrEqual(t, share, 0.15, "instance %s", id)
		assert.LessOrEqual(t, share, 0.35, "instance %s", id)
	}
}

func TestRead_RetriesOnSameInstance(t *testing.T) {
	h := newHarness(t, schoolGroups(), PickerFunc(func(c []types.InstanceID) types.InstanceID { return c[1] }))
	h.pools["B"].failures = 1

	done := make(chan error, 1)
	go func() {
		res, err := h.router.Read(context.Background(), readOp, Options{Role: types.RoleTutor})
		if err == nil && res.instance != "B" {
			err = fmt.Errorf("served by %s", res.instance)
		}
		done <- err
	}()

	require.NoError(t, h.clock.WaitAdvance(time.Second, time.Second, 1))
	require.NoError(t, <-done)
	assert.Equal(t, 2, h.pools["B"].Calls())
	assert.Zero(t, h.pools["A"].Calls())
	assert.Zero(t, h.pools["C"].Calls())
}

func TestRead_NoInstancesAvailable(t *testing.T) {
	groups := []topology.Group{{Name: "Inicial", Roles: []types.Role{"PROFESOR_INICIAL"}}}
	h := newHarness(t, groups, nil)

	_, err := h.router.Read(context.Background(), readOp, Options{Role: "PROFESOR_INICIAL"})
	assert.ErrorIs(t, err, dberrors.ErrNoInstancesAvailable)

	_, err = h.router.Write(context.Background(), writeOp, Options{})
	assert.ErrorIs(t, err, dberrors.ErrNoInstancesAvailable)
}

func TestWrite_ReachesEveryInstanceOnce(t *testing.T) {
	h := newHarness(t, schoolGroups(), nil)

	res, err := h.router.Write(context.Background(), writeOp, Options{Role: types.RoleSecondaryTeacher})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceID("A"), res.instance, "first instance's result")

	assert.Equal(t, 1, h.pools["A"].Calls())
	assert.Equal(t, 1, h.pools["B"].Calls())
	assert.Equal(t, 1, h.pools["C"].Calls())
	assert.Zero(t, h.pools["D"].Calls())
}

func TestWrite_UnscopedTouchesUniverseOnce(t *testing.T) {
	groups := []topology.Group{
		{Name: "g1", Roles: []types.Role{"r1"}, Instances: []types.InstanceID{"A", "B"}},
		{Name: "g2", Roles: []types.Role{"r2"}, Instances: []types.InstanceID{"B", "C"}},
		{Name: "g3", Roles: []types.Role{"r3"}, Instances: []types.InstanceID{"D"}},
	}
	h := newHarness(t, groups, nil)

	_, err := h.router.Write(context.Background(), writeOp, Options{})
	require.NoError(t, err)

	for _, id := range []types.InstanceID{"A", "B", "C", "D"} {
		assert.Equal(t, 1, h.pools[id].Calls(), "instance %s", id)
	}
}

func TestWrite_PartialFailureStopsFanOut(t *testing.T) {
	h := newHarness(t, schoolGroups(), nil)
	h.pools["B"].alwaysFail = true
	start := h.clock.Now()

	done := make(chan error, 1)
	go func() {
		_, err := h.router.Write(context.Background(), writeOp, Options{Role: types.RoleTutor})
		done <- err
	}()

	require.NoError(t, h.clock.WaitAdvance(time.Second, time.Second, 1))
	require.NoError(t, h.clock.WaitAdvance(2*time.Second, time.Second, 1))

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("write did not finish")
	}

	var pw *dberrors.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, []types.InstanceID{"A"}, pw.Applied)
	assert.Equal(t, []types.InstanceID{"B"}, pw.Failed)
	assert.Equal(t, []types.InstanceID{"C"}, pw.Skipped)
	assert.ErrorIs(t, err, dberrors.ErrRetriesExhausted)
	assert.True(t, dberrors.IsPartialWrite(err))

	assert.Equal(t, 1, h.pools["A"].Calls())
	assert.Equal(t, []time.Time{start, start.Add(time.Second), start.Add(3 * time.Second)}, h.pools["B"].Times())
	assert.Zero(t, h.pools["C"].Calls())
}

func TestWrite_FirstInstanceExhaustedIsNotPartial(t *testing.T) {
	h := newHarness(t, schoolGroups(), nil)
	h.pools["A"].alwaysFail = true

	_, err := h.router.Write(context.Background(), writeOp, Options{Role: types.RoleTutor, MaxRetries: 1})

	var exhausted *dberrors.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.NotErrorIs(t, err, dberrors.ErrPartialWrite)
	assert.Zero(t, h.pools["B"].Calls())
	assert.Zero(t, h.pools["C"].Calls())
}

func TestWrite_BestEffortAttemptsEveryInstance(t *testing.T) {
	h := newHarness(t, schoolGroups(), nil)
	h.pools["B"].alwaysFail = true

	res, err := h.router.Write(context.Background(), writeOp, Options{Role: types.RoleTutor, MaxRetries: 1, BestEffort: true})

	var pw *dberrors.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Equal(t, []types.InstanceID{"A", "C"}, pw.Applied)
	assert.Equal(t, []types.InstanceID{"B"}, pw.Failed)
	assert.Empty(t, pw.Skipped)
	assert.Equal(t, types.InstanceID("A"), res.instance)
	assert.Equal(t, 1, h.pools["C"].Calls())
}

func TestWrite_BestEffortNothingApplied(t *testing.T) {
	h := newHarness(t, schoolGroups(), nil)
	for _, p := range h.pools {
		p.alwaysFail = true
	}

	_, err := h.router.Write(context.Background(), writeOp, Options{Role: types.RoleTutor, MaxRetries: 1, BestEffort: true})

	var pw *dberrors.PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.Empty(t, pw.Applied)
	assert.Equal(t, []types.InstanceID{"A", "B", "C"}, pw.Failed)
	assert.False(t, dberrors.IsPartialWrite(err))
}

func TestWrite_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, schoolGroups(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.router.Write(ctx, writeOp, Options{Role: types.RoleTutor})
	require.NoError(t, err)
	assert.Equal(t, 1, h.pools["C"].Calls())
}

func TestExecute_Dispatch(t *testing.T) {
	h := newHarness(t, schoolGroups(), firstPicker())
	ctx := context.Background()

	_, err := h.router.Execute(ctx, readOp, Options{Role: types.RoleTutor, Dispatch: DispatchAll})
	require.NoError(t, err)
	assert.Equal(t, 1, h.pools["C"].Calls(), "forced broadcast reaches every instance")

	_, err = h.router.Execute(ctx, writeOp, Options{Role: types.RoleTutor, Dispatch: DispatchOne})
	require.NoError(t, err)
	assert.Equal(t, 2, h.pools["A"].Calls())
	assert.Equal(t, 1, h.pools["B"].Calls(), "forced single instance skips the rest")

	_, err = h.router.Execute(ctx, writeOp, Options{Role: types.RolePrimaryTeacher})
	require.NoError(t, err)
	assert.Equal(t, 1, h.pools["D"].Calls())
}

func TestExecute_ForcedSingleWriteIsNotCached(t *testing.T) {
	h := newHarness(t, schoolGroups(), firstPicker())
	opts := Options{Role: types.RoleTutor, UseCache: true, Dispatch: DispatchOne}

	for i := 0; i < 2; i++ {
		_, err := h.router.Execute(context.Background(), writeOp, opts)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.pools["A"].Calls())
}

func TestRouter_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	clk := testclock.NewClock(time.Now())
	resolver, err := topology.NewResolver(schoolGroups())
	require.NoError(t, err)
	pools := fakePools{"A": {id: "A", clock: clk, alwaysFail: true}}

	r := New[*fakeInstance, fakeResult](Config{
		Family:  types.FamilyRelational,
		Retrier: resilience.NewRetrier(resilience.WithClock(clk)),
		Tracer:  provider.Tracer("test"),
	}, pools, resolver, nil)

	_, err = r.Write(context.Background(), writeOp, Options{Role: types.RoleDirector, MaxRetries: 1})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dbmux.write", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
