// Package healthcheck provides periodic instance probing.
// Probes only report; routing never consults their outcome.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Config controls the prober behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Target is one probeable instance.
type Target struct {
	Name string
	Ping func(ctx context.Context) error
}

// TargetSource lists the instances to probe on each round.
type TargetSource interface {
	Targets() []Target
}

// ResultFunc is told about every probe. err is nil on success.
type ResultFunc func(name string, err error)

// Prober periodically pings instances, logging failures and recoveries.
type Prober struct {
	cfg      Config
	source   TargetSource
	logger   *slog.Logger
	clock    clock.Clock
	onResult ResultFunc

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	failing map[string]bool
}

// Option configures a Prober.
type Option func(*Prober)

// WithClock sets the clock pacing probe rounds.
func WithClock(c clock.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithResultFunc registers a callback for every probe outcome.
func WithResultFunc(fn ResultFunc) Option {
	return func(p *Prober) {
		p.onResult = fn
	}
}

// NewProber creates a new prober.
func NewProber(cfg Config, source TargetSource, logger *slog.Logger, opts ...Option) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Prober{
		cfg:     cfg,
		source:  source,
		logger:  logger,
		clock:   clock.WallClock,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		failing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the probe loop until Stop is called or ctx is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if p.source == nil {
		p.logger.Warn("healthcheck prober missing target source")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

// Stop ends the probe loop and waits for it to exit. It is idempotent.
func (p *Prober) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
		}
	})
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-p.clock.After(p.cfg.Interval):
			p.RunOnce(ctx)
		case <-p.stop:
			p.logger.Debug("healthcheck prober stopped")
			return
		case <-ctx.Done():
			p.logger.Debug("healthcheck prober stopped")
			return
		}
	}
}

// RunOnce probes every target once.
func (p *Prober) RunOnce(ctx context.Context) {
	for _, target := range p.source.Targets() {
		if ctx.Err() != nil {
			return
		}
		err := p.probe(ctx, target)
		if p.onResult != nil {
			p.onResult(target.Name, err)
		}
		if err != nil {
			p.handleFailure(target.Name, err)
			continue
		}
		p.handleSuccess(target.Name)
	}
}

func (p *Prober) probe(ctx context.Context, target Target) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return target.Ping(probeCtx)
}

func (p *Prober) handleFailure(name string, err error) {
	p.mu.Lock()
	p.failing[name] = true
	p.mu.Unlock()

	p.logger.Warn("healthcheck probe failed", "instance", name, "error", err)
}

func (p *Prober) handleSuccess(name string) {
	p.mu.Lock()
	wasFailing := p.failing[name]
	delete(p.failing, name)
	p.mu.Unlock()

	if wasFailing {
		p.logger.Info("healthcheck probe recovered", "instance", name)
	}
}

// Failing returns whether the last probe of name failed.
func (p *Prober) Failing(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failing[name]
}
