package dbmux

import (
	"log/slog"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/dbmux/internal/config"
	"github.com/blueberrycongee/dbmux/internal/document"
	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/registry"
	"github.com/blueberrycongee/dbmux/internal/relational"
	"github.com/blueberrycongee/dbmux/internal/router"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// ClientConfig holds everything New needs to build a Client.
type ClientConfig struct {
	// Config is the parsed configuration. Nil means config.DefaultConfig().
	Config *config.Config

	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Picker  router.InstancePicker

	// Secrets resolves connection references. Nil builds a manager with the env
	// provider and, when configured, the vault provider.
	Secrets registry.SecretResolver

	// Openers create pools from resolved connection strings. Nil uses the drivers.
	RelationalOpener registry.Opener[*relational.Pool]
	DocumentOpener   registry.Opener[*document.Pool]
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Logger: slog.Default(),
		Clock:  clock.WallClock,
	}
}

// WithConfig sets the topology, pools and policies.
func WithConfig(cfg *config.Config) Option {
	return func(c *ClientConfig) {
		c.Config = cfg
	}
}

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithClock sets the clock for retries, cache expiry and heartbeats.
func WithClock(clk clock.Clock) Option {
	return func(c *ClientConfig) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *ClientConfig) {
		c.Metrics = m
	}
}

// WithTracer sets the tracer for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *ClientConfig) {
		c.Tracer = tracer
	}
}

// WithPicker sets how reads choose among the instances of a group.
func WithPicker(p router.InstancePicker) Option {
	return func(c *ClientConfig) {
		c.Picker = p
	}
}

// WithSecretResolver replaces the default secret manager. The client does not
// close a resolver it did not create.
func WithSecretResolver(s registry.SecretResolver) Option {
	return func(c *ClientConfig) {
		c.Secrets = s
	}
}

// WithRelationalOpener replaces the PostgreSQL opener.
func WithRelationalOpener(open registry.Opener[*relational.Pool]) Option {
	return func(c *ClientConfig) {
		c.RelationalOpener = open
	}
}

// WithDocumentOpener replaces the MongoDB opener.
func WithDocumentOpener(open registry.Opener[*document.Pool]) Option {
	return func(c *ClientConfig) {
		c.DocumentOpener = open
	}
}

// CallOption configures a single Query or Execute call.
type CallOption func(*router.Options)

func callOptions(opts []CallOption) router.Options {
	var o router.Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRole scopes the call to the group of role. Without a role, or with a role
// that belongs to no group, the call spans every instance of the family.
func WithRole(role types.Role) CallOption {
	return func(o *router.Options) {
		o.Role = role
	}
}

// WithCache serves the read from the result cache of the role's group when a
// fresh entry exists, and stores the result otherwise.
func WithCache() CallOption {
	return func(o *router.Options) {
		o.UseCache = true
	}
}

// WithMaxRetries sets the number of attempts per instance.
func WithMaxRetries(n int) CallOption {
	return func(o *router.Options) {
		o.MaxRetries = n
	}
}

// ForceAllInstances replicates the call to every instance, whatever its text says.
func ForceAllInstances() CallOption {
	return func(o *router.Options) {
		o.Dispatch = router.DispatchAll
	}
}

// ForceSingleInstance runs the call on one instance, whatever its text says.
func ForceSingleInstance() CallOption {
	return func(o *router.Options) {
		o.Dispatch = router.DispatchOne
	}
}

// BestEffort lets a write continue past failed instances. The failures are
// reported together once every instance has been attempted.
func BestEffort() CallOption {
	return func(o *router.Options) {
		o.BestEffort = true
	}
}
