// Package config provides the typed dbmux configuration: instance topology per
// family and environment, pool knobs, cache, retry and the ambient stack.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/dbmux/internal/document"
	"github.com/blueberrycongee/dbmux/internal/observability"
	"github.com/blueberrycongee/dbmux/internal/registry"
	"github.com/blueberrycongee/dbmux/internal/relational"
	"github.com/blueberrycongee/dbmux/internal/secret/vault"
	"github.com/blueberrycongee/dbmux/internal/topology"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// EnvironmentVariable selects the environment when the file does not.
const EnvironmentVariable = "DBMUX_ENVIRONMENT"

// Environments.
const (
	EnvironmentLocal         = "local"
	EnvironmentDevelopment   = "development"
	EnvironmentCertification = "certification"
	EnvironmentTesting       = "testing"
	EnvironmentProduction    = "production"
)

// Config represents the complete dbmux configuration.
type Config struct {
	Environment string                      `yaml:"environment"`
	Relational  RelationalConfig            `yaml:"relational"`
	Document    DocumentConfig              `yaml:"document"`
	Cache       CacheConfig                 `yaml:"cache"`
	Retry       RetryConfig                 `yaml:"retry"`
	Heartbeat   HeartbeatConfig             `yaml:"heartbeat"`
	Secrets     SecretsConfig               `yaml:"secrets"`
	Swipes      SwipesConfig                `yaml:"swipes"`
	Logging     LoggingConfig               `yaml:"logging"`
	Metrics     MetricsConfig               `yaml:"metrics"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
}

// InstanceConfig declares one physical instance. Conn is a literal connection
// string or a secret reference (env://VAR, vault://path#key).
type InstanceConfig struct {
	ID   types.InstanceID `yaml:"id"`
	Conn string           `yaml:"conn"`
}

// GroupConfig declares a role group. Its instances come from the distribution.
type GroupConfig struct {
	Name  string       `yaml:"name"`
	Roles []types.Role `yaml:"roles"`
}

// Distribution maps roles to the instances that serve them.
type Distribution map[types.Role][]types.InstanceID

// FamilyConfig is the topology of one family.
type FamilyConfig struct {
	Instances []InstanceConfig `yaml:"instances"`
	Groups    []GroupConfig    `yaml:"groups"`
	// Distribution applies to every environment without an override.
	Distribution Distribution `yaml:"distribution"`
	// Environments overrides Distribution per environment.
	Environments map[string]Distribution `yaml:"environments"`
}

// RelationalConfig configures the PostgreSQL family.
type RelationalConfig struct {
	FamilyConfig `yaml:",inline"`
	Pool         relational.PoolConfig `yaml:"pool"`
}

// DocumentConfig configures the MongoDB family.
type DocumentConfig struct {
	FamilyConfig `yaml:",inline"`
	Pool         document.PoolConfig `yaml:"pool"`
}

// CacheConfig configures the per-group result cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// RetryConfig configures the per-instance retry budget.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// HeartbeatConfig configures instance probing. A zero interval disables it.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SecretsConfig configures connection string resolution.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    *vault.Config `yaml:"vault"`
}

// SwipesConfig configures the attendance swipe buffer.
type SwipesConfig struct {
	Redis string `yaml:"redis"` // redis:// URL or secret reference
	Table string `yaml:"table"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

func instanceRange(prefix string, n int) []InstanceConfig {
	out := make([]InstanceConfig, n)
	for i := range out {
		id := types.InstanceID(fmt.Sprintf("INS%d", i+1))
		out[i] = InstanceConfig{ID: id, Conn: fmt.Sprintf("env://%s_%s_DATABASE_URL", prefix, id)}
	}
	return out
}

func schoolGroups() []GroupConfig {
	return []GroupConfig{
		{Name: "Administrativos", Roles: []types.Role{
			types.RoleDirector,
			types.RoleAuxiliary,
			types.RoleAdministrativeStaff,
			types.RoleGuardian,
		}},
		{Name: "Secundaria", Roles: []types.Role{types.RoleSecondaryTeacher, types.RoleTutor}},
		{Name: "Primaria", Roles: []types.Role{types.RolePrimaryTeacher}},
	}
}

// DefaultConfig returns the production topology with sensible defaults.
func DefaultConfig() *Config {
	environment := os.Getenv(EnvironmentVariable)
	if environment == "" {
		environment = EnvironmentCertification
	}

	return &Config{
		Environment: environment,
		Relational: RelationalConfig{
			FamilyConfig: FamilyConfig{
				Instances: instanceRange("RDP02", 3),
				Groups:    schoolGroups(),
				Distribution: Distribution{
					types.RoleDirector:            {"INS1"},
					types.RoleAuxiliary:           {"INS1"},
					types.RoleAdministrativeStaff: {"INS1"},
					types.RoleSecondaryTeacher:    {"INS2"},
					types.RoleTutor:               {"INS2"},
					types.RolePrimaryTeacher:      {"INS3"},
				},
			},
			Pool: relational.DefaultPoolConfig(),
		},
		Document: DocumentConfig{
			FamilyConfig: FamilyConfig{
				Instances: instanceRange("RDP03", 5),
				Groups:    schoolGroups(),
				Distribution: Distribution{
					types.RoleDirector:            {"INS1"},
					types.RoleAuxiliary:           {"INS2"},
					types.RoleAdministrativeStaff: {"INS2"},
					types.RoleSecondaryTeacher:    {"INS3"},
					types.RoleTutor:               {"INS3"},
					types.RolePrimaryTeacher:      {"INS4"},
					types.RoleGuardian:            {"INS1", "INS2", "INS3", "INS4", "INS5"},
				},
			},
			Pool: document.DefaultPoolConfig(),
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Swipes: SwipesConfig{
			Redis: "env://RDP05_REDIS_URL",
			Table: "dbmux_swipes",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9464",
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if err := c.Relational.validate(c.Environment); err != nil {
		return fmt.Errorf("relational: %w", err)
	}
	if err := c.Document.validate(c.Environment); err != nil {
		return fmt.Errorf("document: %w", err)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts cannot be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0 {
		return fmt.Errorf("heartbeat durations cannot be negative")
	}
	if c.Secrets.CacheTTL < 0 {
		return fmt.Errorf("secrets.cache_ttl cannot be negative")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func (f FamilyConfig) validate(env string) error {
	declared := make(map[types.InstanceID]bool, len(f.Instances))
	for i, inst := range f.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance[%d]: id is required", i)
		}
		if declared[inst.ID] {
			return fmt.Errorf("instance %q declared twice", inst.ID)
		}
		declared[inst.ID] = true
	}

	grouped := make(map[types.Role]bool)
	for _, g := range f.Groups {
		for _, role := range g.Roles {
			grouped[role] = true
		}
	}

	for role, ids := range f.DistributionFor(env) {
		if !grouped[role] {
			return fmt.Errorf("distribution: role %q belongs to no group", role)
		}
		for _, id := range ids {
			if !declared[id] {
				return fmt.Errorf("distribution: role %q uses undeclared instance %q", role, id)
			}
		}
	}

	if _, err := f.TopologyGroups(env); err != nil {
		return err
	}
	return nil
}

// DistributionFor returns the role distribution of an environment.
func (f FamilyConfig) DistributionFor(env string) Distribution {
	if d, ok := f.Environments[env]; ok {
		return d
	}
	return f.Distribution
}

// TopologyGroups builds the role groups of an environment. A group's instances are
// the union of its roles' distribution entries in role order, deduplicated.
func (f FamilyConfig) TopologyGroups(env string) ([]topology.Group, error) {
	dist := f.DistributionFor(env)
	groups := make([]topology.Group, 0, len(f.Groups))
	for _, g := range f.Groups {
		lists := make([][]types.InstanceID, 0, len(g.Roles))
		for _, role := range g.Roles {
			lists = append(lists, dist[role])
		}
		groups = append(groups, topology.Group{
			Name:      g.Name,
			Roles:     slices.Clone(g.Roles),
			Instances: types.DedupInstances(lists...),
		})
	}

	// Reuse the resolver's validation.
	if _, err := topology.NewResolver(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// InstanceSpecs returns the registry declarations of the family.
func (f FamilyConfig) InstanceSpecs() []registry.InstanceSpec {
	specs := make([]registry.InstanceSpec, len(f.Instances))
	for i, inst := range f.Instances {
		specs[i] = registry.InstanceSpec{ID: inst.ID, ConnRef: inst.Conn}
	}
	return specs
}
