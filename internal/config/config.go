// Package config loads the meterd process configuration from a YAML file and
// GOMETER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// EnvPrefix prefixes every environment override, e.g. GOMETER_STORE_BACKEND.
const EnvPrefix = "GOMETER"

// Store backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Log       LogConfig                 `mapstructure:"log"`
	Admission AdmissionConfig           `mapstructure:"admission"`
	Store     StoreConfig               `mapstructure:"store"`
	Tiers     map[string][]WindowConfig `mapstructure:"tiers"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SubjectHeader   string        `mapstructure:"subject_header"`
	TierHeader      string        `mapstructure:"tier_header"`

	// Upstream, when set, turns meterd into a gateway that admits every call
	// before proxying it there.
	Upstream string `mapstructure:"upstream"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type AdmissionConfig struct {
	FailurePolicy         string        `mapstructure:"failure_policy"`
	UnavailableRetryAfter time.Duration `mapstructure:"unavailable_retry_after"`
	DefaultTier           string        `mapstructure:"default_tier"`
	HistoryWindow         time.Duration `mapstructure:"history_window"`
}

type StoreConfig struct {
	Backend          string               `mapstructure:"backend"`
	FailoverToMemory bool                 `mapstructure:"failover_to_memory"`
	KeyPrefix        string               `mapstructure:"key_prefix"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Redis            RedisConfig          `mapstructure:"redis"`
	Postgres         PostgresConfig       `mapstructure:"postgres"`
	Firestore        FirestoreConfig      `mapstructure:"firestore"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
	RecordCalls      bool          `mapstructure:"record_calls"`
	CallLogRetention time.Duration `mapstructure:"call_log_retention"`
}

type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

// WindowConfig is one window of a tier. Capacity is an integer or "unbounded".
type WindowConfig struct {
	Name     string        `mapstructure:"name"`
	Duration time.Duration `mapstructure:"duration"`
	Capacity string        `mapstructure:"capacity"`
}

// Load reads the configuration. With an empty path it looks for config.yaml
// under ./configs and the working directory and runs on defaults when neither
// exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.subject_header", "X-Subject-ID")
	v.SetDefault("server.tier_header", "X-Subject-Tier")
	v.SetDefault("server.upstream", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("admission.failure_policy", string(meter.FailOpen))
	v.SetDefault("admission.unavailable_retry_after", time.Second)
	v.SetDefault("admission.default_tier", string(meter.TierFree))
	v.SetDefault("admission.history_window", meter.DefaultHistoryWindow)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.failover_to_memory", false)
	v.SetDefault("store.key_prefix", "gometer:")
	v.SetDefault("store.circuit_breaker.enabled", true)
	v.SetDefault("store.circuit_breaker.failure_threshold", 5)
	v.SetDefault("store.circuit_breaker.reset_timeout", 30*time.Second)

	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.username", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)

	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.auto_migrate", true)
	v.SetDefault("store.postgres.record_calls", true)
	v.SetDefault("store.postgres.call_log_retention", 90*24*time.Hour)

	v.SetDefault("store.firestore.project_id", "")
	v.SetDefault("store.firestore.collection", "gometer_counters")
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	policy, err := meter.ParseFailurePolicy(c.Admission.FailurePolicy)
	if err != nil {
		return err
	}
	if policy == meter.FailClosed && c.Store.FailoverToMemory {
		return fmt.Errorf("%w: store.failover_to_memory requires admission.failure_policy open", meter.ErrInvalidConfig)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("%w: store.postgres.dsn is required", meter.ErrInvalidConfig)
		}
	case BackendFirestore:
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("%w: store.firestore.project_id is required", meter.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", meter.ErrInvalidConfig, c.Store.Backend)
	}
	if c.Server.Upstream != "" {
		if u, err := url.Parse(c.Server.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: invalid server.upstream %q", meter.ErrInvalidConfig, c.Server.Upstream)
		}
	}
	if _, err := c.BuildRegistry(); err != nil {
		return err
	}
	return nil
}

// BuildRegistry turns the tier table into a registry. Without tiers the
// default table applies. The default tier doubles as the fallback for unknown
// tiers and must therefore be configured.
func (c *Config) BuildRegistry() (*meter.TierRegistry, error) {
	if len(c.Tiers) == 0 {
		return meter.DefaultRegistry(), nil
	}

	sets := make(map[meter.Tier]meter.LimitSet, len(c.Tiers))
	for name, windows := range c.Tiers {
		tier := meter.ParseTier(name)
		ws := make([]meter.Window, 0, len(windows))
		for _, wc := range windows {
			capacity, err := ParseCapacity(wc.Capacity)
			if err != nil {
				return nil, fmt.Errorf("tier %s window %s: %w", tier, wc.Name, err)
			}
			ws = append(ws, meter.Window{Name: wc.Name, Duration: wc.Duration, Capacity: capacity})
		}
		set, err := meter.NewLimitSet(ws...)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %s: %w", meter.ErrInvalidConfig, tier, err)
		}
		sets[tier] = set
	}

	return meter.NewTierRegistry(sets, meter.ParseTier(c.Admission.DefaultTier))
}

// ParseCapacity accepts a non-negative integer, -1, or "unbounded"/"unlimited".
func ParseCapacity(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unbounded", "unlimited", "-1":
		return meter.Unlimited, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid capacity %q", meter.ErrInvalidConfig, s)
	}
	return n, nil
}
