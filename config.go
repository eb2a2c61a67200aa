package clinicauth

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/clinicauth/throttle"
)

// Config defines a public type used by clinicauth APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	Throttle         throttle.Config        `yaml:"throttle" envconfig:"THROTTLE"`
	Session          SessionConfig          `yaml:"session" envconfig:"SESSION"`
	Store            StoreConfig            `yaml:"store" envconfig:"STORE"`
	Redis            RedisConfig            `yaml:"redis" envconfig:"REDIS"`
	Postgres         PostgresConfig         `yaml:"postgres" envconfig:"POSTGRES"`
	IdentityProvider IdentityProviderConfig `yaml:"identity_provider" envconfig:"IDP"`
	Audit            AuditConfig            `yaml:"audit" envconfig:"AUDIT"`
	Metrics          MetricsConfig          `yaml:"metrics" envconfig:"METRICS"`
	Log              LogConfig              `yaml:"log" envconfig:"LOG"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig tunes the session/role resolver.
type SessionConfig struct {
	// SafetyTimeout bounds how long the UI shows a loading state on start.
	SafetyTimeout time.Duration `yaml:"safety_timeout" envconfig:"SAFETY_TIMEOUT"`
	// DebounceWindow suppresses repeated provider events for the same identity.
	DebounceWindow time.Duration `yaml:"debounce_window" envconfig:"DEBOUNCE_WINDOW"`
	// BindingFreshness is how long a cached role binding is trusted.
	BindingFreshness time.Duration `yaml:"binding_freshness" envconfig:"BINDING_FRESHNESS"`
	// WatchStore revalidates when another process changes the role binding.
	WatchStore bool `yaml:"watch_store" envconfig:"WATCH_STORE"`
}

/*
====================================
STORAGE CONFIG
====================================
*/

const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

// StoreConfig selects the durable local store.
type StoreConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND"`
	Prefix  string `yaml:"prefix" envconfig:"PREFIX"`
}

// RedisConfig is used when Store.Backend is "redis" and no client is
// supplied to the builder.
type RedisConfig struct {
	Addrs       []string      `yaml:"addrs" envconfig:"ADDRS"`
	Username    string        `yaml:"username" envconfig:"USERNAME"`
	Password    string        `yaml:"password" envconfig:"PASSWORD"`
	DB          int           `yaml:"db" envconfig:"DB"`
	DialTimeout time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
}

/*
====================================
ROLE LOOKUP CONFIG
====================================
*/

// PostgresConfig enables the psychologist registry lookup when DSN is set.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxConns        int32         `yaml:"max_conns" envconfig:"MAX_CONNS"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" envconfig:"MAX_CONN_LIFETIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" envconfig:"QUERY_TIMEOUT"`
}

/*
====================================
IDENTITY PROVIDER CONFIG
====================================
*/

// IdentityProviderConfig configures the hosted auth REST client.
type IdentityProviderConfig struct {
	BaseURL       string        `yaml:"base_url" envconfig:"BASE_URL"`
	APIKey        string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	RefreshMargin time.Duration `yaml:"refresh_margin" envconfig:"REFRESH_MARGIN"`
	// JWTSecret enables HS256 verification of access tokens.
	JWTSecret   string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	JWTIssuer   string `yaml:"jwt_issuer" envconfig:"JWT_ISSUER"`
	JWTAudience string `yaml:"jwt_audience" envconfig:"JWT_AUDIENCE"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" envconfig:"ENABLED"`
	BufferSize int  `yaml:"buffer_size" envconfig:"BUFFER_SIZE"`
	DropIfFull bool `yaml:"drop_if_full" envconfig:"DROP_IF_FULL"`
	// CriticalWait is how long lockout and session-rejection events wait
	// for buffer space before being dropped under DropIfFull.
	CriticalWait time.Duration `yaml:"critical_wait" envconfig:"CRITICAL_WAIT"`
	// AMQPURL, when set and no sink is given to the builder, publishes
	// events to a RabbitMQ queue.
	AMQPURL string `yaml:"amqp_url" envconfig:"AMQP_URL"`
	Queue   string `yaml:"queue" envconfig:"QUEUE"`
}

// MetricsConfig controls in-process metrics.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" envconfig:"ENABLED"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms" envconfig:"ENABLE_LATENCY_HISTOGRAMS"`
}

// LogConfig configures NewLogger.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Throttle: throttle.DefaultConfig(),
		Session: SessionConfig{
			SafetyTimeout:    5 * time.Second,
			DebounceWindow:   100 * time.Millisecond,
			BindingFreshness: 30 * time.Minute,
			WatchStore:       true,
		},
		Store: StoreConfig{
			Backend: StoreBackendMemory,
			Prefix:  "clinicauth:",
		},
		Redis: RedisConfig{
			Addrs:       []string{"localhost:6379"},
			DialTimeout: 5 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxConns:        4,
			MaxConnLifetime: 30 * time.Minute,
			QueryTimeout:    3 * time.Second,
		},
		IdentityProvider: IdentityProviderConfig{
			Timeout:       10 * time.Second,
			RefreshMargin: 30 * time.Second,
		},
		Audit: AuditConfig{
			BufferSize:   256,
			DropIfFull:   true,
			CriticalWait: 50 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Throttle.Validate(); err != nil {
		return err
	}

	if c.Session.SafetyTimeout <= 0 {
		return errors.New("Session SafetyTimeout must be > 0")
	}
	if c.Session.DebounceWindow < 0 {
		return errors.New("Session DebounceWindow must be >= 0")
	}
	if c.Session.BindingFreshness <= 0 {
		return errors.New("Session BindingFreshness must be > 0")
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.New("Redis Addrs is required for the redis store backend")
		}
	default:
		return errors.New("Store Backend must be \"memory\" or \"redis\"")
	}

	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns < 0 {
			return errors.New("Postgres MaxConns must be >= 0")
		}
		if c.Postgres.QueryTimeout < 0 {
			return errors.New("Postgres QueryTimeout must be >= 0")
		}
	}

	if c.IdentityProvider.BaseURL != "" {
		u, err := url.Parse(c.IdentityProvider.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("IdentityProvider BaseURL must be an absolute URL")
		}
		if c.IdentityProvider.Timeout <= 0 {
			return errors.New("IdentityProvider Timeout must be > 0")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	if c.Audit.CriticalWait < 0 || c.Audit.CriticalWait > time.Second {
		return errors.New("Audit CriticalWait must be within [0, 1s]")
	}
	if c.Audit.AMQPURL != "" && !strings.HasPrefix(c.Audit.AMQPURL, "amqp") {
		return errors.New("Audit AMQPURL must use the amqp or amqps scheme")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return errors.New("Log Format must be \"json\" or \"console\"")
	}
	return nil
}

func cloneConfig(in Config) Config {
	out := in
	out.Throttle.Ladder = append([]time.Duration(nil), in.Throttle.Ladder...)
	out.Redis.Addrs = append([]string(nil), in.Redis.Addrs...)
	return out
}
