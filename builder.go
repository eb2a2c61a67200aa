package clinicauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/idp"
	"github.com/MrEthical07/clinicauth/internal/audit"
	"github.com/MrEthical07/clinicauth/jwt"
	"github.com/MrEthical07/clinicauth/rolelookup"
	"github.com/MrEthical07/clinicauth/session"
	"github.com/MrEthical07/clinicauth/store"
	"github.com/MrEthical07/clinicauth/throttle"
)

// Builder defines a public type used by clinicauth APIs.
//
// Anything not supplied explicitly is constructed from Config at Build.
type Builder struct {
	config    Config
	store     store.Store
	redis     redis.UniversalClient
	provider  session.IdentityProvider
	lookup    session.RoleLookup
	logger    *zap.Logger
	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore overrides Store.Backend.
func (b *Builder) WithStore(st store.Store) *Builder {
	b.store = st
	return b
}

// WithRedis supplies the client used by the redis store backend.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityProvider(p session.IdentityProvider) *Builder {
	b.provider = p
	return b
}

func (b *Builder) WithRoleLookup(l session.RoleLookup) *Builder {
	b.lookup = l
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock replaces time.Now for the guard, the binding cache and the
// resolver.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. On error every
// connection opened so far is closed.
func (b *Builder) Build() (eng *Engine, err error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		config:   cfg,
		logger:   logger,
		now:      now,
		validate: validator.New(),
		metrics:  NewMetrics(cfg.Metrics),
	}
	defer func() {
		if err != nil {
			for i := len(e.closers) - 1; i >= 0; i-- {
				e.closers[i]()
			}
		}
	}()

	// -------- DURABLE STORE --------
	e.store, err = b.buildStore(e, cfg)
	if err != nil {
		return nil, err
	}

	// -------- LOGIN THROTTLE --------
	e.guard, err = throttle.New(e.store, cfg.Throttle,
		throttle.WithClock(now),
		throttle.WithLogger(logger.Named("throttle")),
	)
	if err != nil {
		return nil, err
	}

	// -------- IDENTITY PROVIDER --------
	provider := b.provider
	if provider == nil {
		provider, err = buildProvider(cfg.IdentityProvider, e.store, logger, now)
		if err != nil {
			return nil, err
		}
	}

	// -------- ROLE LOOKUP --------
	lookup := b.lookup
	if lookup == nil && cfg.Postgres.DSN != "" {
		lookup, err = b.buildPostgresLookup(e, cfg.Postgres)
		if err != nil {
			return nil, err
		}
	}
	if lookup == nil {
		logger.Warn("no role lookup configured, roles come from identity metadata and cached bindings only")
	}

	// -------- AUDIT --------
	sink := b.auditSink
	if sink == nil && cfg.Audit.Enabled && cfg.Audit.AMQPURL != "" {
		amqpSink, err := audit.DialAMQP(cfg.Audit.AMQPURL, cfg.Audit.Queue, logger.Named("audit"))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = amqpSink.Close() })
		sink = amqpSink
	}
	auditLog := logger.Named("audit")
	e.audit = audit.NewDispatcher(audit.Config{
		Enabled:      cfg.Audit.Enabled,
		BufferSize:   cfg.Audit.BufferSize,
		DropIfFull:   cfg.Audit.DropIfFull,
		CriticalWait: cfg.Audit.CriticalWait,
		OnDrop: func(ev audit.Event) {
			if audit.Critical(ev.EventType) {
				auditLog.Warn("audit event dropped",
					zap.String("event_type", ev.EventType),
					zap.String("identifier_hash", ev.IdentifierHash),
				)
			}
		},
	}, sink)

	// -------- SESSION RESOLVER --------
	cache := session.NewBindingCache(e.store,
		session.WithCacheClock(now),
		session.WithCacheLogger(logger.Named("binding")),
		session.WithFreshness(cfg.Session.BindingFreshness),
	)
	e.resolver, err = session.New(provider, lookup, cache,
		session.WithClock(now),
		session.WithLogger(logger.Named("session")),
		session.WithSafetyTimeout(cfg.Session.SafetyTimeout),
		session.WithDebounceWindow(cfg.Session.DebounceWindow),
		session.WithObserver(session.ObserverFunc(e.observe)),
	)
	if err != nil {
		e.audit.Close()
		return nil, err
	}

	b.built = true
	return e, nil
}

func (b *Builder) buildStore(e *Engine, cfg Config) (store.Store, error) {
	if b.store != nil {
		return b.store, nil
	}
	if cfg.Store.Backend != StoreBackendRedis {
		return store.NewMemory(), nil
	}

	client := b.redis
	if client == nil {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       cfg.Redis.Addrs,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		e.closers = append(e.closers, func() { _ = client.Close() })
	}
	return store.NewRedis(client, cfg.Store.Prefix), nil
}

func buildProvider(cfg IdentityProviderConfig, st store.Store, logger *zap.Logger, now func() time.Time) (session.IdentityProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("identity provider required: set IdentityProvider.BaseURL or use WithIdentityProvider")
	}

	opts := []idp.Option{idp.WithLogger(logger.Named("idp")), idp.WithClock(now)}
	if cfg.JWTSecret != "" {
		verifier, err := jwt.NewManager(jwt.Config{
			SigningMethod: jwt.MethodHS256,
			Secret:        []byte(cfg.JWTSecret),
			Issuer:        cfg.JWTIssuer,
			Audience:      cfg.JWTAudience,
			Leeway:        30 * time.Second,
			Now:           now,
		})
		if err != nil {
			return nil, fmt.Errorf("identity provider token verifier: %w", err)
		}
		opts = append(opts, idp.WithTokenVerifier(verifier))
	}

	return idp.New(idp.Config{
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.APIKey,
		Timeout:       cfg.Timeout,
		RefreshMargin: cfg.RefreshMargin,
	}, st, opts...)
}

func (b *Builder) buildPostgresLookup(e *Engine, cfg PostgresConfig) (session.RoleLookup, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := rolelookup.NewPool(ctx, rolelookup.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, pool.Close)
	return rolelookup.NewPostgres(pool, rolelookup.DefaultRegistries(), cfg.QueryTimeout)
}
