package rolelookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrEthical07/clinicauth/session"
)

// ErrLookupFailed wraps database errors returned by Postgres.
var ErrLookupFailed = errors.New("role lookup failed")

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry maps a table of registered professionals to the role it grants.
type Registry struct {
	Table        string
	UserIDColumn string
	EmailColumn  string
	Role         session.Role
}

// DefaultRegistries lists the psychologist registry.
func DefaultRegistries() []Registry {
	return []Registry{{
		Table:        "psychologists",
		UserIDColumn: "user_id",
		EmailColumn:  "email",
		Role:         session.RolePsychologist,
	}}
}

// Postgres checks registries in order and returns the role of the first one
// listing the identity.
type Postgres struct {
	db      Querier
	queries []registryQuery
	timeout time.Duration
}

type registryQuery struct {
	sql  string
	role session.Role
}

// NewPostgres prepares one existence query per registry. A zero timeout
// leaves the caller's context deadline in charge.
func NewPostgres(db Querier, registries []Registry, timeout time.Duration) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("rolelookup: querier is required")
	}
	if len(registries) == 0 {
		registries = DefaultRegistries()
	}

	p := &Postgres{db: db, timeout: timeout}
	for _, reg := range registries {
		if reg.Table == "" || reg.Role == session.RoleNone {
			return nil, errors.New("rolelookup: registry needs a table and a role")
		}
		if reg.UserIDColumn == "" {
			reg.UserIDColumn = "user_id"
		}
		if reg.EmailColumn == "" {
			reg.EmailColumn = "email"
		}
		p.queries = append(p.queries, registryQuery{sql: registrySQL(reg), role: reg.Role})
	}
	return p, nil
}

func registrySQL(reg Registry) string {
	table := pgx.Identifier(strings.Split(reg.Table, ".")).Sanitize()
	userID := pgx.Identifier{reg.UserIDColumn}.Sanitize()
	email := pgx.Identifier{reg.EmailColumn}.Sanitize()
	return fmt.Sprintf(
		"SELECT 1 FROM %s WHERE (%s::text = $1 AND $1 <> '') OR (lower(%s) = lower($2) AND $2 <> '') LIMIT 1",
		table, userID, email,
	)
}

func (p *Postgres) LookupRole(ctx context.Context, userID, email string) (session.Role, error) {
	if userID == "" && email == "" {
		return session.RoleNone, nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	for _, q := range p.queries {
		var one int
		err := p.db.QueryRow(ctx, q.sql, userID, email).Scan(&one)
		if err == nil {
			return q.role, nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		return session.RoleNone, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return session.RoleNone, nil
}

// PoolConfig configures NewPool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("rolelookup: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("rolelookup: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return pool, nil
}
