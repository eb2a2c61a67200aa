package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/store"
)

// BindingFreshness is how long a cached role binding may be trusted.
const BindingFreshness = 30 * time.Minute

// RoleBinding is the persisted role cache entry. Timestamp is Unix ms.
type RoleBinding struct {
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
	Timestamp int64  `json:"timestamp"`
}

// BindingCache persists a single RoleBinding for the active identity.
// Every read goes to the store; bindings for another user or older than the
// freshness window are deleted when seen.
type BindingCache struct {
	store     store.Store
	now       func() time.Time
	freshness time.Duration
	logger    *zap.Logger
}

// CacheOption customizes a BindingCache.
type CacheOption func(*BindingCache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *BindingCache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *BindingCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFreshness overrides BindingFreshness.
func WithFreshness(d time.Duration) CacheOption {
	return func(c *BindingCache) {
		if d > 0 {
			c.freshness = d
		}
	}
}

// NewBindingCache returns a cache over st. A nil st selects an in-memory store.
func NewBindingCache(st store.Store, opts ...CacheOption) *BindingCache {
	if st == nil {
		st = store.NewMemory()
	}
	c := &BindingCache{
		store:     st,
		now:       time.Now,
		freshness: BindingFreshness,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached role for userID when a fresh binding for that user
// exists.
func (c *BindingCache) Get(ctx context.Context, userID string) (Role, bool) {
	if c == nil || userID == "" {
		return RoleNone, false
	}

	b, ok := c.Binding(ctx)
	if !ok {
		return RoleNone, false
	}

	switch {
	case b.UserID != userID:
		c.logger.Debug("role binding belongs to another user, dropping", logfields.UserID(userID))
		c.Clear(ctx)
		return RoleNone, false
	case c.now().Sub(time.UnixMilli(b.Timestamp)) >= c.freshness:
		c.logger.Debug("role binding expired, dropping", logfields.UserID(userID))
		c.Clear(ctx)
		return RoleNone, false
	case b.Role == RoleNone:
		return RoleNone, false
	}
	return b.Role, true
}

// Put overwrites the binding. RoleNone is never cached.
func (c *BindingCache) Put(ctx context.Context, userID string, role Role) {
	if c == nil || userID == "" || role == RoleNone {
		return
	}
	raw, err := json.Marshal(RoleBinding{
		UserID:    userID,
		Role:      role,
		Timestamp: c.now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := c.store.SetItem(ctx, store.KeyRoleBinding, string(raw)); err != nil {
		c.logger.Error("role binding write failed", logfields.UserID(userID), zap.Error(err))
	}
}

// Clear removes the binding and the legacy role key.
func (c *BindingCache) Clear(ctx context.Context) {
	if c == nil {
		return
	}
	for _, key := range []string{store.KeyRoleBinding, store.KeyLegacyRole} {
		if err := c.store.RemoveItem(ctx, key); err != nil {
			c.logger.Error("role binding removal failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Binding returns the raw stored binding without freshness checks.
func (c *BindingCache) Binding(ctx context.Context) (RoleBinding, bool) {
	if c == nil {
		return RoleBinding{}, false
	}
	raw, ok, err := c.store.GetItem(ctx, store.KeyRoleBinding)
	if err != nil {
		c.logger.Error("role binding read failed", zap.Error(err))
		return RoleBinding{}, false
	}
	if !ok {
		return RoleBinding{}, false
	}

	var b RoleBinding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		c.logger.Warn("role binding is corrupt, dropping", zap.Error(err))
		c.Clear(ctx)
		return RoleBinding{}, false
	}
	return b, true
}
