package throttle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/store"
)

var errUnchanged = errors.New("throttle: record unchanged")

// Guard tracks failed sign-in attempts per identifier. It is safe for
// concurrent use; mutations are serialized in-process and applied through
// store.Update so concurrent processes get last-writer-wins per commit.
type Guard struct {
	cfg    Config
	store  store.Store
	now    func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	mirror table
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// New returns a guard persisting to st. A nil st selects an in-memory store.
func New(st store.Store, cfg Config, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		st = store.NewMemory()
	}
	g := &Guard{
		cfg:    cfg,
		store:  st,
		now:    time.Now,
		logger: zap.NewNop(),
		mirror: table{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the guard's configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// NormalizeIdentifier lower-cases and trims an identifier so casing and
// surrounding spaces cannot be used to bypass the counter.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// IsLocked returns lockout details, or nil when identifier may attempt a
// sign-in. An expired lockout is cleared (level kept) as a side effect.
func (g *Guard) IsLocked(ctx context.Context, identifier string) *LockInfo {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, ok := g.read(ctx, id)
	if !ok || rec.LockoutTime == nil {
		return nil
	}
	if rec.LockedAt(now) {
		return newLockInfo(rec.LockoutLevel, rec.Until(), rec.Until().Sub(now))
	}

	rec, _ = g.mutate(ctx, id, func(r *Record, exists bool) bool {
		if !exists || r.LockoutTime == nil || r.LockedAt(now) {
			return false
		}
		r.LockoutTime = nil
		return true
	})
	g.logger.Info("login lockout expired",
		logfields.Identifier(id),
		zap.Int("lockout_level", rec.LockoutLevel),
	)

	// Another process may have locked the identifier again in between.
	if rec.LockedAt(now) {
		return newLockInfo(rec.LockoutLevel, rec.Until(), rec.Until().Sub(now))
	}
	return nil
}

// RecordFailure counts a rejected credential. When the count reaches
// MaxAttempts a lockout from the ladder is applied, the level is raised and
// the count resets. The returned LockInfo is non-nil only when this call
// tripped a lockout. Failures reported while a lockout is active are ignored.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) *LockInfo {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var tripped time.Duration
	rec, _ := g.mutate(ctx, id, func(r *Record, _ bool) bool {
		tripped = 0
		if r.LockoutTime != nil {
			if r.LockedAt(now) {
				return false
			}
			r.LockoutTime = nil
		}
		r.Count++
		if r.Count >= g.cfg.MaxAttempts {
			tripped = g.cfg.DurationForLevel(r.LockoutLevel)
			until := now.Add(tripped).UnixMilli()
			r.LockoutTime = &until
			r.LockoutLevel++
			r.Count = 0
		}
		return true
	})

	if tripped > 0 {
		g.logger.Warn("login lockout triggered",
			logfields.Identifier(id),
			zap.Int("lockout_level", rec.LockoutLevel),
			zap.Duration("lockout_duration", tripped),
		)
		return newLockInfo(rec.LockoutLevel, rec.Until(), rec.Until().Sub(now))
	}

	g.logger.Info("login failure recorded",
		logfields.Identifier(id),
		zap.Int("failure_count", rec.Count),
		zap.Int("attempts_remaining", g.remaining(rec, now)),
	)
	return nil
}

// RecordSuccess resets the failure count and clears any lockout. The lockout
// level is kept so repeat offenders climb the ladder across sessions.
func (g *Guard) RecordSuccess(ctx context.Context, identifier string) {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.mutate(ctx, id, func(r *Record, exists bool) bool {
		if !exists || (r.Count == 0 && r.LockoutTime == nil) {
			return false
		}
		r.Count = 0
		r.LockoutTime = nil
		return true
	})
}

// RemainingAttempts returns 0 while locked, otherwise MaxAttempts minus the
// current failure count.
func (g *Guard) RemainingAttempts(ctx context.Context, identifier string) int {
	if g.IsLocked(ctx, identifier) != nil {
		return 0
	}
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return g.cfg.MaxAttempts
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	rec, _ := g.read(ctx, id)
	return g.remaining(rec, g.now())
}

// ClearLockout is the administrative reset: count, lockout and level all
// return to zero.
func (g *Guard) ClearLockout(ctx context.Context, identifier string) {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.mutate(ctx, id, func(r *Record, exists bool) bool {
		if !exists {
			return false
		}
		*r = Record{}
		return true
	})
	g.logger.Info("login lockout cleared", logfields.Identifier(id))
}

// PreviewNextLockoutDuration returns the duration the next lockout would
// last. It never mutates state.
func (g *Guard) PreviewNextLockoutDuration(ctx context.Context, identifier string) time.Duration {
	return g.cfg.DurationForLevel(g.Attempts(ctx, identifier).LockoutLevel)
}

// ShouldWarn reports whether the failure count reached WarningThreshold.
func (g *Guard) ShouldWarn(ctx context.Context, identifier string) bool {
	return g.Attempts(ctx, identifier).Count >= g.cfg.WarningThreshold
}

// Attempts returns a copy of the stored record; the zero Record when the
// identifier has never failed.
func (g *Guard) Attempts(ctx context.Context, identifier string) Record {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return Record{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	rec, _ := g.read(ctx, id)
	return rec
}

func (g *Guard) remaining(rec Record, now time.Time) int {
	if rec.LockedAt(now) {
		return 0
	}
	n := g.cfg.MaxAttempts - rec.Count
	if n < 0 {
		return 0
	}
	return n
}

// read loads the record from the store. When the store fails, the last
// known table is used instead. Caller holds g.mu.
func (g *Guard) read(ctx context.Context, id string) (Record, bool) {
	raw, _, err := g.store.GetItem(ctx, g.cfg.StorageKey)
	if err != nil {
		g.logger.Error("login attempts read failed, using in-process state",
			logfields.Identifier(id),
			zap.Error(err),
		)
		rec, ok := g.mirror[id]
		return rec.clone(), ok
	}

	t, err := decodeTable(raw)
	if err != nil {
		g.logger.Warn("login attempts table is corrupt, treating as empty", zap.Error(err))
	}
	g.mirror = t.clone()
	rec, ok := t[id]
	return rec, ok
}

// mutate applies fn to the record of id and persists the table. fn returns
// false when it made no change. Caller holds g.mu.
func (g *Guard) mutate(ctx context.Context, id string, fn func(r *Record, exists bool) bool) (Record, bool) {
	var (
		result    Record
		resultOK  bool
		committed table
	)

	apply := func(t table) (table, bool) {
		rec, exists := t[id]
		rec = rec.clone()
		if !fn(&rec, exists) {
			result, resultOK = rec, exists
			return t, false
		}
		t[id] = rec
		result, resultOK = rec, true
		return t, true
	}

	err := store.Update(ctx, g.store, g.cfg.StorageKey, func(current string, _ bool) (string, bool, error) {
		t, decodeErr := decodeTable(current)
		if decodeErr != nil {
			g.logger.Warn("login attempts table is corrupt, treating as empty", zap.Error(decodeErr))
		}
		t, changed := apply(t)
		committed = t
		if !changed {
			return "", false, errUnchanged
		}
		raw, encErr := t.encode()
		if encErr != nil {
			return "", false, encErr
		}
		return raw, false, nil
	})

	switch {
	case err == nil || errors.Is(err, errUnchanged):
		g.mirror = committed.clone()
	default:
		g.logger.Error("login attempts write failed, continuing on in-process state",
			logfields.Identifier(id),
			zap.Error(err),
		)
		t, _ := apply(g.mirror.clone())
		g.mirror = t
	}
	return result, resultOK
}
