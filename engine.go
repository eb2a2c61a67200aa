package clinicauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/audit"
	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/session"
	"github.com/MrEthical07/clinicauth/store"
	"github.com/MrEthical07/clinicauth/throttle"
)

// Engine defines a public type used by clinicauth APIs.
//
// Engine ties the login throttle guard to the session/role resolver: sign-in
// is gated by the guard, checked by the identity provider, reported back to
// the guard and finally handed to the resolver. Engine methods are safe for
// concurrent use after [Builder.Build].
type Engine struct {
	config   Config
	logger   *zap.Logger
	now      func() time.Time
	store    store.Store
	guard    *throttle.Guard
	resolver *session.Resolver
	validate *validator.Validate
	audit    *audit.Dispatcher
	metrics  *Metrics

	startOnce sync.Once
	closers   []func()
	closed    atomic.Bool
	closeOnce sync.Once
}

// SignInResult is returned by a successful SignIn.
type SignInResult struct {
	Identity *session.Identity
	Role     session.Role
}

type signInInput struct {
	Identifier string `validate:"required,email,max=254"`
	Secret     string `validate:"required,min=6,max=72"`
}

// Start subscribes to provider events, starts watching the store when
// configured and runs the cold-start session check. Only the first call
// subscribes; later calls just revalidate.
func (e *Engine) Start(ctx context.Context) session.Snapshot {
	if e == nil || e.closed.Load() {
		return session.Snapshot{}
	}

	first := false
	e.startOnce.Do(func() {
		first = true
		e.resolver.Listen(ctx)
		if !e.config.Session.WatchStore {
			return
		}
		w, ok := e.store.(store.Watcher)
		if !ok {
			return
		}
		if err := e.resolver.WatchStore(ctx, w); err != nil {
			e.logger.Warn("store change feed unavailable, cross-process changes will be picked up on next validation", zap.Error(err))
		}
	})
	if !first {
		return e.resolver.Revalidate(ctx)
	}
	return e.resolver.Start(ctx)
}

// SignIn validates input, refuses locked identifiers without contacting the
// provider, and records the outcome with the guard. Counted failures and
// lockouts return *LoginError; transport failures are returned wrapped and
// do not count.
func (e *Engine) SignIn(ctx context.Context, identifier, secret string) (*SignInResult, error) {
	if e == nil || e.closed.Load() {
		return nil, ErrEngineNotReady
	}

	identifier = strings.TrimSpace(identifier)
	if err := e.validate.StructCtx(ctx, signInInput{Identifier: identifier, Secret: secret}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, describeValidation(err))
	}

	if info := e.guard.IsLocked(ctx, identifier); info != nil {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, audit.TypeLoginBlocked, false, "", identifier, ErrLoginLocked, func() map[string]string {
			return lockMetadata(info)
		})
		return nil, newLockedError(info)
	}

	ident, role, err := e.resolver.SignIn(ctx, identifier, secret)
	if err != nil {
		if !errors.Is(err, session.ErrInvalidCredentials) {
			e.logger.Warn("sign-in failed before credentials were checked",
				logfields.Identifier(identifier), zap.Error(err))
			return nil, fmt.Errorf("sign in: %w", err)
		}
		return nil, e.countFailure(ctx, identifier, err)
	}

	e.guard.RecordSuccess(ctx, identifier)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, audit.TypeLoginSucceeded, true, ident.ID, identifier, nil, func() map[string]string {
		return map[string]string{"role": role.String()}
	})
	return &SignInResult{Identity: ident, Role: role}, nil
}

func (e *Engine) countFailure(ctx context.Context, identifier string, cause error) error {
	e.metricInc(MetricLoginFailure)

	if info := e.guard.RecordFailure(ctx, identifier); info != nil {
		e.metricInc(MetricLockoutTriggered)
		e.emitAudit(ctx, audit.TypeLockoutTriggered, false, "", identifier, cause, func() map[string]string {
			return lockMetadata(info)
		})
		lerr := newLockedError(info)
		lerr.Cause = cause
		return lerr
	}

	remaining := e.guard.RemainingAttempts(ctx, identifier)
	e.emitAudit(ctx, audit.TypeLoginFailed, false, "", identifier, cause, func() map[string]string {
		return map[string]string{"remaining_attempts": fmt.Sprint(remaining)}
	})
	return newCredentialsError(remaining, cause)
}

// SignOut clears the local identity, role and binding, then signs out with
// the provider. The provider's error is returned; local state is cleared
// regardless.
func (e *Engine) SignOut(ctx context.Context) error {
	if e == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	return e.resolver.SignOut(ctx)
}

// Revalidate re-checks the current session with the provider.
func (e *Engine) Revalidate(ctx context.Context) session.Snapshot {
	if e == nil || e.closed.Load() {
		return session.Snapshot{}
	}
	return e.resolver.Revalidate(ctx)
}

func (e *Engine) Snapshot() session.Snapshot {
	if e == nil {
		return session.Snapshot{}
	}
	return e.resolver.Snapshot()
}

// Subscribe registers fn for session state changes.
func (e *Engine) Subscribe(fn func(session.Snapshot)) (unsubscribe func()) {
	if e == nil {
		return func() {}
	}
	return e.resolver.Subscribe(fn)
}

// WaitIdle blocks until queued provider events have been handled.
func (e *Engine) WaitIdle(ctx context.Context) error {
	if e == nil || e.closed.Load() {
		return nil
	}
	return e.resolver.WaitIdle(ctx)
}

func (e *Engine) IsLocked(ctx context.Context, identifier string) *throttle.LockInfo {
	return e.guard.IsLocked(ctx, identifier)
}

func (e *Engine) RemainingAttempts(ctx context.Context, identifier string) int {
	return e.guard.RemainingAttempts(ctx, identifier)
}

func (e *Engine) ShouldWarn(ctx context.Context, identifier string) bool {
	return e.guard.ShouldWarn(ctx, identifier)
}

func (e *Engine) PreviewNextLockoutDuration(ctx context.Context, identifier string) time.Duration {
	return e.guard.PreviewNextLockoutDuration(ctx, identifier)
}

func (e *Engine) Attempts(ctx context.Context, identifier string) throttle.Record {
	return e.guard.Attempts(ctx, identifier)
}

// ClearLockout is the administrative reset: it removes the record and with
// it the escalation level.
func (e *Engine) ClearLockout(ctx context.Context, identifier string) {
	e.guard.ClearLockout(ctx, identifier)
	e.metricInc(MetricLockoutCleared)
	e.emitAudit(ctx, audit.TypeLockoutCleared, true, "", identifier, nil, nil)
}

// Close stops the resolver, drains the audit trail and releases owned
// connections.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.resolver.Close()
		e.audit.Close()
		for i := len(e.closers) - 1; i >= 0; i-- {
			e.closers[i]()
		}
	})
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil {
		return
	}
	e.metrics.Inc(id)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

func lockMetadata(info *throttle.LockInfo) map[string]string {
	return map[string]string{
		"lockout_level":     fmt.Sprint(info.LockoutLevel),
		"remaining_seconds": fmt.Sprint(info.RemainingSeconds),
	}
}
