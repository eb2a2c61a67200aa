package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/store"
)

const (
	// DefaultSafetyTimeout bounds how long Start keeps Loading set.
	DefaultSafetyTimeout = 5 * time.Second
	// DefaultDebounceWindow is the window in which identical events are dropped.
	DefaultDebounceWindow = 100 * time.Millisecond

	eventQueueSize = 256
)

// Option customizes a Resolver.
type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithSafetyTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.safetyTimeout = d
		}
	}
}

func WithDebounceWindow(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.debounce = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		r.observer = o
	}
}

// Resolver owns the current identity and its role.
//
// State is guarded by mu, which is never held across provider, lookup or
// store calls. Every identity change bumps generation; results of calls
// started under an older generation are discarded.
type Resolver struct {
	provider      IdentityProvider
	lookup        RoleLookup
	cache         *BindingCache
	logger        *zap.Logger
	now           func() time.Time
	observer      Observer
	safetyTimeout time.Duration
	debounce      time.Duration

	mu           sync.Mutex
	identity     *Identity
	role         Role
	phase        Phase
	initializing bool
	loading      bool
	signingIn    int
	lastEvent    EventRecord
	generation   uint64
	notified     Snapshot
	subscribers  map[int]func(Snapshot)
	nextSub      int

	queue     chan task
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopMu    sync.Mutex
	stops     []func()
}

type task struct {
	ctx        context.Context
	event      *Event
	revalidate bool
	barrier    chan struct{}
}

type resolution struct {
	role    Role
	source  RoleSource
	latency time.Duration
	failed  bool
}

// New builds a resolver and starts its event worker. lookup may be nil, in
// which case only metadata and cached roles are ever resolved.
func New(provider IdentityProvider, lookup RoleLookup, cache *BindingCache, opts ...Option) (*Resolver, error) {
	if provider == nil {
		return nil, errors.New("session: identity provider is required")
	}
	if lookup == nil {
		lookup = RoleLookupFunc(func(context.Context, string, string) (Role, error) {
			return RoleNone, nil
		})
	}
	if cache == nil {
		cache = NewBindingCache(nil)
	}

	r := &Resolver{
		provider:      provider,
		lookup:        lookup,
		cache:         cache,
		logger:        zap.NewNop(),
		now:           time.Now,
		safetyTimeout: DefaultSafetyTimeout,
		debounce:      DefaultDebounceWindow,
		phase:         PhaseColdStart,
		initializing:  true,
		subscribers:   make(map[int]func(Snapshot)),
		queue:         make(chan task, eventQueueSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.notified = r.snapshotLocked()

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Start performs the cold-start pass: look for an existing provider session,
// re-verify it with a fresh identity call and resolve its role (a fresh
// cached binding is accepted). Loading is forced off after the safety
// timeout even if the provider never answers; in-flight calls are not
// cancelled.
func (r *Resolver) Start(ctx context.Context) Snapshot {
	r.mu.Lock()
	r.initializing = true
	r.loading = true
	if r.identity == nil {
		r.phase = PhaseColdStart
	}
	r.mu.Unlock()
	r.publish()

	timer := time.AfterFunc(r.safetyTimeout, func() {
		r.mu.Lock()
		flipped := r.loading
		r.loading = false
		r.mu.Unlock()
		if flipped {
			r.logger.Warn("session initialization exceeded safety timeout",
				zap.Duration("timeout", r.safetyTimeout))
			r.publish()
		}
	})
	defer timer.Stop()

	r.validate(ctx, true, true)

	r.mu.Lock()
	r.initializing = false
	r.loading = false
	r.mu.Unlock()
	r.publish()

	return r.Snapshot()
}

// Revalidate re-runs session validation outside of cold start, for example
// after another process changed the shared role binding.
func (r *Resolver) Revalidate(ctx context.Context) Snapshot {
	r.validate(ctx, false, true)
	return r.Snapshot()
}

// validate confirms the provider's stored session with a fresh identity call
// and takes on the confirmed identity. useCache allows a fresh binding to
// stand in for the lookup.
func (r *Resolver) validate(ctx context.Context, fromStart, useCache bool) {
	r.mu.Lock()
	g := r.generation
	r.mu.Unlock()

	sess, err := r.provider.GetCurrentSession(ctx)
	if err != nil {
		r.reject(ctx, g, "session lookup failed", err)
		return
	}
	if sess == nil || sess.Identity == nil {
		r.mu.Lock()
		if r.generation == g {
			if r.identity != nil {
				r.generation++
				r.identity = nil
				r.role = RoleNone
			}
			r.phase = PhaseUnauthenticated
		}
		r.mu.Unlock()
		r.publish()
		return
	}

	if fromStart {
		r.mu.Lock()
		if r.generation == g {
			r.phase = PhaseValidatingExistingSession
		}
		r.mu.Unlock()
		r.publish()
	}

	ident, err := r.provider.GetCurrentIdentity(ctx)
	switch {
	case err != nil:
		r.reject(ctx, g, "identity verification failed", err)
		return
	case ident == nil:
		r.reject(ctx, g, "provider reported no user", nil)
		return
	case !ident.SameAs(sess.Identity):
		r.reject(ctx, g, "identity mismatch", nil)
		return
	}

	r.mu.Lock()
	if r.generation != g {
		r.mu.Unlock()
		r.logger.Debug("session validation superseded", logfields.UserID(ident.ID))
		return
	}
	if !r.identity.SameAs(ident) {
		r.generation++
		r.role = RoleNone
	}
	r.identity = ident.Clone()
	if r.role == RoleNone {
		r.phase = PhaseAuthenticatedRoleUnknown
	} else {
		r.phase = PhaseAuthenticatedRoleResolved
	}
	g = r.generation
	r.mu.Unlock()

	r.observe(Notice{Kind: NoticeSessionValidated, UserID: ident.ID})
	r.publish()

	res := r.resolve(ctx, ident, useCache)
	r.commitRole(ctx, g, ident, res)
}

func (r *Resolver) reject(ctx context.Context, g uint64, reason string, err error) {
	r.mu.Lock()
	if r.generation != g {
		r.mu.Unlock()
		return
	}
	r.generation++
	r.identity = nil
	r.role = RoleNone
	r.phase = PhaseUnauthenticated
	r.mu.Unlock()

	r.cache.Clear(ctx)
	r.logger.Info("existing session rejected", zap.String("reason", reason), zap.Error(err))
	r.observe(Notice{Kind: NoticeSessionRejected, Reason: reason, Err: err})
	r.publish()
}

// SignIn checks credentials with the provider and resolves the role of the
// resulting identity. Provider errors are returned unchanged. Lockout gating
// is the caller's responsibility.
func (r *Resolver) SignIn(ctx context.Context, identifier, secret string) (*Identity, Role, error) {
	// SIGNED_IN emitted by the provider during this call is left to us.
	r.mu.Lock()
	r.signingIn++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.signingIn--
		r.mu.Unlock()
	}()

	sess, err := r.provider.SignInWithPassword(ctx, identifier, secret)
	if err != nil {
		return nil, RoleNone, err
	}
	if sess == nil || sess.Identity == nil {
		return nil, RoleNone, ErrNoIdentity
	}
	ident := sess.Identity.Clone()

	r.mu.Lock()
	changed := !r.identity.SameAs(ident)
	if changed {
		r.generation++
		r.role = RoleNone
		r.phase = PhaseAuthenticatedRoleUnknown
	}
	r.identity = ident.Clone()
	r.initializing = false
	g := r.generation
	r.mu.Unlock()

	if changed {
		r.cache.Clear(ctx)
	}
	r.publish()

	res := r.resolve(ctx, ident, false)
	r.commitRole(ctx, g, ident, res)
	return ident, res.role, nil
}

// SignOut clears identity, role and cached binding, then signs out with the
// provider. Local state is cleared even when the provider call fails; the
// provider's error is returned.
func (r *Resolver) SignOut(ctx context.Context) error {
	r.clear(ctx)
	if err := r.provider.SignOut(ctx); err != nil {
		r.logger.Warn("provider sign-out failed", zap.Error(err))
		return err
	}
	return nil
}

func (r *Resolver) clear(ctx context.Context) {
	r.mu.Lock()
	r.generation++
	previous := r.identity
	r.identity = nil
	r.role = RoleNone
	r.phase = PhaseUnauthenticated
	r.mu.Unlock()

	r.cache.Clear(ctx)

	n := Notice{Kind: NoticeSignedOut}
	if previous != nil {
		n.UserID = previous.ID
	}
	r.observe(n)
	r.publish()
}

// ResolveRole returns the role for identity without changing resolver state:
// metadata first, then the lookup. Lookup failures yield RoleNone. The
// binding is refreshed when identity is the current one.
func (r *Resolver) ResolveRole(ctx context.Context, identity *Identity) Role {
	if identity == nil {
		return RoleNone
	}
	res := r.resolve(ctx, identity, false)
	if res.role == RoleNone {
		return RoleNone
	}

	r.mu.Lock()
	current := r.identity.SameAs(identity)
	r.mu.Unlock()
	if current {
		r.cache.Put(ctx, identity.ID, res.role)
	}
	return res.role
}

func (r *Resolver) resolve(ctx context.Context, ident *Identity, useCache bool) resolution {
	if role := ident.MetadataRole(); role != RoleNone {
		return resolution{role: role, source: RoleSourceMetadata}
	}
	if useCache {
		if role, ok := r.cache.Get(ctx, ident.ID); ok {
			return resolution{role: role, source: RoleSourceCache}
		}
	}

	start := time.Now()
	role, err := r.lookup.LookupRole(ctx, ident.ID, ident.Email)
	latency := time.Since(start)
	if err != nil {
		r.logger.Warn("role lookup failed, treating role as unknown",
			logfields.UserID(ident.ID),
			zap.Error(err),
		)
		r.observe(Notice{Kind: NoticeRoleLookupFailed, UserID: ident.ID, Latency: latency, Err: err})
		return resolution{source: RoleSourceLookup, latency: latency, failed: true}
	}
	return resolution{role: role, source: RoleSourceLookup, latency: latency}
}

func (r *Resolver) commitRole(ctx context.Context, g uint64, ident *Identity, res resolution) bool {
	r.mu.Lock()
	if r.generation != g || !r.identity.SameAs(ident) {
		r.mu.Unlock()
		r.logger.Debug("discarding superseded role resolution", logfields.UserID(ident.ID))
		return false
	}
	r.role = res.role
	if res.role == RoleNone {
		r.phase = PhaseAuthenticatedRoleUnknown
	} else {
		r.phase = PhaseAuthenticatedRoleResolved
	}
	r.mu.Unlock()

	switch {
	case res.role != RoleNone:
		if res.source != RoleSourceCache {
			r.cache.Put(ctx, ident.ID, res.role)
		}
		r.observe(Notice{
			Kind:    NoticeRoleResolved,
			UserID:  ident.ID,
			Role:    res.role,
			Source:  res.source,
			Latency: res.latency,
		})
	case !res.failed:
		// The registry no longer lists this identity.
		r.cache.Clear(ctx)
	}

	r.publish()
	return true
}

// HandleEvent reconciles one provider notification against current state.
// It is safe to call directly; Listen feeds it from a single worker so
// events are applied in arrival order.
func (r *Resolver) HandleEvent(ctx context.Context, ev Event) {
	ident := ev.Identity()
	now := r.now()

	r.mu.Lock()
	if r.lastEvent.matches(ev.Name, ident) && now.Sub(r.lastEvent.At) < r.debounce {
		r.mu.Unlock()
		r.observe(Notice{Kind: NoticeEventDebounced, Event: ev.Name})
		return
	}
	rec := EventRecord{Name: ev.Name, At: now}
	if ident != nil {
		rec.UserID = ident.ID
		rec.Email = ident.Email
	}
	r.lastEvent = rec

	switch ev.Name {
	case EventSignedOut:
		r.mu.Unlock()
		r.logger.Info("signed out by identity provider")
		r.clear(ctx)
		return
	case EventSignedIn, EventTokenRefreshed, EventInitialSession:
	default:
		r.mu.Unlock()
		r.logger.Debug("ignoring unknown auth event", zap.String("event", string(ev.Name)))
		return
	}

	if ident == nil {
		r.mu.Unlock()
		r.logger.Debug("auth event without session ignored", zap.String("event", string(ev.Name)))
		return
	}

	switch {
	case ev.Name == EventSignedIn && r.signingIn > 0:
		r.mu.Unlock()
		r.observe(Notice{Kind: NoticeEventDuplicate, Event: ev.Name, UserID: ident.ID})
		return
	case ev.Name == EventInitialSession && r.initializing:
		r.mu.Unlock()
		r.logger.Debug("initial session left to cold-start validation")
		return
	}

	same := r.identity.SameAs(ident)
	settled := same && r.role != RoleNone && !r.initializing

	// A stored session, or any new identity seen before cold start is over,
	// is only taken on once the provider confirms it.
	if !same && (ev.Name == EventInitialSession || r.initializing) {
		r.mu.Unlock()
		r.validate(ctx, false, false)
		return
	}
	if ev.Name == EventInitialSession {
		ident = r.identity.Clone()
	}

	if ev.Name == EventSignedIn {
		switch {
		case settled:
			r.mu.Unlock()
			r.observe(Notice{Kind: NoticeEventDuplicate, Event: ev.Name, UserID: ident.ID})
			return
		case same && !r.initializing:
			r.identity = ident.Clone()
			r.mu.Unlock()
			return
		}

		r.generation++
		r.identity = ident.Clone()
		r.role = RoleNone
		r.phase = PhaseAuthenticatedRoleUnknown
		g := r.generation
		r.mu.Unlock()

		r.cache.Clear(ctx)
		r.publish()
		r.commitRole(ctx, g, ident, r.resolve(ctx, ident, false))
		return
	}

	if settled {
		r.identity = ident.Clone()
		r.mu.Unlock()
		return
	}
	if !same {
		r.generation++
		r.role = RoleNone
		r.phase = PhaseAuthenticatedRoleUnknown
	}
	r.identity = ident.Clone()
	g := r.generation
	r.mu.Unlock()

	if !same {
		r.cache.Clear(ctx)
	}
	r.publish()
	r.commitRole(ctx, g, ident, r.resolve(ctx, ident, false))
}

// Listen subscribes to provider events. Events are queued and handled by a
// single worker in arrival order until Close.
func (r *Resolver) Listen(ctx context.Context) {
	unsubscribe := r.provider.OnAuthEvent(func(ev Event) {
		r.enqueue(task{ctx: ctx, event: &ev})
	})
	r.addStop(unsubscribe)
}

// WatchStore revalidates the session whenever another process changes the
// shared role binding.
func (r *Resolver) WatchStore(ctx context.Context, w store.Watcher) error {
	stop, err := w.Watch(ctx, func(c store.Change) {
		if c.Key != store.KeyRoleBinding && c.Key != store.KeyLegacyRole {
			return
		}
		r.enqueue(task{ctx: ctx, revalidate: true})
	})
	if err != nil {
		return err
	}
	r.addStop(stop)
	return nil
}

// WaitIdle blocks until every task queued before the call has been handled.
func (r *Resolver) WaitIdle(ctx context.Context) error {
	barrier := make(chan struct{})
	if !r.enqueue(task{ctx: ctx, barrier: barrier}) {
		return nil
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current state.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe registers fn for state changes. fn runs on the goroutine that
// made the change.
func (r *Resolver) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Close stops listening and the event worker. Queued events are dropped.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() {
		r.stopMu.Lock()
		stops := r.stops
		r.stops = nil
		r.stopMu.Unlock()
		for _, stop := range stops {
			if stop != nil {
				stop()
			}
		}
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Resolver) run() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.queue:
			r.process(t)
		case <-r.done:
			return
		}
	}
}

func (r *Resolver) process(t task) {
	switch {
	case t.barrier != nil:
		close(t.barrier)
	case t.revalidate:
		r.Revalidate(t.ctx)
	case t.event != nil:
		r.HandleEvent(t.ctx, *t.event)
	}
}

func (r *Resolver) enqueue(t task) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.queue <- t:
		return true
	case <-r.done:
		return false
	}
}

func (r *Resolver) addStop(stop func()) {
	r.stopMu.Lock()
	r.stops = append(r.stops, stop)
	r.stopMu.Unlock()
}

func (r *Resolver) observe(n Notice) {
	if r.observer != nil {
		r.observer.Observe(n)
	}
}

func (r *Resolver) snapshotLocked() Snapshot {
	return Snapshot{
		Identity:     r.identity.Clone(),
		Role:         r.role,
		Phase:        r.phase,
		Initializing: r.initializing,
		Loading:      r.loading,
		LastEvent:    r.lastEvent,
	}
}

func (r *Resolver) publish() {
	r.mu.Lock()
	s := r.snapshotLocked()
	if s.sameView(r.notified) {
		r.mu.Unlock()
		return
	}
	r.notified = s
	subs := make([]func(Snapshot), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
