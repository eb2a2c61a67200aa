package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/clinicauth/store"
)

type harness struct {
	provider *fakeProvider
	lookup   *countingLookup
	store    *store.Memory
	clock    *fakeClock
	notices  *noticeRecorder
	resolver *Resolver
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		provider: newFakeProvider(),
		lookup:   newCountingLookup(),
		store:    store.NewMemory(),
		clock:    newFakeClock(),
		notices:  &noticeRecorder{},
	}
	cache := NewBindingCache(h.store, WithCacheClock(h.clock.Now))
	base := []Option{WithClock(h.clock.Now), WithObserver(h.notices)}
	r, err := New(h.provider, h.lookup, cache, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	h.resolver = r
	return h
}

func (h *harness) binding(t *testing.T) (RoleBinding, bool) {
	t.Helper()
	return NewBindingCache(h.store).Binding(context.Background())
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)
}

func TestStartWithoutSessionIsUnauthenticated(t *testing.T) {
	h := newHarness(t)

	before := h.resolver.Snapshot()
	assert.Equal(t, PhaseColdStart, before.Phase)
	assert.True(t, before.Initializing)

	snap := h.resolver.Start(context.Background())
	assert.Equal(t, PhaseUnauthenticated, snap.Phase)
	assert.False(t, snap.Initializing)
	assert.False(t, snap.Loading)
	assert.Nil(t, snap.Identity)
	assert.Equal(t, 0, h.lookup.Calls())
}

func TestStartValidatesAndResolvesRole(t *testing.T) {
	h := newHarness(t)
	h.provider.setSession(alice)
	h.lookup.roles[alice.ID] = RolePsychologist

	snap := h.resolver.Start(context.Background())
	require.Equal(t, PhaseAuthenticatedRoleResolved, snap.Phase)
	assert.Equal(t, RolePsychologist, snap.Role)
	assert.Equal(t, alice.ID, snap.Identity.ID)
	assert.Equal(t, 1, h.notices.count(NoticeSessionValidated))

	b, ok := h.binding(t)
	require.True(t, ok)
	assert.Equal(t, alice.ID, b.UserID)
	assert.Equal(t, RolePsychologist, b.Role)
	assert.Equal(t, h.clock.Now().UnixMilli(), b.Timestamp)
}

func TestStartRejectsMismatchedIdentity(t *testing.T) {
	h := newHarness(t)
	h.provider.setSession(alice)
	h.provider.identity = &Identity{ID: alice.ID, Email: "mallory@clinic.test"}
	NewBindingCache(h.store, WithCacheClock(h.clock.Now)).Put(context.Background(), alice.ID, RoleAdmin)

	snap := h.resolver.Start(context.Background())
	assert.Equal(t, PhaseUnauthenticated, snap.Phase)
	assert.Nil(t, snap.Identity)
	assert.Equal(t, RoleNone, snap.Role)
	assert.Equal(t, 1, h.notices.count(NoticeSessionRejected))

	_, ok := h.binding(t)
	assert.False(t, ok, "validation failure must clear the role cache")
}

func TestStartRejectsWhenProviderHasNoUser(t *testing.T) {
	h := newHarness(t)
	h.provider.setSession(alice)
	h.provider.identity = nil
	h.provider.identityErr = errors.New("user not found")

	snap := h.resolver.Start(context.Background())
	assert.Equal(t, PhaseUnauthenticated, snap.Phase)
	assert.Equal(t, 0, h.lookup.Calls())
}

func TestStartUsesFreshBinding(t *testing.T) {
	h := newHarness(t)
	h.provider.setSession(alice)
	NewBindingCache(h.store, WithCacheClock(h.clock.Now)).Put(context.Background(), alice.ID, RolePsychologist)
	h.clock.Advance(29 * time.Minute)

	snap := h.resolver.Start(context.Background())
	assert.Equal(t, RolePsychologist, snap.Role)
	assert.Equal(t, 0, h.lookup.Calls())

	b, _ := h.binding(t)
	assert.Equal(t, h.clock.Now().Add(-29*time.Minute).UnixMilli(), b.Timestamp, "cache reads must not extend freshness")
}

func TestStartIgnoresStaleBinding(t *testing.T) {
	h := newHarness(t)
	h.provider.setSession(alice)
	h.lookup.roles[alice.ID] = RoleAdmin
	NewBindingCache(h.store, WithCacheClock(h.clock.Now)).Put(context.Background(), alice.ID, RolePsychologist)
	h.clock.Advance(31 * time.Minute)

	snap := h.resolver.Start(context.Background())
	assert.Equal(t, RoleAdmin, snap.Role)
	assert.Equal(t, 1, h.lookup.Calls())

	b, ok := h.binding(t)
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, b.Role)
}

func TestSafetyTimeoutOnlyFlipsLoading(t *testing.T) {
	h := newHarness(t, WithSafetyTimeout(20*time.Millisecond))
	h.provider.setSession(alice)
	gate := make(chan struct{})
	h.provider.sessionGate = gate

	done := make(chan Snapshot, 1)
	go func() { done <- h.resolver.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		s := h.resolver.Snapshot()
		return s.Initializing && !s.Loading
	}, time.Second, 5*time.Millisecond)

	close(gate)
	snap := <-done
	assert.False(t, snap.Initializing)
	assert.Equal(t, alice.ID, snap.Identity.ID, "slow provider result is still applied")
}

func TestSignInAdminMetadataSkipsLookup(t *testing.T) {
	h := newHarness(t)
	h.resolver.Start(context.Background())
	admin := &Identity{ID: "u-root", Email: "root@clinic.test", UserMetadata: map[string]any{"role": "admin"}}
	h.provider.signIn["root@clinic.test|secret1"] = admin

	ident, role, err := h.resolver.SignIn(context.Background(), "root@clinic.test", "secret1")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, ident.ID)
	assert.Equal(t, RoleAdmin, role)
	assert.Equal(t, 0, h.lookup.Calls())

	snap := h.resolver.Snapshot()
	assert.Equal(t, PhaseAuthenticatedRoleResolved, snap.Phase)
	b, ok := h.binding(t)
	require.True(t, ok)
	assert.Equal(t, RoleAdmin, b.Role)
}

func TestSignInPropagatesProviderError(t *testing.T) {
	h := newHarness(t)
	h.resolver.Start(context.Background())

	_, _, err := h.resolver.SignIn(context.Background(), "nobody@clinic.test", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	outage := errors.New("provider down")
	h.provider.signInErr = outage
	_, _, err = h.resolver.SignIn(context.Background(), "nobody@clinic.test", "wrong")
	require.Same(t, outage, err)
	assert.Equal(t, PhaseUnauthenticated, h.resolver.Snapshot().Phase)
}

func signInAlice(t *testing.T, h *harness, role Role) {
	t.Helper()
	h.lookup.roles[alice.ID] = role
	h.provider.signIn["alice@clinic.test|pw"] = alice
	h.resolver.Start(context.Background())
	_, got, err := h.resolver.SignIn(context.Background(), "alice@clinic.test", "pw")
	require.NoError(t, err)
	require.Equal(t, role, got)
}

func TestDuplicateSignedInDoesNotResolveAgain(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RolePsychologist)
	require.Equal(t, 1, h.lookup.Calls())

	notified := 0
	unsubscribe := h.resolver.Subscribe(func(Snapshot) { notified++ })
	defer unsubscribe()

	ev := Event{Name: EventSignedIn, Session: &Session{Identity: alice.Clone()}}
	h.resolver.HandleEvent(context.Background(), ev)
	h.clock.Advance(time.Second)
	h.resolver.HandleEvent(context.Background(), ev)

	assert.Equal(t, 1, h.lookup.Calls())
	assert.Equal(t, 0, notified)
	assert.Equal(t, 2, h.notices.count(NoticeEventDuplicate))
	assert.Equal(t, RolePsychologist, h.resolver.Snapshot().Role)
}

func TestSignedInSameIdentityWithoutRoleUpdatesIdentityOnly(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RoleNone)

	updated := alice.Clone()
	updated.UserMetadata = map[string]any{"display_name": "Alice"}
	h.resolver.HandleEvent(context.Background(), Event{Name: EventSignedIn, Session: &Session{Identity: updated}})

	assert.Equal(t, 1, h.lookup.Calls())
	snap := h.resolver.Snapshot()
	assert.Equal(t, PhaseAuthenticatedRoleUnknown, snap.Phase)
	assert.Equal(t, "Alice", snap.Identity.UserMetadata["display_name"])
}

func TestSignedInDifferentIdentityResolvesFresh(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RolePsychologist)
	h.lookup.roles[bob.ID] = RoleAdmin

	h.resolver.HandleEvent(context.Background(), Event{Name: EventSignedIn, Session: &Session{Identity: bob.Clone()}})

	snap := h.resolver.Snapshot()
	assert.Equal(t, bob.ID, snap.Identity.ID)
	assert.Equal(t, RoleAdmin, snap.Role)
	assert.Equal(t, 2, h.lookup.Calls())

	b, ok := h.binding(t)
	require.True(t, ok)
	assert.Equal(t, bob.ID, b.UserID)
}

func TestSameIdButDifferentEmailIsNewIdentity(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RolePsychologist)

	rotated := &Identity{ID: alice.ID, Email: "alice.new@clinic.test"}
	h.resolver.HandleEvent(context.Background(), Event{Name: EventSignedIn, Session: &Session{Identity: rotated}})

	assert.Equal(t, 2, h.lookup.Calls())
	assert.Equal(t, "alice.new@clinic.test", h.resolver.Snapshot().Identity.Email)
}

func TestIdenticalEventsAreDebounced(t *testing.T) {
	h := newHarness(t)
	h.resolver.Start(context.Background())

	ev := Event{Name: EventTokenRefreshed, Session: &Session{Identity: bob.Clone()}}
	h.resolver.HandleEvent(context.Background(), ev)
	h.clock.Advance(50 * time.Millisecond)
	h.resolver.HandleEvent(context.Background(), ev)

	assert.Equal(t, 1, h.lookup.Calls())
	assert.Equal(t, 1, h.notices.count(NoticeEventDebounced))

	h.clock.Advance(150 * time.Millisecond)
	h.resolver.HandleEvent(context.Background(), ev)
	assert.Equal(t, 2, h.lookup.Calls(), "role still unknown, so a later refresh re-validates")
}

func TestTokenRefreshedWithResolvedRoleIsMinimal(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RolePsychologist)

	h.resolver.HandleEvent(context.Background(), Event{Name: EventTokenRefreshed, Session: &Session{Identity: alice.Clone()}})
	h.clock.Advance(time.Second)
	h.resolver.HandleEvent(context.Background(), Event{Name: EventInitialSession, Session: &Session{Identity: alice.Clone()}})

	assert.Equal(t, 1, h.lookup.Calls())
	assert.Equal(t, RolePsychologist, h.resolver.Snapshot().Role)
}

func TestRefreshDuringColdStartBypassesCache(t *testing.T) {
	h := newHarness(t)
	h.lookup.roles[alice.ID] = RoleAdmin
	h.provider.setSession(alice.Clone())
	NewBindingCache(h.store, WithCacheClock(h.clock.Now)).Put(context.Background(), alice.ID, RolePsychologist)

	h.resolver.HandleEvent(context.Background(), Event{Name: EventTokenRefreshed, Session: &Session{Identity: alice.Clone()}})

	assert.Equal(t, 1, h.lookup.Calls())
	assert.Equal(t, RoleAdmin, h.resolver.Snapshot().Role)
	b, _ := h.binding(t)
	assert.Equal(t, RoleAdmin, b.Role)
}

// forgedAdmin is a stored session the provider no longer vouches for.
func forgedAdmin(h *harness) *Identity {
	mallory := &Identity{ID: "u-mallory", Email: "mallory@clinic.test", AppMetadata: map[string]any{"role": "admin"}}
	h.provider.setSession(mallory.Clone())
	h.provider.mu.Lock()
	h.provider.identity = nil
	h.provider.mu.Unlock()
	return mallory
}

func TestRejectedStoredSessionIsNotRevivedByInitialSession(t *testing.T) {
	h := newHarness(t)
	mallory := forgedAdmin(h)

	snap := h.resolver.Start(context.Background())
	require.Equal(t, PhaseUnauthenticated, snap.Phase)

	h.resolver.HandleEvent(context.Background(), Event{Name: EventInitialSession, Session: &Session{Identity: mallory.Clone()}})

	snap = h.resolver.Snapshot()
	assert.Equal(t, PhaseUnauthenticated, snap.Phase)
	assert.Nil(t, snap.Identity)
	assert.Equal(t, RoleNone, snap.Role)
	assert.Equal(t, 0, h.lookup.Calls())
}

func TestUnverifiedEventsBeforeColdStartAreNotAdopted(t *testing.T) {
	h := newHarness(t)
	mallory := forgedAdmin(h)

	h.resolver.HandleEvent(context.Background(), Event{Name: EventInitialSession, Session: &Session{Identity: mallory.Clone()}})
	assert.Nil(t, h.resolver.Snapshot().Identity)

	h.clock.Advance(time.Second)
	h.resolver.HandleEvent(context.Background(), Event{Name: EventSignedIn, Session: &Session{Identity: mallory.Clone()}})
	assert.Nil(t, h.resolver.Snapshot().Identity)

	snap := h.resolver.Start(context.Background())
	assert.Equal(t, PhaseUnauthenticated, snap.Phase)
	assert.Nil(t, snap.Identity)
	assert.Equal(t, RoleNone, snap.Role)
}

func TestInitialSessionKeepsVerifiedIdentity(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RoleNone)

	tampered := alice.Clone()
	tampered.AppMetadata = map[string]any{"role": "admin"}
	h.resolver.HandleEvent(context.Background(), Event{Name: EventInitialSession, Session: &Session{Identity: tampered}})

	snap := h.resolver.Snapshot()
	assert.Equal(t, RoleNone, snap.Role)
	assert.Nil(t, snap.Identity.AppMetadata)
}

func TestEventsDifferingOnlyInEmailCaseAreDebounced(t *testing.T) {
	h := newHarness(t)
	h.resolver.Start(context.Background())

	h.resolver.HandleEvent(context.Background(), Event{Name: EventTokenRefreshed, Session: &Session{Identity: bob.Clone()}})
	h.clock.Advance(50 * time.Millisecond)
	shouted := &Identity{ID: bob.ID, Email: "BOB@Clinic.Test"}
	h.resolver.HandleEvent(context.Background(), Event{Name: EventTokenRefreshed, Session: &Session{Identity: shouted}})

	assert.Equal(t, 1, h.lookup.Calls())
	assert.Equal(t, 1, h.notices.count(NoticeEventDebounced))
}

func TestSignedInDuringSignInIsLeftToSignIn(t *testing.T) {
	h := newHarness(t)
	h.resolver.Start(context.Background())
	h.provider.signIn["alice@clinic.test|pw"] = alice.Clone()
	h.lookup.roles[alice.ID] = RolePsychologist

	// The provider announces the sign-in before SignIn has recorded it.
	h.provider.onSignIn = func(ident *Identity) {
		h.resolver.HandleEvent(context.Background(), Event{Name: EventSignedIn, Session: &Session{Identity: ident}})
	}

	_, got, err := h.resolver.SignIn(context.Background(), "alice@clinic.test", "pw")
	require.NoError(t, err)
	assert.Equal(t, RolePsychologist, got)
	assert.Equal(t, 1, h.lookup.Calls())
	assert.Equal(t, 1, h.notices.count(NoticeRoleResolved))
	assert.Equal(t, 1, h.notices.count(NoticeEventDuplicate))
}

func TestSignedOutEventClearsEverything(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RolePsychologist)
	_ = h.store.SetItem(context.Background(), store.KeyLegacyRole, "psychologist")

	h.resolver.HandleEvent(context.Background(), Event{Name: EventSignedOut})

	snap := h.resolver.Snapshot()
	assert.Equal(t, PhaseUnauthenticated, snap.Phase)
	assert.Nil(t, snap.Identity)
	assert.Equal(t, RoleNone, snap.Role)
	for _, key := range []string{store.KeyRoleBinding, store.KeyLegacyRole} {
		_, ok, _ := h.store.GetItem(context.Background(), key)
		assert.False(t, ok, key)
	}
}

func TestSignOutClearsLocalStateEvenWhenProviderFails(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RolePsychologist)
	h.provider.signOutErr = errors.New("network")

	err := h.resolver.SignOut(context.Background())
	require.EqualError(t, err, "network")
	assert.Equal(t, 1, h.provider.signOutCalls)
	assert.Nil(t, h.resolver.Snapshot().Identity)
	_, ok := h.binding(t)
	assert.False(t, ok)
	assert.Equal(t, 1, h.notices.count(NoticeSignedOut))
}

func TestLookupErrorYieldsUnknownRole(t *testing.T) {
	h := newHarness(t)
	h.lookup.err = errors.New("registry timeout")
	h.provider.signIn["alice@clinic.test|pw"] = alice
	h.resolver.Start(context.Background())

	_, role, err := h.resolver.SignIn(context.Background(), "alice@clinic.test", "pw")
	require.NoError(t, err)
	assert.Equal(t, RoleNone, role)
	assert.Equal(t, PhaseAuthenticatedRoleUnknown, h.resolver.Snapshot().Phase)
	assert.Equal(t, 1, h.notices.count(NoticeRoleLookupFailed))
}

func TestLookupMissClearsPreviousBinding(t *testing.T) {
	h := newHarness(t)
	signInAlice(t, h, RolePsychologist)
	_, ok := h.binding(t)
	require.True(t, ok)

	delete(h.lookup.roles, alice.ID)
	assert.Equal(t, RoleNone, h.resolver.ResolveRole(context.Background(), alice))
	_, ok = h.binding(t)
	assert.True(t, ok, "ResolveRole does not change state")

	_, role, err := h.resolver.SignIn(context.Background(), "alice@clinic.test", "pw")
	require.NoError(t, err)
	assert.Equal(t, RoleNone, role)
	_, ok = h.binding(t)
	assert.False(t, ok, "a registry miss drops the stale binding")
}

func TestSupersededRoleResolutionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.resolver.Start(context.Background())
	h.lookup.roles[alice.ID] = RolePsychologist
	h.lookup.entered = make(chan struct{}, 1)
	h.lookup.release = make(chan struct{})
	h.provider.signIn["alice@clinic.test|pw"] = alice

	done := make(chan error, 1)
	go func() {
		_, _, err := h.resolver.SignIn(context.Background(), "alice@clinic.test", "pw")
		done <- err
	}()

	<-h.lookup.entered
	h.resolver.HandleEvent(context.Background(), Event{Name: EventSignedOut})
	close(h.lookup.release)
	require.NoError(t, <-done)

	snap := h.resolver.Snapshot()
	assert.Nil(t, snap.Identity)
	assert.Equal(t, RoleNone, snap.Role)
	_, ok := h.binding(t)
	assert.False(t, ok, "a superseded result must not be cached")
}

func TestListenHandlesProviderEventsInOrder(t *testing.T) {
	h := newHarness(t)
	h.resolver.Start(context.Background())
	h.lookup.roles[bob.ID] = RoleAdmin
	h.resolver.Listen(context.Background())

	h.provider.emit(Event{Name: EventSignedIn, Session: &Session{Identity: alice.Clone()}})
	h.provider.emit(Event{Name: EventSignedIn, Session: &Session{Identity: bob.Clone()}})
	require.NoError(t, h.resolver.WaitIdle(context.Background()))

	snap := h.resolver.Snapshot()
	assert.Equal(t, bob.ID, snap.Identity.ID)
	assert.Equal(t, RoleAdmin, snap.Role)
}

func TestWatchStoreRevalidatesOnForeignChange(t *testing.T) {
	h := newHarness(t)
	h.provider.setSession(alice)
	h.lookup.roles[alice.ID] = RolePsychologist
	h.resolver.Start(context.Background())
	require.NoError(t, h.resolver.WatchStore(context.Background(), h.store))

	// Another process signs out: provider session gone, binding removed.
	h.provider.setSession(nil)
	require.NoError(t, h.store.Handle().RemoveItem(context.Background(), store.KeyRoleBinding))
	require.NoError(t, h.resolver.WaitIdle(context.Background()))

	snap := h.resolver.Snapshot()
	assert.Equal(t, PhaseUnauthenticated, snap.Phase)
	assert.Nil(t, snap.Identity)
}

func TestSubscribeReceivesRealChangesOnly(t *testing.T) {
	h := newHarness(t)
	var phases []Phase
	unsubscribe := h.resolver.Subscribe(func(s Snapshot) { phases = append(phases, s.Phase) })

	h.resolver.Start(context.Background())
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseUnauthenticated, phases[len(phases)-1])

	n := len(phases)
	h.resolver.Revalidate(context.Background())
	assert.Len(t, phases, n, "revalidating an unchanged state must not notify")

	unsubscribe()
	signInAlice(t, h, RoleAdmin)
	assert.Len(t, phases, n)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "AUTHENTICATED_ROLE_RESOLVED", PhaseAuthenticatedRoleResolved.String())
	assert.Equal(t, "UNKNOWN", Phase(42).String())
}
