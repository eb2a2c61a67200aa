package local_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/clinicauth"
	"github.com/MrEthical07/clinicauth/idp/local"
	"github.com/MrEthical07/clinicauth/password"
	"github.com/MrEthical07/clinicauth/rolelookup"
	"github.com/MrEthical07/clinicauth/session"
	"github.com/MrEthical07/clinicauth/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu    sync.Mutex
	names []session.EventName
}

func (l *eventLog) record(ev session.Event) {
	l.mu.Lock()
	l.names = append(l.names, ev.Name)
	l.mu.Unlock()
}

func (l *eventLog) all() []session.EventName {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.EventName(nil), l.names...)
}

func newProvider(t *testing.T, st store.Store, c *clock) *local.Provider {
	t.Helper()
	p, err := local.New(local.Config{
		SigningSecret: []byte("local-test-secret"),
		TokenTTL:      15 * time.Minute,
		Password:      password.Config{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16},
	}, st, local.WithClock(c.Now))
	require.NoError(t, err)
	return p
}

func TestSignInPersistsAndNotifies(t *testing.T) {
	st := store.NewMemory()
	c := &clock{t: time.Now()}
	p := newProvider(t, st, c)
	id, err := p.AddUser("Alice@Clinic.test", "correct-horse", nil, map[string]any{"role": "admin"})
	require.NoError(t, err)

	events := &eventLog{}
	defer p.OnAuthEvent(events.record)()

	sess, err := p.SignInWithPassword(context.Background(), "alice@clinic.test", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, id, sess.Identity.ID)
	assert.Equal(t, "alice@clinic.test", sess.Identity.Email)
	assert.Equal(t, session.RoleAdmin, sess.Identity.MetadataRole())
	assert.Equal(t, []session.EventName{session.EventInitialSession, session.EventSignedIn}, events.all())

	_, ok, err := st.GetItem(context.Background(), store.KeyProviderSession)
	require.NoError(t, err)
	assert.True(t, ok, "session must be persisted")

	ident, err := p.GetCurrentIdentity(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, id, ident.ID)
}

func TestSignInRejections(t *testing.T) {
	p := newProvider(t, store.NewMemory(), &clock{t: time.Now()})
	_, err := p.AddUser("alice@clinic.test", "correct-horse", nil, nil)
	require.NoError(t, err)

	_, err = p.SignInWithPassword(context.Background(), "alice@clinic.test", "wrong-horse")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)

	_, err = p.SignInWithPassword(context.Background(), "nobody@clinic.test", "correct-horse")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)

	_, err = p.AddUser("ALICE@clinic.test", "another-secret", nil, nil)
	assert.ErrorIs(t, err, local.ErrDuplicateEmail)

	_, err = p.AddUserWithHash("bob@clinic.test", "$2a$10$notargon", nil, nil)
	assert.ErrorIs(t, err, password.ErrMalformedHash)
}

func TestExpiredSessionIsDiscarded(t *testing.T) {
	st := store.NewMemory()
	c := &clock{t: time.Now()}
	p := newProvider(t, st, c)
	_, err := p.AddUser("alice@clinic.test", "correct-horse", nil, nil)
	require.NoError(t, err)
	_, err = p.SignInWithPassword(context.Background(), "alice@clinic.test", "correct-horse")
	require.NoError(t, err)

	c.Advance(16 * time.Minute)

	sess, err := p.GetCurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
	_, ok, _ := st.GetItem(context.Background(), store.KeyProviderSession)
	assert.False(t, ok, "expired session must be removed from the store")
}

func TestSessionSignedByAnotherKeyIsDiscarded(t *testing.T) {
	st := store.NewMemory()
	c := &clock{t: time.Now()}
	a := newProvider(t, st, c)
	_, err := a.AddUser("alice@clinic.test", "correct-horse", nil, nil)
	require.NoError(t, err)
	_, err = a.SignInWithPassword(context.Background(), "alice@clinic.test", "correct-horse")
	require.NoError(t, err)

	b, err := local.New(local.Config{
		SigningSecret: []byte("rotated-secret"),
		Password:      password.Config{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16},
	}, st, local.WithClock(c.Now))
	require.NoError(t, err)

	sess, err := b.GetCurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSignOutForgetsSession(t *testing.T) {
	st := store.NewMemory()
	p := newProvider(t, st, &clock{t: time.Now()})
	_, err := p.AddUser("alice@clinic.test", "correct-horse", nil, nil)
	require.NoError(t, err)
	_, err = p.SignInWithPassword(context.Background(), "alice@clinic.test", "correct-horse")
	require.NoError(t, err)

	events := &eventLog{}
	defer p.OnAuthEvent(events.record)()
	require.NoError(t, p.SignOut(context.Background()))

	ident, err := p.GetCurrentIdentity(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ident)
	assert.Equal(t, []session.EventName{session.EventInitialSession, session.EventSignedOut}, events.all())
}

func TestNewRequiresSigningSecret(t *testing.T) {
	_, err := local.New(local.Config{}, nil)
	assert.Error(t, err)
}

func TestEngineOverLocalProvider(t *testing.T) {
	st := store.NewMemory()
	c := &clock{t: time.Now()}
	p := newProvider(t, st, c)
	aliceID, err := p.AddUser("alice@clinic.test", "correct-horse", nil, nil)
	require.NoError(t, err)

	engine, err := clinicauth.New().
		WithStore(st).
		WithIdentityProvider(p).
		WithRoleLookup(rolelookup.Static{ByUserID: map[string]session.Role{aliceID: session.RolePsychologist}}).
		WithClock(c.Now).
		Build()
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	engine.Start(ctx)

	for i := 0; i < 5; i++ {
		_, err = engine.SignIn(ctx, "alice@clinic.test", "wrong-horse")
		require.Error(t, err)
	}
	_, err = engine.SignIn(ctx, "alice@clinic.test", "correct-horse")
	assert.ErrorIs(t, err, clinicauth.ErrLoginLocked)

	c.Advance(31 * time.Second)
	res, err := engine.SignIn(ctx, "alice@clinic.test", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, session.RolePsychologist, res.Role)
	assert.Equal(t, session.PhaseAuthenticatedRoleResolved, engine.Snapshot().Phase)
}

func TestResolverSignInResolvesRoleOnce(t *testing.T) {
	st := store.NewMemory()
	c := &clock{t: time.Now()}
	p := newProvider(t, st, c)
	aliceID, err := p.AddUser("alice@clinic.test", "correct-horse", nil, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	lookups, resolved := 0, 0
	lookup := session.RoleLookupFunc(func(context.Context, string, string) (session.Role, error) {
		mu.Lock()
		lookups++
		mu.Unlock()
		return session.RolePsychologist, nil
	})
	observer := session.ObserverFunc(func(n session.Notice) {
		if n.Kind == session.NoticeRoleResolved {
			mu.Lock()
			resolved++
			mu.Unlock()
		}
	})

	r, err := session.New(p, lookup, session.NewBindingCache(st), session.WithClock(c.Now), session.WithObserver(observer))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	r.Listen(ctx)
	r.Start(ctx)

	ident, role, err := r.SignIn(ctx, "alice@clinic.test", "correct-horse")
	require.NoError(t, err)
	require.Equal(t, aliceID, ident.ID)
	require.Equal(t, session.RolePsychologist, role)
	require.NoError(t, r.WaitIdle(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, lookups)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, session.PhaseAuthenticatedRoleResolved, r.Snapshot().Phase)
}
