package session

import (
	"context"
	"sync"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu           sync.Mutex
	session      *Session
	identity     *Identity
	sessionErr   error
	identityErr  error
	signIn       map[string]*Identity
	signInErr    error
	signOutErr   error
	signOutCalls int
	sessionGate  chan struct{}
	onSignIn     func(*Identity)
	listeners    map[int]func(Event)
	nextListener int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		signIn:    map[string]*Identity{},
		listeners: map[int]func(Event){},
	}
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, identifier, secret string) (*Session, error) {
	p.mu.Lock()
	if p.signInErr != nil {
		p.mu.Unlock()
		return nil, p.signInErr
	}
	ident, ok := p.signIn[identifier+"|"+secret]
	if !ok {
		p.mu.Unlock()
		return nil, ErrInvalidCredentials
	}
	p.session = &Session{AccessToken: "at", Identity: ident}
	p.identity = ident
	sess, hook := p.session, p.onSignIn
	p.mu.Unlock()

	if hook != nil {
		hook(ident.Clone())
	}
	return sess, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutCalls++
	p.session = nil
	p.identity = nil
	return p.signOutErr
}

func (p *fakeProvider) GetCurrentSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	gate := p.sessionGate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.sessionErr
}

func (p *fakeProvider) GetCurrentIdentity(context.Context) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity, p.identityErr
}

func (p *fakeProvider) OnAuthEvent(fn func(Event)) func() {
	p.mu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakeProvider) emit(ev Event) {
	p.mu.Lock()
	fns := make([]func(Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *fakeProvider) setSession(ident *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ident == nil {
		p.session = nil
		p.identity = nil
		return
	}
	p.session = &Session{AccessToken: "at", Identity: ident}
	p.identity = ident
}

type countingLookup struct {
	mu      sync.Mutex
	calls   int
	roles   map[string]Role
	err     error
	entered chan struct{}
	release chan struct{}
}

func newCountingLookup() *countingLookup {
	return &countingLookup{roles: map[string]Role{}}
}

func (l *countingLookup) LookupRole(ctx context.Context, userID, _ string) (Role, error) {
	l.mu.Lock()
	l.calls++
	entered, release := l.entered, l.release
	role, err := l.roles[userID], l.err
	l.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return RoleNone, ctx.Err()
		}
	}
	return role, err
}

func (l *countingLookup) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) Observe(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) count(kind NoticeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

var (
	alice = &Identity{ID: "u-alice", Email: "alice@clinic.test"}
	bob   = &Identity{ID: "u-bob", Email: "bob@clinic.test"}
)
