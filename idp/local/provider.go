package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/jwt"
	"github.com/MrEthical07/clinicauth/password"
	"github.com/MrEthical07/clinicauth/session"
	"github.com/MrEthical07/clinicauth/store"
)

// ErrDuplicateEmail is returned by AddUser when the email is already taken.
var ErrDuplicateEmail = errors.New("local: email already registered")

// Config configures Provider.
type Config struct {
	// SigningSecret signs and verifies access tokens. Required.
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	StorageKey    string
	Password      password.Config
}

func (c Config) withDefaults() Config {
	if c.Issuer == "" {
		c.Issuer = "clinicauth-local"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.StorageKey == "" {
		c.StorageKey = store.KeyProviderSession
	}
	if c.Password == (password.Config{}) {
		c.Password = password.DefaultConfig()
	}
	return c
}

type account struct {
	id           string
	email        string
	secretHash   string
	userMetadata map[string]any
	appMetadata  map[string]any
}

// Provider implements session.IdentityProvider.
type Provider struct {
	cfg       Config
	hasher    *password.Hasher
	tokens    *jwt.Manager
	store     store.Store
	logger    *zap.Logger
	now       func() time.Time
	decoyHash string

	mu       sync.RWMutex
	accounts map[string]account

	lmu       sync.Mutex
	listeners map[int]func(session.Event)
	nextID    int
}

// Option customizes Provider.
type Option func(*Provider)

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New returns a provider with no accounts, persisting its session to st.
func New(cfg Config, st store.Store, opts ...Option) (*Provider, error) {
	cfg = cfg.withDefaults()
	if len(cfg.SigningSecret) == 0 {
		return nil, errors.New("local: signing secret is required")
	}
	hasher, err := password.New(cfg.Password)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = store.NewMemory()
	}

	p := &Provider{
		cfg:       cfg,
		hasher:    hasher,
		store:     st,
		logger:    zap.NewNop(),
		now:       time.Now,
		accounts:  make(map[string]account),
		listeners: make(map[int]func(session.Event)),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.tokens, err = jwt.NewManager(jwt.Config{
		SigningMethod: jwt.MethodHS256,
		Secret:        cfg.SigningSecret,
		Issuer:        cfg.Issuer,
		Now:           p.now,
	})
	if err != nil {
		return nil, err
	}
	if p.decoyHash, err = hasher.Hash(uuid.NewString()); err != nil {
		return nil, err
	}
	return p, nil
}

// AddUser registers an account and returns its id. Metadata maps are copied
// shallowly.
func (p *Provider) AddUser(email, secret string, userMetadata, appMetadata map[string]any) (string, error) {
	hash, err := p.hasher.Hash(secret)
	if err != nil {
		return "", err
	}
	return p.AddUserWithHash(email, hash, userMetadata, appMetadata)
}

// AddUserWithHash registers an account from a PHC hash produced by the
// password package.
func (p *Provider) AddUserWithHash(email, secretHash string, userMetadata, appMetadata map[string]any) (string, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		return "", errors.New("local: email is required")
	}
	if _, err := p.hasher.NeedsRehash(secretHash); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[key]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateEmail, key)
	}
	acct := account{
		id:           uuid.NewString(),
		email:        key,
		secretHash:   secretHash,
		userMetadata: maps.Clone(userMetadata),
		appMetadata:  maps.Clone(appMetadata),
	}
	p.accounts[key] = acct
	return acct.id, nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, identifier, secret string) (*session.Session, error) {
	key := strings.ToLower(strings.TrimSpace(identifier))

	p.mu.RLock()
	acct, found := p.accounts[key]
	p.mu.RUnlock()

	hash := acct.secretHash
	if !found {
		hash = p.decoyHash
	}
	ok, err := p.hasher.Verify(secret, hash)
	if err != nil {
		return nil, fmt.Errorf("local: verify: %w", err)
	}
	if !found || !ok {
		p.logger.Debug("local sign-in rejected", logfields.Identifier(key))
		return nil, fmt.Errorf("%w: email or secret mismatch", session.ErrInvalidCredentials)
	}

	sess, err := p.issue(acct)
	if err != nil {
		return nil, err
	}
	if err := p.save(ctx, sess); err != nil {
		return nil, err
	}
	p.emit(session.Event{Name: session.EventSignedIn, Session: sess})
	return sess, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.store.RemoveItem(ctx, p.cfg.StorageKey); err != nil {
		return err
	}
	p.emit(session.Event{Name: session.EventSignedOut})
	return nil
}

// GetCurrentSession returns the stored session when its token still
// verifies; otherwise the stored copy is discarded.
func (p *Provider) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	raw, ok, err := p.store.GetItem(ctx, p.cfg.StorageKey)
	if err != nil || !ok {
		return nil, err
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.Identity == nil {
		p.logger.Warn("stored local session is corrupt, discarding")
		return nil, p.store.RemoveItem(ctx, p.cfg.StorageKey)
	}
	claims, err := p.tokens.Parse(sess.AccessToken)
	if err != nil || claims.Subject != sess.Identity.ID {
		p.logger.Info("stored local session no longer valid", zap.Error(err))
		return nil, p.store.RemoveItem(ctx, p.cfg.StorageKey)
	}
	return &sess, nil
}

func (p *Provider) GetCurrentIdentity(ctx context.Context) (*session.Identity, error) {
	sess, err := p.GetCurrentSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	// Metadata comes from the account, not the token.
	p.mu.RLock()
	acct, ok := p.accounts[strings.ToLower(sess.Identity.Email)]
	p.mu.RUnlock()
	if !ok || acct.id != sess.Identity.ID {
		return nil, nil
	}
	return acct.identity(), nil
}

// OnAuthEvent registers fn and immediately delivers INITIAL_SESSION.
func (p *Provider) OnAuthEvent(fn func(session.Event)) func() {
	p.lmu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.lmu.Unlock()

	sess, _ := p.GetCurrentSession(context.Background())
	fn(session.Event{Name: session.EventInitialSession, Session: sess})

	return func() {
		p.lmu.Lock()
		delete(p.listeners, id)
		p.lmu.Unlock()
	}
}

func (p *Provider) issue(acct account) (*session.Session, error) {
	now := p.now()
	expires := now.Add(p.cfg.TokenTTL)
	token, err := p.tokens.Sign(jwt.Claims{
		Email:        acct.email,
		Role:         "authenticated",
		SessionID:    uuid.NewString(),
		UserMetadata: acct.userMetadata,
		AppMetadata:  acct.appMetadata,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   acct.id,
			Issuer:    p.cfg.Issuer,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(expires),
		},
	}, "")
	if err != nil {
		return nil, fmt.Errorf("local: sign token: %w", err)
	}
	return &session.Session{
		AccessToken: token,
		ExpiresAt:   expires,
		Identity:    acct.identity(),
	}, nil
}

func (p *Provider) save(ctx context.Context, sess *session.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return p.store.SetItem(ctx, p.cfg.StorageKey, string(raw))
}

func (p *Provider) emit(ev session.Event) {
	p.lmu.Lock()
	fns := make([]func(session.Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (a account) identity() *session.Identity {
	return &session.Identity{
		ID:           a.id,
		Email:        a.email,
		UserMetadata: maps.Clone(a.userMetadata),
		AppMetadata:  maps.Clone(a.appMetadata),
	}
}
