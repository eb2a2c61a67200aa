package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/clinicauth/internal/logfields"
	"github.com/MrEthical07/clinicauth/jwt"
	"github.com/MrEthical07/clinicauth/session"
	"github.com/MrEthical07/clinicauth/store"
)

var (
	// ErrProvider wraps transport failures and unexpected provider responses.
	ErrProvider = errors.New("identity provider error")
	// ErrNotConfirmed is returned when the account exists but its email is
	// not confirmed yet. It is not a credential failure.
	ErrNotConfirmed = errors.New("email not confirmed")
)

const maxResponseBytes = 1 << 20

// Config configures Client.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	StorageKey    string
	RefreshMargin time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.StorageKey == "" {
		c.StorageKey = store.KeyProviderSession
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = 30 * time.Second
	}
	return c
}

// Client talks to the provider over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	store  store.Store
	tokens *jwt.Manager
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	listeners map[int]func(session.Event)
	nextID    int
}

// Option customizes Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenVerifier verifies stored access tokens before they are trusted.
func WithTokenVerifier(m *jwt.Manager) Option {
	return func(c *Client) { c.tokens = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a provider client persisting its session to st.
func New(cfg Config, st store.Store, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, errors.New("idp: BaseURL must be an absolute URL")
	}
	if st == nil {
		st = store.NewMemory()
	}
	c := &Client{
		cfg:       cfg,
		store:     st,
		logger:    zap.NewNop(),
		now:       time.Now,
		listeners: make(map[int]func(session.Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken  string            `json:"access_token"`
	TokenType    string            `json:"token_type"`
	ExpiresIn    int64             `json:"expires_in"`
	ExpiresAt    int64             `json:"expires_at"`
	RefreshToken string            `json:"refresh_token"`
	User         *session.Identity `json:"user"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
}

func (e errorResponse) message() string {
	for _, s := range []string{e.Msg, e.ErrorDescription, e.Error, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return "unknown error"
}

// SignInWithPassword exchanges credentials for a session. Rejected
// credentials wrap session.ErrInvalidCredentials.
func (c *Client) SignInWithPassword(ctx context.Context, identifier, secret string) (*session.Session, error) {
	body := map[string]string{"email": identifier, "password": secret}
	var tr tokenResponse
	status, errBody, err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &tr)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
	case errBody.ErrorCode == "email_not_confirmed":
		return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, errBody.message())
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		if errBody.Error == "invalid_grant" || errBody.ErrorCode == "invalid_credentials" || status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", session.ErrInvalidCredentials, errBody.message())
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, status, errBody.message())
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, status, errBody.message())
	}

	sess, err := c.sessionFromToken(tr)
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, sess); err != nil {
		return nil, err
	}
	c.logger.Info("provider sign-in succeeded", logfields.UserID(sess.Identity.ID))
	c.emit(session.Event{Name: session.EventSignedIn, Session: sess})
	return sess, nil
}

// SignOut revokes the session remotely and always forgets it locally.
func (c *Client) SignOut(ctx context.Context) error {
	sess, _ := c.load(ctx)

	var remoteErr error
	if sess != nil && sess.AccessToken != "" {
		status, errBody, err := c.do(ctx, http.MethodPost, "/logout", sess.AccessToken, nil, nil)
		switch {
		case err != nil:
			remoteErr = err
		case status >= 300 && status != http.StatusUnauthorized && status != http.StatusNotFound:
			remoteErr = fmt.Errorf("%w: status %d: %s", ErrProvider, status, errBody.message())
		}
	}

	if err := c.store.RemoveItem(ctx, c.cfg.StorageKey); err != nil {
		c.logger.Error("provider session removal failed", zap.Error(err))
	}
	c.emit(session.Event{Name: session.EventSignedOut})
	return remoteErr
}

// GetCurrentSession returns the stored session, refreshing it when it is
// about to expire. An unusable session is forgotten and nil is returned.
func (c *Client) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	sess, err := c.load(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	if c.tokens != nil && c.now().Add(c.cfg.RefreshMargin).Before(sess.ExpiresAt) {
		if _, err := c.tokens.Parse(sess.AccessToken); err != nil {
			c.logger.Warn("stored access token failed verification, discarding session", zap.Error(err))
			c.forget(ctx)
			return nil, nil
		}
	}

	if c.now().Add(c.cfg.RefreshMargin).Before(sess.ExpiresAt) {
		return sess, nil
	}
	return c.refresh(ctx, sess)
}

func (c *Client) refresh(ctx context.Context, sess *session.Session) (*session.Session, error) {
	if sess.RefreshToken == "" {
		c.forget(ctx)
		return nil, nil
	}

	var tr tokenResponse
	status, errBody, err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": sess.RefreshToken}, &tr)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			c.logger.Info("refresh token rejected, session ended", zap.String("reason", errBody.message()))
			c.forget(ctx)
			c.emit(session.Event{Name: session.EventSignedOut})
			return nil, nil
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, status, errBody.message())
	}

	next, err := c.sessionFromToken(tr)
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, next); err != nil {
		return nil, err
	}
	c.emit(session.Event{Name: session.EventTokenRefreshed, Session: next})
	return next, nil
}

// GetCurrentIdentity asks the provider who the stored access token belongs
// to. A token the provider no longer accepts yields a nil identity.
func (c *Client) GetCurrentIdentity(ctx context.Context) (*session.Identity, error) {
	sess, err := c.load(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	var ident session.Identity
	status, errBody, err := c.do(ctx, http.MethodGet, "/user", sess.AccessToken, nil, &ident)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		if ident.ID == "" {
			return nil, nil
		}
		return &ident, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, status, errBody.message())
	}
}

// OnAuthEvent registers fn and immediately delivers INITIAL_SESSION with
// the current session as GetCurrentSession reports it (or nil).
func (c *Client) OnAuthEvent(fn func(session.Event)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	sess, err := c.GetCurrentSession(context.Background())
	if err != nil {
		c.logger.Warn("initial session unavailable", zap.Error(err))
		sess = nil
	}
	fn(session.Event{Name: session.EventInitialSession, Session: sess})

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(ev session.Event) {
	c.mu.Lock()
	fns := make([]func(session.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) sessionFromToken(tr tokenResponse) (*session.Session, error) {
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response without access token", ErrProvider)
	}

	sess := &session.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Identity:     tr.User,
	}
	switch {
	case tr.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		sess.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	if c.tokens != nil {
		claims, err := c.tokens.Parse(tr.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProvider, err)
		}
		if sess.Identity == nil {
			sess.Identity = &session.Identity{
				ID:           claims.Subject,
				Email:        claims.Email,
				UserMetadata: claims.UserMetadata,
				AppMetadata:  claims.AppMetadata,
			}
		} else if sess.Identity.ID != claims.Subject {
			return nil, fmt.Errorf("%w: token subject does not match user", ErrProvider)
		}
		if sess.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
			sess.ExpiresAt = claims.ExpiresAt.Time
		}
	}

	if sess.Identity == nil || sess.Identity.ID == "" {
		return nil, fmt.Errorf("%w: token response without user", ErrProvider)
	}
	return sess, nil
}

func (c *Client) load(ctx context.Context) (*session.Session, error) {
	raw, ok, err := c.store.GetItem(ctx, c.cfg.StorageKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.Identity == nil {
		c.logger.Warn("stored provider session is corrupt, discarding")
		c.forget(ctx)
		return nil, nil
	}
	return &sess, nil
}

func (c *Client) save(ctx context.Context, sess *session.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return c.store.SetItem(ctx, c.cfg.StorageKey, string(raw))
}

func (c *Client) forget(ctx context.Context) {
	if err := c.store.RemoveItem(ctx, c.cfg.StorageKey); err != nil {
		c.logger.Error("provider session removal failed", zap.Error(err))
	}
}

// do performs a JSON request. Non-2xx responses are decoded into the
// returned errorResponse; only transport and decoding failures are errors.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) (int, errorResponse, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, errorResponse{}, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, errorResponse{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errorResponse{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, errorResponse{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, errorResponse{}, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
			}
		}
		return resp.StatusCode, errorResponse{}, nil
	}

	var er errorResponse
	_ = json.Unmarshal(data, &er)
	return resp.StatusCode, er, nil
}
