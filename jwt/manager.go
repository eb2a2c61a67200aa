package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token algorithm.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

// Config describes how provider tokens are verified.
type Config struct {
	SigningMethod SigningMethod
	// Secret is the shared HS256 secret, or an Ed25519 private key (raw or PEM)
	// when tokens are also signed locally.
	Secret []byte
	// PublicKey verifies Ed25519 tokens (raw or PEM).
	PublicKey []byte
	Issuer    string
	Audience  string
	Leeway    time.Duration
	// VerifyKeys selects the verification key by the token's kid header.
	VerifyKeys map[string][]byte
	// Now overrides the clock used for exp/nbf/iat checks.
	Now func() time.Time
	// SkipVerification reads claims without checking the signature. Only
	// for clients that receive tokens straight from the provider over TLS
	// and never use them for authorization decisions of their own.
	SkipVerification bool
}

// Manager verifies and signs provider access tokens.
type Manager struct {
	config Config
}

// Claims is the payload of a provider access token. Subject is the user id.
type Claims struct {
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

var (
	// ErrInvalidToken wraps every parse or verification failure.
	ErrInvalidToken = errors.New("invalid access token")
)

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.SkipVerification {
		return &Manager{config: cfg}, nil
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Secret) == 0 && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("hs256 requires a secret")
		}
	case MethodEd25519:
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) == 0 && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		if cfg.SigningMethod == MethodEd25519 {
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	}
	return &Manager{config: cfg}, nil
}

// Parse verifies tokenStr and returns its claims.
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	if m.config.SkipVerification {
		claims := &Claims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
		}
		return claims, nil
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Now != nil {
		options = append(options, jwt.WithTimeFunc(m.config.Now))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, &Claims{}, m.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	return claims, nil
}

// Sign issues a token for claims with the configured key. Used by local
// providers; hosted providers sign their own tokens.
func (m *Manager) Sign(claims Claims, kid string) (string, error) {
	token := jwt.NewWithClaims(m.method(), claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return token.SignedString(key)
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return m.verifyKey(key)
	}
	if m.config.SigningMethod == MethodEd25519 {
		return m.verifyKey(m.config.PublicKey)
	}
	return m.verifyKey(m.config.Secret)
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodEd25519 {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodHS256
}

func (m *Manager) signKey() (interface{}, error) {
	if m.config.SigningMethod == MethodEd25519 {
		return parseEdPrivateKey(m.config.Secret)
	}
	if len(m.config.Secret) == 0 {
		return nil, errors.New("no signing secret configured")
	}
	return m.config.Secret, nil
}

func (m *Manager) verifyKey(key []byte) (interface{}, error) {
	if m.config.SigningMethod == MethodEd25519 {
		return parseEdPublicKey(key)
	}
	return key, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
