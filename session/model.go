package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role is the authorization level attached to an identity. RoleNone means
// unknown.
type Role string

const (
	RoleNone         Role = ""
	RoleAdmin        Role = "admin"
	RolePsychologist Role = "psychologist"
)

// ParseRole normalizes a role string read from metadata or storage.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}

// ErrInvalidCredentials is wrapped by identity providers when a password is
// rejected. It is the only error that counts as a failed sign-in attempt.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrNoIdentity is returned by SignIn when the provider reported success
// without an identity.
var ErrNoIdentity = errors.New("identity provider returned no identity")

// Identity is the authenticated principal returned by the identity provider.
type Identity struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
}

// SameAs reports whether both identities carry the same id and the same
// declared email. A nil identity is never the same as anything.
func (i *Identity) SameAs(o *Identity) bool {
	if i == nil || o == nil {
		return false
	}
	return i.ID == o.ID && strings.EqualFold(i.Email, o.Email)
}

// MetadataRole returns the role embedded in app metadata, then user metadata.
func (i *Identity) MetadataRole() Role {
	if i == nil {
		return RoleNone
	}
	for _, md := range []map[string]any{i.AppMetadata, i.UserMetadata} {
		if v, ok := md["role"].(string); ok {
			if r := ParseRole(v); r != RoleNone {
				return r
			}
		}
	}
	return RoleNone
}

// Clone returns a deep copy of the top-level metadata maps.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	out.UserMetadata = cloneMap(i.UserMetadata)
	out.AppMetadata = cloneMap(i.AppMetadata)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Session is the provider's session snapshot.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     *Identity `json:"user"`
}

// EventName names identity-provider notifications.
type EventName string

const (
	EventSignedIn       EventName = "SIGNED_IN"
	EventSignedOut      EventName = "SIGNED_OUT"
	EventTokenRefreshed EventName = "TOKEN_REFRESHED"
	EventInitialSession EventName = "INITIAL_SESSION"
)

// Event is a notification pushed by the identity provider. Session may be nil.
type Event struct {
	Name    EventName
	Session *Session
}

// Identity returns the identity carried by the event, or nil.
func (e Event) Identity() *Identity {
	if e.Session == nil {
		return nil
	}
	return e.Session.Identity
}

// IdentityProvider is the hosted authentication service.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, identifier, secret string) (*Session, error)
	SignOut(ctx context.Context) error
	GetCurrentSession(ctx context.Context) (*Session, error)
	GetCurrentIdentity(ctx context.Context) (*Identity, error)
	OnAuthEvent(fn func(Event)) (unsubscribe func())
}

// RoleLookup answers which professional role, if any, is registered for an
// identity. Absence is RoleNone with a nil error.
type RoleLookup interface {
	LookupRole(ctx context.Context, userID, email string) (Role, error)
}

// RoleLookupFunc adapts a function to RoleLookup.
type RoleLookupFunc func(ctx context.Context, userID, email string) (Role, error)

func (f RoleLookupFunc) LookupRole(ctx context.Context, userID, email string) (Role, error) {
	return f(ctx, userID, email)
}
