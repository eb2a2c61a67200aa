package session

import (
	"strings"
	"time"
)

// Phase is the resolver's state machine position.
type Phase int

const (
	PhaseColdStart Phase = iota
	PhaseValidatingExistingSession
	PhaseAuthenticatedRoleUnknown
	PhaseAuthenticatedRoleResolved
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseColdStart:
		return "COLD_START"
	case PhaseValidatingExistingSession:
		return "VALIDATING_EXISTING_SESSION"
	case PhaseAuthenticatedRoleUnknown:
		return "AUTHENTICATED_ROLE_UNKNOWN"
	case PhaseAuthenticatedRoleResolved:
		return "AUTHENTICATED_ROLE_RESOLVED"
	case PhaseUnauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// EventRecord remembers the last processed provider event for de-duplication.
type EventRecord struct {
	Name   EventName
	At     time.Time
	UserID string
	Email  string
}

func (r EventRecord) matches(name EventName, id *Identity) bool {
	if r.At.IsZero() || r.Name != name {
		return false
	}
	if id == nil {
		return r.UserID == "" && r.Email == ""
	}
	return r.UserID == id.ID && strings.EqualFold(r.Email, id.Email)
}

// Snapshot is a copy of the resolver state.
type Snapshot struct {
	Identity     *Identity
	Role         Role
	Phase        Phase
	Initializing bool
	Loading      bool
	LastEvent    EventRecord
}

// Authenticated reports whether an identity is present.
func (s Snapshot) Authenticated() bool {
	return s.Identity != nil
}

func (s Snapshot) sameView(o Snapshot) bool {
	if (s.Identity == nil) != (o.Identity == nil) {
		return false
	}
	if s.Identity != nil && !s.Identity.SameAs(o.Identity) {
		return false
	}
	return s.Role == o.Role &&
		s.Phase == o.Phase &&
		s.Initializing == o.Initializing &&
		s.Loading == o.Loading
}

// RoleSource says where a resolved role came from.
type RoleSource string

const (
	RoleSourceMetadata RoleSource = "metadata"
	RoleSourceCache    RoleSource = "cache"
	RoleSourceLookup   RoleSource = "lookup"
)

// NoticeKind classifies resolver notices.
type NoticeKind int

const (
	NoticeRoleResolved NoticeKind = iota
	NoticeRoleLookupFailed
	NoticeSessionValidated
	NoticeSessionRejected
	NoticeEventDebounced
	NoticeEventDuplicate
	NoticeSignedOut
)

// Notice is reported to an Observer for metrics and audit.
type Notice struct {
	Kind    NoticeKind
	UserID  string
	Role    Role
	Source  RoleSource
	Event   EventName
	Latency time.Duration
	Reason  string
	Err     error
}

// Observer receives notices synchronously; implementations must not block.
type Observer interface {
	Observe(Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notice)

func (f ObserverFunc) Observe(n Notice) { f(n) }
