package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	TypeLoginSucceeded   = "login_succeeded"
	TypeLoginFailed      = "login_failed"
	TypeLoginBlocked     = "login_blocked"
	TypeLockoutTriggered = "lockout_triggered"
	TypeLockoutCleared   = "lockout_cleared"
	TypeRoleResolved     = "role_resolved"
	TypeRoleLookupFailed = "role_lookup_failed"
	TypeSessionRejected  = "session_rejected"
	TypeSignedOut        = "signed_out"
)

// Event is one audit record. Identifiers are never stored in clear; only
// their hash is.
type Event struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	EventType      string            `json:"event_type"`
	UserID         string            `json:"user_id,omitempty"`
	IdentifierHash string            `json:"identifier_hash,omitempty"`
	Role           string            `json:"role,omitempty"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewEvent stamps a fresh ID and timestamp.
func NewEvent(eventType string, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		EventType: eventType,
	}
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(data)
}
