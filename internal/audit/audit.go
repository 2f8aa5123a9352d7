package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event types.
const (
	LoginSuccess          = "login_success"
	LoginFailure          = "login_failure"
	LoginThrottled        = "login_throttled"
	AccountLocked         = "account_locked"
	MFAChallenge          = "mfa_challenge"
	RefreshSuccess        = "refresh_success"
	RefreshReuseDetected  = "refresh_reuse_detected"
	FamilyRevoked         = "family_revoked"
	Logout                = "logout"
	CrossTenantViolation  = "cross_tenant_violation"
	MFASetupStarted       = "mfa_setup_started"
	MFAEnabled            = "mfa_enabled"
	MFARecoveryCodeUsed   = "mfa_recovery_code_used"
	MFAReauth             = "mfa_reauth"
	MFAFailure            = "mfa_failure"
	PasswordChanged       = "password_changed"
	RoleChanged           = "role_changed"
	ImpersonationStarted  = "impersonation_started"
	ImpersonationRevoked  = "impersonation_revoked"
	DatastoreBreakerState = "datastore_breaker_transition"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"event_type"`
	TenantID  string            `json:"tenant_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	ActorID   string            `json:"actor_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes events into a buffered channel.
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

func (s *ChannelSink) Events() <-chan Event { return s.events }

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

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}
