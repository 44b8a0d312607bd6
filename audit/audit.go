package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event types emitted by the pipeline.
const (
	EventLogin              = "login"
	EventStepUpRequired     = "stepup_required"
	EventStepUpVerified     = "stepup_verified"
	EventStepUpRejected     = "stepup_rejected"
	EventStepUpEnabled      = "stepup_enabled"
	EventStepUpDisabled     = "stepup_disabled"
	EventBackupCodesRotated = "backup_codes_regenerated"
	EventRefresh            = "refresh"
	EventSessionEnded       = "session_ended"
	EventIdleWarning        = "idle_warning"
	EventIdleLogout         = "idle_logout"
	EventLogout             = "logout"
)

// Event is one security-relevant pipeline transition. Tokens, secrets and
// codes never appear in it.
//
// Seq is assigned by a [Dispatcher]; events written straight to a sink
// carry zero.
type Event struct {
	Seq       uint64            `json:"seq,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

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
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
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
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// Emit stamps event and forwards it to e. A nil Sink or a nil *Dispatcher
// is a no-op.
func Emit(ctx context.Context, e Sink, event Event) {
	if e == nil {
		return
	}
	if d, ok := e.(*Dispatcher); ok && d == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.Emit(ctx, event)
}
