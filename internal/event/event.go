// Package event publishes binding lifecycle events to NATS JetStream or an
// AMQP topic exchange.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types, also used as subjects and routing keys.
const (
	TypeBindingIssued   = "qrseal.binding.issued"
	TypeBindingVerified = "qrseal.binding.verified"
	schemaVersion       = "1.0.0"
)

// BindingIssued is published after a binding record is stored.
type BindingIssued struct {
	DocumentID      string `json:"documentId"`
	FingerprintHash string `json:"fingerprintHash"`
	Status          string `json:"status"`
	ExpiresAt       int64  `json:"expiresAt"`
	Compact         bool   `json:"compact"`
}

// BindingVerified is published after a secure payload is checked against a
// document.
type BindingVerified struct {
	DocumentID string `json:"documentId"`
	Valid      bool   `json:"valid"`
	Reason     string `json:"reason,omitempty"`
}

// Publisher interface defines the event publishing operations required by
// the binding service.
type Publisher interface {
	PublishBindingIssued(ctx context.Context, ev BindingIssued) error
	PublishBindingVerified(ctx context.Context, ev BindingVerified) error
	Close() error
}

// Envelope represents the standard event envelope structure.
type Envelope struct {
	ID            string      `json:"id"`            // ULID, sortable by time
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID of the request
	Payload       interface{} `json:"payload"`       // Event-specific data
}

func newEnvelope(ctx context.Context, typ string, payload interface{}) Envelope {
	return Envelope{
		ID:            ulid.Make().String(),
		Type:          typ,
		Version:       schemaVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: CorrelationID(ctx),
		Payload:       payload,
	}
}

func marshal(ctx context.Context, typ string, payload interface{}) (Envelope, []byte, error) {
	env := newEnvelope(ctx, typ, payload)
	b, err := json.Marshal(env)
	return env, b, err
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationID retrieves the correlation ID from context
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Noop discards every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) PublishBindingIssued(context.Context, BindingIssued) error     { return nil }
func (Noop) PublishBindingVerified(context.Context, BindingVerified) error { return nil }
func (Noop) Close() error                                                  { return nil }

// Multi fans every event out to all publishers and joins their errors.
type Multi []Publisher

func (m Multi) PublishBindingIssued(ctx context.Context, ev BindingIssued) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishBindingIssued(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) PublishBindingVerified(ctx context.Context, ev BindingVerified) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishBindingVerified(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu       sync.Mutex
	issued   []BindingIssued
	verified []BindingVerified
	Err      error // returned from every publish when set
}

func (r *Recorder) PublishBindingIssued(_ context.Context, ev BindingIssued) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.issued = append(r.issued, ev)
	return nil
}

func (r *Recorder) PublishBindingVerified(_ context.Context, ev BindingVerified) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.verified = append(r.verified, ev)
	return nil
}

// Issued returns a copy of the recorded issue events.
func (r *Recorder) Issued() []BindingIssued {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BindingIssued(nil), r.issued...)
}

// Verified returns a copy of the recorded verification events.
func (r *Recorder) Verified() []BindingVerified {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BindingVerified(nil), r.verified...)
}

func (r *Recorder) Close() error { return nil }
