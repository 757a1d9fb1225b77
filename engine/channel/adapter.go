package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/reminder"
)

// Action is one interactive button offered with a reminder.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Message is the channel-agnostic outbound payload. Token is embedded in
// interactive callbacks; voice and SMS cannot carry it, so those adapters
// persist a provider-id mapping instead.
type Message struct {
	Subject string
	Body    string
	Actions []Action
	Token   core.ID
}

// DispatchReceipt carries the provider-native identifier of the send.
type DispatchReceipt struct {
	ProviderID string
	Channel    core.ChannelType
}

// Adapter performs exactly one external send per call. Retries are an
// engine-level policy; adapters never retry on their own.
type Adapter interface {
	Type() core.ChannelType
	// Usable reports whether contact info exists for the assignee.
	Usable(assigneeID string) bool
	Send(ctx context.Context, rec *reminder.State, msg Message) (DispatchReceipt, error)
}

// -----------------------------------------------------------------------------
// Transport Errors
// -----------------------------------------------------------------------------

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// TransportError classifies a failed send. Transient failures feed the
// escalation path; permanent ones terminate the record.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransientError(err error) *TransportError {
	return &TransportError{Kind: KindTransient, Err: err}
}

func NewPermanentError(err error) *TransportError {
	return &TransportError{Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is a send failure worth escalating past.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == KindTransient
}

// classifyHTTPStatus maps a provider response code onto the error taxonomy.
// Server-side and rate-limit failures are transient; the rest permanent.
func classifyHTTPStatus(code int, err error) *TransportError {
	if code == 429 || code >= 500 {
		return NewTransientError(err)
	}
	return NewPermanentError(err)
}

// -----------------------------------------------------------------------------
// Provider ID Mapping
// -----------------------------------------------------------------------------

var ErrUnknownProviderID = errors.New("unknown provider id")

// ProviderIDMap resolves provider-native identifiers (call SID, SMS SID)
// back to correlation tokens for inbound events that cannot echo the token.
type ProviderIDMap interface {
	Bind(ctx context.Context, providerID string, token core.ID, ttl time.Duration) error
	Lookup(ctx context.Context, providerID string) (core.ID, error)
}

// MemoryProviderIDMap is the in-process fallback used without Redis and in
// tests. Bind keeps first-writer-wins semantics to match the Redis SETNX
// implementation.
type MemoryProviderIDMap struct {
	mu      sync.RWMutex
	entries map[string]core.ID
}

func NewMemoryProviderIDMap() *MemoryProviderIDMap {
	return &MemoryProviderIDMap{entries: make(map[string]core.ID)}
}

func (m *MemoryProviderIDMap) Bind(_ context.Context, providerID string, token core.ID, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[providerID]; ok && existing != token {
		return fmt.Errorf("provider id %s already bound", providerID)
	}
	m.entries[providerID] = token
	return nil
}

func (m *MemoryProviderIDMap) Lookup(_ context.Context, providerID string) (core.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.entries[providerID]
	if !ok {
		return "", ErrUnknownProviderID
	}
	return token, nil
}
