package ingest

import (
	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/normalizer"

	"github.com/google/uuid"
)

// InboundEvent is one asynchronous reply from any channel. Button callbacks
// carry the correlation token directly; voice and SMS callbacks only carry
// the provider id and are resolved through the provider-id map.
type InboundEvent struct {
	Kind       normalizer.InputKind
	Token      core.ID
	ProviderID string
	ActionID   string
	Text       string
	// EventID is the provider's delivery id, used for redelivery dedupe.
	EventID string
}

// NewEventID mints a synthetic delivery id for transports that do not
// provide one.
func NewEventID() string {
	return uuid.NewString()
}

// DiscardReason explains why an event produced no state change. Discards are
// normal operation: providers redeliver, assignees double-tap, records settle
// while a reply is in flight.
type DiscardReason string

const (
	DiscardUnknownToken    DiscardReason = "unknown_token"
	DiscardAlreadyResolved DiscardReason = "already_resolved"
	DiscardExpired         DiscardReason = "expired"
	DiscardDuplicate       DiscardReason = "duplicate_delivery"
	// DiscardNotAwaiting covers replies racing ahead of the dispatch
	// acknowledgement: the record is live but not yet listening.
	DiscardNotAwaiting DiscardReason = "not_awaiting"
)

// Result is the ingestion verdict handed back to the transport.
type Result struct {
	Outcome   core.Outcome
	Discarded bool
	Reason    DiscardReason
}
