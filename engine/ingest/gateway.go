package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/infra/cache"
	"github.com/taskping/taskping/engine/normalizer"
	"github.com/taskping/taskping/engine/reminder"
	"github.com/taskping/taskping/pkg/logger"
)

const defaultDedupeTTL = 24 * time.Hour

// Resolver is the lifecycle surface the gateway drives.
type Resolver interface {
	Resolve(ctx context.Context, token core.ID, in normalizer.Input) (core.Outcome, error)
}

// Deduper guards against provider redeliveries of the same event.
type Deduper interface {
	CheckAndSet(ctx context.Context, eventID string, ttl time.Duration) error
}

// Gateway is the single entry point for every inbound response. It resolves
// the correlation token, drops events that can no longer change anything and
// hands live ones to the lifecycle engine. Discards still return success to
// the transport so providers stop redelivering.
type Gateway struct {
	engine      Resolver
	repo        reminder.Repository
	providerIDs channel.ProviderIDMap
	dedupe      Deduper
	dedupeTTL   time.Duration
}

func NewGateway(
	engine Resolver,
	repo reminder.Repository,
	providerIDs channel.ProviderIDMap,
	dedupe Deduper,
) *Gateway {
	return &Gateway{
		engine:      engine,
		repo:        repo,
		providerIDs: providerIDs,
		dedupe:      dedupe,
		dedupeTTL:   defaultDedupeTTL,
	}
}

func (g *Gateway) Ingest(ctx context.Context, ev InboundEvent) (Result, error) {
	log := logger.FromContext(ctx)
	if g.dedupe != nil && ev.EventID != "" {
		err := g.dedupe.CheckAndSet(ctx, ev.EventID, g.dedupeTTL)
		if errors.Is(err, cache.ErrDuplicate) {
			log.Debug("dropping redelivered event", "event_id", ev.EventID)
			return Result{Discarded: true, Reason: DiscardDuplicate}, nil
		}
		if err != nil {
			// Dedupe is best-effort: a broken guard must not drop real replies.
			log.Warn("dedupe guard unavailable", "error", err)
		}
	}

	token := ev.Token
	if token.IsZero() {
		if ev.ProviderID == "" {
			return g.discard(ctx, ev, DiscardUnknownToken), nil
		}
		resolved, err := g.providerIDs.Lookup(ctx, ev.ProviderID)
		if errors.Is(err, channel.ErrUnknownProviderID) {
			return g.discard(ctx, ev, DiscardUnknownToken), nil
		}
		if err != nil {
			return Result{}, err
		}
		token = resolved
	}

	rec, err := g.repo.GetByToken(ctx, token)
	if errors.Is(err, reminder.ErrNotFound) {
		return g.discard(ctx, ev, DiscardUnknownToken), nil
	}
	if err != nil {
		return Result{}, err
	}
	if rec.Status != core.StatusAwaitingResponse {
		return g.discard(ctx, ev, discardReasonFor(rec.Status)), nil
	}

	outcome, err := g.engine.Resolve(ctx, token, normalizer.Input{
		Kind:     ev.Kind,
		ActionID: ev.ActionID,
		Text:     ev.Text,
	})
	if errors.Is(err, reminder.ErrStaleTransition) {
		// A concurrent event settled the record first.
		return g.discard(ctx, ev, DiscardAlreadyResolved), nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcome}, nil
}

func (g *Gateway) discard(ctx context.Context, ev InboundEvent, reason DiscardReason) Result {
	logger.FromContext(ctx).Info("discarding inbound event",
		"reason", reason,
		"kind", ev.Kind,
		"token", ev.Token,
		"provider_id", ev.ProviderID,
	)
	return Result{Discarded: true, Reason: reason}
}

func discardReasonFor(status core.StatusType) DiscardReason {
	switch {
	case status == core.StatusTimedOut:
		return DiscardExpired
	case status.IsActive():
		return DiscardNotAwaiting
	default:
		return DiscardAlreadyResolved
	}
}
