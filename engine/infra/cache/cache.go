package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/core"

	"github.com/redis/go-redis/v9"
)

const (
	providerKeyPrefix = "taskping:provider:"
	dedupeKeyPrefix   = "taskping:event:"
)

// ErrDuplicate means the event key was already claimed by an earlier delivery.
var ErrDuplicate = errors.New("event already processed")

// Cache backs the provider-id map and the webhook dedupe guard on Redis so
// redelivered provider callbacks land on the same token across restarts.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// -----------------------------------------------------------------------------
// Provider ID Map
// -----------------------------------------------------------------------------

var _ channel.ProviderIDMap = (*Cache)(nil)

// Bind claims providerID for token. First writer wins; a conflicting later
// bind is an error so a recycled SID can never silently hijack a record.
func (c *Cache) Bind(ctx context.Context, providerID string, token core.ID, ttl time.Duration) error {
	key := providerKeyPrefix + providerID
	set, err := c.client.SetNX(ctx, key, token.String(), ttl).Result()
	if err != nil {
		return fmt.Errorf("binding provider id %s: %w", providerID, err)
	}
	if set {
		return nil
	}
	existing, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("binding provider id %s: %w", providerID, err)
	}
	if existing != token.String() {
		return fmt.Errorf("provider id %s already bound", providerID)
	}
	return nil
}

func (c *Cache) Lookup(ctx context.Context, providerID string) (core.ID, error) {
	val, err := c.client.Get(ctx, providerKeyPrefix+providerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", channel.ErrUnknownProviderID
	}
	if err != nil {
		return "", fmt.Errorf("looking up provider id %s: %w", providerID, err)
	}
	return core.ID(val), nil
}

// -----------------------------------------------------------------------------
// Dedupe Guard
// -----------------------------------------------------------------------------

// CheckAndSet claims eventID for the dedupe window. ErrDuplicate means a
// previous delivery of the same provider event already got through.
func (c *Cache) CheckAndSet(ctx context.Context, eventID string, ttl time.Duration) error {
	set, err := c.client.SetNX(ctx, dedupeKeyPrefix+eventID, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("claiming event %s: %w", eventID, err)
	}
	if !set {
		return ErrDuplicate
	}
	return nil
}
