package data

import (
	"context"
	"fmt"
	"time"

	"TourLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// defaultIdempotencyTTL covers broker redeliveries while bounding storage.
const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore is the dedup ledger for event ids, backed by Redis so
// every horizontally-scaled consumer instance shares it. It is the sole
// cross-instance coordination point of the consumer fleet.
type IdempotencyStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Helper
}

// NewIdempotencyStore creates a Redis-backed idempotency store.
func NewIdempotencyStore(c *conf.Idempotency, rdb *redis.Client, logger log.Logger) *IdempotencyStore {
	ttl := defaultIdempotencyTTL
	if c != nil && c.TTL != nil && c.TTL.AsDuration() > 0 {
		ttl = c.TTL.AsDuration()
	}

	return &IdempotencyStore{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.NewHelper(logger),
	}
}

// processedKey builds the Redis key for an event id.
func processedKey(eventID string) string {
	return "processed:" + eventID
}

// IsProcessed reports whether the event id was already handled.
func (s *IdempotencyStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	count, err := s.rdb.Exists(ctx, processedKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}

	return count > 0, nil
}

// MarkProcessed records the event id with TTL expiry. Called only after
// the handler side effect succeeded.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, eventID string) error {
	if err := s.rdb.Set(ctx, processedKey(eventID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	s.logger.Debugw("event marked processed", "event_id", eventID, "ttl", s.ttl)
	return nil
}
