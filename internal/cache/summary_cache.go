package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"branch-ledger/internal/domain"
)

const generationTTL = 24 * time.Hour

// SummaryCache keeps owner account summaries in Redis. Misses and write
// errors are not fatal; the ledger store stays authoritative.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewSummaryCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl, logger: logger}
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return client, nil
}

// Summaries are stored under the owner's current generation. Invalidate
// bumps the generation, so a fill computed from a read that began before
// the bump lands under a key nobody reads again.
func generationKey(ownerID string) string {
	return fmt.Sprintf("ledger:owner:%s:generation", ownerID)
}

func summaryKey(ownerID string, generation int64) string {
	return fmt.Sprintf("ledger:owner:%s:summaries:%d", ownerID, generation)
}

// Get returns the cached summaries and the generation they were looked up
// under. On a miss the generation is what a later Set must pass; it is
// negative when the generation itself could not be read.
func (c *SummaryCache) Get(ctx context.Context, ownerID string) ([]domain.AccountSummary, int64, bool) {
	generation, err := c.client.Get(ctx, generationKey(ownerID)).Int64()
	if err != nil && err != redis.Nil {
		c.logger.Warn("Summary cache generation read failed", "owner_id", ownerID, "error", err)
		return nil, -1, false
	}

	data, err := c.client.Get(ctx, summaryKey(ownerID, generation)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Summary cache read failed", "owner_id", ownerID, "error", err)
		}
		return nil, generation, false
	}

	var summaries []domain.AccountSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		c.logger.Warn("Summary cache entry unreadable", "owner_id", ownerID, "error", err)
		return nil, generation, false
	}
	return summaries, generation, true
}

// Set stores summaries read after a Get that returned generation.
func (c *SummaryCache) Set(ctx context.Context, ownerID string, generation int64, summaries []domain.AccountSummary) {
	if generation < 0 {
		return
	}
	data, err := json.Marshal(summaries)
	if err != nil {
		c.logger.Warn("Summary cache marshal failed", "owner_id", ownerID, "error", err)
		return
	}
	if err := c.client.Set(ctx, summaryKey(ownerID, generation), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Summary cache write failed", "owner_id", ownerID, "error", err)
	}
}

func (c *SummaryCache) Invalidate(ctx context.Context, ownerIDs ...string) {
	if len(ownerIDs) == 0 {
		return
	}
	// The generation must outlive any summary stored under it.
	keep := max(generationTTL, 2*c.ttl)
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ownerID := range ownerIDs {
			pipe.Incr(ctx, generationKey(ownerID))
			pipe.Expire(ctx, generationKey(ownerID), keep)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Summary cache invalidation failed", "owner_ids", ownerIDs, "error", err)
	}
}
