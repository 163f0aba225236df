// Package cache holds the Redis snapshot of the community stats row so the
// dashboard read path does not hit Postgres on every poll.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/pkg/circuit"
)

const statsKey = "gridshare:community_stats"

// Stats is a nil-safe wrapper: a nil *Stats behaves as a cache that always
// misses, so callers need no Redis in dev mode or tests.
type Stats struct {
	rdb     *redis.Client
	breaker *circuit.Breaker
	ttl     time.Duration
}

func NewStats(rdb *redis.Client, ttl time.Duration) *Stats {
	return &Stats{
		rdb:     rdb,
		breaker: circuit.NewBreaker(circuit.Config{Name: "stats-cache", MaxFailures: 3, Cooldown: 15 * time.Second}),
		ttl:     ttl,
	}
}

// Get returns the cached snapshot, or nil on a miss or cache outage.
func (s *Stats) Get(ctx context.Context) *store.CommunityStats {
	if s == nil {
		return nil
	}
	var out *store.CommunityStats
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.Get(ctx, statsKey).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var stats store.CommunityStats
		if err := json.Unmarshal(raw, &stats); err != nil {
			return nil // corrupt entry, treat as miss
		}
		out = &stats
		return nil
	})
	if err != nil {
		return nil
	}
	return out
}

// Set stores the snapshot. Failures are reported but non-fatal to callers.
func (s *Stats) Set(ctx context.Context, stats store.CommunityStats) error {
	if s == nil {
		return nil
	}
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		raw, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		return s.rdb.Set(ctx, statsKey, raw, s.ttl).Err()
	})
}
