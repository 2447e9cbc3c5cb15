// Package redis provides an optional usage statistics sink. When no Redis
// address is configured every method is a no-op, so callers never branch.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

const keyPrefix = "codexproxy:usage"

// Stats accumulates per-account usage counters in Redis hashes, one hash per
// UTC day.
type Stats struct {
	client *goredis.Client
	log    *utils.Logger
}

// New connects a Stats sink. An empty addr returns a nil sink, which is safe
// to call.
func New(addr, password string, db int) *Stats {
	if addr == "" {
		return nil
	}
	return &Stats{
		client: goredis.NewClient(&goredis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		log: utils.NewLogger("RedisStats"),
	}
}

// Ping verifies connectivity.
func (s *Stats) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

func dayKey(section string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, section, at.UTC().Format("2006-01-02"))
}

// RecordSelection counts a selection for one slot and family.
func (s *Stats) RecordSelection(ctx context.Context, family string, index int) {
	if s == nil {
		return
	}
	field := fmt.Sprintf("%s:%d", family, index)
	if err := s.client.HIncrBy(ctx, dayKey("selections", time.Now()), field, 1).Err(); err != nil {
		s.log.Debug("failed to record selection: %v", err)
	}
}

// RecordRateLimit counts a deduplicated rate-limit signal.
func (s *Stats) RecordRateLimit(ctx context.Context, family, reason string) {
	if s == nil {
		return
	}
	field := fmt.Sprintf("%s:%s", family, reason)
	if err := s.client.HIncrBy(ctx, dayKey("ratelimits", time.Now()), field, 1).Err(); err != nil {
		s.log.Debug("failed to record rate limit: %v", err)
	}
}

// Snapshot returns today's selection counters.
func (s *Stats) Snapshot(ctx context.Context) (map[string]string, error) {
	if s == nil {
		return map[string]string{}, nil
	}
	return s.client.HGetAll(ctx, dayKey("selections", time.Now())).Result()
}

// Close releases the connection.
func (s *Stats) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
