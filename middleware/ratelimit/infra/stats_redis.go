package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marketplace-gateway/middleware/ratelimit/domain"
)

// RedisStatsStore agrega decisões em hashes do Redis, compartilhados entre
// instâncias. Usa o mesmo Client do contador; se o Redis estiver fora o
// Record falha e o façade ignora.
type RedisStatsStore struct {
	client *Client

	prefix string
	// ttl aplica apenas em chaves de série temporal.
	// total e category são cumulativos e não expiram.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func NewRedisStatsStore(client *Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		client: client,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	rdb, err := s.client.Redis()
	if err != nil {
		return err
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	if ev.Backend == domain.BackendFallback {
		pipe.HIncrBy(ctx, s.prefix+":total", "fallback", 1)
	}
	if cat := strings.TrimSpace(ev.Category); cat != "" {
		pipe.HIncrBy(ctx, s.prefix+":category", cat+":"+field, 1)
	}

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	_, err = pipe.Exec(ctx)
	return err
}
