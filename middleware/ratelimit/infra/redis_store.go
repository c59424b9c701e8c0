package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketplace-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript faz prune/count/add numa única chamada. Só é usado com
// WithAtomicScript.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]
local pruneMax = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, '-inf', pruneMax)
local count = tonumber(redis.call('ZCARD', key))
if count >= limit then
  local reset = now + window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    reset = tonumber(oldest[2]) + window
  end
  return {0, 0, reset}
end

redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, ttl)
return {1, limit - count - 1, now + window}
`)

// RedisStore é o contador compartilhado: janela deslizante sobre um sorted
// set por chave (member único, score = chegada em epoch ms).
//
// Por padrão prune, count e add são round trips separados, então
// requisições concorrentes na mesma chave podem ultrapassar a cota em até
// (concorrentes - 1). WithAtomicScript troca isso por um script Lua.
type RedisStore struct {
	client *Client
	prefix string
	atomic bool
}

var _ domain.Counter = (*RedisStore)(nil)

type RedisStoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = strings.TrimSuffix(prefix, ":") + ":"
	}
}

// WithAtomicScript executa o algoritmo inteiro dentro do Redis (EVALSHA).
// Elimina a ultrapassagem sob concorrência; desligado por padrão.
func WithAtomicScript() RedisStoreOption {
	return func(s *RedisStore) { s.atomic = true }
}

func NewRedisStore(client *Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "ratelimit:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key domain.Key) string { return s.prefix + string(key) }

// CheckAndRecord implementa domain.Counter com janela deslizante.
func (s *RedisStore) CheckAndRecord(ctx context.Context, key domain.Key, window time.Duration, max int, now time.Time) (domain.Decision, error) {
	rdb, err := s.client.Redis()
	if err != nil {
		return domain.Decision{}, err
	}
	if s.atomic {
		return s.checkAtomic(ctx, rdb, key, window, max, now)
	}

	rkey := s.redisKey(key)
	nowMs := now.UnixMilli()
	windowStart := nowMs - window.Milliseconds()

	if err := rdb.ZRemRangeByScore(ctx, rkey, "-inf", "("+strconv.FormatInt(windowStart, 10)).Err(); err != nil {
		return domain.Decision{}, s.fail("prune", err)
	}

	count, err := rdb.ZCard(ctx, rkey).Result()
	if err != nil {
		return domain.Decision{}, s.fail("count", err)
	}

	if int(count) >= max {
		reset := now.Add(window)
		oldest, err := rdb.ZRangeWithScores(ctx, rkey, 0, 0).Result()
		if err != nil {
			return domain.Decision{}, s.fail("oldest", err)
		}
		if len(oldest) > 0 {
			reset = time.UnixMilli(int64(oldest[0].Score)).Add(window)
		}
		// rejeitada não entra na janela
		return domain.Decision{Allowed: false, Limit: max, Remaining: 0, ResetTime: reset}, nil
	}

	pipe := rdb.Pipeline()
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(nowMs), Member: member(nowMs)})
	pipe.Expire(ctx, rkey, keyTTL(window))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Decision{}, s.fail("add", err)
	}

	return domain.Decision{
		Allowed:   true,
		Limit:     max,
		Remaining: nonNegative(max - int(count) - 1),
		ResetTime: now.Add(window),
	}, nil
}

func (s *RedisStore) checkAtomic(ctx context.Context, rdb *redis.Client, key domain.Key, window time.Duration, max int, now time.Time) (domain.Decision, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	pruneMax := "(" + strconv.FormatInt(nowMs-windowMs, 10)

	res, err := slidingWindowScript.Run(ctx, rdb, []string{s.redisKey(key)},
		nowMs,
		windowMs,
		max,
		int64(keyTTL(window)/time.Second),
		member(nowMs),
		pruneMax,
	).Int64Slice()
	if err != nil {
		return domain.Decision{}, s.fail("script", err)
	}
	if len(res) != 3 {
		return domain.Decision{}, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}

	return domain.Decision{
		Allowed:   res[0] == 1,
		Limit:     max,
		Remaining: nonNegative(int(res[1])),
		ResetTime: time.UnixMilli(res[2]),
	}, nil
}

// Peek conta as requisições dentro da janela sem registrar nem podar nada.
func (s *RedisStore) Peek(ctx context.Context, key domain.Key, window time.Duration, max int, now time.Time) (domain.Decision, error) {
	rdb, err := s.client.Redis()
	if err != nil {
		return domain.Decision{}, err
	}

	rkey := s.redisKey(key)
	windowStart := strconv.FormatInt(now.UnixMilli()-window.Milliseconds(), 10)

	pipe := rdb.Pipeline()
	countCmd := pipe.ZCount(ctx, rkey, windowStart, "+inf")
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, rkey, &redis.ZRangeBy{Min: windowStart, Max: "+inf", Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.Decision{}, s.fail("peek", err)
	}

	count := int(countCmd.Val())
	reset := now.Add(window)
	if count >= max {
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			reset = time.UnixMilli(int64(oldest[0].Score)).Add(window)
		}
	}
	return domain.Decision{
		Allowed:   count < max,
		Limit:     max,
		Remaining: nonNegative(max - count),
		ResetTime: reset,
	}, nil
}

func (s *RedisStore) fail(step string, err error) error {
	return fmt.Errorf("sliding window %s: %w", step, s.client.HandleError(err))
}

// keyTTL é ceil(window em segundos) + 60s, uma rede de segurança para
// chaves abandonadas.
func keyTTL(window time.Duration) time.Duration {
	ms := window.Milliseconds()
	return time.Duration((ms+999)/1000+60) * time.Second
}

func member(nowMs int64) string {
	return strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
}
