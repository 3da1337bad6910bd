package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each nonce is a hash at nonce:<value>. The scripts run atomically on the
// server, so concurrent consumers across processes cannot both succeed.
const (
	insertNonceScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'issued_at', ARGV[1], 'expires_at', ARGV[2], 'consumed', '0')
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`

	consumeNonceScript = `
local fields = redis.call('HMGET', KEYS[1], 'expires_at', 'consumed')
if not fields[1] then
	return -1
end
if fields[2] == '1' then
	return -2
end
if tonumber(ARGV[1]) > tonumber(fields[1]) then
	return -3
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`
)

// RedisStore shares nonces between service instances. Expired keys are
// evicted by Redis itself after Retention past their expiry.
type RedisStore struct {
	Redis     *redis.Client
	Retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{Redis: client, Retention: retention}
}

func nonceKey(value string) string {
	return "nonce:" + value
}

func (s *RedisStore) Insert(ctx context.Context, n Nonce) error {
	res, err := s.Redis.Eval(ctx, insertNonceScript, []string{nonceKey(n.Value)},
		n.IssuedAt.UnixMilli(),
		n.ExpiresAt.UnixMilli(),
		n.ExpiresAt.Add(s.Retention).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to insert nonce: %w", err)
	}
	if res == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, value string, now time.Time) error {
	res, err := s.Redis.Eval(ctx, consumeNonceScript, []string{nonceKey(value)}, now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}

	switch res {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	case -2:
		return ErrAlreadyConsumed
	case -3:
		return ErrExpired
	default:
		return fmt.Errorf("unexpected consume result %d", res)
	}
}

// Sweep is a no-op: keys carry their own expiry.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
