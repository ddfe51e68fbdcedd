package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.gantry.dev/internal/common/fault"
)

// RedisStore implements Store over Redis for deployments that want lease
// coordination off the SQL path. The lease key holds "owner#epoch" with the
// ttl as key expiry; epochs come from a companion counter key that is only
// advanced on successful acquisition, so they stay strictly increasing.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed lease store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gantry:lease:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string      { return s.prefix + name }
func (s *RedisStore) epochKey(name string) string { return s.prefix + name + ":epoch" }

// acquireScript takes the lease when the key is absent or held by the same
// owner, bumping the epoch counter in either case.
var acquireScript = redis.NewScript(`
	local v = redis.call("get", KEYS[1])
	if v ~= false then
		local sep = string.find(v, "#")
		if string.sub(v, 1, sep - 1) ~= ARGV[1] then
			return 0
		end
	end
	local e = redis.call("incr", KEYS[2])
	redis.call("set", KEYS[1], ARGV[1] .. "#" .. e, "EX", ARGV[2])
	return e
`)

// renewScript extends the expiry only while the epoch still holds the key.
// The GT flag keeps the expiry monotonic: a renew shorter than the remaining
// ttl leaves it unchanged.
var renewScript = redis.NewScript(`
	local v = redis.call("get", KEYS[1])
	if v == false then
		return 0
	end
	local sep = string.find(v, "#")
	if string.sub(v, sep + 1) ~= ARGV[1] then
		return 0
	end
	redis.call("expire", KEYS[1], ARGV[2], "GT")
	return 1
`)

// releaseScript deletes the key only while the epoch still holds it.
var releaseScript = redis.NewScript(`
	local v = redis.call("get", KEYS[1])
	if v == false then
		return 0
	end
	local sep = string.find(v, "#")
	if string.sub(v, sep + 1) ~= ARGV[1] then
		return 0
	end
	return redis.call("del", KEYS[1])
`)

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (int64, bool, error) {
	if err := validate(name, ttl); err != nil {
		return 0, false, err
	}
	if owner == "" {
		return 0, false, fault.Invalidf("lease owner must not be empty")
	}

	epoch, err := acquireScript.Run(ctx, s.client,
		[]string{s.key(name), s.epochKey(name)}, owner, ttlSeconds(ttl)).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("lease: redis acquire: %w", err)
	}
	if epoch == 0 {
		return 0, false, nil
	}
	return epoch, true, nil
}

// Renew implements Store.
func (s *RedisStore) Renew(ctx context.Context, name string, epoch int64, ttl time.Duration) (bool, error) {
	if err := validate(name, ttl); err != nil {
		return false, err
	}

	renewed, err := renewScript.Run(ctx, s.client,
		[]string{s.key(name)}, epoch, ttlSeconds(ttl)).Int()
	if err != nil {
		return false, fmt.Errorf("lease: redis renew: %w", err)
	}
	return renewed == 1, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, name string, epoch int64) error {
	if name == "" {
		return fault.Invalidf("lease name must not be empty")
	}

	_, err := releaseScript.Run(ctx, s.client, []string{s.key(name)}, epoch).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lease: redis release: %w", err)
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int {
	secs := int(ttl.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
