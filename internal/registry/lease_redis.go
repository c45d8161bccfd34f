package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our owner id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only while it still holds our owner id.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease holds the run lease as a Redis key with a TTL.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLease creates a lease for the named registry.
func NewRedisLease(client redis.UniversalClient, registryName, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    LeaseKey(registryName),
		owner:  owner,
		ttl:    ttl,
	}
}

// LeaseKey returns the Redis key guarding a registry.
func LeaseKey(registryName string) string {
	return "deployer:lease:" + registryName
}

// Owner implements Lease.
func (l *RedisLease) Owner() string {
	return l.owner
}

// TTL implements Lease.
func (l *RedisLease) TTL() time.Duration {
	return l.ttl
}

// Acquire implements Lease. Re-acquiring a lease we already hold extends it.
func (l *RedisLease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return nil
	}

	holder, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls.
		return l.Acquire(ctx)
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if holder == l.owner {
		return l.client.Expire(ctx, l.key, l.ttl).Err()
	}

	ttl, err := l.client.PTTL(ctx, l.key).Result()
	if err != nil {
		ttl = 0
	}
	return &LeaseHeldError{Owner: holder, ExpiresAt: time.Now().Add(ttl)}
}

// Renew implements Lease.
func (l *RedisLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release implements Lease.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var _ Lease = (*RedisLease)(nil)
