package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockUnconfigured = errors.New("lease: redis client not configured")
	ErrLockKeyEmpty     = errors.New("lease: key is empty")
	ErrLockTTL          = errors.New("lease: ttl must be positive")
)

// Both scripts compare the holder token first, so a holder whose lease ran
// out can never release or extend the next holder's lease.
var (
	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])
`)
	extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])
`)
)

// Locker hands out expiring leases on Redis keys. Approvals hold one lease per
// dataset and id set so two reviewers cannot migrate the same rows at once.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// TryLock takes the lease on key without waiting. ok is false when another
// holder has it; the returned token identifies this holder to Extend and
// Release.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	if err := l.validate(key, ttl); err != nil {
		return "", false, err
	}

	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Extend resets the lease expiry to ttl from now. It reports false when the
// lease already expired or belongs to someone else.
func (l *Locker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := l.validate(key, ttl); err != nil {
		return false, err
	}
	n, err := extendLease.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Release drops the lease if token still holds it. Releasing a lease that
// expired is not an error.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	if err := releaseLease.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (l *Locker) validate(key string, ttl time.Duration) error {
	switch {
	case l == nil || l.client == nil:
		return ErrLockUnconfigured
	case key == "":
		return ErrLockKeyEmpty
	case ttl <= 0:
		return ErrLockTTL
	}
	return nil
}
