package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

var ErrLockNotObtained = errors.New("lock not obtained")

// Locker serializes work on a key across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// RedisLocker is a Locker over redislock. Acquire retries for up to WaitFor before giving up.
type RedisLocker struct {
	Client  *redislock.Client
	WaitFor time.Duration
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{Client: client, WaitFor: 10 * time.Second}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.Client == nil {
		return func() {}, nil
	}
	backoff := 100 * time.Millisecond
	retries := int(l.WaitFor / backoff)
	var strategy redislock.RetryStrategy = redislock.NoRetry()
	if retries > 0 {
		strategy = redislock.LimitRetry(redislock.LinearBackoff(backoff), retries)
	}
	lock, err := l.Client.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: strategy})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}

// NoopLocker is used when redis is not configured (single instance, tests).
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

func assessmentLockKey(jobGuid string) string {
	return fmt.Sprintf("monitor:assessment:%s", jobGuid)
}
