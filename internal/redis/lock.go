package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("schedule lock not acquired")
)

// Locker guards critical sections keyed by resource, for example one schedule.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// ScheduleLockKey is the key every writer of a schedule's slots locks on.
func ScheduleLockKey(scheduleID uuid.UUID) string {
	return fmt.Sprintf("lock:schedule:%s", scheduleID.String())
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a locker backed by a Redis key per resource. A busy
// lock is polled until wait elapses or ctx is done.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ErrLockNotAcquired
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// LocalLocker serializes critical sections inside one process. It is used
// when Redis is disabled and in tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
	wait  time.Duration
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an in-process locker. wait <= 0 waits until ctx is done.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock), wait: wait}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lk := l.ref(key)
	defer l.unref(key)

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case lk.ch <- struct{}{}:
	case <-waitCtx.Done():
		return ErrLockNotAcquired
	}
	defer func() { <-lk.ch }()

	return fn(ctx)
}

func (l *LocalLocker) ref(key string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	return lk
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk := l.locks[key]
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}
