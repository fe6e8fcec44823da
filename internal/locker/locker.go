// Package locker serializes work per key, in process or across replicas.
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"junior.app/backend/internal/logger"
)

// Locker acquires an exclusive lock on key. The returned func releases it
// and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is a keyed mutex. Entries are reference counted and dropped when the
// last holder or waiter releases, so the table does not grow with every key
// ever seen.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, fmt.Errorf("lock %q: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Redis is a redsync-backed Locker for multi-replica deployments.
type Redis struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
}

const (
	defaultExpiry = 30 * time.Second
	defaultTries  = 64
	retryDelay    = 50 * time.Millisecond
)

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: defaultExpiry,
	}
}

// NewRedisFromURL parses a redis:// URL and verifies the server is reachable.
func NewRedisFromURL(ctx context.Context, rawURL, prefix string) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client, prefix), client, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	mutex := r.rs.NewMutex(
		r.prefix+key,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(defaultTries),
		redsync.WithRetryDelay(retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock %q: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The request context may already be done by the time we unlock.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := mutex.UnlockContext(unlockCtx); err != nil {
				logger.Warn("Failed to release distributed lock", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
			}
		})
	}, nil
}
