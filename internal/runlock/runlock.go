// Package runlock keeps digest runs from overlapping, inside one process or
// across processes sharing a Redis server.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
)

// ErrHeld is returned by Acquire when another run holds the lock.
var ErrHeld = errors.New("run lock is held")

// Locker hands out an exclusive run lock. Acquire never blocks waiting for it.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLock is an in-process lock.
type LocalLock struct {
	mu sync.Mutex
}

// NewLocal creates an in-process lock.
func NewLocal() *LocalLock {
	return &LocalLock{}
}

// Acquire takes the lock or returns ErrHeld.
func (l *LocalLock) Acquire(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrHeld
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisLock is a lease stored under one key with SET NX PX. The value is a
// per-acquire token so a run can only release its own lease. The TTL bounds how
// long a crashed holder blocks other runs.
type RedisLock struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
	log    logging.Logger
}

// NewRedis creates a lease lock on client.
func NewRedis(client goredis.UniversalClient, key string, ttl time.Duration, log logging.Logger) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl, log: log}
}

// Acquire sets the lease or returns ErrHeld.
func (r *RedisLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lease %s: %w", r.key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
				r.log.WithError(err).WithField("key", r.key).Warn("Failed to release run lease; it expires on its own")
			}
		})
	}
	return release, nil
}

// New returns a Redis lease when redis.addr is set, otherwise a local lock.
// The returned closer shuts down the Redis client.
func New(ctx context.Context, cfg *config.Config, log logging.Logger) (Locker, func() error, error) {
	if cfg.Redis.Addr == "" {
		return NewLocal(), func() error { return nil }, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.RedisPassword(),
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis %s: %w", cfg.Redis.Addr, err)
	}
	log.WithFields(logging.Fields{"addr": cfg.Redis.Addr, "key": cfg.Redis.LockKey}).Info("Using Redis run lease")
	return NewRedis(client, cfg.Redis.LockKey, cfg.Redis.LockTTL(), log), client.Close, nil
}
