package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// lockKeyPrefix prefixes per-phone lock names.
const lockKeyPrefix = "promptdesk:lock:"

// lockRetryDelay is the pause between attempts on a taken lock.
const lockRetryDelay = 100 * time.Millisecond

// Opts holds configuration for the Redis-backed cache.
type Opts struct {
	URL           string
	AttendanceTTL time.Duration
	LockTTL       time.Duration
	LockWait      time.Duration
}

// Option configures the Redis-backed cache.
type Option func(*Opts)

// WithRedisURL sets the redis:// connection URL.
func WithRedisURL(url string) Option {
	return func(o *Opts) {
		o.URL = url
	}
}

// WithAttendanceTTL overrides AttendanceTTL.
func WithAttendanceTTL(d time.Duration) Option {
	return func(o *Opts) {
		o.AttendanceTTL = d
	}
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(d time.Duration) Option {
	return func(o *Opts) {
		o.LockTTL = d
	}
}

// WithLockWait overrides DefaultLockWait.
func WithLockWait(d time.Duration) Option {
	return func(o *Opts) {
		o.LockWait = d
	}
}

// Redis implements Attendance with TTL keys and Locker with redsync mutexes,
// so several PromptDesk processes can share one Redis.
type Redis struct {
	client        redis.UniversalClient
	rs            *redsync.Redsync
	attendanceTTL time.Duration
	lockTTL       time.Duration
	lockWait      time.Duration
}

// Compile-time checks that Redis implements Attendance and Locker.
var (
	_ Attendance = (*Redis)(nil)
	_ Locker     = (*Redis)(nil)
)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(opts ...Option) (*Redis, error) {
	cfg := Opts{AttendanceTTL: AttendanceTTL, LockTTL: DefaultLockTTL, LockWait: DefaultLockWait}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("Redis URL must be provided")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	parsed, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("Redis cache connected", "addr", parsed.Addr, "db", parsed.DB)

	return &Redis{
		client:        client,
		rs:            redsync.New(goredis.NewPool(client)),
		attendanceTTL: cfg.AttendanceTTL,
		lockTTL:       cfg.LockTTL,
		lockWait:      cfg.LockWait,
	}, nil
}

// Mark sets the attendance marker with a fresh TTL.
func (r *Redis) Mark(ctx context.Context, phone string) error {
	return r.client.Set(ctx, AttendanceKey(phone), time.Now().UTC().Format(time.RFC3339), r.attendanceTTL).Err()
}

// Clear removes the attendance marker.
func (r *Redis) Clear(ctx context.Context, phone string) error {
	return r.client.Del(ctx, AttendanceKey(phone)).Err()
}

// Remaining returns the marker TTL, or 0 when the key does not exist.
func (r *Redis) Remaining(ctx context.Context, phone string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, AttendanceKey(phone)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// lockTries converts a wait budget into redsync attempts at lockRetryDelay.
func lockTries(wait time.Duration) int {
	if wait <= 0 {
		return 1
	}
	return int(wait/lockRetryDelay) + 1
}

// Lock acquires the distributed per-key mutex, waiting up to the configured
// lock wait. The lease is extended in the background until unlock, so a slow
// holder never loses the lock to a waiter.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	mutex := r.rs.NewMutex(lockKeyPrefix+key,
		redsync.WithExpiry(r.lockTTL),
		redsync.WithTries(lockTries(r.lockWait)),
		redsync.WithRetryDelay(lockRetryDelay))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(mutex, key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ok, err := mutex.Unlock()
			if err != nil {
				slog.Error("Redis.Lock: failed to unlock mutex", "error", err, "key", key)
			} else if !ok {
				slog.Warn("Redis.Lock: lock expired before unlock", "key", key)
			}
		})
	}, nil
}

// keepAlive extends the lease every third of the lock TTL until stop closes.
func (r *Redis) keepAlive(mutex *redsync.Mutex, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if ok, err := mutex.Extend(); err != nil || !ok {
				slog.Warn("Redis.keepAlive: failed to extend lock", "error", err, "key", key)
			}
		}
	}
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
