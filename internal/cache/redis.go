package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds connection parameters for the Redis/Valkey node.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	TLS          bool
}

// PoolStats summarises the client connection pool.
type PoolStats struct {
	TotalConns uint32
	IdleConns  uint32
	StaleConns uint32
	Timeouts   uint32
}

// RedisProvider implements Provider on go-redis and exposes the maintenance operations the
// remediation handlers drive: ping, reconnect, prefix invalidation and the recent-error list.
type RedisProvider struct {
	cfg RedisConfig

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisProvider builds the client without touching the network; call Ping to verify
// connectivity. The engine must start even when the cache is down.
func NewRedisProvider(cfg RedisConfig) (*RedisProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	normaliseDurations(&cfg)
	return &RedisProvider{cfg: cfg, client: redis.NewClient(options(cfg))}, nil
}

func options(cfg RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

func normaliseDurations(cfg *RedisConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
}

func (p *RedisProvider) c() *redis.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *RedisProvider) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := p.c().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

// Set stores bytes with the provided TTL.
func (p *RedisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.c().Set(ctx, key, value, ttl).Err()
}

// Close releases the client pool.
func (p *RedisProvider) Close() error {
	return p.c().Close()
}

// Ping checks connectivity.
func (p *RedisProvider) Ping(ctx context.Context) error {
	if err := p.c().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", p.cfg.Addr, err)
	}
	return nil
}

// Reconnect replaces the client with a freshly dialled one. The old pool is closed only after the
// new client answers a ping, so a failed reconnect leaves the provider as it was.
func (p *RedisProvider) Reconnect(ctx context.Context) error {
	next := redis.NewClient(options(p.cfg))
	if err := next.Ping(ctx).Err(); err != nil {
		_ = next.Close()
		return fmt.Errorf("redis reconnect %s: %w", p.cfg.Addr, err)
	}

	p.mu.Lock()
	prev := p.client
	p.client = next
	p.mu.Unlock()

	_ = prev.Close()
	return nil
}

// InvalidatePrefix deletes every key starting with prefix and returns how many were removed.
func (p *RedisProvider) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	client := p.c()
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("scan %s*: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete %s*: %w", prefix, err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// PopErrors removes and returns up to limit entries from the head of the recent-error list, newest
// first. LPOP with a count needs Redis 6.2 or later.
func (p *RedisProvider) PopErrors(ctx context.Context, key string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	lines, err := p.c().LPopCount(ctx, key, limit).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return lines, err
}

// PushError prepends msg to the recent-error list and trims it to max entries.
func (p *RedisProvider) PushError(ctx context.Context, key, msg string, max int) error {
	_, err := p.c().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, msg)
		if max > 0 {
			pipe.LTrim(ctx, key, 0, int64(max-1))
		}
		return nil
	})
	return err
}

// PoolStats reports the current connection pool counters.
func (p *RedisProvider) PoolStats() PoolStats {
	s := p.c().PoolStats()
	return PoolStats{
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
		StaleConns: s.StaleConns,
		Timeouts:   s.Timeouts,
	}
}
