package license

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"giro/internal/config"
	"giro/internal/giro"
)

const (
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = 60 * time.Second
)

// Limiter admits at most a fixed number of requests per key per window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type window struct {
	index int64
	count int
}

// MemoryLimiter is a fixed-window limiter for a single server process.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   giro.Clock
	windows map[string]window
}

func NewMemoryLimiter(limit int, win time.Duration, clock giro.Clock) *MemoryLimiter {
	if clock == nil {
		clock = giro.RealClock{}
	}
	return &MemoryLimiter{
		limit:   limit,
		window:  win,
		clock:   clock,
		windows: make(map[string]window),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	idx := l.clock.Now().UnixNano() / int64(l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if w.index != idx {
		l.prune(idx)
		w = window{index: idx}
	}
	w.count++
	l.windows[key] = w
	return w.count <= l.limit, nil
}

func (l *MemoryLimiter) prune(current int64) {
	for k, w := range l.windows {
		if w.index < current {
			delete(l.windows, k)
		}
	}
}

// RedisLimiter shares one fixed window per key across server replicas.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	clock  giro.Clock
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, win time.Duration, clock giro.Clock) *RedisLimiter {
	if clock == nil {
		clock = giro.RealClock{}
	}
	return &RedisLimiter{client: client, limit: limit, window: win, clock: clock, prefix: "giro:ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	idx := l.clock.Now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, idx)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.Expire(ctx, redisKey, l.window+time.Second)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}

// ConnectRedis accepts a redis:// URL or a bare host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// NewLimiterFromConfig uses Redis when a URL is configured and an
// in-process limiter otherwise. The returned close func is never nil.
func NewLimiterFromConfig(ctx context.Context, cfg config.LicenseServerConfig, clock giro.Clock) (Limiter, func() error, error) {
	limit := cfg.RateLimitRequests
	if limit <= 0 {
		limit = DefaultRateLimitRequests
	}
	win := config.Seconds(cfg.RateLimitWindowSecs, DefaultRateLimitWindow)
	if cfg.RedisURL == "" {
		return NewMemoryLimiter(limit, win, clock), func() error { return nil }, nil
	}
	client, err := ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return NewRedisLimiter(client, limit, win, clock), client.Close, nil
}
