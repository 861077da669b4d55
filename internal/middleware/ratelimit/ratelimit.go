package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(c *fiber.Ctx) string

// BySessionOrIP keys on the :id route parameter, falling back to the client IP.
func BySessionOrIP(c *fiber.Ctx) string {
	if id := c.Params("id"); id != "" {
		return SessionKey(id)
	}
	return IPKey(c.IP())
}

func ByIP(c *fiber.Ctx) string {
	return IPKey(c.IP())
}

func SessionKey(id string) string { return "session:" + id }

func IPKey(ip string) string { return "ip:" + ip }

type bucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// RateLimiter is a set of token buckets refilled continuously at
// Requests per Window, each holding at most Requests tokens.
type RateLimiter struct {
	name    string
	buckets map[string]*bucket
	mu      sync.RWMutex
	burst   float64
	perSec  float64
	keyFunc KeyFunc
	logger  *zap.Logger
	now     func() time.Time

	idleTTL time.Duration
	ticker  *time.Ticker
	done    chan struct{}
	stop    sync.Once
}

type Config struct {
	// Name labels log lines, e.g. "messages" or "sessions".
	Name     string
	Requests int
	Window   time.Duration
	KeyFunc  KeyFunc
	Logger   *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = BySessionOrIP
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		name:    cfg.Name,
		buckets: make(map[string]*bucket),
		burst:   float64(cfg.Requests),
		perSec:  float64(cfg.Requests) / cfg.Window.Seconds(),
		keyFunc: cfg.KeyFunc,
		logger:  cfg.Logger,
		now:     time.Now,
		idleTTL: 2 * cfg.Window,
		ticker:  time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := rl.keyFunc(c)

		ok, wait := rl.Allow(key)
		if !ok {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("limiter", rl.name),
				zap.String("key", key),
				zap.String("path", c.Path()),
				zap.Duration("retry_after", wait),
			)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds(wait)))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Liiga palju päringuid. Proovi hetke pärast uuesti.",
			})
		}

		return c.Next()
	}
}

// Allow takes one token from key's bucket. When the bucket is empty it
// reports how long until the next token.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	b := rl.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*rl.perSec)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	missing := 1 - b.tokens
	return false, time.Duration(missing / rl.perSec * float64(time.Second))
}

func (rl *RateLimiter) bucket(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; !ok {
		b = &bucket{tokens: rl.burst, lastSeen: rl.now()}
		rl.buckets[key] = b
	}
	return b
}

// RetryAfterSeconds rounds a wait up to whole seconds, at least 1.
func RetryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.ticker.C:
			rl.evictIdle()
		}
	}
}

// evictIdle drops buckets unused long enough to have refilled completely.
func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastSeen) > rl.idleTTL {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

func (rl *RateLimiter) Stop() {
	rl.stop.Do(func() {
		rl.ticker.Stop()
		close(rl.done)
	})
}
