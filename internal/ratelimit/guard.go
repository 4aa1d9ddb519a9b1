package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"envtrack/internal/config"
	"envtrack/internal/faults"
	"envtrack/internal/logging"
	"envtrack/internal/metrics"
)

// Limits configures the upload guard.
type Limits struct {
	UserMax int
	IPMax   int
	Window  time.Duration
}

// LimitsFromConfig extracts guard limits from cfg.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		UserMax: cfg.RateLimit.UserMax,
		IPMax:   cfg.RateLimit.IPMax,
		Window:  cfg.RateWindow(),
	}
}

// Guard applies the per-user and per-origin limits to one request.
type Guard struct {
	counter Counter
	limits  Limits
	logger  *slog.Logger
	metrics *metrics.Collector
	warn    *rate.Sometimes
}

// NewGuard builds a Guard over counter.
func NewGuard(counter Counter, limits Limits, logger *slog.Logger, collector *metrics.Collector) *Guard {
	return &Guard{
		counter: counter,
		limits:  limits,
		logger:  logging.NewComponentLogger(logger, "ratelimit"),
		metrics: collector,
		warn:    &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Check fails with RATE_LIMITED when either the actor's or the origin's
// window is full. A counter backend error lets the request through.
func (g *Guard) Check(ctx context.Context, userID, clientIP string) error {
	checks := []struct {
		kind string
		id   string
		max  int
	}{
		{kind: "user", id: strings.TrimSpace(userID), max: g.limits.UserMax},
		{kind: "ip", id: strings.TrimSpace(clientIP), max: g.limits.IPMax},
	}
	for _, check := range checks {
		if check.id == "" || check.max <= 0 {
			continue
		}
		key := check.kind + ":" + check.id
		allowed, err := g.counter.Allow(ctx, key, check.max, g.limits.Window)
		if err != nil {
			logging.WithContext(ctx, g.logger).Error("rate limiter unavailable", logging.String("key", key), logging.Error(err))
			continue
		}
		if allowed {
			continue
		}
		g.metrics.RecordRateLimited(check.kind)
		g.warn.Do(func() {
			logging.WithContext(ctx, g.logger).Warn("upload rate limit exceeded",
				logging.String("key", key),
				logging.Int("max", check.max),
				logging.Duration("window", g.limits.Window),
				logging.ErrorCode(string(faults.CodeRateLimited)),
			)
		})
		return faults.Newf(faults.CodeRateLimited, "too many uploads for %s", check.kind).WithDetails(map[string]any{
			"scope":               check.kind,
			"retry_after_seconds": int(g.limits.Window.Seconds()),
		})
	}
	return nil
}

// NewCounterFromConfig builds the configured backend. The returned close
// function releases backend resources.
func NewCounterFromConfig(ctx context.Context, cfg *config.Config) (Counter, func() error, error) {
	switch cfg.RateLimit.Backend {
	case config.RateBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RateLimit.RedisAddr, err)
		}
		return NewRedis(client, ""), client.Close, nil
	default:
		return NewMemory(), func() error { return nil }, nil
	}
}
