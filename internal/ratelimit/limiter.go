package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

//go:embed rate_limit.lua
var rateLimitScript string

const keyPrefix = "rate_limit:probe:"

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter is a fixed-window per-client limiter backed by Redis + Lua
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	limit  int64
	window time.Duration
	logger *logrus.Logger
}

// NewLimiter allows limit requests per client per window
func NewLimiter(client *redis.Client, limit int64, window time.Duration, logger *logrus.Logger) *Limiter {
	if window < time.Second {
		window = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Limiter{
		redis:  client,
		script: redis.NewScript(rateLimitScript),
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow counts one request for key and reports whether it fits the window.
// A non-nil error means Redis could not be consulted.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	redisKey := keyPrefix + key
	windowSec := int64(l.window / time.Second)

	raw, err := l.script.Run(ctx, l.redis, []string{redisKey}, l.limit, windowSec).Result()
	if err != nil {
		l.logger.WithError(err).WithField("key", redisKey).Error("Rate limit check failed")
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return nil, errors.New("unexpected rate limit script result")
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected rate limit value %v", v)
		}
		ints[i] = n
	}

	result := &Result{
		Allowed:           ints[0] == 1,
		CurrentCount:      ints[1],
		Limit:             ints[2],
		RetryAfterSeconds: ints[3],
	}

	entry := l.logger.WithFields(logrus.Fields{
		"key":     redisKey,
		"current": result.CurrentCount,
		"limit":   result.Limit,
	})
	if !result.Allowed {
		entry.WithField("retry_after", result.RetryAfterSeconds).Warn("Rate limit exceeded")
	} else {
		entry.Debug("Rate limit check passed")
	}
	return result, nil
}

// Reset clears the counter for key
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, keyPrefix+key).Err()
}
