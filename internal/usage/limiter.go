// Package usage enforces per-feature and per-user quotas with Redis-backed
// token buckets that reset on a fixed duration or at calendar boundaries.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/hrchat/internal/task"
)

const keyPrefix = "ULTB"

var (
	ErrQuotaExceeded    = errors.New("usage quota exceeded")
	ErrConcurrencyLimit = errors.New("concurrent task limit reached")
)

type Unit string

const (
	UnitSecond Unit = "Second"
	UnitMonth  Unit = "Month"
	UnitYear   Unit = "Year"
)

// Config is the quota configuration of one task type.
type Config struct {
	Limit int64 `json:"limit"`
	// LimitByAccount is the per-user quota; nil falls back to Limit.
	LimitByAccount           *int64 `json:"limitByAccount,omitempty"`
	LimitDuration            int64  `json:"limitDuration"`
	LimitUnit                Unit   `json:"limitUnit,omitempty"`
	LimitConcurrent          int64  `json:"limitConcurrent"`
	LimitConcurrentInAllTask int64  `json:"limitConcurrentInAllTask"`
}

type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message,omitempty"`
}

type ConsumeResult struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
}

// consumeScript lazily creates the bucket, decrements it and clamps a
// negative result back to zero, all in one round trip. It returns the
// post-decrement value before clamping.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  if tonumber(ARGV[2]) > 0 then
    redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2], 'NX')
  else
    redis.call('SET', KEYS[1], ARGV[1], 'NX')
  end
end
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('INCRBY', KEYS[1], -v)
end
return v
`)

type Limiter struct {
	client  redis.Cmdable
	configs map[task.Type]Config
	locale  string
	now     func() time.Time
}

type Option func(*Limiter)

// WithLocale selects the language of denial messages ("ja" or "en").
func WithLocale(locale string) Option {
	return func(l *Limiter) { l.locale = locale }
}

// WithClock overrides the clock used for calendar resets.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(client redis.Cmdable, configs map[task.Type]Config, opts ...Option) *Limiter {
	l := &Limiter{
		client:  client,
		configs: configs,
		locale:  "ja",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the bucket key: ULTB:{type} or ULTB:{type}:{user}.
func Key(t task.Type, user string) string {
	if user == "" {
		return fmt.Sprintf("%s:%s", keyPrefix, t)
	}
	return fmt.Sprintf("%s:%s:%s", keyPrefix, t, user)
}

// GetConfig returns the quota configuration of t.
func (l *Limiter) GetConfig(t task.Type) (Config, bool) {
	cfg, ok := l.configs[t]
	return cfg, ok
}

func (l *Limiter) initialValue(cfg Config, user string) int64 {
	if user != "" && cfg.LimitByAccount != nil {
		return *cfg.LimitByAccount
	}
	return cfg.Limit
}

// ttl computes the bucket lifetime. Zero means the bucket never expires.
func (l *Limiter) ttl(cfg Config) time.Duration {
	now := l.now()
	var d time.Duration
	switch cfg.LimitUnit {
	case UnitMonth:
		next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
		d = next.Sub(now)
	case UnitYear:
		next := time.Date(now.Year()+1, time.January, 1, 0, 0, 0, 0, now.Location())
		d = next.Sub(now)
	default:
		d = time.Duration(cfg.LimitDuration) * time.Second
	}
	if d <= 0 {
		return 0
	}
	// whole seconds, at least one
	if d < time.Second {
		return time.Second
	}
	return d.Truncate(time.Second)
}

// ensure creates the bucket if absent. SETNX makes concurrent first touches
// converge on a single initial value.
func (l *Limiter) ensure(ctx context.Context, cfg Config, t task.Type, user string) error {
	if err := l.client.SetNX(ctx, Key(t, user), l.initialValue(cfg, user), l.ttl(cfg)).Err(); err != nil {
		return fmt.Errorf("init bucket: %w", err)
	}
	return nil
}

// CheckLimit reports whether at least one token is left without consuming it.
// The bucket is initialised as a side effect.
func (l *Limiter) CheckLimit(ctx context.Context, t task.Type, user string) (CheckResult, error) {
	cfg, ok := l.configs[t]
	if !ok {
		return CheckResult{Allowed: true}, nil
	}
	remaining, err := l.remaining(ctx, cfg, t, user)
	if err != nil {
		return CheckResult{}, err
	}
	if remaining <= 0 {
		return CheckResult{Allowed: false, Message: l.denial(t, user)}, nil
	}
	return CheckResult{Allowed: true}, nil
}

// ConsumeToken atomically takes one token. The stored counter never goes
// below zero; once exhausted every call is denied.
func (l *Limiter) ConsumeToken(ctx context.Context, t task.Type, user string) (ConsumeResult, error) {
	cfg, ok := l.configs[t]
	if !ok {
		return ConsumeResult{Status: true}, nil
	}
	ttlSeconds := int64(l.ttl(cfg) / time.Second)
	v, err := consumeScript.Run(ctx, l.client, []string{Key(t, user)}, l.initialValue(cfg, user), ttlSeconds).Int64()
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume token: %w", err)
	}
	if v < 0 {
		return ConsumeResult{Status: false, Message: l.denial(t, user)}, nil
	}
	return ConsumeResult{Status: true}, nil
}

// GetRemainingQuota returns the tokens left, or -1 when t has no quota.
func (l *Limiter) GetRemainingQuota(ctx context.Context, t task.Type, user string) (int64, error) {
	cfg, ok := l.configs[t]
	if !ok {
		return -1, nil
	}
	return l.remaining(ctx, cfg, t, user)
}

func (l *Limiter) remaining(ctx context.Context, cfg Config, t task.Type, user string) (int64, error) {
	if err := l.ensure(ctx, cfg, t, user); err != nil {
		return 0, err
	}
	v, err := l.client.Get(ctx, Key(t, user)).Int64()
	if errors.Is(err, redis.Nil) {
		// expired between init and read
		return l.initialValue(cfg, user), nil
	}
	if err != nil {
		return 0, fmt.Errorf("read bucket: %w", err)
	}
	return v, nil
}

// IncreaseToken grants n extra tokens to an existing or new bucket.
func (l *Limiter) IncreaseToken(ctx context.Context, t task.Type, user string, n int64) (int64, error) {
	cfg, ok := l.configs[t]
	if !ok {
		return -1, fmt.Errorf("no usage limit configured for %s", t)
	}
	if err := l.ensure(ctx, cfg, t, user); err != nil {
		return 0, err
	}
	v, err := l.client.IncrBy(ctx, Key(t, user), n).Result()
	if err != nil {
		return 0, fmt.Errorf("increase token: %w", err)
	}
	return v, nil
}

// RemoveBucket drops a bucket so the next touch re-initialises it.
func (l *Limiter) RemoveBucket(ctx context.Context, t task.Type, user string) error {
	if err := l.client.Del(ctx, Key(t, user)).Err(); err != nil {
		return fmt.Errorf("remove bucket: %w", err)
	}
	return nil
}

// CheckConcurrency applies LimitConcurrent (per user) and
// LimitConcurrentInAllTask (system wide) to counts of active tasks.
// A limit of zero or less disables the check.
func (l *Limiter) CheckConcurrency(t task.Type, userActive, allActive int) CheckResult {
	cfg, ok := l.configs[t]
	if !ok {
		return CheckResult{Allowed: true}
	}
	if cfg.LimitConcurrent > 0 && int64(userActive) >= cfg.LimitConcurrent {
		return CheckResult{Allowed: false, Message: l.concurrencyDenial(t, true)}
	}
	if cfg.LimitConcurrentInAllTask > 0 && int64(allActive) >= cfg.LimitConcurrentInAllTask {
		return CheckResult{Allowed: false, Message: l.concurrencyDenial(t, false)}
	}
	return CheckResult{Allowed: true}
}
