// Package ratelimit provides per-organization sliding-window admission
// control over a sorted-set counter store. Every admitted request leaves one
// timestamped entry in the organization's window; denied requests leave no
// trace, so a caller hammering a full window never pushes its reset further
// out.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PlainFunction/redactgate/internal/common/types"
)

// CounterStore is the sorted-set surface the limiter needs. Admit must run
// the trim, count, conditional add and expiry refresh as one atomic batch so
// concurrent checks for the same organization cannot both observe a free slot.
type CounterStore interface {
	Admit(ctx context.Context, key string, windowStart, now int64, limit int, ttl time.Duration, member string) (AdmitResult, error)
	Count(ctx context.Context, key string, windowStart int64) (int64, error)
	OldestScore(ctx context.Context, key string) (int64, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// AdmitResult is the raw outcome of one atomic admission batch.
type AdmitResult struct {
	Allowed bool
	// Count is the number of in-window entries before this admission.
	Count int64
	// Oldest is the lowest in-window score after the batch, 0 when empty.
	Oldest int64
}

// Limiter enforces a fixed request budget per organization over a sliding
// window.
type Limiter struct {
	store    CounterStore
	limit    int
	window   time.Duration
	prefix   string
	failOpen bool
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPrefix sets the key namespace for window entries.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithFailOpen admits requests without quota accounting when the counter
// store is unreachable. The default is to fail closed.
func WithFailOpen(enabled bool) Option {
	return func(l *Limiter) { l.failOpen = enabled }
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter allowing limit requests per window per organization.
func New(store CounterStore, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		prefix: "rate_limit",
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) key(orgID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, orgID)
}

func (l *Limiter) windowSeconds() int64 {
	return int64(l.window / time.Second)
}

// Allow runs one admission check for the organization. An admitted request
// consumes one window slot; a denied request consumes nothing and reports
// when the next slot frees up.
func (l *Limiter) Allow(ctx context.Context, orgID string) (types.Decision, error) {
	now := l.now().Unix()
	windowStart := now - l.windowSeconds()

	res, err := l.store.Admit(ctx, l.key(orgID), windowStart, now, l.limit, l.window, uuid.NewString())
	if err != nil {
		if l.failOpen {
			l.logger.Warn("counter store unreachable, admitting without quota accounting",
				zap.String("org_id", orgID),
				zap.Error(err))
			return types.Decision{Allowed: true, Remaining: l.limit - 1}, nil
		}
		return types.Decision{}, &types.StoreUnavailableError{Err: err}
	}

	if !res.Allowed {
		decision := types.Decision{Allowed: false, Remaining: 0}
		if res.Oldest > 0 {
			decision.ResetAt = res.Oldest + l.windowSeconds()
		}
		return decision, nil
	}

	remaining := l.limit - int(res.Count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return types.Decision{Allowed: true, Remaining: remaining}, nil
}

// Remaining reports how many requests the organization has left in the
// current window without consuming a slot.
func (l *Limiter) Remaining(ctx context.Context, orgID string) (int, error) {
	windowStart := l.now().Unix() - l.windowSeconds()
	count, err := l.store.Count(ctx, l.key(orgID), windowStart)
	if err != nil {
		return 0, &types.StoreUnavailableError{Err: err}
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetTime reports the unix second at which the oldest in-window entry
// expires, or 0 when the window is empty. It never mutates the window.
func (l *Limiter) ResetTime(ctx context.Context, orgID string) (int64, error) {
	oldest, ok, err := l.store.OldestScore(ctx, l.key(orgID))
	if err != nil {
		return 0, &types.StoreUnavailableError{Err: err}
	}
	if !ok {
		return 0, nil
	}
	return oldest + l.windowSeconds(), nil
}
