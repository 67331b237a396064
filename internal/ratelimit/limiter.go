// Package ratelimit implements fixed-window request limiting with pluggable
// counter stores.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Scope names the tier a rule belongs to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeRoute  Scope = "route"
)

// Rule is one limit: at most Max requests per Window for each identity.
type Rule struct {
	Scope Scope
	// Name distinguishes rules within a scope, e.g. the route prefix.
	Name   string
	Window time.Duration
	Max    int
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Max > 0 && r.Window > 0
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Scope     Scope
}

// RetryAfter returns how long a rejected caller should wait, rounded up to
// whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1) / time.Second * time.Second
}

// Store keeps window counters. Increment must be atomic: concurrent callers
// observe distinct post-increment values.
type Store interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter evaluates rules against a Store.
type Limiter struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used to pick the window.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request by identity against rule. The request is admitted
// iff the post-increment count is at most rule.Max.
//
// When the store fails, Allow admits the request and returns the error
// alongside an allowing Decision; callers log it and carry on.
func (l *Limiter) Allow(ctx context.Context, rule Rule, identity string) (Decision, error) {
	if !rule.Enabled() {
		return Decision{Allowed: true, Scope: rule.Scope}, nil
	}

	now := l.now()
	windowMs := rule.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	window := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((window + 1) * windowMs)
	key := fmt.Sprintf("%s:%s:%s:%d", rule.Scope, rule.Name, identity, window)

	decision := Decision{
		Limit:   rule.Max,
		ResetAt: resetAt,
		Scope:   rule.Scope,
	}

	count, err := l.store.Increment(ctx, key, resetAt.Sub(now))
	if err != nil {
		decision.Allowed = true
		decision.Remaining = rule.Max
		return decision, fmt.Errorf("rate limit store: %w", err)
	}

	decision.Allowed = count <= int64(rule.Max)
	if remaining := int64(rule.Max) - count; remaining > 0 {
		decision.Remaining = int(remaining)
	}

	if !decision.Allowed {
		l.logger.Debug("rate limit exceeded",
			slog.String("scope", string(rule.Scope)),
			slog.String("rule", rule.Name),
			slog.String("identity", identity),
			slog.Int64("count", count))
	}
	return decision, nil
}
