package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"session-gateway/internal/repository"
)

// OperationClass buckets requests by cost. Each class has one fixed policy,
// shared by every call site that names the class.
type OperationClass string

const (
	ClassAuth      OperationClass = "auth"
	ClassAPI       OperationClass = "api"
	ClassExpensive OperationClass = "expensive"
	ClassAnonymous OperationClass = "anonymous"
)

type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

func DefaultPolicies() map[OperationClass]RateLimitPolicy {
	return map[OperationClass]RateLimitPolicy{
		ClassAuth:      {Limit: 5, Window: 15 * time.Minute},
		ClassAPI:       {Limit: 100, Window: time.Minute},
		ClassExpensive: {Limit: 10, Window: time.Hour},
		ClassAnonymous: {Limit: 20, Window: time.Hour},
	}
}

type Decision struct {
	Admitted   bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// AdmissionController decides admit/reject per (identifier, class) with a
// sliding window interpolated over two fixed windows: the previous window's
// count decays linearly as the current window fills. The counter bump is a
// single atomic store operation, so concurrent requests cannot both slip
// under the limit on a stale read.
type AdmissionController struct {
	store        repository.RateLimitStore
	policies     map[OperationClass]RateLimitPolicy
	storeTimeout time.Duration
	now          func() time.Time
}

func NewAdmissionController(store repository.RateLimitStore, policies map[OperationClass]RateLimitPolicy, storeTimeout time.Duration) *AdmissionController {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &AdmissionController{
		store:        store,
		policies:     policies,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *AdmissionController) WithClock(now func() time.Time) *AdmissionController {
	c.now = now
	return c
}

// Check counts this request against the class window. Any store failure is
// surfaced as an error; callers reject on error rather than admitting
// unmetered traffic.
func (c *AdmissionController) Check(ctx context.Context, identifier string, class OperationClass) (Decision, error) {
	policy, ok := c.policies[class]
	if !ok {
		return Decision{}, fmt.Errorf("no rate limit policy for operation class %q", class)
	}

	now := c.now()
	storeCtx := ctx
	if c.storeTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, c.storeTimeout)
		defer cancel()
	}
	key := string(class) + ":" + identifier
	current, previous, err := c.store.IncrementWindow(storeCtx, key, policy.Window, now)
	if err != nil {
		return Decision{}, err
	}

	windowMs := policy.Window.Milliseconds()
	elapsedMs := now.UnixMilli() % windowMs
	weight := 1 - float64(elapsedMs)/float64(windowMs)
	effective := float64(current) + weight*float64(previous)

	resetAt := time.UnixMilli((now.UnixMilli()/windowMs + 1) * windowMs)
	remaining := policy.Limit - int(math.Ceil(effective))
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Admitted:  effective <= float64(policy.Limit),
		Limit:     policy.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Admitted {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}
