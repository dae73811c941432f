package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openclaw/swarmgrid/types"
)

// Rate-limit denial scopes, reported in the error details.
const (
	ScopeGlobal = "global_rate_limit"
	ScopeTarget = "target_rate_limit"
)

// RateLimitConfig sizes the global and per-target token buckets. Rates are
// tokens per second; bursts are bucket capacities.
type RateLimitConfig struct {
	GlobalRate     float64 `json:"global_rate" yaml:"global_rate"`
	GlobalBurst    int     `json:"global_burst" yaml:"global_burst"`
	PerTargetRate  float64 `json:"per_target_rate" yaml:"per_target_rate"`
	PerTargetBurst int     `json:"per_target_burst" yaml:"per_target_burst"`
}

// DefaultRateLimitConfig returns the default bucket sizing.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRate:     10,
		GlobalBurst:    50,
		PerTargetRate:  2,
		PerTargetBurst: 10,
	}
}

// RateLimitMetrics is a snapshot of limiter activity.
type RateLimitMetrics struct {
	TotalRequests int64 `json:"totalRequests"`
	Allowed       int64 `json:"allowed"`
	Denied        int64 `json:"denied"`
}

// RateLimited wraps a Transport with a global token bucket and a lazily
// created bucket per target. Sends that find no token are rejected
// immediately with a RATE_LIMITED error carrying a retry-after hint; the
// limiter never queues.
type RateLimited struct {
	next   Transport
	config RateLimitConfig
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	global  *rate.Limiter
	targets map[string]*rate.Limiter
	metrics RateLimitMetrics
}

// RateLimitedOption customizes a RateLimited transport.
type RateLimitedOption func(*RateLimited)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) RateLimitedOption {
	return func(t *RateLimited) { t.clock = clock }
}

// NewRateLimited decorates next with token-bucket rate limiting.
func NewRateLimited(next Transport, config RateLimitConfig, logger *zap.Logger, opts ...RateLimitedOption) *RateLimited {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = DefaultRateLimitConfig().GlobalRate
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = DefaultRateLimitConfig().GlobalBurst
	}
	if config.PerTargetRate <= 0 {
		config.PerTargetRate = DefaultRateLimitConfig().PerTargetRate
	}
	if config.PerTargetBurst <= 0 {
		config.PerTargetBurst = DefaultRateLimitConfig().PerTargetBurst
	}

	limited := &RateLimited{
		next:    next,
		config:  config,
		clock:   time.Now,
		logger:  logger.With(zap.String("component", "rate_limited_transport")),
		global:  rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		targets: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(limited)
	}
	return limited
}

func (t *RateLimited) targetLimiter(target string) *rate.Limiter {
	limiter, ok := t.targets[target]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(t.config.PerTargetRate), t.config.PerTargetBurst)
		t.targets[target] = limiter
	}
	return limiter
}

// Send consumes one global and one per-target token before delegating.
// A per-target denial returns the global token so unrelated targets are
// not starved by one hot target.
func (t *RateLimited) Send(ctx context.Context, target string, request *types.TaskRequest) error {
	now := t.clock()

	t.mu.Lock()
	t.metrics.TotalRequests++

	globalRes := t.global.ReserveN(now, 1)
	if delay := globalRes.DelayFrom(now); delay > 0 {
		globalRes.CancelAt(now)
		t.metrics.Denied++
		t.mu.Unlock()
		t.logger.Warn("dispatch rate limited",
			zap.String("scope", ScopeGlobal),
			zap.Duration("retryAfter", delay))
		return rateLimitedError(ScopeGlobal, target, delay)
	}

	targetRes := t.targetLimiter(target).ReserveN(now, 1)
	if delay := targetRes.DelayFrom(now); delay > 0 {
		targetRes.CancelAt(now)
		globalRes.CancelAt(now)
		t.metrics.Denied++
		t.mu.Unlock()
		t.logger.Warn("dispatch rate limited",
			zap.String("scope", ScopeTarget),
			zap.String("target", target),
			zap.Duration("retryAfter", delay))
		return rateLimitedError(ScopeTarget, target, delay)
	}

	t.metrics.Allowed++
	t.mu.Unlock()

	return t.next.Send(ctx, target, request)
}

// Metrics returns a snapshot of limiter counters.
func (t *RateLimited) Metrics() RateLimitMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// ResetTarget drops the bucket for one target.
func (t *RateLimited) ResetTarget(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.targets, target)
}

// ResetTargets drops all per-target buckets, e.g. after a fleet topology
// change.
func (t *RateLimited) ResetTargets() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets = make(map[string]*rate.Limiter)
}

func rateLimitedError(scope, target string, retryAfter time.Duration) error {
	return types.NewError(types.ErrCodeRateLimited, "dispatch rate limit exceeded").
		WithDetail("scope", scope).
		WithDetail("target", target).
		WithDetail("retryAfterMs", retryAfter.Milliseconds())
}
