// Copyright 2024 The llmbatch Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llmbatch

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/dancing-ui/llmbatch/logging"
)

// Limiter enforces two independent per-model quotas: request cadence
// (a simplified GCRA that spaces admissions 60/rpm seconds apart, with no
// burst allowance) and a refilling token bucket metering token budget.
//
// Admissions are fully serialized: the mutex is held across the cadence and
// token waits, so no two callers observe or mutate the state concurrently.
// The order in which concurrently-ready callers acquire the mutex is not
// guaranteed; only the aggregate quota effect is.
type Limiter struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	logger logging.Logger

	model     string
	estimator TokenEstimator
	metrics   *Metrics

	requestInterval time.Duration
	lastRequest     time.Time

	tokenLimit    float64
	tokenBucket   float64
	tokenFillRate float64 // tokens restored per second
	lastFill      time.Time

	// levelMirror shadows tokenBucket for lock-free observation while an
	// admission holds the mutex during its waits.
	levelMirror atomic.Uint64
}

type LimiterOption func(*Limiter)

func WithLimiterClock(clock clockwork.Clock) LimiterOption {
	return func(l *Limiter) {
		l.clock = clock
	}
}

func WithLimiterMetrics(metrics *Metrics) LimiterOption {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// NewLimiter builds a limiter for one model and one run. The bucket starts
// full and the first admission never waits on cadence.
func NewLimiter(model string, quota *Quota, estimator TokenEstimator, logger logging.Logger, opts ...LimiterOption) (*Limiter, error) {
	if err := quota.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "cannot build limiter for model %q", model)
	}
	if estimator == nil {
		return nil, errors.New("token estimator is nil")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	l := &Limiter{
		clock:           clockwork.NewRealClock(),
		logger:          logger,
		model:           model,
		estimator:       estimator,
		requestInterval: time.Duration(float64(time.Minute) / float64(quota.RequestLimitPerMinute)),
		tokenLimit:      float64(quota.TokenLimitPerMinute),
		tokenBucket:     float64(quota.TokenLimitPerMinute),
		tokenFillRate:   float64(quota.TokenLimitPerMinute) / SecondsPerMinute,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastFill = l.clock.Now()
	l.storeLevel(l.tokenBucket)

	logger.Debug("limiter initialized",
		"model", model,
		"requestInterval", l.requestInterval.String(),
		"tokenLimit", l.tokenLimit,
	)
	return l, nil
}

// Admit suspends the caller until both quota constraints allow one request
// costing tokenCost tokens. It cannot fail; it can only delay, or stop
// early when ctx is cancelled.
func (l *Limiter) Admit(ctx context.Context, tokenCost float64) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	// Cadence constraint: a minimum spacing between admissions.
	if elapsed := now.Sub(l.lastRequest); elapsed < l.requestInterval {
		if err := l.sleep(ctx, l.requestInterval-elapsed); err != nil {
			return err
		}
	}

	// Token refill, capped at the limit.
	if fillElapsed := now.Sub(l.lastFill).Seconds(); fillElapsed > 0 {
		l.tokenBucket = math.Min(l.tokenLimit, l.tokenBucket+fillElapsed*l.tokenFillRate)
	}
	l.lastFill = now

	// Token admission. A deficit wait consumes the whole bucket: the caller
	// is not charged precisely for tokenCost afterwards. Deliberate
	// simplification, downstream accounting depends on it.
	if tokenCost > l.tokenBucket {
		wait := time.Duration((tokenCost - l.tokenBucket) / l.tokenFillRate * float64(time.Second))
		l.logger.Debug("waiting to accumulate tokens",
			"model", l.model,
			"tokenCost", tokenCost,
			"tokenBucket", l.tokenBucket,
			"wait", wait.String(),
		)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		l.tokenBucket = 0
	} else {
		l.tokenBucket -= tokenCost
	}

	if l.tokenBucket < 0 {
		l.logger.Warn("token bucket went negative, clamping to zero",
			"model", l.model, "tokenBucket", l.tokenBucket)
		l.metrics.IncBucketClamp()
		l.tokenBucket = 0
	}
	l.storeLevel(l.tokenBucket)
	l.metrics.ObserveAdmissionWait(l.clock.Since(now))

	// Stamped after all waiting.
	l.lastRequest = l.clock.Now()
	return nil
}

// CorrectConsumed applies the corrective debit after a response: the shared
// budget must reflect actual consumption, not the estimate. The bucket may
// be driven negative by design; it is clamped to zero with a warning.
func (l *Limiter) CorrectConsumed(actualTokens float64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokenBucket -= actualTokens
	if l.tokenBucket < 0 {
		l.logger.Warn("token bucket went negative after consumption correction, clamping to zero",
			"model", l.model, "tokenBucket", l.tokenBucket, "actualTokens", actualTokens)
		l.metrics.IncBucketClamp()
		l.tokenBucket = 0
	}
	l.storeLevel(l.tokenBucket)
}

// EstimateRequestCost predicts the token cost of one attempt: the estimated
// prompt tokens, plus the declared output cap, plus an allowance over the
// largest output observed so far in the run.
func (l *Limiter) EstimateRequestCost(input WorkInput, maxOutputBudget int, observedMaxOutput int64) float64 {
	if l == nil {
		return 0
	}
	prompt := input.PromptText()
	n, err := l.estimator.EstimateTokens(prompt, l.model)
	if err != nil {
		l.logger.Warn("token estimation failed, falling back to word count",
			"model", l.model, "reason", err.Error())
		n, _ = WordCountEstimator{}.EstimateTokens(prompt, l.model)
	}
	return float64(n) + float64(maxOutputBudget) + float64(observedMaxOutput)*ObservedOutputAllowance
}

// BucketLevel returns the live token budget without blocking behind an
// in-flight admission.
func (l *Limiter) BucketLevel() float64 {
	if l == nil {
		return 0
	}
	return math.Float64frombits(l.levelMirror.Load())
}

// TokenLimit returns the configured per-minute token budget.
func (l *Limiter) TokenLimit() float64 {
	if l == nil {
		return 0
	}
	return l.tokenLimit
}

// RequestInterval returns the enforced minimum spacing between admissions.
func (l *Limiter) RequestInterval() time.Duration {
	if l == nil {
		return 0
	}
	return l.requestInterval
}

func (l *Limiter) storeLevel(level float64) {
	l.levelMirror.Store(math.Float64bits(level))
	l.metrics.SetBucketLevel(level)
}

func (l *Limiter) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(d):
		return nil
	}
}
