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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dancing-ui/llmbatch/logging"
	"github.com/dancing-ui/llmbatch/util"
)

// InvokeResult is the successful outcome of one remote call.
type InvokeResult struct {
	Content      string
	OutputTokens int64
}

// Invoker performs the actual remote call. Implementations must be safe for
// concurrent use and should honor the context deadline. Transport-level
// failures should be tagged with MarkTransient; anything else is treated as
// permanently failed for the item.
type Invoker interface {
	Invoke(ctx context.Context, input WorkInput) (*InvokeResult, error)
}

// RunOptions parameterizes one batch run. Zero fields fall back to the
// dispatch defaults from the configuration.
type RunOptions struct {
	Model           string
	Inputs          []WorkInput
	MaxOutputTokens int
	ItemTimeout     time.Duration
	MaxRetries      int
	GroupSize       int
	BackoffUnit     time.Duration
}

// applyDefaults fills unset fields from the config, then from the built-in
// defaults. Zero and negative values both count as unset: a negative
// GroupSize or MaxRetries must never reach the scheduling loop.
func (o *RunOptions) applyDefaults(cfg *DispatchConfig) {
	if o == nil {
		return
	}
	if cfg != nil {
		if o.MaxOutputTokens <= 0 {
			o.MaxOutputTokens = cfg.MaxOutputTokens
		}
		if o.ItemTimeout <= 0 {
			o.ItemTimeout = time.Duration(cfg.ItemTimeoutMillis) * time.Millisecond
		}
		if o.MaxRetries <= 0 {
			o.MaxRetries = cfg.MaxRetries
		}
		if o.GroupSize <= 0 {
			o.GroupSize = cfg.GroupSize
		}
		if o.BackoffUnit <= 0 {
			o.BackoffUnit = time.Duration(cfg.BackoffUnitMillis) * time.Millisecond
		}
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = DefaultItemTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.GroupSize <= 0 {
		o.GroupSize = DefaultGroupSize
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = DefaultBackoffUnit
	}
}

// Summary is the aggregate result of one run. Item-level failures never
// surface as run errors; Err aggregates their causes for diagnostics only.
type Summary struct {
	TotalItems     int
	SucceededItems int
	FailedItems    int
	CancelledItems int

	InputTokensCharged      float64
	OutputTokensObserved    int64
	MaxObservedOutputTokens int64

	Err error
}

func (s *Summary) String() string {
	if s == nil {
		return "Summary{nil}"
	}
	return fmt.Sprintf("Summary{Total:%d, Succeeded:%d, Failed:%d, Cancelled:%d, InputTokensCharged:%.1f, OutputTokensObserved:%d}",
		s.TotalItems, s.SucceededItems, s.FailedItems, s.CancelledItems, s.InputTokensCharged, s.OutputTokensObserved)
}

// runCounters is shared by all tasks of one run and guarded by its mutex.
type runCounters struct {
	mu                sync.Mutex
	inputCharged      float64
	outputObserved    int64
	maxObservedOutput int64
	itemErrs          error
}

func (c *runCounters) chargeInput(cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputCharged += cost
}

func (c *runCounters) recordSuccess(outputTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputObserved += outputTokens
	if outputTokens > c.maxObservedOutput {
		c.maxObservedOutput = outputTokens
	}
}

func (c *runCounters) maxOutput() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxObservedOutput
}

func (c *runCounters) appendItemErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itemErrs = multierr.Append(c.itemErrs, err)
}

// Dispatcher schedules many independent work items against one model's
// quota: bounded concurrency groups, bounded retries with exponential
// backoff, a hard per-item timeout and cooperative cancellation.
type Dispatcher struct {
	config  *SafeConfig
	invoker Invoker
	logger  logging.Logger
	clock   clockwork.Clock

	estimator    TokenEstimator
	metrics      *Metrics
	usage        *UsageLogger
	pollInterval time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherClock(clock clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// WithEstimator overrides the per-run tiktoken estimator.
func WithEstimator(estimator TokenEstimator) DispatcherOption {
	return func(d *Dispatcher) {
		d.estimator = estimator
	}
}

func WithMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

func WithUsageLogger(usage *UsageLogger) DispatcherOption {
	return func(d *Dispatcher) {
		d.usage = usage
	}
}

func WithDrainPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

func NewDispatcher(config *SafeConfig, invoker Invoker, logger logging.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if config == nil {
		return nil, errors.New("config is nil")
	}
	if invoker == nil {
		return nil, errors.New("invoker is nil")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Dispatcher{
		config:       config,
		invoker:      invoker,
		logger:       logger,
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultDrainPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run processes opts.Inputs in contiguous groups of opts.GroupSize,
// strictly sequentially across groups and concurrently within one. The only
// hard failure is a model missing from the quota table, detected before any
// task is scheduled. Cancellation of ctx stops new groups and drains the
// current one before Run returns.
func (d *Dispatcher) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	if d == nil {
		return nil, errors.New("dispatcher is nil")
	}
	cfg := d.config.GetConfig()
	if cfg == nil {
		return nil, errors.New("no configuration loaded")
	}
	opts.applyDefaults(cfg.Dispatch)

	quota, exists := d.config.GetQuota(opts.Model)
	if !exists {
		return nil, errors.Wrapf(ErrModelNotSupported, "model %q", opts.Model)
	}

	estimator := d.estimator
	if estimator == nil {
		estimator = NewTiktokenEstimator(opts.Model, d.logger)
	}
	limiter, err := NewLimiter(opts.Model, quota, estimator, d.logger,
		WithLimiterClock(d.clock), WithLimiterMetrics(d.metrics))
	if err != nil {
		return nil, err
	}

	items := make([]*workItem, len(opts.Inputs))
	for i, input := range opts.Inputs {
		items[i] = newWorkItem(i, input)
	}
	counters := &runCounters{}

	d.logger.Info("batch run starting",
		"model", opts.Model,
		"items", len(items),
		"groupSize", opts.GroupSize,
		"maxRetries", opts.MaxRetries,
		"itemTimeout", opts.ItemTimeout.String(),
	)

	groupCount := (len(items) + opts.GroupSize - 1) / opts.GroupSize
	for start, groupIdx := 0, 0; start < len(items); start, groupIdx = start+opts.GroupSize, groupIdx+1 {
		end := start + opts.GroupSize
		if end > len(items) {
			end = len(items)
		}
		group := items[start:end]

		if ctx.Err() != nil {
			// Cancellation stops launching new groups; their items go
			// terminal without ever being attempted.
			for _, it := range group {
				d.finishItem(it, ItemCancelled, ctx.Err(), counters, opts, 0, 0)
			}
			continue
		}
		d.runGroup(ctx, groupIdx, groupCount, group, limiter, counters, opts)
	}

	summary := d.buildSummary(items, counters)
	d.logger.Info("batch run complete",
		"model", opts.Model,
		"total", summary.TotalItems,
		"succeeded", summary.SucceededItems,
		"failed", summary.FailedItems,
		"cancelled", summary.CancelledItems,
		"inputTokensCharged", summary.InputTokensCharged,
		"outputTokensObserved", summary.OutputTokensObserved,
	)
	return summary, nil
}

// runGroup launches one goroutine per item and blocks until every task is
// terminal. Even when ctx is cancelled mid-group, it returns only after all
// launched tasks have acknowledged; no task is abandoned while running.
func (d *Dispatcher) runGroup(ctx context.Context, groupIdx, groupCount int, group []*workItem, limiter *Limiter, counters *runCounters, opts RunOptions) {
	d.logger.Debug("processing group", "group", groupIdx+1, "groups", groupCount, "items", len(group))

	var wg sync.WaitGroup
	var remaining atomic.Int64
	remaining.Store(int64(len(group)))

	for _, it := range group {
		wg.Add(1)
		go func(it *workItem) {
			defer wg.Done()
			defer remaining.Add(-1)
			d.processItem(ctx, it, limiter, counters, opts)
		}(it)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	ticker := d.clock.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-finished:
			d.logger.Debug("group complete", "group", groupIdx+1, "groups", groupCount)
			return
		case <-ticker.Chan():
			d.logGroupProgress(groupIdx, group, remaining.Load(), limiter)
		case <-ctx.Done():
			d.logger.Info("cancellation requested, draining group",
				"group", groupIdx+1, "pending", remaining.Load())
			<-finished
			d.logger.Info("group drained after cancellation", "group", groupIdx+1)
			return
		}
	}
}

func (d *Dispatcher) logGroupProgress(groupIdx int, group []*workItem, pending int64, limiter *Limiter) {
	kvs := []interface{}{
		"group", groupIdx + 1,
		"pending", pending,
		"completed", int64(len(group)) - pending,
		"tokenBucket", limiter.BucketLevel(),
		"tokenLimit", limiter.TokenLimit(),
	}
	if stats, err := util.RetrieveSystemStats(); err == nil {
		kvs = append(kvs, "cpuPercent", stats.CPUPercent, "memoryPercent", stats.MemoryPercent)
	}
	d.logger.Debug("group progress", kvs...)
}

// processItem drives one item through its state machine:
// Pending -> Admitted -> Invoked -> {Succeeded | Retrying | Failed | Cancelled}.
func (d *Dispatcher) processItem(ctx context.Context, it *workItem, limiter *Limiter, counters *runCounters, opts RunOptions) {
	var lastCost float64
	var totalWait time.Duration

	for {
		// Re-estimated every attempt: the run's largest observed output may
		// have grown since the previous attempt.
		cost := limiter.EstimateRequestCost(it.input, opts.MaxOutputTokens, counters.maxOutput())
		lastCost = cost
		// Charged per attempt, retries included: real quota is consumed
		// either way.
		counters.chargeInput(cost)

		admitStart := d.clock.Now()
		if err := limiter.Admit(ctx, cost); err != nil {
			d.finishItem(it, ItemCancelled, err, counters, opts, lastCost, totalWait)
			return
		}
		totalWait += d.clock.Since(admitStart)

		it.attempts++
		d.logger.Debug("invoking remote call",
			"item", it.id, "fingerprint", it.fingerprint, "attempt", it.attempts, "tokenCost", cost)

		attemptCtx, cancel := context.WithTimeout(ctx, opts.ItemTimeout)
		res, err := d.invoker.Invoke(attemptCtx, it.input)
		cancel()

		outcome := d.classifyAttempt(ctx, err)
		d.metrics.IncAttempt(outcome)

		switch outcome {
		case OutcomeSuccess:
			var outputTokens int64
			if res != nil {
				outputTokens = res.OutputTokens
			}
			it.outputTokens = outputTokens
			counters.recordSuccess(outputTokens)
			// Corrective debit: the shared budget reflects the observed
			// output, on top of the optimistic estimate.
			limiter.CorrectConsumed(float64(outputTokens))
			d.finishItem(it, ItemSucceeded, nil, counters, opts, lastCost, totalWait)
			return

		case OutcomeCancelled:
			d.finishItem(it, ItemCancelled, err, counters, opts, lastCost, totalWait)
			return

		case OutcomeTransient:
			if it.attempts >= opts.MaxRetries {
				d.logger.Warn("item failed after exhausting retries",
					"item", it.id, "attempts", it.attempts, "reason", err.Error())
				d.finishItem(it, ItemFailed, err, counters, opts, lastCost, totalWait)
				return
			}
			backoff := opts.BackoffUnit * time.Duration(1<<uint(it.attempts))
			d.logger.Debug("transient failure, backing off",
				"item", it.id, "attempt", it.attempts, "maxRetries", opts.MaxRetries,
				"backoff", backoff.String(), "reason", err.Error())
			if serr := d.sleep(ctx, backoff); serr != nil {
				d.finishItem(it, ItemCancelled, serr, counters, opts, lastCost, totalWait)
				return
			}

		default: // OutcomePermanent
			d.logger.Warn("item failed with non-retryable error",
				"item", it.id, "attempt", it.attempts, "reason", err.Error())
			d.finishItem(it, ItemFailed, err, counters, opts, lastCost, totalWait)
			return
		}
	}
}

// classifyAttempt folds the run-level cancellation signal into the error
// taxonomy: once the run is cancelled, a failed attempt is Cancelled no
// matter how it failed.
func (d *Dispatcher) classifyAttempt(ctx context.Context, err error) AttemptOutcome {
	if err != nil && ctx.Err() != nil {
		return OutcomeCancelled
	}
	return ClassifyError(err)
}

func (d *Dispatcher) finishItem(it *workItem, state ItemState, err error, counters *runCounters, opts RunOptions, estimatedCost float64, wait time.Duration) {
	it.state = state
	it.err = err
	d.metrics.IncItem(state)
	if state == ItemFailed && err != nil {
		counters.appendItemErr(errors.Wrapf(err, "item %s", it.id))
	}
	d.usage.Record(UsageRecord{
		ItemID:              it.id,
		Fingerprint:         it.fingerprint,
		Model:               opts.Model,
		State:               state.String(),
		Attempts:            it.attempts,
		EstimatedTokens:     estimatedCost,
		ActualOutputTokens:  it.outputTokens,
		AdmissionWaitMillis: wait.Milliseconds(),
	})
	d.logger.Debug("item terminal", "item", it.id, "state", state.String(), "attempts", it.attempts)
}

func (d *Dispatcher) buildSummary(items []*workItem, counters *runCounters) *Summary {
	summary := &Summary{TotalItems: len(items)}
	for _, it := range items {
		switch it.state {
		case ItemSucceeded:
			summary.SucceededItems++
		case ItemFailed:
			summary.FailedItems++
		case ItemCancelled:
			summary.CancelledItems++
		}
	}
	counters.mu.Lock()
	summary.InputTokensCharged = counters.inputCharged
	summary.OutputTokensObserved = counters.outputObserved
	summary.MaxObservedOutputTokens = counters.maxObservedOutput
	summary.Err = counters.itemErrs
	counters.mu.Unlock()
	return summary
}

func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(duration):
		return nil
	}
}
