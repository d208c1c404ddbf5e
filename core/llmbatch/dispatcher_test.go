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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dancing-ui/llmbatch/logging"
)

// invokerFunc adapts a function to the Invoker interface.
type invokerFunc func(ctx context.Context, input WorkInput) (*InvokeResult, error)

func (f invokerFunc) Invoke(ctx context.Context, input WorkInput) (*InvokeResult, error) {
	return f(ctx, input)
}

func newTestConfig() *SafeConfig {
	return NewSafeConfig(&Config{
		Models: map[string]*Quota{
			"test-model": testQuota(60000, 60000000),
		},
		Dispatch: &DispatchConfig{
			MaxOutputTokens:   10,
			ItemTimeoutMillis: 1000,
			MaxRetries:        3,
			GroupSize:         4,
			BackoffUnitMillis: 1,
		},
	})
}

func makeInputs(prompts ...string) []WorkInput {
	inputs := make([]WorkInput, 0, len(prompts))
	for _, prompt := range prompts {
		inputs = append(inputs, WorkInput{
			Messages: []Message{{Role: "user", Content: prompt}},
		})
	}
	return inputs
}

func echoInvoker() Invoker {
	return invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		content := "echo: " + input.PromptText()
		return &InvokeResult{
			Content:      content,
			OutputTokens: int64(len(strings.Fields(content))),
		}, nil
	})
}

func newTestDispatcher(t *testing.T, invoker Invoker, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	opts = append([]DispatcherOption{WithEstimator(WordCountEstimator{})}, opts...)
	d, err := NewDispatcher(newTestConfig(), invoker, logging.NewNopLogger(), opts...)
	require.NoError(t, err)
	return d
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(nil, echoInvoker(), logging.NewNopLogger()); err == nil {
		t.Error("Expected error for nil config, got nil")
	}
	if _, err := NewDispatcher(newTestConfig(), nil, logging.NewNopLogger()); err == nil {
		t.Error("Expected error for nil invoker, got nil")
	}
	if _, err := NewDispatcher(newTestConfig(), echoInvoker(), nil); err != nil {
		t.Errorf("nil logger should fall back to a nop logger, got %v", err)
	}
}

func TestDispatcherRunAllSucceed(t *testing.T) {
	d := newTestDispatcher(t, echoInvoker())

	summary, err := d.Run(context.Background(), RunOptions{
		Model:  "test-model",
		Inputs: makeInputs("alpha", "bravo", "charlie", "delta", "echo"),
	})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.TotalItems)
	assert.Equal(t, 5, summary.SucceededItems)
	assert.Equal(t, 0, summary.FailedItems)
	assert.Equal(t, 0, summary.CancelledItems)
	assert.Greater(t, summary.InputTokensCharged, float64(0))
	assert.Greater(t, summary.OutputTokensObserved, int64(0))
	assert.NoError(t, summary.Err)
}

func TestDispatcherUnknownModel(t *testing.T) {
	d := newTestDispatcher(t, echoInvoker())

	_, err := d.Run(context.Background(), RunOptions{
		Model:  "no-such-model",
		Inputs: makeInputs("alpha"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelNotSupported))
}

func TestDispatcherTransientRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		calls.Add(1)
		return nil, MarkTransient(errors.New("upstream hiccup"))
	})
	d := newTestDispatcher(t, invoker)

	summary, err := d.Run(context.Background(), RunOptions{
		Model:  "test-model",
		Inputs: makeInputs("alpha"),
	})
	require.NoError(t, err)

	// MaxRetries bounds total attempts, not re-attempts.
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 1, summary.FailedItems)
	assert.Equal(t, 0, summary.SucceededItems)
	assert.Error(t, summary.Err)
}

func TestDispatcherPermanentFailureNoRetry(t *testing.T) {
	var calls atomic.Int64
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		calls.Add(1)
		return nil, errors.New("malformed request")
	})
	d := newTestDispatcher(t, invoker)

	summary, err := d.Run(context.Background(), RunOptions{
		Model:  "test-model",
		Inputs: makeInputs("alpha"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, summary.FailedItems)
}

func TestDispatcherTransientThenSuccess(t *testing.T) {
	var calls atomic.Int64
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		if calls.Add(1) == 1 {
			return nil, MarkTransient(errors.New("first attempt fails"))
		}
		return &InvokeResult{Content: "ok", OutputTokens: 1}, nil
	})
	d := newTestDispatcher(t, invoker)

	summary, err := d.Run(context.Background(), RunOptions{
		Model:  "test-model",
		Inputs: makeInputs("alpha"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 1, summary.SucceededItems)
	assert.Equal(t, 0, summary.FailedItems)
}

func TestDispatcherTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int64
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newTestDispatcher(t, invoker)

	summary, err := d.Run(context.Background(), RunOptions{
		Model:       "test-model",
		Inputs:      makeInputs("alpha"),
		ItemTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 1, summary.FailedItems)
}

func TestDispatcherRetriesAreChargedSeparately(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		return nil, MarkTransient(errors.New("always failing"))
	})
	d := newTestDispatcher(t, invoker)

	summary, err := d.Run(context.Background(), RunOptions{
		Model:           "test-model",
		Inputs:          makeInputs("one two three"),
		MaxOutputTokens: 10,
	})
	require.NoError(t, err)

	// Three attempts at 13 tokens each: nothing was observed, so the
	// per-attempt cost never grows.
	assert.Equal(t, float64(39), summary.InputTokensCharged)
}

func TestDispatcherNegativeOptionsFallBackToDefaults(t *testing.T) {
	d := newTestDispatcher(t, echoInvoker())

	// Negative knobs must be treated as unset, not reach the scheduling
	// loop as slice bounds.
	summary, err := d.Run(context.Background(), RunOptions{
		Model:           "test-model",
		Inputs:          makeInputs("alpha", "bravo", "charlie"),
		GroupSize:       -1,
		MaxRetries:      -2,
		MaxOutputTokens: -5,
		ItemTimeout:     -time.Second,
		BackoffUnit:     -time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SucceededItems)
}

func TestDispatcherBackoffGrowth(t *testing.T) {
	var mu sync.Mutex
	var calls []time.Time
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, MarkTransient(errors.New("still failing"))
	})
	d := newTestDispatcher(t, invoker)

	unit := 50 * time.Millisecond
	summary, err := d.Run(context.Background(), RunOptions{
		Model:       "test-model",
		Inputs:      makeInputs("alpha"),
		MaxRetries:  3,
		BackoffUnit: unit,
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.FailedItems)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)

	// The wait before retry k is 2^k backoff units: 100ms then 200ms.
	gap1 := calls[1].Sub(calls[0])
	gap2 := calls[2].Sub(calls[1])
	assert.GreaterOrEqual(t, gap1, 2*unit)
	assert.GreaterOrEqual(t, gap2, 4*unit)
	assert.Greater(t, gap2, gap1)
}

func TestDispatcherAdmissionsAreSpaced(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		return &InvokeResult{Content: "ok", OutputTokens: 10}, nil
	})
	sc := NewSafeConfig(&Config{
		Models: map[string]*Quota{
			// 600 requests/minute spaces admissions 100ms apart.
			"test-model": testQuota(600, 600000),
		},
	})
	d, err := NewDispatcher(sc, invoker, logging.NewNopLogger(), WithEstimator(WordCountEstimator{}))
	require.NoError(t, err)

	start := time.Now()
	summary, err := d.Run(context.Background(), RunOptions{
		Model:     "test-model",
		Inputs:    makeInputs("a", "b", "c", "d", "e"),
		GroupSize: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.SucceededItems)
	assert.Equal(t, int64(50), summary.OutputTokensObserved)
	// Five admissions at 100ms spacing: the first is free, so the run needs
	// roughly 400ms of wall time. The slack absorbs timer granularity.
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestDispatcherGroupConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return &InvokeResult{Content: "ok", OutputTokens: 1}, nil
	})
	d := newTestDispatcher(t, invoker)

	summary, err := d.Run(context.Background(), RunOptions{
		Model:     "test-model",
		Inputs:    makeInputs("a", "b", "c", "d", "e", "f", "g"),
		GroupSize: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 7, summary.SucceededItems)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestDispatcherCancelledBeforeRun(t *testing.T) {
	var calls atomic.Int64
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		calls.Add(1)
		return &InvokeResult{Content: "ok", OutputTokens: 1}, nil
	})
	d := newTestDispatcher(t, invoker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := d.Run(ctx, RunOptions{
		Model:  "test-model",
		Inputs: makeInputs("alpha", "bravo", "charlie"),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, 3, summary.CancelledItems)
}

func TestDispatcherCancellationDrainsInFlight(t *testing.T) {
	started := make(chan struct{}, 16)
	var running atomic.Int64
	invoker := invokerFunc(func(ctx context.Context, input WorkInput) (*InvokeResult, error) {
		running.Add(1)
		defer running.Add(-1)
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &InvokeResult{Content: "ok", OutputTokens: 1}, nil
		}
	})
	d := newTestDispatcher(t, invoker, WithDrainPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	summary, err := d.Run(ctx, RunOptions{
		Model:     "test-model",
		Inputs:    makeInputs("a", "b", "c", "d", "e", "f"),
		GroupSize: 2,
	})
	require.NoError(t, err)

	// Run must not return while any task is still in flight.
	assert.Equal(t, int64(0), running.Load())
	assert.Equal(t, 6, summary.TotalItems)
	assert.Equal(t, 0, summary.FailedItems)
	assert.Equal(t, summary.TotalItems, summary.SucceededItems+summary.CancelledItems)
}

func TestRunOptionsApplyDefaults(t *testing.T) {
	t.Run("config values win over built-ins", func(t *testing.T) {
		opts := &RunOptions{}
		opts.applyDefaults(&DispatchConfig{
			MaxOutputTokens:   20,
			ItemTimeoutMillis: 500,
			MaxRetries:        5,
			GroupSize:         8,
			BackoffUnitMillis: 250,
		})
		assert.Equal(t, 20, opts.MaxOutputTokens)
		assert.Equal(t, 500*time.Millisecond, opts.ItemTimeout)
		assert.Equal(t, 5, opts.MaxRetries)
		assert.Equal(t, 8, opts.GroupSize)
		assert.Equal(t, 250*time.Millisecond, opts.BackoffUnit)
	})

	t.Run("explicit values are kept", func(t *testing.T) {
		opts := &RunOptions{MaxRetries: 1, GroupSize: 2}
		opts.applyDefaults(&DispatchConfig{MaxRetries: 5, GroupSize: 8})
		assert.Equal(t, 1, opts.MaxRetries)
		assert.Equal(t, 2, opts.GroupSize)
	})

	t.Run("built-ins fill a nil config", func(t *testing.T) {
		opts := &RunOptions{}
		opts.applyDefaults(nil)
		assert.Equal(t, DefaultMaxOutputTokens, opts.MaxOutputTokens)
		assert.Equal(t, DefaultItemTimeout, opts.ItemTimeout)
		assert.Equal(t, DefaultMaxRetries, opts.MaxRetries)
		assert.Equal(t, DefaultGroupSize, opts.GroupSize)
		assert.Equal(t, DefaultBackoffUnit, opts.BackoffUnit)
	})

	t.Run("negative values count as unset", func(t *testing.T) {
		opts := &RunOptions{
			MaxOutputTokens: -1,
			ItemTimeout:     -time.Second,
			MaxRetries:      -3,
			GroupSize:       -10,
			BackoffUnit:     -time.Millisecond,
		}
		opts.applyDefaults(&DispatchConfig{GroupSize: 8})
		assert.Equal(t, DefaultMaxOutputTokens, opts.MaxOutputTokens)
		assert.Equal(t, DefaultItemTimeout, opts.ItemTimeout)
		assert.Equal(t, DefaultMaxRetries, opts.MaxRetries)
		assert.Equal(t, 8, opts.GroupSize)
		assert.Equal(t, DefaultBackoffUnit, opts.BackoffUnit)
	})
}

func TestSummaryString(t *testing.T) {
	var nilSummary *Summary
	assert.Equal(t, "Summary{nil}", nilSummary.String())

	s := &Summary{
		TotalItems:           3,
		SucceededItems:       2,
		FailedItems:          1,
		InputTokensCharged:   42.5,
		OutputTokensObserved: 17,
	}
	assert.Contains(t, s.String(), "Total:3")
	assert.Contains(t, s.String(), "Succeeded:2")
	assert.Contains(t, s.String(), "Failed:1")
}
