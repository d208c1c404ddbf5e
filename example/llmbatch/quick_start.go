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

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	llmbatch "github.com/dancing-ui/llmbatch/core/llmbatch"
	"github.com/dancing-ui/llmbatch/logging"
)

// echoInvoker stands in for a real model endpoint. It sleeps a little and
// echoes the prompt back so the quick start runs without any credentials.
type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, input llmbatch.WorkInput) (*llmbatch.InvokeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	content := "echo: " + input.PromptText()
	return &llmbatch.InvokeResult{
		Content:      content,
		OutputTokens: int64(len(strings.Fields(content))),
	}, nil
}

func main() {
	logger, err := logging.NewLogger(&logging.Config{Level: "info", Development: true})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	config := llmbatch.NewSafeConfig(&llmbatch.Config{
		Models: map[string]*llmbatch.Quota{
			"echo-model": {
				RequestLimitPerMinute: 120,
				TokenLimitPerMinute:   10000,
			},
		},
		Dispatch: &llmbatch.DispatchConfig{
			MaxOutputTokens:   30,
			ItemTimeoutMillis: 5000,
			MaxRetries:        3,
			GroupSize:         4,
		},
	})

	dispatcher, err := llmbatch.NewDispatcher(config, echoInvoker{}, logger,
		llmbatch.WithEstimator(llmbatch.WordCountEstimator{}),
	)
	if err != nil {
		panic(err)
	}

	prompts := []string{
		"Summarize the plot of Hamlet in one sentence.",
		"List three uses for a paperclip.",
		"What is the capital of Iceland?",
		"Translate 'good morning' into French.",
		"Explain what a token bucket is.",
		"Name a prime number between 40 and 50.",
	}
	inputs := make([]llmbatch.WorkInput, 0, len(prompts))
	for _, prompt := range prompts {
		inputs = append(inputs, llmbatch.WorkInput{
			Messages: []llmbatch.Message{{Role: "user", Content: prompt}},
		})
	}

	summary, err := dispatcher.Run(context.Background(), llmbatch.RunOptions{
		Model:  "echo-model",
		Inputs: inputs,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(summary.String())
}
