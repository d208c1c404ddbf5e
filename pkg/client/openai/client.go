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

// Package openai implements the invoke collaborator against an
// OpenAI-compatible chat-completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dancing-ui/llmbatch/core/llmbatch"
	"github.com/dancing-ui/llmbatch/logging"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	chatCompletionPath = "/chat/completions"

	defaultHTTPTimeout = 60 * time.Second
)

// Config carries everything needed to reach the remote service. MaxTokens
// is the declared output cap sent with every request.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Seed        int

	// HTTPTimeout bounds the whole HTTP exchange. The dispatcher's per-item
	// timeout is enforced separately through the request context.
	HTTPTimeout time.Duration
}

// Client is a minimal chat-completions client. It implements
// llmbatch.Invoker and is safe for concurrent use.
type Client struct {
	config     *Config
	endpoint   string
	httpClient *http.Client
	logger     logging.Logger
}

func New(config *Config, logger logging.Logger) (*Client, error) {
	if config == nil {
		return nil, errors.New("client config is nil")
	}
	if len(config.APIKey) == 0 {
		return nil, errors.New("API key is not set")
	}
	if len(config.Model) == 0 {
		return nil, errors.New("model is not set")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	baseURL := config.BaseURL
	if len(baseURL) == 0 {
		baseURL = DefaultBaseURL
	}
	timeout := config.HTTPTimeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		config:     config,
		endpoint:   strings.TrimRight(baseURL, "/") + chatCompletionPath,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []llmbatch.Message `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
	Seed        int                `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends one chat-completion request. Transport failures, timeouts
// and throttling or server-side statuses are tagged transient; any other
// non-2xx status is permanent.
func (c *Client) Invoke(ctx context.Context, input llmbatch.WorkInput) (*llmbatch.InvokeResult, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    input.Messages,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		Seed:        c.config.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, llmbatch.MarkTransient(errors.Wrap(err, "chat request failed"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llmbatch.MarkTransient(errors.Wrap(err, "failed to read chat response"))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := errors.Errorf("chat request returned status %d: %s", resp.StatusCode, truncate(string(raw), 256))
		if retryableStatus(resp.StatusCode) {
			return nil, llmbatch.MarkTransient(statusErr)
		}
		return nil, statusErr
	}

	parsed := &chatResponse{}
	if err := json.Unmarshal(raw, parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode chat response")
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("chat response contains no choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	outputTokens := parsed.Usage.CompletionTokens
	if outputTokens == 0 {
		// Older gateways omit usage; approximate by word count.
		outputTokens = int64(len(strings.Fields(content)))
	}
	return &llmbatch.InvokeResult{
		Content:      content,
		OutputTokens: outputTokens,
	}, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
