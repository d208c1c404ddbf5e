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
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dancing-ui/llmbatch/core/llmbatch"
	"github.com/dancing-ui/llmbatch/logging"
	"github.com/dancing-ui/llmbatch/pkg/client/openai"
)

const defaultAPIKeyEnv = "OPENAI_API_KEY"

type runFlags struct {
	configPath  string
	model       string
	inputPath   string
	metricsAddr string
	usageLogDir string
	watchConfig bool

	maxOutputTokens int
	itemTimeout     time.Duration
	maxRetries      int
	groupSize       int
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llmbatch",
		Short:         "Throttled batch dispatch of LLM requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch of prompts against a model's quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "limits.yaml", "path to the quota table config file")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "model to dispatch against (required)")
	cmd.Flags().StringVarP(&flags.inputPath, "input", "i", "", "file with one prompt per line (required)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled when empty)")
	cmd.Flags().StringVar(&flags.usageLogDir, "usage-log-dir", "", "directory for the usage audit log (disabled when empty)")
	cmd.Flags().BoolVar(&flags.watchConfig, "watch-config", false, "hot-reload the quota table when the config file changes")
	cmd.Flags().IntVar(&flags.maxOutputTokens, "max-output-tokens", 0, "override the declared output cap")
	cmd.Flags().DurationVar(&flags.itemTimeout, "item-timeout", 0, "override the per-item timeout")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0, "override the retry bound")
	cmd.Flags().IntVar(&flags.groupSize, "group-size", 0, "override the concurrency width")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("input")
	return cmd
}

func runBatch(flags *runFlags) error {
	cfg, err := llmbatch.LoadConfigFromFile(flags.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return errors.Wrap(err, "failed to build logger")
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	safeConfig := llmbatch.NewSafeConfig(cfg)
	if flags.watchConfig {
		if err := llmbatch.WatchConfigFile(ctx, flags.configPath, safeConfig, logger); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	metrics := llmbatch.NewMetrics(registry)
	if len(flags.metricsAddr) > 0 {
		serveMetrics(ctx, flags.metricsAddr, registry, logger)
	}

	invoker, err := buildInvoker(cfg, flags, logger)
	if err != nil {
		return err
	}

	opts := []llmbatch.DispatcherOption{llmbatch.WithMetrics(metrics)}
	if len(flags.usageLogDir) > 0 {
		usage, err := llmbatch.NewUsageLogger(&llmbatch.UsageLoggerConfig{
			AppName: "llmbatch",
			LogDir:  flags.usageLogDir,
		}, logger)
		if err != nil {
			return err
		}
		defer usage.Stop()
		opts = append(opts, llmbatch.WithUsageLogger(usage))
	}

	dispatcher, err := llmbatch.NewDispatcher(safeConfig, invoker, logger, opts...)
	if err != nil {
		return err
	}

	inputs, err := readInputs(flags.inputPath)
	if err != nil {
		return err
	}

	summary, err := dispatcher.Run(ctx, llmbatch.RunOptions{
		Model:           flags.model,
		Inputs:          inputs,
		MaxOutputTokens: flags.maxOutputTokens,
		ItemTimeout:     flags.itemTimeout,
		MaxRetries:      flags.maxRetries,
		GroupSize:       flags.groupSize,
	})
	if err != nil {
		return err
	}

	fmt.Println(summary.String())
	return nil
}

func buildInvoker(cfg *llmbatch.Config, flags *runFlags, logger logging.Logger) (llmbatch.Invoker, error) {
	clientCfg := cfg.Client
	if clientCfg == nil {
		clientCfg = &llmbatch.ClientConfig{}
	}
	apiKeyEnv := clientCfg.APIKeyEnv
	if len(apiKeyEnv) == 0 {
		apiKeyEnv = defaultAPIKeyEnv
	}
	apiKey := os.Getenv(apiKeyEnv)
	if len(apiKey) == 0 {
		return nil, errors.Errorf("API key is not set, export %s", apiKeyEnv)
	}

	maxTokens := flags.maxOutputTokens
	if maxTokens == 0 && cfg.Dispatch != nil {
		maxTokens = cfg.Dispatch.MaxOutputTokens
	}
	return openai.New(&openai.Config{
		APIKey:      apiKey,
		BaseURL:     clientCfg.BaseURL,
		Model:       flags.model,
		MaxTokens:   maxTokens,
		Temperature: clientCfg.Temperature,
		Seed:        clientCfg.Seed,
	}, logger)
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}

func readInputs(path string) ([]llmbatch.WorkInput, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open input file %s", path)
	}
	defer file.Close()

	var inputs []llmbatch.WorkInput
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		inputs = append(inputs, llmbatch.WorkInput{
			Messages: []llmbatch.Message{{Role: "user", Content: line}},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read input file %s", path)
	}
	if len(inputs) == 0 {
		return nil, errors.Errorf("input file %s contains no prompts", path)
	}
	return inputs, nil
}
