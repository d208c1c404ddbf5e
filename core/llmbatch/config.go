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
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dancing-ui/llmbatch/logging"
)

// ErrModelNotSupported is returned when a run requests a model that is
// absent from the quota table. It is the only error that aborts a whole run.
var ErrModelNotSupported = errors.New("model is not present in the quota table")

// Quota is the pair of per-minute limits configured for one model.
type Quota struct {
	RequestLimitPerMinute int `json:"requestLimitPerMinute" yaml:"requestLimitPerMinute"`
	TokenLimitPerMinute   int `json:"tokenLimitPerMinute" yaml:"tokenLimitPerMinute"`
}

func (q *Quota) String() string {
	if q == nil {
		return "Quota{nil}"
	}
	return fmt.Sprintf("Quota{RequestLimitPerMinute:%d, TokenLimitPerMinute:%d}",
		q.RequestLimitPerMinute, q.TokenLimitPerMinute)
}

// CheckValid reports whether both limits are positive.
func (q *Quota) CheckValid() error {
	if q == nil {
		return errors.New("quota is nil")
	}
	if q.RequestLimitPerMinute <= 0 {
		return errors.Errorf("requestLimitPerMinute must be positive, got %d", q.RequestLimitPerMinute)
	}
	if q.TokenLimitPerMinute <= 0 {
		return errors.Errorf("tokenLimitPerMinute must be positive, got %d", q.TokenLimitPerMinute)
	}
	return nil
}

// DispatchConfig carries the batch-level defaults applied when a RunOptions
// field is left zero.
type DispatchConfig struct {
	MaxOutputTokens   int   `json:"maxOutputTokens" yaml:"maxOutputTokens"`
	ItemTimeoutMillis int64 `json:"itemTimeoutMillis" yaml:"itemTimeoutMillis"`
	MaxRetries        int   `json:"maxRetries" yaml:"maxRetries"`
	GroupSize         int   `json:"groupSize" yaml:"groupSize"`
	BackoffUnitMillis int64 `json:"backoffUnitMillis" yaml:"backoffUnitMillis"`
}

func (d *DispatchConfig) String() string {
	if d == nil {
		return "DispatchConfig{nil}"
	}
	return fmt.Sprintf("DispatchConfig{MaxOutputTokens:%d, ItemTimeoutMillis:%d, MaxRetries:%d, GroupSize:%d, BackoffUnitMillis:%d}",
		d.MaxOutputTokens, d.ItemTimeoutMillis, d.MaxRetries, d.GroupSize, d.BackoffUnitMillis)
}

// CheckValid rejects negative values. Zero means "use the default" and is
// filled in by setDefaults.
func (d *DispatchConfig) CheckValid() error {
	if d == nil {
		return nil
	}
	if d.MaxOutputTokens < 0 {
		return errors.Errorf("maxOutputTokens cannot be negative, got %d", d.MaxOutputTokens)
	}
	if d.ItemTimeoutMillis < 0 {
		return errors.Errorf("itemTimeoutMillis cannot be negative, got %d", d.ItemTimeoutMillis)
	}
	if d.MaxRetries < 0 {
		return errors.Errorf("maxRetries cannot be negative, got %d", d.MaxRetries)
	}
	if d.GroupSize < 0 {
		return errors.Errorf("groupSize cannot be negative, got %d", d.GroupSize)
	}
	if d.BackoffUnitMillis < 0 {
		return errors.Errorf("backoffUnitMillis cannot be negative, got %d", d.BackoffUnitMillis)
	}
	return nil
}

// ClientConfig describes how to reach the remote text-generation service.
// The API key itself stays out of the file; only the environment variable
// name is configured.
type ClientConfig struct {
	BaseURL     string  `json:"baseUrl" yaml:"baseUrl"`
	APIKeyEnv   string  `json:"apiKeyEnv" yaml:"apiKeyEnv"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Seed        int     `json:"seed" yaml:"seed"`
}

// Config is the top-level configuration document.
type Config struct {
	Models   map[string]*Quota `json:"models" yaml:"models"`
	Dispatch *DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Client   *ClientConfig     `json:"client" yaml:"client"`
	Logging  *logging.Config   `json:"logging" yaml:"logging"`
}

func (c *Config) String() string {
	if c == nil {
		return "Config{nil}"
	}
	models := make([]string, 0, len(c.Models))
	for name := range c.Models {
		models = append(models, name)
	}
	sort.Strings(models)
	return fmt.Sprintf("Config{Models:[%s], Dispatch:%s}", strings.Join(models, ", "), c.Dispatch.String())
}

// CheckValid validates every quota entry and rejects an empty table.
func (c *Config) CheckValid() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.Models) == 0 {
		return errors.New("quota table is empty, at least one model entry is required")
	}
	for model, quota := range c.Models {
		if err := quota.CheckValid(); err != nil {
			return errors.Wrapf(err, "invalid quota for model %q", model)
		}
	}
	if err := c.Dispatch.CheckValid(); err != nil {
		return errors.Wrap(err, "invalid dispatch settings")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c == nil {
		return
	}
	if c.Dispatch == nil {
		c.Dispatch = &DispatchConfig{}
	}
	if c.Dispatch.MaxOutputTokens == 0 {
		c.Dispatch.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.Dispatch.ItemTimeoutMillis == 0 {
		c.Dispatch.ItemTimeoutMillis = DefaultItemTimeout.Milliseconds()
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = DefaultMaxRetries
	}
	if c.Dispatch.GroupSize == 0 {
		c.Dispatch.GroupSize = DefaultGroupSize
	}
	if c.Dispatch.BackoffUnitMillis == 0 {
		c.Dispatch.BackoffUnitMillis = DefaultBackoffUnit.Milliseconds()
	}
}

// LoadConfigFromFile reads, parses and validates a YAML configuration file.
func LoadConfigFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	cfg.setDefaults()
	if err := cfg.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return cfg, nil
}

// SafeConfig guards the live configuration for concurrent readers. The
// config watcher swaps it atomically on reload.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

func NewSafeConfig(cfg *Config) *SafeConfig {
	sc := &SafeConfig{}
	if cfg != nil {
		cfg.setDefaults()
		sc.config = cfg
	}
	return sc
}

func (c *SafeConfig) SetConfig(newConfig *Config) error {
	if c == nil {
		return errors.New("safe config is nil")
	}
	if newConfig == nil {
		return errors.New("new config cannot be nil")
	}
	if err := newConfig.CheckValid(); err != nil {
		return err
	}
	newConfig.setDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = newConfig
	return nil
}

func (c *SafeConfig) GetConfig() *Config {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// GetQuota looks up the quota entry for a model.
func (c *SafeConfig) GetQuota(model string) (*Quota, bool) {
	cfg := c.GetConfig()
	if cfg == nil {
		return nil, false
	}
	quota, exists := cfg.Models[model]
	if !exists || quota == nil {
		return nil, false
	}
	return quota, true
}
