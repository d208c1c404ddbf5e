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
	"os"
	"path/filepath"
	"testing"
)

const validConfigYAML = `
models:
  gpt-4o-mini:
    requestLimitPerMinute: 500
    tokenLimitPerMinute: 200000
  gpt-4o:
    requestLimitPerMinute: 60
    tokenLimitPerMinute: 30000
dispatch:
  maxOutputTokens: 100
  itemTimeoutMillis: 20000
  maxRetries: 4
  groupSize: 5
client:
  baseUrl: https://example.com/v1
  apiKeyEnv: TEST_API_KEY
logging:
  level: debug
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeTempConfig(t, validConfigYAML)

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}

	if len(cfg.Models) != 2 {
		t.Errorf("Expected 2 models, got %d", len(cfg.Models))
	}
	quota := cfg.Models["gpt-4o-mini"]
	if quota == nil {
		t.Fatal("Expected quota for gpt-4o-mini, got nil")
	}
	if quota.RequestLimitPerMinute != 500 || quota.TokenLimitPerMinute != 200000 {
		t.Errorf("Unexpected quota: %s", quota.String())
	}
	if cfg.Dispatch.MaxOutputTokens != 100 {
		t.Errorf("Expected maxOutputTokens 100, got %d", cfg.Dispatch.MaxOutputTokens)
	}
	if cfg.Dispatch.MaxRetries != 4 {
		t.Errorf("Expected maxRetries 4, got %d", cfg.Dispatch.MaxRetries)
	}
	// Unset fields take built-in defaults.
	if cfg.Dispatch.BackoffUnitMillis != DefaultBackoffUnit.Milliseconds() {
		t.Errorf("Expected default backoffUnitMillis, got %d", cfg.Dispatch.BackoffUnitMillis)
	}
	if cfg.Client == nil || cfg.Client.APIKeyEnv != "TEST_API_KEY" {
		t.Error("Client section was not parsed")
	}
	if cfg.Logging == nil || cfg.Logging.Level != "debug" {
		t.Error("Logging section was not parsed")
	}
}

func TestLoadConfigFromFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "empty quota table",
			content: "models: {}\n",
		},
		{
			name: "zero request limit",
			content: `
models:
  broken:
    requestLimitPerMinute: 0
    tokenLimitPerMinute: 1000
`,
		},
		{
			name: "negative token limit",
			content: `
models:
  broken:
    requestLimitPerMinute: 10
    tokenLimitPerMinute: -5
`,
		},
		{
			name:    "malformed yaml",
			content: "models: [not a map\n",
		},
		{
			name: "negative group size",
			content: `
models:
  ok:
    requestLimitPerMinute: 10
    tokenLimitPerMinute: 1000
dispatch:
  groupSize: -1
`,
		},
		{
			name: "negative max retries",
			content: `
models:
  ok:
    requestLimitPerMinute: 10
    tokenLimitPerMinute: 1000
dispatch:
  maxRetries: -3
`,
		},
		{
			name: "negative item timeout",
			content: `
models:
  ok:
    requestLimitPerMinute: 10
    tokenLimitPerMinute: 1000
dispatch:
  itemTimeoutMillis: -500
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.content)
			if _, err := LoadConfigFromFile(path); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("Expected error for missing file, got nil")
		}
	})
}

func TestQuotaCheckValid(t *testing.T) {
	tests := []struct {
		name      string
		quota     *Quota
		expectErr bool
	}{
		{"valid", testQuota(1, 1), false},
		{"nil", nil, true},
		{"zero rpm", testQuota(0, 1), true},
		{"zero tokens", testQuota(1, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.quota.CheckValid()
			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestSafeConfigSetAndGet(t *testing.T) {
	sc := NewSafeConfig(&Config{
		Models: map[string]*Quota{"m1": testQuota(10, 100)},
	})

	quota, exists := sc.GetQuota("m1")
	if !exists {
		t.Fatal("Expected quota for m1")
	}
	if quota.RequestLimitPerMinute != 10 {
		t.Errorf("Unexpected quota: %s", quota.String())
	}
	if _, exists := sc.GetQuota("absent"); exists {
		t.Error("Expected no quota for absent model")
	}

	// A valid replacement swaps the whole table.
	if err := sc.SetConfig(&Config{
		Models: map[string]*Quota{"m2": testQuota(20, 200)},
	}); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	if _, exists := sc.GetQuota("m1"); exists {
		t.Error("Old model should be gone after replacement")
	}
	if _, exists := sc.GetQuota("m2"); !exists {
		t.Error("New model should be present after replacement")
	}

	// An invalid replacement is rejected and the old table survives.
	if err := sc.SetConfig(&Config{Models: map[string]*Quota{}}); err == nil {
		t.Error("Expected error for empty quota table")
	}
	if err := sc.SetConfig(&Config{
		Models:   map[string]*Quota{"m3": testQuota(1, 1)},
		Dispatch: &DispatchConfig{GroupSize: -2},
	}); err == nil {
		t.Error("Expected error for negative groupSize")
	}
	if _, exists := sc.GetQuota("m2"); !exists {
		t.Error("Previous config should survive a rejected replacement")
	}
	if err := sc.SetConfig(nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestSafeConfigNilReceiver(t *testing.T) {
	var sc *SafeConfig
	if cfg := sc.GetConfig(); cfg != nil {
		t.Error("nil SafeConfig should return nil config")
	}
	if _, exists := sc.GetQuota("any"); exists {
		t.Error("nil SafeConfig should have no quota")
	}
	if err := sc.SetConfig(&Config{}); err == nil {
		t.Error("Expected error on nil SafeConfig SetConfig")
	}
}

func TestConfigString(t *testing.T) {
	var nilConfig *Config
	if nilConfig.String() != "Config{nil}" {
		t.Errorf("Unexpected nil string: %s", nilConfig.String())
	}
	cfg := &Config{
		Models:   map[string]*Quota{"b": testQuota(1, 1), "a": testQuota(1, 1)},
		Dispatch: &DispatchConfig{MaxOutputTokens: 10},
	}
	s := cfg.String()
	// Model names are sorted for a stable representation.
	if s != "Config{Models:[a, b], Dispatch:DispatchConfig{MaxOutputTokens:10, ItemTimeoutMillis:0, MaxRetries:0, GroupSize:0, BackoffUnitMillis:0}}" {
		t.Errorf("Unexpected Config string: %s", s)
	}
}
