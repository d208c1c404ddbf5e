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

package util

import (
	"strings"
	"testing"
)

func TestRetrieveSystemStats(t *testing.T) {
	stats, err := RetrieveSystemStats()
	if err != nil {
		t.Skipf("System stats unavailable on this host: %v", err)
	}
	if stats.CPUPercent < 0 || stats.CPUPercent > 100 {
		t.Errorf("CPUPercent = %v, want within [0, 100]", stats.CPUPercent)
	}
	if stats.MemoryPercent <= 0 || stats.MemoryPercent > 100 {
		t.Errorf("MemoryPercent = %v, want within (0, 100]", stats.MemoryPercent)
	}
}

func TestSystemStatsString(t *testing.T) {
	var nilStats *SystemStats
	if nilStats.String() != "SystemStats{nil}" {
		t.Errorf("Unexpected nil string: %s", nilStats.String())
	}
	s := &SystemStats{CPUPercent: 12.34, MemoryPercent: 56.78}
	if !strings.Contains(s.String(), "12.3") || !strings.Contains(s.String(), "56.8") {
		t.Errorf("Unexpected string: %s", s.String())
	}
}
