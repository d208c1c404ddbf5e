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
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats is a point-in-time snapshot of host load, used for
// diagnostic logging only.
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
}

func (s *SystemStats) String() string {
	if s == nil {
		return "SystemStats{nil}"
	}
	return fmt.Sprintf("SystemStats{CPUPercent:%.1f, MemoryPercent:%.1f}", s.CPUPercent, s.MemoryPercent)
}

// RetrieveSystemStats samples current CPU and memory utilization.
// The first CPU sample after process start may report zero.
func RetrieveSystemStats() (*SystemStats, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	stats := &SystemStats{MemoryPercent: vm.UsedPercent}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	return stats, nil
}
