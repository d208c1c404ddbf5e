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
	"time"
)

// ================================= Dispatch ==================================
const (
	DefaultMaxOutputTokens   int           = 50
	DefaultItemTimeout       time.Duration = 30 * time.Second
	DefaultMaxRetries        int           = 3
	DefaultGroupSize         int           = 10
	DefaultBackoffUnit       time.Duration = time.Second
	DefaultDrainPollInterval time.Duration = time.Second
)

// ================================= Limiter ===================================
const (
	SecondsPerMinute float64 = 60

	// ObservedOutputAllowance inflates the largest output observed so far
	// when estimating the cost of the next request. The declared output cap
	// is an upper bound, not a tight estimate, so the live maximum carries
	// an extra 150% allowance.
	ObservedOutputAllowance float64 = 1.5
)

// ================================= Estimator =================================
const (
	DefaultTiktokenEncoding string = "cl100k_base"
)

// ================================= UsageLog ==================================
const (
	UsageLogFileNameSuffix string = "usage.log"

	DefaultUsageLogMaxFileSize   uint64 = 50 * 1024 * 1024
	DefaultUsageLogMaxFileAmount uint32 = 8
	DefaultUsageLogFlushInterval uint32 = 1
	DefaultUsageLogBufferSize    int    = 256
)
