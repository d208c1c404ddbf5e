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

// Package llmbatch throttles and orchestrates many concurrent calls to a
// rate-limited text-generation service.
//
// Two components compose the core. The Limiter is a dual-constraint
// admission controller: a simplified GCRA spacing requests 60/rpm seconds
// apart combined with a refilling token bucket metering the per-minute
// token budget. The Dispatcher schedules work items in bounded-concurrency
// groups, asks the Limiter for admission before every attempt, retries
// transient failures with exponential backoff, enforces a hard per-item
// timeout, and drains cleanly on cancellation.
//
// Limiter state is single-process and in-memory; there is no multi-host
// coordination of the shared quota.
package llmbatch
