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
	"errors"
	"net"
)

// AttemptOutcome is the tagged result of one invocation attempt. The retry
// loop consumes outcomes instead of unwinding through panics.
type AttemptOutcome uint32

const (
	OutcomeSuccess AttemptOutcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeCancelled
)

func (o AttemptOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient-failure"
	case OutcomePermanent:
		return "permanent-failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "undefined"
	}
}

type transientError struct {
	cause error
}

func (e *transientError) Error() string {
	if e == nil || e.cause == nil {
		return "transient error"
	}
	return e.cause.Error()
}

func (e *transientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// MarkTransient tags an error as retryable. The invoke collaborator uses it
// for transport-level failures and throttling responses.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

// IsTransient reports whether err carries the transient tag.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// ClassifyError maps an invocation error onto the attempt taxonomy:
// cancellation wins over everything, deadline and transport failures are
// retryable, anything unclassified is terminal since its transient-vs-
// permanent nature is unknown.
func ClassifyError(err error) AttemptOutcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}
	if IsTransient(err) {
		return OutcomeTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTransient
	}
	return OutcomePermanent
}
