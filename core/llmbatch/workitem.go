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
	"strings"

	"github.com/google/uuid"

	"github.com/dancing-ui/llmbatch/util"
)

// ItemState is the terminal (or pending) state of one work item.
type ItemState uint32

const (
	ItemPending ItemState = iota
	ItemSucceeded
	ItemFailed
	ItemCancelled
)

func (s ItemState) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemSucceeded:
		return "succeeded"
	case ItemFailed:
		return "failed"
	case ItemCancelled:
		return "cancelled"
	default:
		return "undefined"
	}
}

// Message is one chat message of a request payload.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// WorkInput is one logical unit of work submitted to the dispatcher. ID is
// optional; a UUID is assigned when it is empty.
type WorkInput struct {
	ID       string    `json:"id,omitempty" yaml:"id,omitempty"`
	Messages []Message `json:"messages" yaml:"messages"`
}

// PromptText joins the message contents into the text the token estimator
// sees. Contents are separated by a single space.
func (w *WorkInput) PromptText() string {
	if w == nil || len(w.Messages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(w.Messages))
	for _, msg := range w.Messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, " ")
}

// workItem is the dispatcher's per-item mutable record. It is owned by
// exactly one goroutine until terminal, so it needs no lock of its own.
type workItem struct {
	id          string
	index       int
	fingerprint string
	input       WorkInput

	attempts     int
	state        ItemState
	outputTokens int64
	err          error
}

func newWorkItem(index int, input WorkInput) *workItem {
	id := input.ID
	if len(id) == 0 {
		id = uuid.NewString()
	}
	parts := make([]string, 0, 2*len(input.Messages))
	for _, msg := range input.Messages {
		parts = append(parts, msg.Role, msg.Content)
	}
	return &workItem{
		id:          id,
		index:       index,
		fingerprint: util.Fingerprint(parts...),
		input:       input,
	}
}
