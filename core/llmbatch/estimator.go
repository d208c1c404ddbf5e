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

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"

	"github.com/dancing-ui/llmbatch/logging"
)

// TokenEstimator predicts how many tokens a prompt will consume. It must be
// pure and fast; it runs once per attempt before admission is requested.
type TokenEstimator interface {
	EstimateTokens(text string, model string) (int, error)
}

// ================================= TiktokenEstimator =========================

// TiktokenEstimator counts tokens with the tiktoken BPE for one model.
type TiktokenEstimator struct {
	model   string
	encoder *tiktoken.Tiktoken
}

// NewTiktokenEstimator builds an estimator for the given model, falling back
// to the default encoding when the model is unknown to tiktoken.
func NewTiktokenEstimator(model string, logger logging.Logger) *TiktokenEstimator {
	encoder, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.Warn("model not known to tiktoken, falling back to default encoding",
			"model", model, "encoding", DefaultTiktokenEncoding)
		encoder, err = tiktoken.GetEncoding(DefaultTiktokenEncoding)
		if err != nil {
			logger.Error(err, "failed to load the default tiktoken encoding")
			encoder = nil
		}
	}
	return &TiktokenEstimator{
		model:   model,
		encoder: encoder,
	}
}

func (e *TiktokenEstimator) EstimateTokens(text string, model string) (int, error) {
	if e == nil {
		return 0, errors.New("TiktokenEstimator is nil")
	}
	if e.encoder == nil {
		return 0, errors.Errorf("TiktokenEstimator has no encoder for model %s", e.model)
	}
	if len(text) == 0 {
		return 0, nil
	}
	return len(e.encoder.Encode(text, nil, nil)), nil
}

// ================================= WordCountEstimator ========================

// WordCountEstimator approximates token usage by whitespace-separated word
// count. It is the cheap fallback when no BPE is available.
type WordCountEstimator struct{}

func (WordCountEstimator) EstimateTokens(text string, model string) (int, error) {
	return len(strings.Fields(text)), nil
}
