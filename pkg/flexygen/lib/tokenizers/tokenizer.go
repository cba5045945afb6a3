// Copyright 2025 The Flexygen Authors
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

// Package tokenizers defines the tokenizer boundary the splice engine and
// sentence segmenter depend on, plus an adapter for HuggingFace
// tokenizer.json files via go-huggingface.
//
// The package re-exports key types from go-huggingface/tokenizers so that
// callers don't need to import the upstream library directly.
package tokenizers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// Tokenizer is the collaborator boundary for payload tokenization and
// boundary detection. Implementations are expected to be deterministic and
// side-effect-free: the same text always encodes to the same ids.
type Tokenizer interface {
	// Encode converts text into a sequence of token ids.
	Encode(text string) ([]int, error)

	// Decode converts a sequence of token ids back into text.
	Decode(ids []int) string
}

// Re-export key types from go-huggingface/tokenizers.
type (
	// HFTokenizer is the full upstream tokenizer interface with
	// Encode/Decode/SpecialTokenID.
	HFTokenizer = tokenizers.Tokenizer

	// Config holds HuggingFace's tokenizer_config.json contents.
	Config = api.Config

	// SpecialToken is an enum of commonly used special tokens.
	SpecialToken = api.SpecialToken
)

// Re-export special token constants.
const (
	TokBeginningOfSentence = api.TokBeginningOfSentence
	TokEndOfSentence       = api.TokEndOfSentence
	TokUnknown             = api.TokUnknown
	TokPad                 = api.TokPad
)

// hfAdapter narrows an HFTokenizer to the Tokenizer boundary.
type hfAdapter struct {
	tok HFTokenizer
}

// FromHuggingFace adapts an upstream go-huggingface tokenizer.
func FromHuggingFace(tok HFTokenizer) Tokenizer {
	return &hfAdapter{tok: tok}
}

func (a *hfAdapter) Encode(text string) ([]int, error) {
	return a.tok.Encode(text), nil
}

func (a *hfAdapter) Decode(ids []int) string {
	return a.tok.Decode(ids)
}

// Load loads a tokenizer from a local model directory containing a
// HuggingFace tokenizer.json, honoring tokenizer_config.json when present.
func Load(modelPath string) (Tokenizer, error) {
	var config *api.Config
	configPath := filepath.Join(modelPath, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		config, err = api.ParseConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
	}

	tokenizerJSONPath := filepath.Join(modelPath, "tokenizer.json")
	if _, err := os.Stat(tokenizerJSONPath); err != nil {
		return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json)", modelPath)
	}

	tok, err := hftokenizer.NewFromFile(config, tokenizerJSONPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer.json: %w", err)
	}
	return FromHuggingFace(tok), nil
}

// IntToInt32 converts tokenizer ids to the model-side token type.
func IntToInt32(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

// Int32ToInt converts model-side token ids to tokenizer ids.
func Int32ToInt(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
