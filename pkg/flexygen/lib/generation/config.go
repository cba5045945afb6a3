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

package generation

import (
	"go.uber.org/zap"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/backends"
)

// DefaultSentenceTerminators are the characters that close a sentence:
// the sentence-final marks plus their double-byte wide equivalents.
const DefaultSentenceTerminators = ".?!。？！．"

// Config holds the per-run generation settings.
type Config struct {
	// MaxNewTokens bounds how many tokens the model may produce per row.
	// Spliced tokens do not count against the bound.
	MaxNewTokens int

	// EOSTokenID marks a row done when the model produces it.
	// Negative disables end-of-sequence detection.
	EOSTokenID int32

	// PadTokenID fills the left padding of shorter rows in a batch.
	PadTokenID int32

	// SentenceTerminators is the set of runes that end a sentence
	// (sentence-aware controller only).
	SentenceTerminators []rune

	// Return gates the optional snapshot fields (score/logit history,
	// attentions, hidden states).
	Return backends.ReturnFlags

	// ModelArgs is an opaque side channel handed to every model step and
	// exposed on snapshots.
	ModelArgs map[string]any

	// Logger receives structured diagnostics. Defaults to a nop logger.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxNewTokens:        256,
		EOSTokenID:          -1,
		PadTokenID:          0,
		SentenceTerminators: []rune(DefaultSentenceTerminators),
		Logger:              zap.NewNop(),
	}
}

// Option configures a controller.
type Option func(*Config)

// WithMaxNewTokens sets the per-row bound on model-produced tokens.
func WithMaxNewTokens(n int) Option {
	return func(c *Config) {
		c.MaxNewTokens = n
	}
}

// WithEOSTokenID sets the end-of-sequence token.
func WithEOSTokenID(id int32) Option {
	return func(c *Config) {
		c.EOSTokenID = id
	}
}

// WithPadTokenID sets the padding token.
func WithPadTokenID(id int32) Option {
	return func(c *Config) {
		c.PadTokenID = id
	}
}

// WithSentenceTerminators replaces the terminal character set. The empty
// string keeps the default.
func WithSentenceTerminators(chars string) Option {
	return func(c *Config) {
		if chars != "" {
			c.SentenceTerminators = []rune(chars)
		}
	}
}

// WithReturnScores requests the per-step score history on snapshots.
func WithReturnScores(on bool) Option {
	return func(c *Config) {
		c.Return.Scores = on
	}
}

// WithReturnLogits requests the per-step raw logit history on snapshots.
func WithReturnLogits(on bool) Option {
	return func(c *Config) {
		c.Return.Logits = on
	}
}

// WithReturnAttentions requests attention weights on snapshots.
func WithReturnAttentions(on bool) Option {
	return func(c *Config) {
		c.Return.Attentions = on
	}
}

// WithReturnHiddenStates requests decoder hidden states on snapshots.
func WithReturnHiddenStates(on bool) Option {
	return func(c *Config) {
		c.Return.HiddenStates = on
	}
}

// WithModelArgs sets the opaque model invocation side channel.
func WithModelArgs(args map[string]any) Option {
	return func(c *Config) {
		c.ModelArgs = args
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

func newConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
