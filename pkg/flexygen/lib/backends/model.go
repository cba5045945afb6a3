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

// Package backends defines the boundary between the decode-loop controller
// and the underlying generative model. The controller treats the model as
// opaque: it supplies batched token sequences, attention masks, and per-row
// caches, and gets back one next token per row plus the step's score data.
//
// Next-token selection (greedy, top-k, nucleus, ...) is the model's own
// policy; the controller never samples.
package backends

import "context"

// ReturnFlags gates the optional outputs of a run. The per-step
// distributions in StepOutputs are always filled; Scores and Logits only
// ask the caller to retain them as cross-step histories, while Attentions
// and HiddenStates gate whether the model materializes those tensors at
// all.
type ReturnFlags struct {
	// Scores requests the post-processing score distribution history.
	Scores bool
	// Logits requests the raw pre-processing logit history.
	Logits bool
	// Attentions requests decoder/cross attention weights.
	Attentions bool
	// HiddenStates requests decoder hidden states.
	HiddenStates bool
}

// Any reports whether at least one optional output is requested.
func (f ReturnFlags) Any() bool {
	return f.Scores || f.Logits || f.Attentions || f.HiddenStates
}

// StepInputs is one batched decode invocation. All slices are row-major and
// have the same batch dimension. InputIDs and AttentionMask are padded to a
// uniform sequence length: shorter rows are right-aligned, with pad tokens
// and mask 0 on the left.
type StepInputs struct {
	// InputIDs holds the full token sequence per row, [batch][seq].
	InputIDs [][]int32

	// AttentionMask marks attended positions with 1 and padding with 0,
	// [batch][seq]. Each row has the same length as its InputIDs row.
	AttentionMask [][]int32

	// Caches holds the per-row incremental attention state. A cache's
	// pending tail (positions past SeqLen) must be recomputed by the model
	// during this step.
	Caches []*KVCache

	// Return selects which optional outputs to populate.
	Return ReturnFlags

	// ModelArgs is an opaque side channel of model invocation arguments.
	// The controller passes it through untouched.
	ModelArgs map[string]any
}

// StepOutputs is the result of one batched decode step. NextTokens,
// NextTokenLogits, NextTokenScores and Caches are always populated and
// indexed like the inputs. Attentions and HiddenStates are nil unless the
// matching ReturnFlags were set; nil is the distinguishable "not
// requested" value, never an implicit empty default.
type StepOutputs struct {
	// NextTokens is the token the model selected for each row.
	NextTokens []int32

	// NextTokenLogits is the raw logit distribution each selection was
	// drawn from, [batch][vocab].
	NextTokenLogits [][]float32

	// NextTokenScores is the post-processed score distribution,
	// [batch][vocab].
	NextTokenScores [][]float32

	// Caches is the updated per-row cache state. Implementations may
	// mutate and return the input caches or replace them.
	Caches []*KVCache

	// Attentions holds per-row attention weights for this step. Layout is
	// backend-defined; the controller only snapshots it.
	Attentions [][]float32

	// HiddenStates holds per-row decoder hidden states for this step.
	// Layout is backend-defined.
	HiddenStates [][]float32
}

// Model is the generative model boundary. Step advances every row in the
// batch by exactly one token.
//
// Implementations must preserve the invariant that each attention mask row
// has the same length as its token row, and must leave every returned
// cache with SeqLen no greater than the row's token count.
type Model interface {
	Step(ctx context.Context, inputs *StepInputs) (*StepOutputs, error)
}
