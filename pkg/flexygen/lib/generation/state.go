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

import "github.com/Liadrinz/flexygen/pkg/flexygen/lib/backends"

// NoToken marks batch positions with no produced token this step (the row
// was already done when the step ran).
const NoToken int32 = -1

// GenerationState is the immutable, batch-wide snapshot handed to triggers
// after every decode step. It is a value: every slice is a copy, nothing
// aliases live row state, and a trigger must not retain it past its step.
//
// Scores, Logits, Attentions and HiddenStates are populated only when the
// matching ReturnFlags were set on the run; otherwise they stay nil. nil is
// the distinguishable "not requested" value.
type GenerationState struct {
	// Step is the zero-based decode step this snapshot belongs to.
	Step int

	// InputIDs holds the full token sequence per row, including tokens
	// spliced at earlier steps.
	InputIDs [][]int32

	// Lengths holds the current length per row.
	Lengths []int

	// NextTokens is the token just produced per row, or NoToken for rows
	// that were already done.
	NextTokens []int32

	// NextTokenLogits is the raw logit distribution behind each produced
	// token; nil entry for done rows.
	NextTokenLogits [][]float32

	// NextTokenScores is the post-processed score distribution behind each
	// produced token; nil entry for done rows.
	NextTokenScores [][]float32

	// Done flags rows that had finished before this step ran.
	Done []bool

	// ModelArgs is the run's opaque model invocation side channel.
	ModelArgs map[string]any

	// Scores is the per-step score history, [step][row][vocab].
	Scores [][][]float32

	// Logits is the per-step raw logit history, [step][row][vocab].
	Logits [][][]float32

	// Attentions is the per-step attention weight history, [step][row][...].
	Attentions [][][]float32

	// HiddenStates is the per-step hidden state history, [step][row][...].
	HiddenStates [][][]float32
}

// SentenceLevelGenerationState extends a snapshot with per-row sentence
// segmentation: whether the step closed a sentence, and the tokens and
// probabilities of the sentence in progress.
type SentenceLevelGenerationState struct {
	*GenerationState

	// EndOfSentence flags rows whose decoded text ended in a terminal
	// character this step.
	EndOfSentence []bool

	// SentenceTokens holds the token ids of the sentence in progress per
	// row, snapshot at boundary time.
	SentenceTokens [][]int32

	// SentenceProbs holds the probability of each token in the sentence in
	// progress per row.
	SentenceProbs [][]float32
}

// history accumulates optional per-step outputs across the run. Nothing is
// retained for flags the run did not request.
type history struct {
	flags        backends.ReturnFlags
	scores       [][][]float32
	logits       [][][]float32
	attentions   [][][]float32
	hiddenStates [][][]float32
}

func newHistory(flags backends.ReturnFlags) *history {
	return &history{flags: flags}
}

// record widens this step's per-active-row outputs to full batch width and
// appends them to the requested histories.
func (h *history) record(out *backends.StepOutputs, active []int, batch int) {
	if !h.flags.Any() {
		return
	}
	widen := func(rows [][]float32) [][]float32 {
		full := make([][]float32, batch)
		for bi, ri := range active {
			if bi < len(rows) {
				full[ri] = append([]float32(nil), rows[bi]...)
			}
		}
		return full
	}
	if h.flags.Scores {
		h.scores = append(h.scores, widen(out.NextTokenScores))
	}
	if h.flags.Logits {
		h.logits = append(h.logits, widen(out.NextTokenLogits))
	}
	if h.flags.Attentions {
		h.attentions = append(h.attentions, widen(out.Attentions))
	}
	if h.flags.HiddenStates {
		h.hiddenStates = append(h.hiddenStates, widen(out.HiddenStates))
	}
}

// buildState assembles the snapshot for one step. Pure: it copies row state
// and the step outputs, and never aliases the live rows.
func buildState(step int, table *rowTable, out *backends.StepOutputs, active []int, hist *history, args map[string]any) *GenerationState {
	batch := len(table.rows)
	state := &GenerationState{
		Step:            step,
		InputIDs:        make([][]int32, batch),
		Lengths:         make([]int, batch),
		NextTokens:      make([]int32, batch),
		NextTokenLogits: make([][]float32, batch),
		NextTokenScores: make([][]float32, batch),
		Done:            make([]bool, batch),
		ModelArgs:       args,
		Scores:          hist.scores,
		Logits:          hist.logits,
		Attentions:      hist.attentions,
		HiddenStates:    hist.hiddenStates,
	}
	for i, row := range table.rows {
		state.InputIDs[i] = row.Tokens()
		state.Lengths[i] = row.Len()
		state.NextTokens[i] = NoToken
		state.Done[i] = row.done
	}
	for bi, ri := range active {
		state.NextTokens[ri] = out.NextTokens[bi]
		if bi < len(out.NextTokenLogits) {
			state.NextTokenLogits[ri] = append([]float32(nil), out.NextTokenLogits[bi]...)
		}
		if bi < len(out.NextTokenScores) {
			state.NextTokenScores[ri] = append([]float32(nil), out.NextTokenScores[bi]...)
		}
	}
	return state
}
