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
	"fmt"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/backends"
)

// FinishReason tells why a row stopped generating.
type FinishReason string

const (
	// FinishStop means the model produced the end-of-sequence token.
	FinishStop FinishReason = "stop"
	// FinishLength means the row hit the MaxNewTokens bound.
	FinishLength FinishReason = "length"
	// FinishCancel means the caller's context was cancelled between steps.
	FinishCancel FinishReason = "cancel"
)

// TokenProb is one sentence-buffer entry: a token id and the probability it
// carried in the step's score distribution. Spliced tokens carry probability
// one; they were supplied, not sampled.
type TokenProb struct {
	ID   int32
	Prob float32
}

// SequenceRow is one batch element's mutable decode state. Rows are ragged:
// each keeps its own token and mask slices, and the batch builder pads them
// only in the copies handed to the model.
//
// Invariants: len(tokens) == len(mask) after every operation; the cache's
// computed length never exceeds len(tokens); once done, tokens never grows.
type SequenceRow struct {
	tokens []int32
	mask   []int32
	cache  *backends.KVCache

	done   bool
	reason FinishReason

	promptLen int
	sampled   int
	spliced   int

	// sentence is the sentence-in-progress buffer; sentenceEnd marks how
	// much of it the last boundary closed, so tokens spliced after the
	// boundary survive the flush and seed the next sentence.
	sentence    []TokenProb
	sentenceEnd int
}

func newRow(prompt []int32, promptMask []int32) *SequenceRow {
	r := &SequenceRow{
		tokens:    append([]int32(nil), prompt...),
		mask:      append([]int32(nil), promptMask...),
		cache:     backends.NewKVCache(),
		promptLen: len(prompt),
	}
	if r.mask == nil {
		r.mask = make([]int32, len(r.tokens))
		for i := range r.mask {
			r.mask[i] = 1
		}
	}
	_ = r.cache.ExtendTo(len(r.tokens))
	return r
}

// Len returns the row's current token count, padding included.
func (r *SequenceRow) Len() int { return len(r.tokens) }

// Tokens returns a copy of the row's token sequence.
func (r *SequenceRow) Tokens() []int32 { return append([]int32(nil), r.tokens...) }

// Mask returns a copy of the row's attention mask.
func (r *SequenceRow) Mask() []int32 { return append([]int32(nil), r.mask...) }

// Cache returns the row's cache state.
func (r *SequenceRow) Cache() *backends.KVCache { return r.cache }

// Done reports whether the row reached a terminal condition.
func (r *SequenceRow) Done() bool { return r.done }

// Reason returns why a done row stopped. Empty while the row is live.
func (r *SequenceRow) Reason() FinishReason { return r.reason }

// appendSampled appends one model-produced token. Done rows are frozen.
func (r *SequenceRow) appendSampled(id int32) {
	if r.done {
		return
	}
	r.tokens = append(r.tokens, id)
	r.mask = append(r.mask, 1)
	r.sampled++
	_ = r.cache.ExtendTo(len(r.tokens))
}

// appendSpliced appends externally supplied tokens, extending the mask with
// 1 flags and widening the cache's pending window so the next model step
// recomputes the inserted positions.
func (r *SequenceRow) appendSpliced(ids []int32) {
	if r.done || len(ids) == 0 {
		return
	}
	r.tokens = append(r.tokens, ids...)
	for range ids {
		r.mask = append(r.mask, 1)
	}
	r.spliced += len(ids)
	_ = r.cache.ExtendTo(len(r.tokens))
}

func (r *SequenceRow) finish(reason FinishReason) {
	if r.done {
		return
	}
	r.done = true
	r.reason = reason
}

// attendedTokens returns the row's tokens with padding positions dropped.
// Decoded text and probability accounting never see padding.
func (r *SequenceRow) attendedTokens(from int) []int32 {
	out := make([]int32, 0, len(r.tokens)-from)
	for i := from; i < len(r.tokens); i++ {
		if r.mask[i] == 1 {
			out = append(out, r.tokens[i])
		}
	}
	return out
}

// rowTable is the arena of rows for one generation run.
type rowTable struct {
	rows []*SequenceRow
	pad  int32
}

func newRowTable(prompts [][]int32, masks [][]int32, pad int32) (*rowTable, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no input rows")
	}
	if masks != nil && len(masks) != len(prompts) {
		return nil, fmt.Errorf("%d mask rows for %d prompt rows", len(masks), len(prompts))
	}
	t := &rowTable{pad: pad}
	for i, prompt := range prompts {
		if len(prompt) == 0 {
			return nil, fmt.Errorf("row %d: empty prompt", i)
		}
		var mask []int32
		if masks != nil {
			if len(masks[i]) != len(prompt) {
				return nil, fmt.Errorf("row %d: mask length %d does not match prompt length %d", i, len(masks[i]), len(prompt))
			}
			mask = masks[i]
		}
		t.rows = append(t.rows, newRow(prompt, mask))
	}
	return t, nil
}

// active returns the indices of rows still generating.
func (t *rowTable) active() []int {
	var idx []int
	for i, r := range t.rows {
		if !r.done {
			idx = append(idx, i)
		}
	}
	return idx
}

// batchInputs assembles one padded model invocation over the given rows.
// Rows shorter than the longest are right-aligned: pad tokens with mask 0
// fill the left so positions line up for batched attention.
func (t *rowTable) batchInputs(active []int, ret backends.ReturnFlags, args map[string]any) *backends.StepInputs {
	maxLen := 0
	for _, i := range active {
		if n := t.rows[i].Len(); n > maxLen {
			maxLen = n
		}
	}

	in := &backends.StepInputs{
		InputIDs:      make([][]int32, len(active)),
		AttentionMask: make([][]int32, len(active)),
		Caches:        make([]*backends.KVCache, len(active)),
		Return:        ret,
		ModelArgs:     args,
	}
	for bi, ri := range active {
		row := t.rows[ri]
		padN := maxLen - row.Len()
		ids := make([]int32, maxLen)
		mask := make([]int32, maxLen)
		for p := 0; p < padN; p++ {
			ids[p] = t.pad
		}
		copy(ids[padN:], row.tokens)
		copy(mask[padN:], row.mask)
		in.InputIDs[bi] = ids
		in.AttentionMask[bi] = mask
		in.Caches[bi] = row.cache
	}
	return in
}

// checkInvariants validates the table after a step. A violation means the
// model corrupted per-row state and is fatal for the whole step.
func (t *rowTable) checkInvariants() error {
	for i, r := range t.rows {
		if len(r.tokens) != len(r.mask) {
			return fmt.Errorf("row %d: %d tokens but %d mask flags", i, len(r.tokens), len(r.mask))
		}
		if r.cache.SeqLen() > len(r.tokens) {
			return fmt.Errorf("row %d: cache length %d exceeds %d tokens", i, r.cache.SeqLen(), len(r.tokens))
		}
	}
	return nil
}
