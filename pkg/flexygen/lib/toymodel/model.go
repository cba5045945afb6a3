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

package toymodel

import (
	"context"
	"fmt"
	"math"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/backends"
)

// Model is a deterministic backend: the next token for a row is the
// transition table's successor of the row's last attended token, or Default
// when the table has no entry. Because the successor depends only on the
// last token, spliced text immediately redirects what the model produces
// next, which is exactly what the decode-loop tests need to observe.
type Model struct {
	// Transitions maps a token id to its successor.
	Transitions map[int32]int32

	// Default is produced when Transitions has no entry, typically the
	// end-of-sequence id.
	Default int32

	// Peak is the probability mass put on the chosen token when scores are
	// requested; the remainder spreads uniformly over the vocabulary.
	Peak float32

	// FailAt makes Step return FailErr on that call index. Negative
	// disables.
	FailAt  int
	FailErr error

	vocab      int
	steps      int
	recomputed int
}

// NewModel builds a model over a vocabulary of the given size.
func NewModel(vocab int, transitions map[int32]int32, def int32) *Model {
	return &Model{
		Transitions: transitions,
		Default:     def,
		Peak:        0.9,
		FailAt:      -1,
		vocab:       vocab,
	}
}

// Steps counts Step invocations so far.
func (m *Model) Steps() int { return m.steps }

// Recomputed totals the cache positions processed across all steps. A
// splice widens a row's pending window, so the total grows by more than the
// batch size on the following step.
func (m *Model) Recomputed() int { return m.recomputed }

// Step produces one token per batch row.
func (m *Model) Step(ctx context.Context, in *backends.StepInputs) (*backends.StepOutputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.steps == m.FailAt {
		m.steps++
		return nil, m.FailErr
	}
	m.steps++

	batch := len(in.InputIDs)
	out := &backends.StepOutputs{
		NextTokens:      make([]int32, batch),
		NextTokenScores: make([][]float32, batch),
		NextTokenLogits: make([][]float32, batch),
		Caches:          in.Caches,
	}

	for bi, ids := range in.InputIDs {
		last, err := lastAttended(ids, in.AttentionMask[bi])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", bi, err)
		}
		next, ok := m.Transitions[last]
		if !ok {
			next = m.Default
		}
		out.NextTokens[bi] = next

		out.NextTokenScores[bi] = m.distribution(next)
		logits := m.distribution(next)
		for i, p := range logits {
			logits[i] = float32(math.Log(float64(p)))
		}
		out.NextTokenLogits[bi] = logits

		if cache := in.Caches[bi]; cache != nil {
			m.recomputed += cache.Pending()
			if err := cache.MarkComputed(cache.TargetLen()); err != nil {
				return nil, fmt.Errorf("row %d: %w", bi, err)
			}
		}
	}
	return out, nil
}

func (m *Model) distribution(peakID int32) []float32 {
	rest := (1 - m.Peak) / float32(m.vocab-1)
	dist := make([]float32, m.vocab)
	for i := range dist {
		dist[i] = rest
	}
	if int(peakID) < m.vocab {
		dist[peakID] = m.Peak
	}
	return dist
}

// ChainTransitions builds a transition table from the consecutive token ids
// of text: each id maps to the id that follows it. A repeated rune keeps its
// last successor. The final id stays unmapped so the model falls back to
// Default there.
func ChainTransitions(tok *RuneTokenizer, text string) map[int32]int32 {
	ids := tok.MustEncode(text)
	next := make(map[int32]int32, len(ids))
	for i := 0; i+1 < len(ids); i++ {
		next[ids[i]] = ids[i+1]
	}
	return next
}

func lastAttended(ids []int32, mask []int32) (int32, error) {
	for i := len(ids) - 1; i >= 0; i-- {
		if mask[i] == 1 {
			return ids[i], nil
		}
	}
	return 0, fmt.Errorf("no attended positions")
}
