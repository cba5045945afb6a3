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

// Package toymodel provides a deterministic in-process model and tokenizer
// for exercising the decode loop without model weights. The tokenizer maps
// runes of a fixed alphabet to ids one-to-one; the model walks a token
// transition table. Both are used by the demo command and the e2e tests.
package toymodel

import (
	"fmt"
	"strings"
)

// RuneTokenizer encodes each rune of its alphabet to the rune's index.
// Two ids beyond the alphabet are reserved, end-of-sequence first and
// padding second. Encoding a rune outside the alphabet fails.
type RuneTokenizer struct {
	runes []rune
	index map[rune]int
}

// NewRuneTokenizer builds a tokenizer over the distinct runes of alphabet,
// in first-appearance order.
func NewRuneTokenizer(alphabet string) *RuneTokenizer {
	t := &RuneTokenizer{index: make(map[rune]int)}
	for _, r := range alphabet {
		if _, ok := t.index[r]; ok {
			continue
		}
		t.index[r] = len(t.runes)
		t.runes = append(t.runes, r)
	}
	return t
}

// EOSID returns the reserved end-of-sequence id.
func (t *RuneTokenizer) EOSID() int32 { return int32(len(t.runes)) }

// PadID returns the reserved padding id.
func (t *RuneTokenizer) PadID() int32 { return int32(len(t.runes)) + 1 }

// VocabSize counts alphabet runes plus the two reserved ids.
func (t *RuneTokenizer) VocabSize() int { return len(t.runes) + 2 }

// Encode maps text rune by rune. A rune outside the alphabet is an error
// and no ids are returned.
func (t *RuneTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		i, ok := t.index[r]
		if !ok {
			return nil, fmt.Errorf("rune %q not in alphabet", r)
		}
		ids = append(ids, i)
	}
	return ids, nil
}

// Decode maps ids back to runes, skipping the reserved ids and anything
// out of range.
func (t *RuneTokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.runes) {
			continue
		}
		b.WriteRune(t.runes[id])
	}
	return b.String()
}

// MustEncode is Encode for text known to be in the alphabet, for test and
// demo setup.
func (t *RuneTokenizer) MustEncode(text string) []int32 {
	ids, err := t.Encode(text)
	if err != nil {
		panic(err)
	}
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}
