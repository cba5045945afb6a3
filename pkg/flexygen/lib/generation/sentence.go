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
	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/tokenizers"
)

// Segmenter maintains, per row, the sentence currently being accumulated
// and the running per-token probability for that sentence. Segmentation is
// per-row independent: no cross-row interaction.
type Segmenter struct {
	terminators map[rune]struct{}
	tok         tokenizers.Tokenizer
}

func newSegmenter(terminators []rune, tok tokenizers.Tokenizer) *Segmenter {
	set := make(map[rune]struct{}, len(terminators))
	for _, r := range terminators {
		set[r] = struct{}{}
	}
	return &Segmenter{terminators: set, tok: tok}
}

// observe appends one sampled token to the row's sentence buffer and reports
// whether the buffer's decoded text now ends in a terminal character. Done
// rows stop advancing but keep their last contents for inspection.
//
// A token that renders to an empty or whitespace-only string still joins the
// buffer, but can only close a sentence if it renders a terminal character:
// the boundary check always looks at the decoded buffer's final rune.
func (s *Segmenter) observe(row *SequenceRow, id int32, prob float32) bool {
	if row.done {
		return false
	}
	row.sentence = append(row.sentence, TokenProb{ID: id, Prob: prob})
	if !s.endsSentence(row) {
		return false
	}
	row.sentenceEnd = len(row.sentence)
	return true
}

// observeSpliced appends externally supplied tokens to the buffer with
// probability one. Spliced content never raises a boundary in its own step;
// it is observed by triggers only from the following step on. When the
// splice lands on a boundary step, the inserted tokens sit past the
// recorded boundary and so seed the next sentence.
func (s *Segmenter) observeSpliced(row *SequenceRow, ids []int32) {
	if row.done {
		return
	}
	for _, id := range ids {
		row.sentence = append(row.sentence, TokenProb{ID: id, Prob: 1})
	}
}

// endsSentence decodes the row's buffer and checks its final rune against
// the terminator set.
func (s *Segmenter) endsSentence(row *SequenceRow) bool {
	if len(row.sentence) == 0 {
		return false
	}
	ids := make([]int, len(row.sentence))
	for i, tp := range row.sentence {
		ids[i] = int(tp.ID)
	}
	text := s.tok.Decode(ids)
	if text == "" {
		return false
	}
	runes := []rune(text)
	_, ok := s.terminators[runes[len(runes)-1]]
	return ok
}

// flush drops the closed sentence from the row's buffer. Tokens appended
// after the boundary, spliced in the boundary step itself, carry over as
// the start of the next sentence.
func (s *Segmenter) flush(row *SequenceRow) {
	if row.sentenceEnd > 0 && row.sentenceEnd <= len(row.sentence) {
		n := copy(row.sentence, row.sentence[row.sentenceEnd:])
		row.sentence = row.sentence[:n]
	} else {
		row.sentence = row.sentence[:0]
	}
	row.sentenceEnd = 0
}

// snapshot copies every row's buffer for the step's snapshot.
func (s *Segmenter) snapshot(rows []*SequenceRow) (tokens [][]int32, probs [][]float32) {
	tokens = make([][]int32, len(rows))
	probs = make([][]float32, len(rows))
	for i, row := range rows {
		tokens[i] = make([]int32, len(row.sentence))
		probs[i] = make([]float32, len(row.sentence))
		for j, tp := range row.sentence {
			tokens[i][j] = tp.ID
			probs[i][j] = tp.Prob
		}
	}
	return tokens, probs
}

// tokenProb returns the probability the step's score distribution assigned
// to the produced token. Scores arrive already normalized; an out-of-range
// id or missing distribution yields zero.
func tokenProb(scores []float32, id int32) float32 {
	if id < 0 || int(id) >= len(scores) {
		return 0
	}
	return scores[id]
}
