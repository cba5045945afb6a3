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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/toymodel"
)

func newTestSegmenter(t *testing.T, alphabet string) (*Segmenter, *toymodel.RuneTokenizer) {
	t.Helper()
	tok := toymodel.NewRuneTokenizer(alphabet)
	return newSegmenter([]rune(DefaultSentenceTerminators), tok), tok
}

func TestSegmenterBoundaryOnTerminator(t *testing.T) {
	seg, tok := newTestSegmenter(t, "ab.")
	table, err := newRowTable([][]int32{{0}}, nil, 0)
	require.NoError(t, err)
	row := table.rows[0]

	ids := tok.MustEncode("ab.")
	assert.False(t, seg.observe(row, ids[0], 0.5))
	assert.False(t, seg.observe(row, ids[1], 0.5))
	assert.True(t, seg.observe(row, ids[2], 0.9))
}

func TestSegmenterWideTerminators(t *testing.T) {
	seg, tok := newTestSegmenter(t, "你好。")
	table, err := newRowTable([][]int32{{0}}, nil, 0)
	require.NoError(t, err)
	row := table.rows[0]

	ids := tok.MustEncode("你好。")
	assert.False(t, seg.observe(row, ids[0], 0.5))
	assert.False(t, seg.observe(row, ids[1], 0.5))
	assert.True(t, seg.observe(row, ids[2], 0.5))
}

func TestSegmenterSplicedTokensCarryProbabilityOne(t *testing.T) {
	seg, tok := newTestSegmenter(t, "ab. [1]")
	table, err := newRowTable([][]int32{{0}}, nil, 0)
	require.NoError(t, err)
	row := table.rows[0]

	seg.observe(row, tok.MustEncode("a")[0], 0.4)
	seg.observeSpliced(row, tok.MustEncode(" [1]"))

	tokens, probs := seg.snapshot(table.rows)
	require.Len(t, tokens[0], 5)
	assert.InDelta(t, 0.4, probs[0][0], 1e-6)
	for _, p := range probs[0][1:] {
		assert.Equal(t, float32(1), p)
	}
}

func TestSegmenterFlushStartsFreshSentence(t *testing.T) {
	seg, tok := newTestSegmenter(t, "ab.")
	table, err := newRowTable([][]int32{{0}}, nil, 0)
	require.NoError(t, err)
	row := table.rows[0]

	seg.observe(row, tok.MustEncode("a")[0], 0.5)
	seg.observe(row, tok.MustEncode(".")[0], 0.5)
	seg.flush(row)

	tokens, _ := seg.snapshot(table.rows)
	assert.Empty(t, tokens[0])

	// A lone terminator still closes the fresh sentence.
	assert.True(t, seg.observe(row, tok.MustEncode(".")[0], 0.5))
}

func TestSegmenterFlushKeepsPostBoundarySplice(t *testing.T) {
	seg, tok := newTestSegmenter(t, "ab. [1]")
	table, err := newRowTable([][]int32{{0}}, nil, 0)
	require.NoError(t, err)
	row := table.rows[0]

	require.True(t, seg.observe(row, tok.MustEncode(".")[0], 0.5))
	seg.observeSpliced(row, tok.MustEncode(" [1]"))
	seg.flush(row)

	// The closed sentence is gone; the boundary-step splice opens the next.
	tokens, probs := seg.snapshot(table.rows)
	require.Len(t, tokens[0], 4)
	assert.Equal(t, " [1]", decodeTest(tok, tokens[0]))
	for _, p := range probs[0] {
		assert.Equal(t, float32(1), p)
	}
}

func TestSegmenterIgnoresDoneRows(t *testing.T) {
	seg, tok := newTestSegmenter(t, "ab.")
	table, err := newRowTable([][]int32{{0}}, nil, 0)
	require.NoError(t, err)
	row := table.rows[0]

	seg.observe(row, tok.MustEncode("a")[0], 0.5)
	row.finish(FinishStop)
	assert.False(t, seg.observe(row, tok.MustEncode(".")[0], 0.5))
	seg.observeSpliced(row, tok.MustEncode("b"))

	tokens, _ := seg.snapshot(table.rows)
	assert.Len(t, tokens[0], 1, "done rows keep their last buffer")
}

func TestSnapshotCopiesBuffers(t *testing.T) {
	seg, tok := newTestSegmenter(t, "ab.")
	table, err := newRowTable([][]int32{{0}}, nil, 0)
	require.NoError(t, err)
	row := table.rows[0]

	seg.observe(row, tok.MustEncode("a")[0], 0.5)
	tokens, probs := seg.snapshot(table.rows)
	tokens[0][0] = 99
	probs[0][0] = 0

	again, againProbs := seg.snapshot(table.rows)
	assert.Equal(t, tok.MustEncode("a")[0], again[0][0])
	assert.InDelta(t, 0.5, againProbs[0][0], 1e-6)
}

func TestTokenProb(t *testing.T) {
	scores := []float32{0.05, 0.05, 0.85, 0.05}
	assert.Equal(t, float32(0.85), tokenProb(scores, 2))
	assert.Equal(t, float32(0.05), tokenProb(scores, 0))

	assert.Equal(t, float32(0), tokenProb(scores, -1))
	assert.Equal(t, float32(0), tokenProb(scores, 4))
	assert.Equal(t, float32(0), tokenProb(nil, 0))
}
