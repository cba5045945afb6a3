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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/toymodel"
)

func chainModel(tok *toymodel.RuneTokenizer, chains ...string) *toymodel.Model {
	trans := make(map[int32]int32)
	for _, chain := range chains {
		for k, v := range toymodel.ChainTransitions(tok, chain) {
			trans[k] = v
		}
	}
	return toymodel.NewModel(tok.VocabSize(), trans, tok.EOSID())
}

func TestControllerRunsToEOS(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab.")
	model := chainModel(tok, "ab.")
	ctrl := NewController(model, tok,
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "b.", res.Rows[0].Text)
	assert.Equal(t, FinishStop, res.Rows[0].FinishReason)
	assert.Equal(t, 3, res.Rows[0].SampledTokens)
	assert.Equal(t, 3, res.Steps)
}

func TestControllerLengthBound(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab")
	model := chainModel(tok, "aba")
	ctrl := NewController(model, tok,
		WithMaxNewTokens(4),
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)
	assert.Equal(t, FinishLength, res.Rows[0].FinishReason)
	assert.Equal(t, 4, res.Rows[0].SampledTokens)
	assert.Equal(t, "baba", res.Rows[0].Text)
	assert.Equal(t, 4, res.Steps)
}

func TestControllerSpliceRedirectsTheModel(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("abcz")
	model := chainModel(tok, "abc", "za")
	ctrl := NewController(model, tok,
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	require.NoError(t, ctrl.Register("inject", func(state *GenerationState) (Splices, error) {
		if state.Step == 0 {
			return Splices{0: "z"}, nil
		}
		return nil, nil
	}))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)

	// Without the splice the walk would end after "bc". The inserted "z"
	// routes the model back through "abc".
	assert.Equal(t, "bzabc", res.Rows[0].Text)
	assert.Equal(t, 1, res.Rows[0].SplicedTokens)
	assert.Equal(t, 1, res.SplicesApplied)
	assert.Equal(t, 5, res.Rows[0].SampledTokens)
}

func TestControllerTriggerFailuresDoNotAbort(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab.")
	model := chainModel(tok, "ab.")
	ctrl := NewController(model, tok,
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	require.NoError(t, ctrl.Register("broken", func(*GenerationState) (Splices, error) {
		return nil, errors.New("retrieval backend down")
	}))
	steps := 0
	require.NoError(t, ctrl.Register("counts", func(*GenerationState) (Splices, error) {
		steps++
		return nil, nil
	}))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)
	assert.Equal(t, "b.", res.Rows[0].Text)
	assert.Equal(t, res.Steps, steps, "surviving trigger runs every step")
	require.Len(t, res.TriggerFailures, res.Steps)
	assert.Equal(t, "broken", res.TriggerFailures[0].Name)
	assert.Equal(t, 0, res.TriggerFailures[0].Step)
}

func TestControllerModelErrorIsFatal(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab")
	model := chainModel(tok, "aba")
	model.FailAt = 1
	model.FailErr = errors.New("device lost")
	ctrl := NewController(model, tok,
		WithMaxNewTokens(8),
		WithPadTokenID(tok.PadID()))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.Error(t, err)
	var stepErr *ModelStepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Step)
	assert.ErrorIs(t, err, model.FailErr)

	// The halted state is still returned.
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Steps)
}

func TestControllerCancellationBetweenSteps(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("abz")
	model := chainModel(tok, "ab", "zb", "ba")
	ctrl := NewController(model, tok,
		WithMaxNewTokens(16),
		WithPadTokenID(tok.PadID()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.Register("stop", func(state *GenerationState) (Splices, error) {
		if state.Step == 0 {
			cancel()
			return Splices{0: "z"}, nil
		}
		return nil, nil
	}))

	res, err := ctrl.Generate(ctx, [][]int32{tok.MustEncode("a")})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, FinishCancel, res.Rows[0].FinishReason)

	// The splice from the cancelling step landed before the loop stopped.
	assert.Equal(t, 1, res.Rows[0].SplicedTokens)
	assert.Equal(t, "bz", res.Rows[0].Text)
	assert.Equal(t, 1, res.Steps)
}

func TestControllerCancelledBeforeFirstStep(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab")
	model := chainModel(tok, "ab")
	ctrl := NewController(model, tok, WithPadTokenID(tok.PadID()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ctrl.Generate(ctx, [][]int32{tok.MustEncode("a")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, FinishCancel, res.Rows[0].FinishReason)
	assert.Equal(t, 0, model.Steps())
}

func TestControllerRowsFinishIndependently(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("abcd")
	model := chainModel(tok, "abcd")
	ctrl := NewController(model, tok,
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	res, err := ctrl.Generate(context.Background(), [][]int32{
		tok.MustEncode("a"),
		tok.MustEncode("d"),
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	assert.Equal(t, "bcd", res.Rows[0].Text)
	assert.Equal(t, FinishStop, res.Rows[0].FinishReason)
	assert.Equal(t, "", res.Rows[1].Text)
	assert.Equal(t, FinishStop, res.Rows[1].FinishReason)
	assert.Equal(t, 1, res.Rows[1].SampledTokens)
	assert.Equal(t, 4, res.Steps)
}

func TestControllerSpliceWidensPendingWindow(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("abz")

	run := func(withSplice bool) int {
		model := chainModel(tok, "ab", "zb", "bb")
		ctrl := NewController(model, tok,
			WithMaxNewTokens(2),
			WithPadTokenID(tok.PadID()))
		if withSplice {
			require.NoError(t, ctrl.Register("inject", func(state *GenerationState) (Splices, error) {
				if state.Step == 0 {
					return Splices{0: "z"}, nil
				}
				return nil, nil
			}))
		}
		_, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
		require.NoError(t, err)
		return model.Recomputed()
	}

	base := run(false)
	withSplice := run(true)
	assert.Equal(t, base+1, withSplice,
		"the inserted token must be recomputed on the following step")
}

func TestSentenceControllerBoundariesAndBuffers(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab.c")
	model := chainModel(tok, "ab.c", "cc")
	ctrl := NewSentenceController(model, tok,
		WithMaxNewTokens(5),
		WithPadTokenID(tok.PadID()),
		WithReturnScores(true))

	var boundaries []bool
	var buffers []string
	require.NoError(t, ctrl.Register("watch", func(state *SentenceLevelGenerationState) (Splices, error) {
		boundaries = append(boundaries, state.EndOfSentence[0])
		buffers = append(buffers, decodeTest(tok, state.SentenceTokens[0]))
		require.Len(t, state.SentenceProbs[0], len(state.SentenceTokens[0]))
		require.Len(t, state.Scores, state.Step+1, "score history grows per step")
		return nil, nil
	}))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)
	assert.Equal(t, "b.ccc", res.Rows[0].Text)

	assert.Equal(t, []bool{false, true, false, false, false}, boundaries)
	assert.Equal(t, []string{"b", "b.", "c", "cc", "ccc"}, buffers)
}

func TestSentenceControllerScoresAlwaysPopulated(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab.")
	model := chainModel(tok, "ab.")
	ctrl := NewSentenceController(model, tok,
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	var probs [][]float32
	require.NoError(t, ctrl.Register("watch", func(state *SentenceLevelGenerationState) (Splices, error) {
		require.NotNil(t, state.NextTokenScores[0])
		assert.Nil(t, state.Scores, "history retention still needs the flag")
		probs = append(probs, state.SentenceProbs[0])
		return nil, nil
	}))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)
	assert.Equal(t, "b.", res.Rows[0].Text)

	// The deterministic model puts its peak mass on every chosen token.
	require.NotEmpty(t, probs)
	for _, step := range probs {
		require.NotEmpty(t, step)
		for _, p := range step {
			assert.InDelta(t, 0.9, p, 1e-6)
		}
	}
}

func TestSentenceControllerSpliceSeedsNextSentence(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab.c [1]!")
	model := chainModel(tok, "ab.c!", "]c")
	ctrl := NewSentenceController(model, tok,
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	require.NoError(t, ctrl.Register("citation", func(state *SentenceLevelGenerationState) (Splices, error) {
		splices := Splices{}
		for row, end := range state.EndOfSentence {
			if !end {
				continue
			}
			if s := decodeTest(tok, state.SentenceTokens[row]); s != "" && s[len(s)-1] == '.' {
				splices[row] = " [1]"
			}
		}
		return splices, nil
	}))
	var buffers []string
	require.NoError(t, ctrl.Register("watch", func(state *SentenceLevelGenerationState) (Splices, error) {
		buffers = append(buffers, decodeTest(tok, state.SentenceTokens[0]))
		return nil, nil
	}))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)
	assert.Equal(t, "b. [1]c!", res.Rows[0].Text)

	// The citation spliced at the "b." boundary opens the second sentence
	// instead of vanishing with the flushed first one.
	assert.Equal(t, []string{"b", "b.", " [1]c", " [1]c!", ""}, buffers)
}

func TestSentenceControllerCitationSplice(t *testing.T) {
	tok := toymodel.NewRuneTokenizer("ab.c [1]!")
	model := chainModel(tok, "ab.c!", "]c")
	ctrl := NewSentenceController(model, tok,
		WithEOSTokenID(tok.EOSID()),
		WithPadTokenID(tok.PadID()))

	require.NoError(t, ctrl.Register("citation", func(state *SentenceLevelGenerationState) (Splices, error) {
		splices := Splices{}
		for row, end := range state.EndOfSentence {
			if end && decodeTest(tok, state.SentenceTokens[row]) != "" {
				if s := decodeTest(tok, state.SentenceTokens[row]); s[len(s)-1] == '.' {
					splices[row] = " [1]"
				}
			}
		}
		return splices, nil
	}))

	res, err := ctrl.Generate(context.Background(), [][]int32{tok.MustEncode("a")})
	require.NoError(t, err)

	// "ab." closes a sentence, the citation is inserted, and generation
	// resumes from the bracket through "c!".
	assert.Equal(t, "b. [1]c!", res.Rows[0].Text)
	assert.Equal(t, 4, res.Rows[0].SplicedTokens)
	assert.Equal(t, FinishStop, res.Rows[0].FinishReason)
}

func decodeTest(tok *toymodel.RuneTokenizer, ids []int32) string {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return tok.Decode(out)
}
