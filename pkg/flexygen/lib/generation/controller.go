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

// Package generation implements the trigger-aware decode loop: after every
// produced token it builds an immutable batch-wide snapshot, dispatches
// registered triggers against it, and splices any trigger-returned text
// back into the live rows while keeping tokens, attention masks and
// per-row caches in lockstep.
package generation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/backends"
	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/tokenizers"
)

// RowResult is one row's final state.
type RowResult struct {
	// TokenIDs is the full token sequence: prompt, sampled and spliced.
	TokenIDs []int32

	// Text is the generated portion decoded, with padding positions and a
	// trailing end-of-sequence token dropped.
	Text string

	// FinishReason tells why the row stopped.
	FinishReason FinishReason

	// SampledTokens counts model-produced tokens.
	SampledTokens int

	// SplicedTokens counts trigger-inserted tokens.
	SplicedTokens int
}

// Result is the outcome of one generation run.
type Result struct {
	Rows  []RowResult
	Steps int

	// SplicesApplied counts row-level splice insertions across the run.
	SplicesApplied int

	// SplicedTokens counts all inserted tokens across the run.
	SplicedTokens int

	// TriggerFailures records triggers that errored or panicked, by name
	// and step. Failures are isolated: generation continued without them.
	TriggerFailures []*TriggerExecutionError

	// SpliceFailures records payloads that could not be tokenized.
	SpliceFailures []*SpliceTokenizationError
}

// loop is the step engine shared by both controller variants. One cycle:
// invoke the model for one token across all non-done rows, append the
// sampled tokens, build the snapshot, dispatch triggers (via the hook),
// splice, then update per-row done flags. The run ends when every row is
// done. An external cancel is honored between steps, always after the
// pending splice has been applied, so no row ever ends mid-splice.
type loop struct {
	model   backends.Model
	tok     tokenizers.Tokenizer
	cfg     *Config
	splicer *spliceEngine
	logger  *zap.Logger
}

// stepHook is where the two variants diverge: the sentence-aware controller
// updates segmentation state before dispatch and flushes closed sentence
// buffers after the splice.
type stepHook interface {
	dispatch(state *GenerationState, table *rowTable, active []int, out *backends.StepOutputs) []TriggerResult
	afterSplice(table *rowTable)
	seg() *Segmenter
}

func newLoop(model backends.Model, tok tokenizers.Tokenizer, cfg *Config) *loop {
	return &loop{
		model:   model,
		tok:     tok,
		cfg:     cfg,
		splicer: &spliceEngine{tok: tok, logger: cfg.Logger},
		logger:  cfg.Logger,
	}
}

func (l *loop) run(ctx context.Context, prompts [][]int32, masks [][]int32, hook stepHook) (*Result, error) {
	table, err := newRowTable(prompts, masks, l.cfg.PadTokenID)
	if err != nil {
		return nil, err
	}

	hist := newHistory(l.cfg.Return)
	res := &Result{}

	for step := 0; ; step++ {
		active := table.active()
		if len(active) == 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			for _, ri := range active {
				table.rows[ri].finish(FinishCancel)
			}
			l.logger.Info("Generation cancelled",
				zap.Int("step", step),
				zap.Int("rows_cancelled", len(active)))
			l.finalize(res, table)
			return res, err
		}

		inputs := table.batchInputs(active, l.cfg.Return, l.cfg.ModelArgs)
		out, err := l.model.Step(ctx, inputs)
		if err != nil {
			l.finalize(res, table)
			return res, &ModelStepError{Step: step, Err: err}
		}
		if err := validateOutputs(out, len(active)); err != nil {
			l.finalize(res, table)
			return res, &ModelStepError{Step: step, Err: err}
		}

		for bi, ri := range active {
			row := table.rows[ri]
			if bi < len(out.Caches) && out.Caches[bi] != nil {
				row.cache = out.Caches[bi]
			}
			row.appendSampled(out.NextTokens[bi])
		}
		if err := table.checkInvariants(); err != nil {
			l.finalize(res, table)
			return res, &ModelStepError{Step: step, Err: err}
		}

		hist.record(out, active, len(table.rows))
		state := buildState(step, table, out, active, hist, l.cfg.ModelArgs)

		results := hook.dispatch(state, table, active, out)
		for _, tr := range results {
			if tr.Err != nil {
				terr := &TriggerExecutionError{Name: tr.Name, Step: step, Err: tr.Err}
				res.TriggerFailures = append(res.TriggerFailures, terr)
				l.logger.Warn("Trigger failed, continuing without it",
					zap.String("trigger", tr.Name),
					zap.Int("step", step),
					zap.Error(tr.Err))
			}
		}

		st := l.splicer.apply(step, table, results, hook.seg())
		res.SplicesApplied += st.applied
		res.SplicedTokens += st.tokens
		res.SpliceFailures = append(res.SpliceFailures, st.errs...)

		for bi, ri := range active {
			row := table.rows[ri]
			switch {
			case l.cfg.EOSTokenID >= 0 && out.NextTokens[bi] == l.cfg.EOSTokenID:
				row.finish(FinishStop)
			case row.sampled >= l.cfg.MaxNewTokens:
				row.finish(FinishLength)
			}
		}

		hook.afterSplice(table)
		res.Steps = step + 1
	}

	l.finalize(res, table)
	return res, nil
}

func (l *loop) finalize(res *Result, table *rowTable) {
	for _, row := range table.rows {
		gen := row.attendedTokens(row.promptLen)
		if row.reason == FinishStop && len(gen) > 0 && gen[len(gen)-1] == l.cfg.EOSTokenID {
			gen = gen[:len(gen)-1]
		}
		res.Rows = append(res.Rows, RowResult{
			TokenIDs:      row.Tokens(),
			Text:          l.tok.Decode(tokenizers.Int32ToInt(gen)),
			FinishReason:  row.reason,
			SampledTokens: row.sampled,
			SplicedTokens: row.spliced,
		})
	}
}

func validateOutputs(out *backends.StepOutputs, active int) error {
	if out == nil {
		return fmt.Errorf("model returned no outputs")
	}
	if len(out.NextTokens) != active {
		return fmt.Errorf("model returned %d next tokens for %d active rows", len(out.NextTokens), active)
	}
	return nil
}

// Controller drives trigger-aware generation with plain per-step snapshots.
// Register triggers before the first Generate call; a Controller can then
// serve sequential or concurrent runs, each with its own row state.
type Controller struct {
	triggers *TriggerRegistry[*GenerationState]
	loop     *loop
}

// NewController wraps a model and tokenizer.
func NewController(model backends.Model, tok tokenizers.Tokenizer, opts ...Option) *Controller {
	cfg := newConfig(opts...)
	return &Controller{
		triggers: NewTriggerRegistry[*GenerationState](),
		loop:     newLoop(model, tok, cfg),
	}
}

// Register adds a named trigger. Names must be unique per controller;
// re-registering a name returns DuplicateNameError.
func (c *Controller) Register(name string, fn TriggerFunc[*GenerationState]) error {
	return c.triggers.Register(name, fn)
}

// Generate decodes until every row is done or the token bound is hit.
// Prompts are per-row token sequences; all positions are attended.
func (c *Controller) Generate(ctx context.Context, prompts [][]int32) (*Result, error) {
	return c.GenerateMasked(ctx, prompts, nil)
}

// GenerateMasked is Generate with caller-supplied attention masks, for
// prompts that carry their own left padding. Each mask row must match its
// prompt row's length.
func (c *Controller) GenerateMasked(ctx context.Context, prompts [][]int32, masks [][]int32) (*Result, error) {
	return c.loop.run(ctx, prompts, masks, &plainHook{triggers: c.triggers})
}

type plainHook struct {
	triggers *TriggerRegistry[*GenerationState]
}

func (h *plainHook) dispatch(state *GenerationState, _ *rowTable, _ []int, _ *backends.StepOutputs) []TriggerResult {
	return h.triggers.Invoke(state)
}

func (h *plainHook) afterSplice(*rowTable) {}

func (h *plainHook) seg() *Segmenter { return nil }

// SentenceController drives trigger-aware generation with sentence-level
// snapshots: triggers additionally see, per row, whether the step closed a
// sentence and the tokens and probabilities of the sentence in progress.
type SentenceController struct {
	triggers  *TriggerRegistry[*SentenceLevelGenerationState]
	segmenter *Segmenter
	loop      *loop
}

// NewSentenceController wraps a model and tokenizer.
func NewSentenceController(model backends.Model, tok tokenizers.Tokenizer, opts ...Option) *SentenceController {
	cfg := newConfig(opts...)
	return &SentenceController{
		triggers:  NewTriggerRegistry[*SentenceLevelGenerationState](),
		segmenter: newSegmenter(cfg.SentenceTerminators, tok),
		loop:      newLoop(model, tok, cfg),
	}
}

// Register adds a named sentence-level trigger.
func (c *SentenceController) Register(name string, fn TriggerFunc[*SentenceLevelGenerationState]) error {
	return c.triggers.Register(name, fn)
}

// Generate decodes until every row is done or the token bound is hit.
func (c *SentenceController) Generate(ctx context.Context, prompts [][]int32) (*Result, error) {
	return c.GenerateMasked(ctx, prompts, nil)
}

// GenerateMasked is Generate with caller-supplied attention masks.
//
// Sentence buffers live in the rows of a single run, so unlike Controller a
// SentenceController must not run concurrent generations.
func (c *SentenceController) GenerateMasked(ctx context.Context, prompts [][]int32, masks [][]int32) (*Result, error) {
	hook := &sentenceHook{triggers: c.triggers, segmenter: c.segmenter}
	return c.loop.run(ctx, prompts, masks, hook)
}

type sentenceHook struct {
	triggers  *TriggerRegistry[*SentenceLevelGenerationState]
	segmenter *Segmenter
	ended     []int
}

func (h *sentenceHook) dispatch(state *GenerationState, table *rowTable, active []int, out *backends.StepOutputs) []TriggerResult {
	end := make([]bool, len(table.rows))
	h.ended = h.ended[:0]
	for bi, ri := range active {
		row := table.rows[ri]
		var scores []float32
		if bi < len(out.NextTokenScores) {
			scores = out.NextTokenScores[bi]
		}
		if h.segmenter.observe(row, out.NextTokens[bi], tokenProb(scores, out.NextTokens[bi])) {
			end[ri] = true
			h.ended = append(h.ended, ri)
		}
	}

	tokens, probs := h.segmenter.snapshot(table.rows)
	return h.triggers.Invoke(&SentenceLevelGenerationState{
		GenerationState: state,
		EndOfSentence:   end,
		SentenceTokens:  tokens,
		SentenceProbs:   probs,
	})
}

// afterSplice flushes the closed sentence from rows whose boundary fired
// this step, once the snapshot has been delivered and the splice applied;
// a boundary-step splice stays in the buffer and opens the next sentence.
// Rows that finished this step keep their last buffer for inspection.
func (h *sentenceHook) afterSplice(table *rowTable) {
	for _, ri := range h.ended {
		if row := table.rows[ri]; !row.done {
			h.segmenter.flush(row)
		}
	}
}

func (h *sentenceHook) seg() *Segmenter { return h.segmenter }
