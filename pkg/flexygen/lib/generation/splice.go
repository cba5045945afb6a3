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
	"strings"

	"go.uber.org/zap"

	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/tokenizers"
)

// spliceEngine merges trigger-returned text into live rows: tokens, mask,
// and cache move together so the next batched step stays well-formed.
type spliceEngine struct {
	tok    tokenizers.Tokenizer
	logger *zap.Logger
}

// spliceStats summarizes one step's splice pass.
type spliceStats struct {
	applied int
	tokens  int
	errs    []*SpliceTokenizationError
}

// apply merges the step's trigger results into the rows. Payloads for the
// same row are concatenated in trigger-registration order before
// tokenization; results carrying an error contribute nothing. Payloads for
// done rows are ignored, and a payload that tokenizes to zero tokens leaves
// the row byte-for-byte unchanged.
//
// Inserted content does not re-enter trigger dispatch within the same step:
// it becomes part of the sequence and is next observed at the following
// step. seg may be nil for the plain controller.
func (e *spliceEngine) apply(step int, table *rowTable, results []TriggerResult, seg *Segmenter) spliceStats {
	var stats spliceStats

	payloads := make(map[int]*strings.Builder)
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		for row, text := range res.Splices {
			if text == "" {
				continue
			}
			b, ok := payloads[row]
			if !ok {
				b = &strings.Builder{}
				payloads[row] = b
			}
			b.WriteString(text)
		}
	}

	for row := range payloads {
		if row < 0 || row >= len(table.rows) {
			e.logger.Warn("Trigger addressed a row outside the batch, skipping",
				zap.Int("row", row),
				zap.Int("step", step),
				zap.Int("batch", len(table.rows)))
			delete(payloads, row)
		}
	}

	for ri, row := range table.rows {
		b, ok := payloads[ri]
		if !ok {
			continue
		}
		if row.done {
			e.logger.Debug("Ignoring splice for finished row",
				zap.Int("row", ri),
				zap.Int("step", step))
			continue
		}

		text := b.String()
		ids, err := e.tok.Encode(text)
		if err != nil {
			serr := &SpliceTokenizationError{Row: ri, Step: step, Err: err}
			stats.errs = append(stats.errs, serr)
			e.logger.Warn("Splice payload could not be tokenized, skipping",
				zap.Int("row", ri),
				zap.Int("step", step),
				zap.Error(err))
			continue
		}
		if len(ids) == 0 {
			continue
		}

		spliced := tokenizers.IntToInt32(ids)
		row.appendSpliced(spliced)
		if seg != nil {
			seg.observeSpliced(row, spliced)
		}
		stats.applied++
		stats.tokens += len(spliced)
		e.logger.Debug("Spliced trigger payload",
			zap.Int("row", ri),
			zap.Int("step", step),
			zap.Int("tokens", len(spliced)))
	}

	return stats
}
