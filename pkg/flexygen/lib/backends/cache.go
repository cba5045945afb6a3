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

package backends

import "fmt"

// KVCache tracks the incremental key/value history for one sequence row.
// It is exclusively owned by its row and never shared across rows.
//
// The cache distinguishes two lengths: SeqLen, the number of leading
// positions whose key/value entries have actually been computed, and
// TargetLen, the row's current token count. Positions in [SeqLen, TargetLen)
// are pending: content was spliced into the row and the next model step must
// recompute their contributions. Splicing therefore never leaves stale or
// mismatched entries; it only widens the pending window.
type KVCache struct {
	seqLen    int
	targetLen int

	// Data is the backend-owned layer payload (key/value tensors, session
	// handles, ...). The controller never inspects it.
	Data any
}

// NewKVCache returns an empty cache.
func NewKVCache() *KVCache {
	return &KVCache{}
}

// SeqLen returns the number of positions with computed entries.
func (c *KVCache) SeqLen() int { return c.seqLen }

// TargetLen returns the row length the cache is tracking.
func (c *KVCache) TargetLen() int { return c.targetLen }

// Pending returns the number of positions awaiting recomputation.
func (c *KVCache) Pending() int { return c.targetLen - c.seqLen }

// ExtendTo raises the tracked row length to n, marking the new positions as
// not yet computed. It fails if n would shrink the cache below already
// computed entries; use Truncate for that.
func (c *KVCache) ExtendTo(n int) error {
	if n < c.targetLen {
		return fmt.Errorf("kvcache: extend to %d below current length %d", n, c.targetLen)
	}
	c.targetLen = n
	return nil
}

// Truncate drops cache state past position n, lowering both the computed
// and tracked lengths.
func (c *KVCache) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if c.seqLen > n {
		c.seqLen = n
	}
	if c.targetLen > n {
		c.targetLen = n
	}
}

// MarkComputed records that the model has computed entries for the first n
// positions. It fails if n exceeds the tracked row length: a cache can never
// be longer than its row.
func (c *KVCache) MarkComputed(n int) error {
	if n > c.targetLen {
		return fmt.Errorf("kvcache: computed length %d exceeds row length %d", n, c.targetLen)
	}
	if n > c.seqLen {
		c.seqLen = n
	}
	return nil
}
