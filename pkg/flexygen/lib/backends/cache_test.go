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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVCacheExtendAndMark(t *testing.T) {
	c := NewKVCache()
	assert.Equal(t, 0, c.SeqLen())
	assert.Equal(t, 0, c.TargetLen())

	require.NoError(t, c.ExtendTo(4))
	assert.Equal(t, 4, c.TargetLen())
	assert.Equal(t, 4, c.Pending())

	require.NoError(t, c.MarkComputed(4))
	assert.Equal(t, 4, c.SeqLen())
	assert.Equal(t, 0, c.Pending())
}

func TestKVCacheExtendNeverShrinks(t *testing.T) {
	c := NewKVCache()
	require.NoError(t, c.ExtendTo(8))
	assert.Error(t, c.ExtendTo(5))
	assert.Equal(t, 8, c.TargetLen())
}

func TestKVCacheMarkBeyondTarget(t *testing.T) {
	c := NewKVCache()
	require.NoError(t, c.ExtendTo(3))
	assert.Error(t, c.MarkComputed(4))
	assert.Equal(t, 0, c.SeqLen())
}

func TestKVCachePendingAfterSplice(t *testing.T) {
	c := NewKVCache()
	require.NoError(t, c.ExtendTo(6))
	require.NoError(t, c.MarkComputed(6))

	// A splice widens the pending window beyond the computed prefix.
	require.NoError(t, c.ExtendTo(9))
	assert.Equal(t, 6, c.SeqLen())
	assert.Equal(t, 3, c.Pending())

	require.NoError(t, c.MarkComputed(9))
	assert.Equal(t, 0, c.Pending())
}

func TestKVCacheTruncate(t *testing.T) {
	c := NewKVCache()
	require.NoError(t, c.ExtendTo(10))
	require.NoError(t, c.MarkComputed(10))

	c.Truncate(4)
	assert.Equal(t, 4, c.SeqLen())
	assert.Equal(t, 4, c.TargetLen())
}
