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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRegistryOrder(t *testing.T) {
	reg := NewTriggerRegistry[*GenerationState]()
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		require.NoError(t, reg.Register(name, func(*GenerationState) (Splices, error) {
			calls = append(calls, name)
			return nil, nil
		}))
	}

	results := reg.Invoke(&GenerationState{})
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Name)
	assert.Equal(t, []string{"first", "second", "third"}, reg.Names())
}

func TestTriggerRegistryDuplicateName(t *testing.T) {
	reg := NewTriggerRegistry[*GenerationState]()
	require.NoError(t, reg.Register("check", func(*GenerationState) (Splices, error) {
		return nil, nil
	}))

	err := reg.Register("check", func(*GenerationState) (Splices, error) {
		return Splices{0: "other"}, nil
	})
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "check", dup.Name)

	// The registry keeps the original registration.
	assert.Equal(t, 1, reg.Len())
	results := reg.Invoke(&GenerationState{})
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Splices)
}

func TestTriggerRegistryRejectsEmptyNameAndNilFunc(t *testing.T) {
	reg := NewTriggerRegistry[*GenerationState]()
	assert.Error(t, reg.Register("", func(*GenerationState) (Splices, error) {
		return nil, nil
	}))
	assert.Error(t, reg.Register("noop", nil))
	assert.Equal(t, 0, reg.Len())
}

func TestTriggerRegistryIsolatesFailures(t *testing.T) {
	reg := NewTriggerRegistry[*GenerationState]()
	require.NoError(t, reg.Register("boom", func(*GenerationState) (Splices, error) {
		return nil, errors.New("lookup failed")
	}))
	require.NoError(t, reg.Register("panics", func(*GenerationState) (Splices, error) {
		panic("unexpected state")
	}))
	ran := false
	require.NoError(t, reg.Register("fine", func(*GenerationState) (Splices, error) {
		ran = true
		return Splices{0: "ok"}, nil
	}))

	results := reg.Invoke(&GenerationState{})
	require.Len(t, results, 3)
	assert.Error(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "panic")
	assert.NoError(t, results[2].Err)
	assert.True(t, ran, "later triggers must still run")
	assert.Equal(t, Splices{0: "ok"}, results[2].Splices)
}

func TestBroadcastSkipsDoneRows(t *testing.T) {
	state := &GenerationState{
		Lengths: []int{4, 7, 5},
		Done:    []bool{false, true, false},
	}
	got := Broadcast(state, "note")
	assert.Equal(t, Splices{0: "note", 2: "note"}, got)
}

func TestTriggerExecutionErrorWrapping(t *testing.T) {
	cause := errors.New("backend offline")
	err := &TriggerExecutionError{Name: "retrieve", Step: 3, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "retrieve")
	assert.Contains(t, fmt.Sprint(err), "3")
}
