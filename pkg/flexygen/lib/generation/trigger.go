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

import "fmt"

// Splices maps row index to the text a trigger wants inserted into that
// row. A nil or empty map is a no-op. Triggers address rows selectively;
// use Broadcast for uniform whole-batch insertion.
type Splices map[int]string

// Broadcast builds a payload targeting every live row in the snapshot.
func Broadcast(state *GenerationState, text string) Splices {
	out := make(Splices, len(state.Lengths))
	for i := range state.Lengths {
		if !state.Done[i] {
			out[i] = text
		}
	}
	return out
}

// TriggerFunc inspects a snapshot and may request splices. Returning a nil
// map and nil error means the trigger passes on this step. Any cross-step
// memory a trigger needs must live in its own closure; the snapshot is a
// value valid only for the duration of the dispatch pass.
type TriggerFunc[S any] func(state S) (Splices, error)

// TriggerResult is one trigger's outcome for one step.
type TriggerResult struct {
	Name    string
	Splices Splices
	Err     error
}

// TriggerRegistry is a named, ordered collection of trigger callbacks.
// Triggers run sequentially in registration order, each against the same
// snapshot; the registry guarantees serial execution within a step.
//
// The type parameter selects the snapshot handed to triggers:
// *GenerationState for the plain controller, *SentenceLevelGenerationState
// for the sentence-aware one.
type TriggerRegistry[S any] struct {
	names []string
	funcs map[string]TriggerFunc[S]
}

// NewTriggerRegistry returns an empty registry.
func NewTriggerRegistry[S any]() *TriggerRegistry[S] {
	return &TriggerRegistry[S]{funcs: make(map[string]TriggerFunc[S])}
}

// Register adds a trigger under a unique name. A name collision returns
// DuplicateNameError and leaves the registry exactly as it was.
func (r *TriggerRegistry[S]) Register(name string, fn TriggerFunc[S]) error {
	if name == "" {
		return fmt.Errorf("trigger name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("trigger %q: nil function", name)
	}
	if _, exists := r.funcs[name]; exists {
		return &DuplicateNameError{Name: name}
	}
	r.names = append(r.names, name)
	r.funcs[name] = fn
	return nil
}

// Names returns the registered trigger names in registration order.
func (r *TriggerRegistry[S]) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of registered triggers.
func (r *TriggerRegistry[S]) Len() int { return len(r.names) }

// Invoke calls every trigger in registration order with the same snapshot
// and collects their results. A trigger that returns an error or panics is
// captured in its result; the remaining triggers still run.
func (r *TriggerRegistry[S]) Invoke(state S) []TriggerResult {
	results := make([]TriggerResult, 0, len(r.names))
	for _, name := range r.names {
		splices, err := r.invokeOne(name, state)
		results = append(results, TriggerResult{Name: name, Splices: splices, Err: err})
	}
	return results
}

func (r *TriggerRegistry[S]) invokeOne(name string, state S) (splices Splices, err error) {
	defer func() {
		if p := recover(); p != nil {
			splices = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.funcs[name](state)
}
