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

// DuplicateNameError is returned when a trigger name is registered twice in
// the same registry. The failed registration leaves the registry unchanged.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("trigger already registered: %s", e.Name)
}

// TriggerExecutionError records a trigger that returned an error or panicked
// while running. It does not abort the step: remaining triggers still run
// and the failing trigger's contribution is treated as empty.
type TriggerExecutionError struct {
	Name string
	Step int
	Err  error
}

func (e *TriggerExecutionError) Error() string {
	return fmt.Sprintf("trigger %q failed at step %d: %v", e.Name, e.Step, e.Err)
}

func (e *TriggerExecutionError) Unwrap() error { return e.Err }

// SpliceTokenizationError records a trigger payload that could not be
// tokenized. The splice is treated as a no-op for that row.
type SpliceTokenizationError struct {
	Row  int
	Step int
	Err  error
}

func (e *SpliceTokenizationError) Error() string {
	return fmt.Sprintf("splice payload for row %d at step %d could not be tokenized: %v", e.Row, e.Step, e.Err)
}

func (e *SpliceTokenizationError) Unwrap() error { return e.Err }

// ModelStepError is fatal: the underlying model invocation failed and the
// loop halts in its current state without advancing.
type ModelStepError struct {
	Step int
	Err  error
}

func (e *ModelStepError) Error() string {
	return fmt.Sprintf("model step %d failed: %v", e.Step, e.Err)
}

func (e *ModelStepError) Unwrap() error { return e.Err }
