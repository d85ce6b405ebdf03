// Copyright 2025 Tom Barlow
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

package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

// StructuredError is the wire form of a run or step failure. Older logs
// recorded failures as plain strings; UnmarshalJSON accepts either form.
type StructuredError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// IsZero reports whether the error carries no information.
func (e StructuredError) IsZero() bool {
	return e.Message == "" && e.Stack == "" && e.Code == ""
}

// UnmarshalJSON accepts both the structured object form and the legacy
// plain-string form.
func (e *StructuredError) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		e.Message = legacy
		return nil
	}

	type structured StructuredError
	var s structured
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*e = StructuredError(s)
	return nil
}

// CaptureError converts an arbitrary error into its structured wire form,
// deriving the code from the engine's typed errors.
func CaptureError(err error) StructuredError {
	if err == nil {
		return StructuredError{}
	}

	var structured *StructuredError
	if errors.As(err, &structured) {
		return *structured
	}

	se := StructuredError{Message: err.Error()}

	var runtimeErr *relayerrors.RuntimeError
	if errors.As(err, &runtimeErr) {
		se.Code = runtimeErr.Code()
		return se
	}
	if relayerrors.IsFatal(err) {
		se.Code = relayerrors.CodeStepFailed
	}
	return se
}

// CaptureErrorWithStack is CaptureError plus the current goroutine stack.
// Used at the step runtime boundary where the user body just failed.
func CaptureErrorWithStack(err error) StructuredError {
	se := CaptureError(err)
	if se.Stack == "" {
		se.Stack = string(debug.Stack())
	}
	return se
}
