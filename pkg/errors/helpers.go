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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsSuspension reports whether err signals a workflow suspension rather than
// a failure. The tick driver uses this to separate the benign "log exhausted"
// path from real errors.
func IsSuspension(err error) bool {
	return errors.Is(err, ErrSuspended)
}

// IsConflict reports whether err is a storage uniqueness rejection.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsFatal reports whether a step error is marked non-retryable.
func IsFatal(err error) bool {
	var fatal *FatalStepError
	return errors.As(err, &fatal)
}

// RetryAfterSeconds extracts an explicit retry delay from a retryable step
// error. Returns 0 when the backoff schedule should apply.
func RetryAfterSeconds(err error) int {
	var retryable *RetryableStepError
	if errors.As(err, &retryable) {
		return retryable.RetryAfterSeconds
	}
	return 0
}

// Is reports whether any error in err's tree matches target.
// Convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
// Convenience wrapper around errors.As from the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
// Convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}
