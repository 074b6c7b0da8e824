/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ferrors holds the error kinds surfaced to callers of the
// core. Everything recoverable stays a value returned to the caller or
// folded into the event stream; only FatalSchedulerError with its exit
// flag set, or an unrecoverable invariant violation, may terminate the
// process.
package ferrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is against these, or errors.As against
// the richer *ConstraintViolationError / *FatalSchedulerError types
// below for additional context.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrShutdownInProgress = errors.New("shutdown in progress")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrStoreTimeout       = errors.New("store update timed out")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
)

// ConstraintViolationError records why a task could not be placed in
// an iteration.
type ConstraintViolationError struct {
	TaskID string
	Reason string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("task %s: constraint violation: %s", e.TaskID, e.Reason)
}

func (e *ConstraintViolationError) Unwrap() error { return ErrConstraintViolation }

// StoreTimeoutError records a model update that did not get a durable
// write acknowledgment within the configured timeout.
type StoreTimeoutError struct {
	RootID  string
	TimeoutMS int64
}

func (e *StoreTimeoutError) Error() string {
	return fmt.Sprintf("root %s: store update timed out after %dms", e.RootID, e.TimeoutMS)
}

func (e *StoreTimeoutError) Unwrap() error { return ErrStoreTimeout }

// FatalSchedulerError aggregates unrecoverable scheduler-loop errors.
// If the caller configured exit-on-scheduling-error, this is the error
// value used to trigger a best-effort state dump and process
// termination with code 3.
type FatalSchedulerError struct {
	Causes []error
}

func (e *FatalSchedulerError) Error() string {
	return fmt.Sprintf("fatal scheduler error: %d underlying cause(s): %v", len(e.Causes), errors.Join(e.Causes...))
}

func (e *FatalSchedulerError) Unwrap() []error { return e.Causes }
