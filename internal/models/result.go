package models

import (
	"errors"
	"fmt"
)

// Result is returned by every tier operation.
type Result struct {
	Successful bool
	Entry      *Entry
	Message    string
	Err        error
	Cancelled  bool
}

// Success creates a successful result carrying entry, which may be nil.
func Success(entry *Entry) Result {
	return Result{Successful: true, Entry: entry}
}

// Failure creates a failed result.
func Failure(message string, err error) Result {
	return Result{Message: message, Err: err}
}

// NotFound creates the failed result for an absent key.
func NotFound(key string) Result {
	return Failure(fmt.Sprintf("key %s is not found", key), ErrNotFound)
}

// CancelledResult creates a failed result marked as cancelled. cause is kept next to ErrCancelled.
func CancelledResult(operation string, cause error) Result {
	err := ErrCancelled
	if cause != nil && !errors.Is(cause, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return Result{
		Message:   fmt.Sprintf("%s: cancellation has been requested", operation),
		Err:       err,
		Cancelled: true,
	}
}

// FromError converts err into a failed result, separating cancellation from other failures.
func FromError(operation string, err error) Result {
	if IsCancellation(err) {
		return CancelledResult(operation, err)
	}
	return Failure(fmt.Sprintf("%s failed", operation), err)
}

// IsNotFound reports whether the result failed because the key is absent.
func (r Result) IsNotFound() bool {
	return !r.Successful && errors.Is(r.Err, ErrNotFound)
}

// IsAlreadyExists reports whether the result failed because the key is present.
func (r Result) IsAlreadyExists() bool {
	return !r.Successful && errors.Is(r.Err, ErrAlreadyExists)
}

// Error returns the failure as an error, or nil for successful results.
func (r Result) Error() error {
	if r.Successful {
		return nil
	}
	if r.Err == nil {
		return errors.New(r.Message)
	}
	if r.Message == "" {
		return r.Err
	}
	return fmt.Errorf("%s: %w", r.Message, r.Err)
}
