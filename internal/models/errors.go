package models

import (
	"context"
	"errors"
)

// 定義常見錯誤
var (
	ErrAlreadyExists     = errors.New("entry already exists")
	ErrNotFound          = errors.New("entry not found")
	ErrCancelled         = errors.New("operation cancelled")
	ErrIOFailure         = errors.New("persistent storage failure")
	ErrClearInProgress   = errors.New("clear has invalidated the write stream")
	ErrCapacityExhausted = errors.New("slot array could not be resized")
	ErrInvalidKey        = errors.New("invalid key")
	ErrInvalidEntry      = errors.New("entry must not be nil")
)

// IsCancellation reports whether err was caused by context cancellation or a deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
