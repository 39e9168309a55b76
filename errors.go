package muninn

import "goflare.io/muninn/internal/models"

var (
	ErrAlreadyExists     = models.ErrAlreadyExists
	ErrNotFound          = models.ErrNotFound
	ErrCancelled         = models.ErrCancelled
	ErrIOFailure         = models.ErrIOFailure
	ErrClearInProgress   = models.ErrClearInProgress
	ErrCapacityExhausted = models.ErrCapacityExhausted
	ErrInvalidKey        = models.ErrInvalidKey
	ErrInvalidEntry      = models.ErrInvalidEntry
)
