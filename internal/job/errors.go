package job

import (
	"errors"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrInvalidState     = errors.New("invalid job state")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrContention is returned when a store update lost the compare-and-swap
	// race more often than the retry budget of the job allows.
	ErrContention = errors.New("job store contention")
)
