package pipeline

import "codeberg.org/mutker/powertrace/internal/errors"

const (
	ErrInvalidSample = errors.ErrInvalidSample
	ErrNoSession     = errors.ErrNoSession
	ErrCanceled      = errors.ErrCanceled
	ErrFlushFailed   = errors.ErrorCode("pipeline_flush_failed")
)
