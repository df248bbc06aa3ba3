package session

import "codeberg.org/mutker/powertrace/internal/errors"

const (
	ErrSessionStart = errors.ErrSessionStart
	ErrSessionStop  = errors.ErrSessionStop
	ErrNoAdapters   = errors.ErrorCode("session_no_adapters")
)
