package sensor

import "codeberg.org/mutker/powertrace/internal/errors"

const (
	ErrSensorUnavailable = errors.ErrorCode("sensor_unavailable")
	ErrReadFailed        = errors.ErrorCode("sensor_read_failed")
	ErrUnknownSensor     = errors.ErrUnknownSensor
	ErrAlreadyRunning    = errors.ErrSensorRunning
	ErrInvalidPolicy     = errors.ErrInvalidPolicy
)
