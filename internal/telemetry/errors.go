package telemetry

import "codeberg.org/mutker/powertrace/internal/errors"

const (
	ErrInvalidSample    = errors.ErrInvalidSample
	ErrInvalidPolicy    = errors.ErrInvalidPolicy
	ErrUnknownComponent = errors.ErrorCode("telemetry_unknown_component")
	ErrUnknownMetric    = errors.ErrorCode("telemetry_unknown_metric")
)
