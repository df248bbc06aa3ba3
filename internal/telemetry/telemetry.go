package telemetry

import (
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
)

// Sample is one measurement of one subsystem at one instant. Samples are
// values and are never mutated after an adapter emits them.
type Sample struct {
	Timestamp    time.Time
	Component    Component
	Subcomponent string
	Metric       Metric
	Value        float64
	Units        string
	Source       string
	Confidence   float64
}

// Valid reports why s must not be persisted, or nil.
func (s Sample) Valid() error {
	errFactory := errors.New()

	switch {
	case math.IsNaN(s.Value) || math.IsInf(s.Value, 0):
		return errFactory.WithData(ErrInvalidSample, "value is not a finite number")
	case math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1:
		return errFactory.WithData(ErrInvalidSample, fmt.Sprintf("confidence %v outside [0, 1]", s.Confidence))
	case !s.Component.IsValid():
		return errFactory.WithData(ErrInvalidSample, fmt.Sprintf("unknown component %d", s.Component))
	case !s.Metric.IsValid():
		return errFactory.WithData(ErrInvalidSample, fmt.Sprintf("unknown metric %d", s.Metric))
	case s.Timestamp.IsZero():
		return errFactory.WithData(ErrInvalidSample, "missing timestamp")
	}

	return nil
}

// ClampConfidence bounds c to [0, 1]; NaN becomes 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
