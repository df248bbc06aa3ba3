package telemetry_test

import (
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSample() telemetry.Sample {
	return telemetry.Sample{
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
		Component:  telemetry.ComponentSystem,
		Metric:     telemetry.MetricPowerMilliwatts,
		Value:      1.5,
		Units:      "mW",
		Source:     "test",
		Confidence: 1,
	}
}

func TestSampleValid(t *testing.T) {
	require.NoError(t, validSample().Valid())

	tests := map[string]func(s *telemetry.Sample){
		"nan value":       func(s *telemetry.Sample) { s.Value = math.NaN() },
		"inf value":       func(s *telemetry.Sample) { s.Value = math.Inf(1) },
		"confidence high": func(s *telemetry.Sample) { s.Confidence = 1.01 },
		"confidence low":  func(s *telemetry.Sample) { s.Confidence = -0.1 },
		"bad component":   func(s *telemetry.Sample) { s.Component = 42 },
		"bad metric":      func(s *telemetry.Sample) { s.Metric = -1 },
		"no timestamp":    func(s *telemetry.Sample) { s.Timestamp = time.Time{} },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			s := validSample()
			mutate(&s)
			err := s.Valid()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, telemetry.ErrInvalidSample))
		})
	}
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, telemetry.ClampConfidence(math.NaN()))
	assert.Equal(t, 0.0, telemetry.ClampConfidence(-3))
	assert.Equal(t, 1.0, telemetry.ClampConfidence(7))
	assert.Equal(t, 0.4, telemetry.ClampConfidence(0.4))
}

func TestEnumNamesRoundTrip(t *testing.T) {
	for c := telemetry.ComponentSystem; c <= telemetry.ComponentThermal; c++ {
		parsed, err := telemetry.ParseComponent(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	for m := telemetry.MetricPowerMilliwatts; m <= telemetry.MetricFanSpeedPercent; m++ {
		parsed, err := telemetry.ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	_, err := telemetry.ParseMetric("Horsepower")
	assert.True(t, errors.HasCode(err, telemetry.ErrUnknownMetric))
	assert.Equal(t, "Unknown", telemetry.Component(99).String())
	assert.Equal(t, "mW", telemetry.MetricPowerMilliwatts.Units())
}

func TestPolicy(t *testing.T) {
	p := telemetry.DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, time.Second, p.Interval(telemetry.TierHigh))
	assert.Equal(t, 5*time.Second, p.Interval(telemetry.TierMedium))
	assert.Equal(t, 30*time.Second, p.Interval(telemetry.TierLow))

	p.BatchSize = 0
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestSessionComplete(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	meta := telemetry.NewSession(start, "bench run", telemetry.HostInfo{User: "alice"})

	assert.True(t, meta.Active())
	assert.Equal(t, "alice", meta.User)

	// a clock that did not move still yields an end after the start
	done := meta.Complete(start)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.CompletedAt.After(done.StartedAt))
	assert.False(t, done.Active())
	assert.True(t, meta.Active(), "original value must be unchanged")

	again := done.Complete(start.Add(time.Hour))
	assert.Equal(t, *done.CompletedAt, *again.CompletedAt)
}
