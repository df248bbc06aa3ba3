package telemetry

import (
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
)

const (
	defaultHighInterval   = time.Second
	defaultMediumInterval = 5 * time.Second
	defaultLowInterval    = 30 * time.Second
	defaultBufferCapacity = 4096
	defaultBatchSize      = 256
	defaultFlushInterval  = 10 * time.Second
	defaultRetention      = 30 * 24 * time.Hour
)

// Tier selects how often an adapter polls.
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// SamplingPolicy governs poll cadence and the ingestion buffer. It is shared
// read-only by every adapter of a session.
type SamplingPolicy struct {
	HighInterval   time.Duration
	MediumInterval time.Duration
	LowInterval    time.Duration

	// BufferCapacity is the number of samples queued before Enqueue blocks.
	BufferCapacity int
	// BatchSize caps the rows written in one transaction.
	BatchSize int
	// FlushInterval is how often buffered samples are committed while a
	// session runs.
	FlushInterval time.Duration
	// Retention is the age after which completed sessions may be pruned.
	// Zero disables pruning.
	Retention time.Duration
}

func DefaultPolicy() SamplingPolicy {
	return SamplingPolicy{
		HighInterval:   defaultHighInterval,
		MediumInterval: defaultMediumInterval,
		LowInterval:    defaultLowInterval,
		BufferCapacity: defaultBufferCapacity,
		BatchSize:      defaultBatchSize,
		FlushInterval:  defaultFlushInterval,
		Retention:      defaultRetention,
	}
}

// Interval returns the polling interval for tier.
func (p SamplingPolicy) Interval(tier Tier) time.Duration {
	switch tier {
	case TierHigh:
		return p.HighInterval
	case TierMedium:
		return p.MediumInterval
	default:
		return p.LowInterval
	}
}

func (p SamplingPolicy) Validate() error {
	errFactory := errors.New()

	type field struct {
		Field string
		Value any
	}

	switch {
	case p.HighInterval <= 0:
		return errFactory.WithData(ErrInvalidPolicy, field{"high_interval", p.HighInterval})
	case p.MediumInterval <= 0:
		return errFactory.WithData(ErrInvalidPolicy, field{"medium_interval", p.MediumInterval})
	case p.LowInterval <= 0:
		return errFactory.WithData(ErrInvalidPolicy, field{"low_interval", p.LowInterval})
	case p.BufferCapacity <= 0:
		return errFactory.WithData(ErrInvalidPolicy, field{"buffer_capacity", p.BufferCapacity})
	case p.BatchSize <= 0:
		return errFactory.WithData(ErrInvalidPolicy, field{"batch_size", p.BatchSize})
	case p.FlushInterval <= 0:
		return errFactory.WithData(ErrInvalidPolicy, field{"flush_interval", p.FlushInterval})
	case p.Retention < 0:
		return errFactory.WithData(ErrInvalidPolicy, field{"retention", p.Retention})
	}

	return nil
}
