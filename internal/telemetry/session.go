package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// SessionMetadata describes one tracking session. Only Notes and
// CompletedAt change after creation, and CompletedAt is set once.
type SessionMetadata struct {
	ID              uuid.UUID
	StartedAt       time.Time
	CompletedAt     *time.Time
	User            string
	Notes           string
	SoftwareVersion string
	OSBuild         string
}

// HostInfo carries the descriptive fields stamped on every new session.
type HostInfo struct {
	User            string
	SoftwareVersion string
	OSBuild         string
}

// NewSession returns active metadata with a fresh id started at now.
func NewSession(now time.Time, notes string, host HostInfo) SessionMetadata {
	return SessionMetadata{
		ID:              uuid.New(),
		StartedAt:       now.UTC(),
		User:            host.User,
		Notes:           notes,
		SoftwareVersion: host.SoftwareVersion,
		OSBuild:         host.OSBuild,
	}
}

// Active reports whether the session has not been completed.
func (m SessionMetadata) Active() bool {
	return m.CompletedAt == nil
}

// Complete returns a copy of m completed at now. The completion instant is
// forced strictly after StartedAt. Completing twice keeps the first instant.
func (m SessionMetadata) Complete(now time.Time) SessionMetadata {
	if m.CompletedAt != nil {
		return m
	}
	end := now.UTC()
	if !end.After(m.StartedAt) {
		end = m.StartedAt.Add(time.Nanosecond)
	}
	m.CompletedAt = &end
	return m
}

// Duration is the elapsed session time, measured to now while active.
func (m SessionMetadata) Duration(now time.Time) time.Duration {
	if m.CompletedAt != nil {
		return m.CompletedAt.Sub(m.StartedAt)
	}
	return now.Sub(m.StartedAt)
}
