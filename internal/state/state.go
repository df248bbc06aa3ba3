// Package state keeps a small JSON snapshot of the collector's current
// session so other processes can see whether one is running.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/google/uuid"
)

const (
	ErrNoSnapshot    = errors.ErrorCode("state_no_snapshot")
	ErrWriteSnapshot = errors.ErrorCode("state_write_failed")
	ErrReadSnapshot  = errors.ErrorCode("state_read_failed")

	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// Snapshot is the persisted view of a session. It is active while
// CompletedAt is nil.
type Snapshot struct {
	SessionID   uuid.UUID  `json:"session_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

func (s Snapshot) Active() bool {
	return s.CompletedAt == nil
}

func FromSession(meta telemetry.SessionMetadata) Snapshot {
	return Snapshot{
		SessionID:   meta.ID,
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
		Notes:       meta.Notes,
	}
}

// File stores one Snapshot at a fixed path.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string {
	return f.path
}

// Save replaces the snapshot with meta. Readers see either the old or the new
// file, never a partial one.
func (f *File) Save(meta telemetry.SessionMetadata) error {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(f.path), defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}

	payload, err := json.MarshalIndent(FromSession(meta), "", "  ")
	if err != nil {
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".snapshot-*")
	if err != nil {
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}
	if err := tmp.Close(); err != nil {
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}
	if err := os.Chmod(tmp.Name(), defaultFilePerm); err != nil {
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errFactory.Wrap(ErrWriteSnapshot, err)
	}

	return nil
}

// Load returns the stored snapshot, or ErrNoSnapshot when none was written.
func (f *File) Load() (Snapshot, error) {
	errFactory := errors.New()

	payload, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, errFactory.New(ErrNoSnapshot)
		}
		return Snapshot{}, errFactory.Wrap(ErrReadSnapshot, err)
	}

	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return Snapshot{}, errFactory.Wrap(ErrReadSnapshot, err)
	}
	if s.SessionID == uuid.Nil {
		return Snapshot{}, errFactory.New(ErrNoSnapshot)
	}

	return s, nil
}

// Clear removes the snapshot. A missing file is not an error.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(ErrWriteSnapshot, err)
	}
	return nil
}
