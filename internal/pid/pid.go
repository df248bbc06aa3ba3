// Package pid tracks the foreground collector through a PID file so the
// stop and status commands can find it.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/powertrace/internal/errors"
)

const (
	pidFile = "powertrace.pid"
)

// Path returns the PID file location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, pidFile)
}

// Write records the current process ID in dir. It fails with
// ErrAlreadyRunning while another live collector owns the file; a stale
// file is replaced.
func Write(dir string) error {
	errFactory := errors.New()

	if running, err := Read(dir); err == nil {
		if alive(running) && running != os.Getpid() {
			return errFactory.WithData(errors.ErrAlreadyRunning, running)
		}
	} else if !errors.HasCode(err, errors.ErrNotRunning) {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	err := os.WriteFile(Path(dir), []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Read returns the recorded PID, or ErrNotRunning when there is no file.
func Read(dir string) (int, error) {
	errFactory := errors.New()

	bytes, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errFactory.New(errors.ErrNotRunning)
		}
		return 0, errFactory.Wrap(errors.ErrInternal, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrInternal, err)
	}

	return pid, nil
}

// Running returns the PID of a live collector, or ErrNotRunning.
func Running(dir string) (int, error) {
	pid, err := Read(dir)
	if err != nil {
		return 0, err
	}
	if !alive(pid) {
		return 0, errors.New().WithData(errors.ErrNotRunning, pid)
	}
	return pid, nil
}

// Signal delivers sig to the live collector recorded in dir.
func Signal(dir string, sig syscall.Signal) (int, error) {
	errFactory := errors.New()

	pid, err := Running(dir)
	if err != nil {
		return 0, err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := process.Signal(sig); err != nil {
		return 0, errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	return pid, nil
}

// Remove removes the PID file.
func Remove(dir string) error {
	errFactory := errors.New()
	path := Path(dir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
