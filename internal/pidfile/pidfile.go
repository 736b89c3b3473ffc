// Package pidfile keeps a single predictd instance per PID file.
package pidfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrRunning is returned when the PID file is locked or names a live process.
var ErrRunning = errors.New("pidfile: another instance is running")

var (
	errMalformed = errors.New("pidfile: malformed")
	errLocked    = errors.New("pidfile: locked")
)

// File is an acquired PID file. The file stays open and locked until Release.
type File struct {
	path string
	pid  int
	f    *os.File
}

// Acquire locks path and writes the current PID to it. A file locked by
// another instance, or naming a process that is still alive, fails with
// ErrRunning; a stale or malformed file is replaced.
func Acquire(ctx context.Context, path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pidfile: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pidfile: create dir: %w", err)
	}
	f, err := openLocked(ctx, path)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	pid, err := readPID(f, path)
	switch {
	case err == nil && pid != self:
		alive, err := process.PidExistsWithContext(ctx, int32(pid))
		if err != nil {
			closeLocked(f)
			return nil, fmt.Errorf("pidfile: check pid %d: %w", pid, err)
		}
		if alive {
			closeLocked(f)
			return nil, running(ctx, pid, path)
		}
	case err != nil && !errors.Is(err, errMalformed):
		closeLocked(f)
		return nil, err
	}
	if err := writePID(f, self); err != nil {
		closeLocked(f)
		return nil, err
	}
	return &File{path: path, pid: self, f: f}, nil
}

// openLocked opens and locks path. If the file was replaced or removed while
// we waited for the lock, the fresh file is locked instead.
func openLocked(ctx context.Context, path string) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("pidfile: open: %w", err)
		}
		if err := lockFile(f); err != nil {
			_ = f.Close()
			if errors.Is(err, errLocked) {
				pid, _ := Read(path)
				return nil, running(ctx, pid, path)
			}
			return nil, fmt.Errorf("pidfile: lock: %w", err)
		}
		held, err := f.Stat()
		if err != nil {
			closeLocked(f)
			return nil, fmt.Errorf("pidfile: stat: %w", err)
		}
		current, err := os.Stat(path)
		if err == nil && os.SameFile(held, current) {
			return f, nil
		}
		closeLocked(f)
		if attempt >= 3 {
			return nil, fmt.Errorf("pidfile: %s keeps changing", path)
		}
	}
}

func running(ctx context.Context, pid int, path string) error {
	if pid <= 0 {
		return fmt.Errorf("%w (%s)", ErrRunning, path)
	}
	return fmt.Errorf("%w (pid %d%s, %s)", ErrRunning, pid, describe(ctx, pid), path)
}

func closeLocked(f *os.File) {
	_ = unlockFile(f)
	_ = f.Close()
}

func readPID(f *os.File, path string) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("pidfile: seek: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("pidfile: read: %w", err)
	}
	return parsePID(data, path)
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("pidfile: truncate: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("pidfile: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("pidfile: sync: %w", err)
	}
	return nil
}

func parsePID(data []byte, path string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", errMalformed, path)
	}
	return pid, nil
}

// Read returns the PID stored in path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parsePID(data, path)
}

func describe(ctx context.Context, pid int) string {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil || name == "" {
		return ""
	}
	return " " + name
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Release removes the file if it still holds this process's PID, then drops
// the lock.
func (f *File) Release() error {
	if f == nil || f.f == nil {
		return nil
	}
	defer func() {
		closeLocked(f.f)
		f.f = nil
	}()
	pid, err := Read(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pidfile: remove: %w", err)
	}
	return nil
}
