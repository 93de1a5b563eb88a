package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside the data directory.
const FileName = "LOCK"

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
	// Listen is the public address the holder announced, if any.
	Listen string
}

// LockHeldError is returned when another hub process already serves the
// data directory.
type LockHeldError struct {
	Holder
	Path string
}

func (e *LockHeldError) Error() string {
	if e.Listen != "" {
		return fmt.Sprintf("data directory locked by PID %d listening on %s (%s)", e.PID, e.Listen, e.Path)
	}
	return fmt.Sprintf("data directory locked by PID %d (%s)", e.PID, e.Path)
}

// Lock is an exclusive flock on <data dir>/LOCK, held for the life of the
// daemon. Only one process may serve a data directory: it owns the store
// file and the admin socket.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Acquire locks dataDir on behalf of the current process, recording listen
// in the lock file for diagnostics. Returns LockHeldError if another process
// already holds it.
func Acquire(dataDir, listen string) (*Lock, error) {
	lockPath := filepath.Join(dataDir, FileName)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		data, _ := os.ReadFile(lockPath)
		return nil, &LockHeldError{Holder: parseHolder(string(data)), Path: lockPath}
	}

	h := Holder{PID: os.Getpid(), Started: time.Now().UTC().Truncate(time.Second), Listen: listen}
	if err := writeHolder(f, h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: lockPath, holder: h}, nil
}

// Inspect reports who holds the lock on dataDir without taking it. It
// returns nil when the directory is not locked.
func Inspect(dataDir string) (*Holder, error) {
	lockPath := filepath.Join(dataDir, FileName)
	f, err := os.Open(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	// A shared lock succeeds only when no daemon holds the exclusive one.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return nil, nil
	}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	h := parseHolder(string(data))
	return &h, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Holder returns what was recorded for the current process.
func (l *Lock) Holder() Holder { return l.holder }

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	fmt.Fprintf(&b, "started=%s\n", h.Started.Format(time.RFC3339))
	if h.Listen != "" {
		fmt.Fprintf(&b, "listen=%s\n", h.Listen)
	}
	_, err := f.WriteString(b.String())
	return err
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, value)
		case "listen":
			h.Listen = value
		}
	}
	return h
}
