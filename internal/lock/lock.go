// Package lock guarantees a single fleetchatd per profile. The LOCK file also
// tells other tools which daemon owns the profile and where its health
// socket is.
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

// FileName is the lock file inside a profile directory.
const FileName = "LOCK"

// Holder describes the daemon owning a profile.
type Holder struct {
	PID     int
	Profile string
	Socket  string
	Started time.Time
}

func (h Holder) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	fmt.Fprintf(&b, "profile=%s\n", h.Profile)
	fmt.Fprintf(&b, "socket=%s\n", h.Socket)
	fmt.Fprintf(&b, "started=%s\n", h.Started.UTC().Format(time.RFC3339))
	return b.String()
}

func parseHolder(content string) Holder {
	var h Holder
	for line := range strings.SplitSeq(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "profile":
			h.Profile = value
		case "socket":
			h.Socket = value
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h
}

// LockHeldError is returned when another daemon already serves the profile.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	h := e.Holder
	if h.Socket == "" {
		return fmt.Sprintf("profile %q already served by fleetchatd pid %d (%s)", h.Profile, h.PID, e.Path)
	}
	return fmt.Sprintf("profile %q already served by fleetchatd pid %d on %s", h.Profile, h.PID, h.Socket)
}

// Lock is a held profile lock.
type Lock struct {
	file   *os.File
	path   string
	holder Holder
}

// Acquire takes the lock of profileDir for h. PID and Started are filled in
// when zero. A running holder is reported as *LockHeldError.
func Acquire(profileDir string, h Holder) (*Lock, error) {
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(profileDir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		held := parseHolder(string(data))
		if held.Profile == "" {
			held.Profile = h.Profile
		}
		return nil, &LockHeldError{Holder: held, Path: path}
	}

	if h.PID == 0 {
		h.PID = os.Getpid()
	}
	if h.Started.IsZero() {
		h.Started = time.Now()
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(h.encode()), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path, holder: h}, nil
}

// Holder returns what was recorded when the lock was taken.
func (l *Lock) Holder() Holder {
	return l.holder
}

// Release drops the lock and removes the file. Safe on a nil or released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Inspect reports the holder of profileDir's lock. running is false when no
// daemon holds it; a leftover file from a crashed daemon still yields its
// last holder.
func Inspect(profileDir string) (h Holder, running bool, err error) {
	path := filepath.Join(profileDir, FileName)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Holder{}, false, fmt.Errorf("read lock file: %w", err)
	}
	h = parseHolder(string(data))

	switch err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); {
	case err == nil:
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return h, false, nil
	case errors.Is(err, syscall.EWOULDBLOCK):
		return h, true, nil
	default:
		return h, false, fmt.Errorf("probe lock: %w", err)
	}
}
