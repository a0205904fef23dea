package shm

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// NameLog appends the names of created segments to a record file, so a
// cleanup run can remove whatever a crashed process left behind.
type NameLog struct {
	mu   sync.Mutex
	path string
}

// DefaultNameLogPath returns the per-user record file location
func DefaultNameLogPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("vizflow_%d.names", os.Getuid()))
}

// NewNameLog creates a log writing to path
func NewNameLog(path string) *NameLog {
	if path == "" {
		path = DefaultNameLogPath()
	}
	return &NameLog{path: path}
}

// Path returns the record file
func (l *NameLog) Path() string { return l.path }

// Record appends name. A nil log records nothing.
func (l *NameLog) Record(name string) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open name record %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, name); err != nil {
		return fmt.Errorf("failed to record segment %s: %w", name, err)
	}
	return nil
}

// Names returns the recorded names without duplicates, in record order
func (l *NameLog) Names() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.names()
}

func (l *NameLog) names() ([]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read name record %s: %w", l.path, err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, sc.Err()
}

// CleanAll removes every recorded segment from b and clears the record.
// Running it twice is harmless.
func (l *NameLog) CleanAll(b Backend) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	names, err := l.names()
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, name := range names {
		if err := b.Remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to clear name record: %w", err))
	}
	return len(names), errors.Join(errs...)
}

// Sweep removes every segment in b whose name matches the glob pattern.
func Sweep(b Backend, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid sweep pattern %q", pattern)
	}

	names, err := b.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, name := range names {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		if err := b.Remove(name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// Track wraps b so every successful Create is recorded in log.
func Track(b Backend, log *NameLog) Backend {
	if log == nil {
		return b
	}
	return &trackingBackend{Backend: b, log: log}
}

type trackingBackend struct {
	Backend
	log *NameLog
}

func (t *trackingBackend) Create(name string, size int, force bool) (*Segment, error) {
	seg, err := t.Backend.Create(name, size, force)
	if err != nil {
		return nil, err
	}
	if err := t.log.Record(name); err != nil {
		seg.Close()
		_ = t.Backend.Remove(name)
		return nil, err
	}
	return seg, nil
}
