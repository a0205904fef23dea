//go:build unix

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// DefaultDir is where segments live on Linux.
const DefaultDir = "/dev/shm"

// FileBackend maps files in a directory with MAP_SHARED, so every process
// opening the same name sees the same memory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a backend rooted at dir (DefaultDir if empty)
func NewFileBackend(dir string) *FileBackend {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileBackend{dir: dir}
}

// Dir returns the backing directory
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name)
}

// Create creates and maps a new file of size bytes
func (b *FileBackend) Create(name string, size int, force bool) (*Segment, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, size)
	}

	path := b.path(name)
	if force {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale segment %s: %w", name, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return nil, fmt.Errorf("failed to create segment %s: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to size segment %s: %w", name, err)
	}

	seg, err := mapFile(name, f, size)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return seg, nil
}

// Open maps an existing file
func (b *FileBackend) Open(name string) (*Segment, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(b.path(name), os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open segment %s: %w", name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment %s: %w", name, err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrTooSmall, name)
	}
	return mapFile(name, f, int(st.Size()))
}

// Remove unlinks the file; existing mappings stay valid
func (b *FileBackend) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(b.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove segment %s: %w", name, err)
	}
	return nil
}

// List returns regular files in the backing directory
func (b *FileBackend) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func mapFile(name string, f *os.File, size int) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %s: %w", name, err)
	}
	return &Segment{
		name:    name,
		data:    data,
		release: func() error { return unix.Munmap(data) },
	}, nil
}
