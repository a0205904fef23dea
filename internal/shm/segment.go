package shm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unsafe"
)

var (
	ErrNotFound      = errors.New("shm: segment not found")
	ErrExists        = errors.New("shm: segment already exists")
	ErrInvalidName   = errors.New("shm: invalid segment name")
	ErrOutOfMemory   = errors.New("shm: out of memory")
	ErrStaleHandle   = errors.New("shm: stale handle")
	ErrCorrupt       = errors.New("shm: corrupt arena")
	ErrNameTooLong   = errors.New("shm: name too long")
	ErrTooSmall      = errors.New("shm: segment too small")
	ErrDirectoryFull = errors.New("shm: directory full")
)

// Segment is a mapped, named block of memory.
type Segment struct {
	name    string
	data    []byte
	release func() error
	once    sync.Once
	err     error
}

// Name returns the name the segment was created or opened with
func (s *Segment) Name() string { return s.name }

// Bytes returns the mapped memory
func (s *Segment) Bytes() []byte { return s.data }

// Size returns the mapped length in bytes
func (s *Segment) Size() int { return len(s.data) }

// Close unmaps the segment. The name stays until the backend removes it.
func (s *Segment) Close() error {
	s.once.Do(func() {
		if s.release != nil {
			s.err = s.release()
		}
	})
	return s.err
}

// Backend creates, opens and removes named segments.
type Backend interface {
	// Create fails with ErrExists if name is taken, unless force is set,
	// in which case the old segment is removed first.
	Create(name string, size int, force bool) (*Segment, error)
	// Open maps an existing segment or fails with ErrNotFound.
	Open(name string) (*Segment, error)
	// Remove deletes the name. Removing a missing name is not an error.
	Remove(name string) error
	// List returns the names currently present.
	List() ([]string, error)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// HeapBackend keeps segments in process memory. Segments opened twice share
// the same bytes, which makes it a stand-in for OS shared memory between
// goroutines playing different processes.
type HeapBackend struct {
	mu      sync.Mutex
	regions map[string][]byte
}

// NewHeapBackend creates an empty heap backend
func NewHeapBackend() *HeapBackend {
	return &HeapBackend{regions: make(map[string][]byte)}
}

// Create allocates a zeroed, 8-byte aligned region
func (b *HeapBackend) Create(name string, size int, force bool) (*Segment, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.regions[name]; ok && !force {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	words := make([]uint64, (size+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	b.regions[name] = data
	return &Segment{name: name, data: data}, nil
}

// Open returns the region registered under name
func (b *HeapBackend) Open(name string) (*Segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.regions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &Segment{name: name, data: data}, nil
}

// Remove forgets name; mapped segments keep their memory
func (b *HeapBackend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.regions, name)
	return nil
}

// List returns the registered names in sorted order
func (b *HeapBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.regions))
	for name := range b.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
