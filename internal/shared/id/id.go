// Package id generates the names that identify shared resources.
//
// Every name that ends up in an OS namespace (segments, channels) or in an
// arena directory is built here so the formats stay in one place:
//   - Object names: <module>m<counter>o<rank>r, unique per creating module
//   - Arena names: <prefix>_<token>, token is a lowercase ULID
//   - Control keys: <prefix><iteration>_r<rank>, iteration bumped on collision
//   - Object channel names: carry instance counter, module id and rank
//   - Session ids: ULID with the "sess" prefix
//
// Tokens are ULIDs so names sort by creation time when listing /dev/shm.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// SessionID identifies one coupling session
type SessionID string

// ObjectName identifies a payload inside an arena directory
type ObjectName string

// ============================================================================
// ID Prefixes
// ============================================================================

const (
	SessionPrefix = "sess"

	// DefaultPrefix is prepended to every segment created by this process.
	DefaultPrefix = "vizflow"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// Token returns a lowercase ULID usable inside file names
func (g *Generator) Token() string {
	return strings.ToLower(g.Generate().String())
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// ============================================================================
// Resource Names
// ============================================================================

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewObjectName builds the directory name of the counter-th payload created
// by module on rank.
func NewObjectName(module, rank int, counter uint64) ObjectName {
	return ObjectName(fmt.Sprintf("%dm%do%dr", module, counter, rank))
}

// ArenaName returns a fresh arena segment name below prefix.
func ArenaName(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s_%s", prefix, Default().Token())
}

// ControlKey is the key a simulation writes into the handshake file for rank.
func ControlKey(prefix string, iteration, rank int) string {
	if prefix == "" {
		prefix = DefaultPrefix + "_ctl"
	}
	return fmt.Sprintf("%s%d_r%d", prefix, iteration, rank)
}

// ObjectChannelName names the object channel of one connection instance.
// Both ends derive it from the ShmInfo fields, so it never travels on the wire.
func ObjectChannelName(prefix string, instance, module, rank int) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s_objects_%d_m%d_r%d", prefix, instance, module, rank)
}

// ============================================================================
// Type Conversion and Validation
// ============================================================================

func (id SessionID) String() string  { return string(id) }
func (id ObjectName) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
