package protocol

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ReadHandshake returns the key the simulation wrote for rank. The file
// holds whitespace separated "<rank> <key>" pairs. Lines that cannot be
// read only fail ranks they might have named.
func ReadHandshake(path string, rank int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	key, err := ParseHandshake(string(data)).Key(rank)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrHandshake, path, err)
	}
	return key, nil
}

// Handshake is the parsed content of a handshake file.
type Handshake struct {
	// Keys maps each rank to its key
	Keys map[int]string
	// Bad lists the lines that could not be read, as "line N: reason"
	Bad []string

	dup map[int]bool
}

// ParseHandshake reads every rank/key pair of a handshake file. A line
// with an odd number of fields or a bad rank is recorded in Bad and its
// pairs are skipped; the other lines are still read.
func ParseHandshake(content string) *Handshake {
	h := &Handshake{Keys: make(map[int]string), dup: make(map[int]bool)}
	for n, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields)%2 != 0 {
			h.Bad = append(h.Bad, fmt.Sprintf("line %d: odd number of fields (%d)", n+1, len(fields)))
			continue
		}
		type pair struct {
			rank int
			key  string
		}
		pairs := make([]pair, 0, len(fields)/2)
		var bad string
		for i := 0; i < len(fields); i += 2 {
			rank, err := strconv.Atoi(fields[i])
			if err != nil || rank < 0 {
				bad = fmt.Sprintf("line %d: malformed rank %q", n+1, fields[i])
				break
			}
			pairs = append(pairs, pair{rank, fields[i+1]})
		}
		if bad != "" {
			h.Bad = append(h.Bad, bad)
			continue
		}
		for _, p := range pairs {
			if _, seen := h.Keys[p.rank]; seen {
				h.dup[p.rank] = true
			}
			h.Keys[p.rank] = p.key
		}
	}
	return h
}

// Key returns the key of rank. It fails when rank is listed twice, or is
// missing from the lines that could be read.
func (h *Handshake) Key(rank int) (string, error) {
	if h.dup[rank] {
		return "", fmt.Errorf("rank %d listed twice", rank)
	}
	if key, ok := h.Keys[rank]; ok {
		return key, nil
	}
	if len(h.Bad) > 0 {
		return "", fmt.Errorf("no key for rank %d (unreadable %s)", rank, strings.Join(h.Bad, ", "))
	}
	return "", fmt.Errorf("no key for rank %d", rank)
}

// WriteHandshake writes one line per rank. The file is replaced atomically
// so a module never reads a partial write.
func WriteHandshake(path string, keys map[int]string) error {
	ranks := make([]int, 0, len(keys))
	for rank := range keys {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)

	var b strings.Builder
	for _, rank := range ranks {
		key := keys[rank]
		if key == "" || strings.ContainsAny(key, " \t\r\n") {
			return fmt.Errorf("invalid handshake key %q for rank %d", key, rank)
		}
		fmt.Fprintf(&b, "%d %s\n", rank, key)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
