// Package hashchain builds and verifies the prev-linked audit entries
// underlying every enforcement trail.
//
// Each entry commits to its predecessor: entry_hash is a 32-hex prefix of
// SHA-256 over the previous hash concatenated with the canonical form of
// the entry payload. Altering any field of an entry invalidates its hash
// and the hash of every entry after it.
package hashchain

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/canonicalize"
	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// Genesis anchors every chain: the first entry's PreviousHash.
const Genesis = "genesis"

// hashLen is the hex length of an entry hash.
const hashLen = 32

// Payload is the caller-supplied content of one entry.
type Payload struct {
	Action  string         `json:"action"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details"`
}

// Entry is one immutable link in a chain.
type Entry struct {
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	Actor        string         `json:"actor"`
	Details      map[string]any `json:"details"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// First creates the opening entry of a chain, anchored at Genesis.
func First(p Payload, at time.Time) (Entry, error) {
	return seal(p, Genesis, at)
}

// Append creates the successor of prev.
func Append(p Payload, prev Entry, at time.Time) (Entry, error) {
	if prev.EntryHash == "" {
		return Entry{}, fmt.Errorf("hashchain: predecessor is unsealed: %w", faults.ErrInvalidArgument)
	}
	return seal(p, prev.EntryHash, at)
}

func seal(p Payload, prevHash string, at time.Time) (Entry, error) {
	e := Entry{
		Timestamp:    at.UTC(),
		Action:       p.Action,
		Actor:        p.Actor,
		Details:      p.Details,
		PreviousHash: prevHash,
	}
	h, err := computeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = h
	return e, nil
}

// computeHash derives the 32-hex entry hash: SHA-256 over the previous
// hash concatenated with the canonical payload form.
func computeHash(e Entry) (string, error) {
	body, err := canonicalize.Canonical(struct {
		Action    string         `json:"action"`
		Actor     string         `json:"actor"`
		Details   map[string]any `json:"details"`
		Timestamp time.Time      `json:"timestamp"`
	}{e.Action, e.Actor, e.Details, e.Timestamp})
	if err != nil {
		return "", fmt.Errorf("hashchain: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(append([]byte(e.PreviousHash), body...))
	return hex.EncodeToString(sum[:])[:hashLen], nil
}

// Report describes the outcome of verifying one chain.
type Report struct {
	OK bool
	// FirstBroken is the index of the first entry whose hash or linkage
	// could not be reproduced; -1 when the chain is intact.
	FirstBroken int
	// Invalid lists every entry index with a hash or linkage failure.
	// Once an entry breaks, every later entry links to a tainted
	// predecessor and is reported invalid too.
	Invalid []int
	Reason  string
}

// Verify recomputes every entry hash in order and checks linkage. It
// never mutates the chain.
func Verify(chain []Entry) Report {
	rep := Report{OK: true, FirstBroken: -1}
	prev := Genesis
	broken := false
	for i, e := range chain {
		bad := false
		if e.PreviousHash != prev {
			bad = true
			if rep.Reason == "" {
				rep.Reason = fmt.Sprintf("entry %d: previous_hash %q does not link to %q", i, e.PreviousHash, prev)
			}
		}
		computed, err := computeHash(e)
		if err != nil || computed != e.EntryHash {
			bad = true
			if rep.Reason == "" {
				rep.Reason = fmt.Sprintf("entry %d: entry_hash mismatch", i)
			}
		}
		if bad || broken {
			rep.Invalid = append(rep.Invalid, i)
			if !broken {
				rep.FirstBroken = i
				broken = true
			}
			rep.OK = false
		}
		prev = e.EntryHash
	}
	return rep
}

// Export writes the chain as newline-delimited JSON, one entry per line.
func Export(chain []Entry, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, e := range chain {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("hashchain: export entry %d: %w", i, err)
		}
	}
	return nil
}

// Import reads a chain previously written by Export. It does not verify;
// call Verify on the result.
func Import(r io.Reader) ([]Entry, error) {
	var chain []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("hashchain: import line %d: %w", line, err)
		}
		chain = append(chain, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hashchain: import: %w", err)
	}
	return chain, nil
}
