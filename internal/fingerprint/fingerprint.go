// Package fingerprint computes the content-address hashes that name every
// artifact in the cache. Equal fingerprints must imply equal artifact bytes,
// so all inputs are canonicalized (type-tagged, length-prefixed, sorted)
// before hashing. URL ordering and map iteration order never leak in.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
)

// Fingerprint is a 32-byte SHA-256 digest.
type Fingerprint [sha256.Size]byte

// Hex returns the lowercase hex form used in artifact file names.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// Type tags for the canonical encoding. Each value is written as
// tag byte, uvarint length, payload bytes.
const (
	tagString byte = 0x01
	tagInt    byte = 0x02
	tagList   byte = 0x03
	tagPair   byte = 0x04
	tagNull   byte = 0x05
)

// Hasher accumulates canonicalized inputs into a SHA-256 state.
type Hasher struct {
	h hash.Hash
}

// New starts a hasher seeded with the deployment id, which salts every
// fingerprint so cache directories are never shared across deployments.
func New(deploymentID string) *Hasher {
	h := &Hasher{h: sha256.New()}
	h.String(deploymentID)
	return h
}

func (h *Hasher) writeValue(tag byte, payload []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	h.h.Write([]byte{tag})
	h.h.Write(lenBuf[:n])
	h.h.Write(payload)
}

// String adds a UTF-8 string input.
func (h *Hasher) String(s string) *Hasher {
	h.writeValue(tagString, []byte(s))
	return h
}

// Int adds an integer input in its decimal form.
func (h *Hasher) Int(i int64) *Hasher {
	h.writeValue(tagInt, []byte(strconv.FormatInt(i, 10)))
	return h
}

// Null adds an explicit absent marker, distinct from the empty string.
func (h *Hasher) Null() *Hasher {
	h.writeValue(tagNull, nil)
	return h
}

// SortedStrings adds a list input after sorting a copy of it.
func (h *Hasher) SortedStrings(items []string) *Hasher {
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)
	h.writeValue(tagList, []byte(strconv.Itoa(len(sorted))))
	for _, s := range sorted {
		h.String(s)
	}
	return h
}

// SortedMap adds key/value pairs ordered by key.
func (h *Hasher) SortedMap(m map[string]string) *Hasher {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h.writeValue(tagList, []byte(strconv.Itoa(len(keys))))
	for _, k := range keys {
		h.writeValue(tagPair, nil)
		h.String(k)
		h.String(m[k])
	}
	return h
}

// Sum finalizes the digest.
func (h *Hasher) Sum() Fingerprint {
	var f Fingerprint
	copy(f[:], h.h.Sum(nil))
	return f
}

// Node computes a plan-node fingerprint from the canonical tuple
// (deployment_id, source_fp, kind, name, sorted upstream fps, sorted inputs).
func Node(deploymentID, sourceFP, kind, name string, upstream []string, inputs map[string]string) Fingerprint {
	h := New(deploymentID)
	h.String(sourceFP)
	h.String(kind)
	h.String(name)
	h.SortedStrings(upstream)
	h.SortedMap(inputs)
	return h.Sum()
}

// Source hashes canonicalized report source text (CRLF-normalized).
func Source(canonical string) Fingerprint {
	return Fingerprint(sha256.Sum256([]byte(canonical)))
}
