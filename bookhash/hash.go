package bookhash

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/kennyfs/katabook/rules"
)

// Version selects the position-encoding scheme. Version 1 hashed only the
// current board and player to move; version 2 additionally hashes the
// superko repetition window, so positions that differ only in recent
// history no longer collide. Integrity re-checks are fatal from version 2
// on.
type Version int

const LatestVersion Version = 2

// Hash is the canonical identifier of a position, quotiented by board
// symmetry and by the repetition window. The two halves come from
// independently-seeded content hashes of the canonical encoding.
type Hash [16]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func HashFromString(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, errors.New("book hash has wrong length")
	}
	copy(h[:], b)
	return h, nil
}

// Less imposes the stable total order used to break priority ties.
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// encodePosition renders the position under symmetry s to a stable byte
// string. The encoding covers the current board and player to move, and at
// version >= 2 the whole repetition window.
func encodePosition(h *rules.History, s Symmetry, repBound int, version Version) []byte {
	recent := h.RecentBoards()
	cur := recent[len(recent)-1]
	out := make([]byte, 0, (cur.NumLocs()+4)*(len(recent)+1))
	out = append(out, byte(version))
	tb := ApplyBoard(s, cur)
	out = append(out, tb.Encode()...)
	out = append(out, byte(h.ToMove()))
	if version >= 2 {
		n := len(recent)
		if n > repBound {
			recent = recent[n-repBound:]
		}
		out = append(out, byte(len(recent)))
		// Window boards other than the current one, oldest first.
		for _, b := range recent[:len(recent)-1] {
			out = append(out, ApplyBoard(s, b).Encode()...)
		}
	}
	return out
}

func hashEncoding(enc []byte) Hash {
	var h Hash
	d1 := xxhash.New()
	d1.Write([]byte{0x01})
	d1.Write(enc)
	d2 := xxhash.New()
	d2.Write([]byte{0x02})
	d2.Write(enc)
	binary.BigEndian.PutUint64(h[0:8], d1.Sum64())
	binary.BigEndian.PutUint64(h[8:16], d2.Sum64())
	return h
}

// Canonicalize maps the position reached by hist to its canonical
// identity. It returns the hash, the single symmetry aligning hist's
// orientation to the canonical orientation, and the stabilizer subgroup of
// the canonical position. The canonical representative is the
// lexicographically smallest encoding over all valid symmetries, which is
// stable across processes.
func Canonicalize(hist *rules.History, repBound int, version Version) (Hash, Symmetry, []Symmetry) {
	b := hist.Board()
	syms := SymmetriesFor(b.XSize, b.YSize)

	var minEnc []byte
	var align Symmetry
	matching := make([]Symmetry, 0, len(syms))
	for _, s := range syms {
		enc := encodePosition(hist, s, repBound, version)
		if minEnc == nil || lexLess(enc, minEnc) {
			minEnc = enc
			align = s
			matching = matching[:0]
			matching = append(matching, s)
		} else if lexEqual(enc, minEnc) {
			matching = append(matching, s)
		}
	}

	// Every symmetry achieving the minimum differs from the alignment by a
	// stabilizer of the canonical position. Sorted so the subgroup has one
	// canonical listing no matter how it was computed.
	stabilizers := make([]Symmetry, 0, len(matching))
	inv := Inverse(align)
	for _, s := range matching {
		stabilizers = append(stabilizers, Compose(inv, s))
	}
	sort.Slice(stabilizers, func(i, j int) bool { return stabilizers[i] < stabilizers[j] })
	return hashEncoding(minEnc), align, stabilizers
}

func lexLess(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func lexEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (v Version) Validate() error {
	if v < 1 || v > LatestVersion {
		return fmt.Errorf("unsupported book version %d", int(v))
	}
	return nil
}
