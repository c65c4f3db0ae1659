package nneval

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/rules"
)

// Stub is a deterministic evaluator whose policy depends only on the
// canonical identity of the position and the canonical identity of each
// move, so that symmetric orientations (and symmetric moves within one
// position) receive exactly equal probabilities, like a true
// full-symmetry-averaged network. Stateless and therefore trivially
// thread-safe.
type Stub struct {
	repBound int
	version  bookhash.Version
	seed     uint64
}

func NewStub(repBound int, version bookhash.Version, seed uint64) *Stub {
	return &Stub{repBound: repBound, version: version, seed: seed}
}

// unit maps a hash to (0,1).
func unit(h uint64) float64 {
	return (float64(h>>11) + 0.5) / float64(1<<53)
}

func (s *Stub) moveWeight(posHash bookhash.Hash, canonicalLoc rules.Loc) float64 {
	var buf [26]byte
	copy(buf[:16], posHash[:])
	binary.BigEndian.PutUint64(buf[16:24], s.seed)
	binary.BigEndian.PutUint16(buf[24:26], uint16(canonicalLoc+2))
	w := unit(xxhash.Sum64(buf[:]))
	// Square the draw so the policy has a few clear favorites rather than
	// being near-uniform.
	return w * w
}

func (s *Stub) FullSymmetryNNOutput(hist *rules.History, includeOwnerMap bool) (*Output, error) {
	b := hist.Board()
	posHash, align, stabilizers := bookhash.Canonicalize(hist, s.repBound, s.version)
	out := &Output{
		PolicyProbs: make([]float64, b.NumLocs()+1),
		NNXLen:      b.XSize,
		NNYLen:      b.YSize,
	}
	pla := hist.ToMove()
	var weights []float64
	for pos := range out.PolicyProbs {
		loc := PosToLoc(pos, out.NNXLen, out.NNYLen)
		if !hist.IsLegal(loc, pla) {
			out.PolicyProbs[pos] = -1
			continue
		}
		var w float64
		if loc == rules.PassLoc {
			// Keep pass available but never attractive.
			w = 1e-4
		} else {
			// Reduce the move to its canonical representative so moves
			// related by a stabilizer get the same weight.
			m := bookhash.ApplyLoc(align, loc, b.XSize, b.YSize)
			for _, g := range stabilizers {
				if cand := bookhash.ApplyLoc(g, m, b.XSize, b.YSize); cand < m {
					m = cand
				}
			}
			w = s.moveWeight(posHash, m)
		}
		out.PolicyProbs[pos] = w
		weights = append(weights, w)
	}
	// Sum in sorted order so the normalizer is bit-identical in every
	// orientation of the position.
	sort.Float64s(weights)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total > 0 {
		for pos, p := range out.PolicyProbs {
			if p > 0 {
				out.PolicyProbs[pos] = p / total
			}
		}
	}
	return out, nil
}
