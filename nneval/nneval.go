// Package nneval defines the neural-network evaluator contract the book
// engine depends on, plus a deterministic stand-in for running the engine
// without a real network. Evaluators must be safe for concurrent use.
package nneval

import "github.com/kennyfs/katabook/rules"

// Output is a policy head result laid out on a fixed grid. PolicyProbs has
// NNXLen*NNYLen+1 entries, the last being the pass move; entries for
// illegal moves are negative.
type Output struct {
	PolicyProbs []float64
	NNXLen      int
	NNYLen      int
}

// Evaluator averages the network over all board symmetries so the policy
// is identical across symmetric orientations of the same position.
type Evaluator interface {
	FullSymmetryNNOutput(hist *rules.History, includeOwnerMap bool) (*Output, error)
}

// LocToPos maps a move to its index in PolicyProbs.
func LocToPos(loc rules.Loc, nnXLen, nnYLen int) int {
	if loc == rules.PassLoc {
		return nnXLen * nnYLen
	}
	return int(loc)
}

// PosToLoc is the inverse of LocToPos. Out-of-range positions map to
// NullLoc.
func PosToLoc(pos, nnXLen, nnYLen int) rules.Loc {
	if pos == nnXLen*nnYLen {
		return rules.PassLoc
	}
	if pos < 0 || pos > nnXLen*nnYLen {
		return rules.NullLoc
	}
	return rules.Loc(pos)
}

// MaxPolicy returns the largest probability in probs, ignoring negative
// (illegal or masked) entries.
func MaxPolicy(probs []float64) float64 {
	maxP := 0.0
	for _, p := range probs {
		if p > maxP {
			maxP = p
		}
	}
	return maxP
}
