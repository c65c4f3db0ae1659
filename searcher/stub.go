package searcher

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"

	"lukechampine.com/frand"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/nneval"
	"github.com/kennyfs/katabook/rules"
)

const (
	stubBranching = 4
	stubDepth     = 2
)

// Stub is a deterministic policy-guided pseudo-searcher. Visits follow the
// evaluator's policy over the non-avoided legal moves; values are drawn
// from a keyed RNG seeded by the canonical position hash, so identical
// positions always search identically regardless of orientation, thread
// or process.
type Stub struct {
	nn       nneval.Evaluator
	repBound int
	version  bookhash.Version
	seed     uint64

	params Params
	hist   *rules.History
	pla    rules.Player
	avoid  []int
	root   *ResultNode
}

func NewStub(nn nneval.Evaluator, repBound int, version bookhash.Version, seed uint64) *Stub {
	return &Stub{nn: nn, repBound: repBound, version: version, seed: seed}
}

func (s *Stub) SetPosition(pla rules.Player, hist *rules.History) {
	s.pla = pla
	s.hist = hist.Copy()
	s.avoid = nil
	s.root = nil
}

func (s *Stub) SetRootSymmetryPruningOnly(syms []bookhash.Symmetry) {
	// Symmetry pruning only affects exploration efficiency; the stub's
	// results are already symmetry-deterministic.
}

func (s *Stub) SetAvoidMoveUntilByLoc(avoid []int) {
	s.avoid = append([]int(nil), avoid...)
}

func (s *Stub) SetParams(params Params) {
	s.params = params
}

func (s *Stub) RootNode() *ResultNode { return s.root }

// valueRNG keys a generator off the position hash so every value the stub
// reports is a pure function of the position.
func (s *Stub) valueRNG(posHash bookhash.Hash) *frand.RNG {
	var key [32]byte
	copy(key[:16], posHash[:])
	binary.BigEndian.PutUint64(key[16:24], s.seed)
	return frand.NewCustom(key[:], 1024, 12)
}

func (s *Stub) RunWholeSearch(pla rules.Player) error {
	if s.hist == nil {
		return errors.New("stub searcher: no position set")
	}
	root, err := s.search(s.hist, s.avoid, s.params.MaxVisits, stubDepth)
	if err != nil {
		return err
	}
	s.root = root
	return nil
}

func (s *Stub) search(hist *rules.History, avoid []int, maxVisits int64, depth int) (*ResultNode, error) {
	out, err := s.nn.FullSymmetryNNOutput(hist, false)
	if err != nil {
		return nil, err
	}
	numLocs := hist.Board().NumLocs()

	type cand struct {
		loc    rules.Loc
		policy float64
	}
	var cands []cand
	for pos, p := range out.PolicyProbs {
		if p <= 0 {
			continue
		}
		loc := nneval.PosToLoc(pos, out.NNXLen, out.NNYLen)
		if len(avoid) > 0 && avoid[AvoidIndex(loc, numLocs)] > 0 {
			continue
		}
		cands = append(cands, cand{loc: loc, policy: p})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].policy != cands[j].policy {
			return cands[i].policy > cands[j].policy
		}
		return cands[i].loc < cands[j].loc
	})
	if len(cands) > stubBranching {
		cands = cands[:stubBranching]
	}

	posHash, _, _ := bookhash.Canonicalize(hist, s.repBound, s.version)
	rng := s.valueRNG(posHash)

	root := &ResultNode{
		MoveFromParent: rules.NullLoc,
		NextPla:        hist.ToMove(),
		Visits:         maxVisits,
	}
	if len(cands) == 0 {
		root.Visits = 1
		return root, nil
	}

	totalPolicy := 0.0
	for _, c := range cands {
		totalPolicy += c.policy
	}
	var sumWL, sumScore, sumWeight float64
	for _, c := range cands {
		visits := int64(float64(maxVisits) * c.policy / totalPolicy)
		if visits < 1 {
			visits = 1
		}
		// Deterministic child values, loosely centered and nudged by the
		// policy so better-liked moves score a little better for the side
		// to move.
		sign := hist.ToMove().Sign()
		wl := (float64(rng.Uint64n(2000))/1000.0-1.0)*0.3 + sign*c.policy*0.5
		wl = math.Max(-0.95, math.Min(0.95, wl))
		score := (float64(rng.Uint64n(2000))/1000.0 - 1.0) * 5.0
		child := &ResultNode{
			MoveFromParent: c.loc,
			NextPla:        hist.ToMove().Opponent(),
			Visits:         visits,
			SharpScoreMean: score * 0.9,
			WinLossError:   0.2 / math.Sqrt(float64(visits)+1),
			ScoreError:     1.0 / math.Sqrt(float64(visits)+1),
		}
		child.Values = ReportedValues{
			WinValue:           (1 + wl) / 2,
			LossValue:          (1 - wl) / 2,
			WinLossValue:       wl,
			Utility:            wl,
			ExpectedScore:      score,
			ExpectedScoreStdev: 2.0,
			Weight:             float64(visits),
			Visits:             visits,
		}
		// Recurse shallowly so the expansion pass has a subtree to record.
		if depth > 1 && visits >= 2 && c.loc != rules.PassLoc {
			subHist := hist.Copy()
			if err := subHist.PlayMove(c.loc, hist.ToMove()); err == nil && !subHist.IsGameFinished() {
				sub, err := s.search(subHist, nil, visits, depth-1)
				if err != nil {
					return nil, err
				}
				child.Children = sub.Children
			}
		}
		root.Children = append(root.Children, child)
		sumWL += wl * float64(visits)
		sumScore += score * float64(visits)
		sumWeight += float64(visits)
	}
	wl := sumWL / sumWeight
	score := sumScore / sumWeight
	root.Values = ReportedValues{
		WinValue:           (1 + wl) / 2,
		LossValue:          (1 - wl) / 2,
		WinLossValue:       wl,
		Utility:            wl,
		ExpectedScore:      score,
		ExpectedScoreStdev: 2.0,
		Weight:             sumWeight,
		Visits:             maxVisits,
	}
	root.SharpScoreMean = score * 0.9
	root.WinLossError = 0.2 / math.Sqrt(float64(maxVisits)+1)
	root.ScoreError = 1.0 / math.Sqrt(float64(maxVisits)+1)
	return root, nil
}

func (s *Stub) PlaySelectionValues(n *ResultNode) ([]rules.Loc, []float64, bool) {
	if n == nil || len(n.Children) == 0 {
		return nil, nil, false
	}
	moves := make([]rules.Loc, len(n.Children))
	values := make([]float64, len(n.Children))
	for i, c := range n.Children {
		moves[i] = c.MoveFromParent
		values[i] = float64(c.Visits)
	}
	return moves, values, true
}

func (s *Stub) PrunedNodeValues(n *ResultNode) (ReportedValues, bool) {
	if n == nil {
		return ReportedValues{}, false
	}
	return n.Values, true
}

func (s *Stub) SharpScore(n *ResultNode) (float64, bool) {
	if n == nil {
		return 0, false
	}
	return n.SharpScoreMean, true
}

func (s *Stub) ShallowAverageShorttermWLAndScoreError(n *ResultNode) (float64, float64) {
	if n == nil {
		return 0, 0
	}
	return n.WinLossError, n.ScoreError
}
