package searcher

import (
	"errors"
	"math"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/rules"
)

// ScriptedMove is one root reply a Scripted searcher should report.
type ScriptedMove struct {
	Loc     rules.Loc
	Visits  int64
	WinLoss float64
	Score   float64
}

// Scripted is a searcher returning a fixed set of root moves, filtered by
// legality and the avoid mask. It exists for tests and scenarios that need
// exact control over what the "search" finds. When every scripted move is
// masked out it falls back to the first legal unmasked move so leaf
// re-searches always produce a result, like a real search over the
// remaining moves would.
type Scripted struct {
	Moves []ScriptedMove

	params Params
	hist   *rules.History
	pla    rules.Player
	avoid  []int
	root   *ResultNode
}

func NewScripted(moves []ScriptedMove) *Scripted {
	return &Scripted{Moves: moves}
}

func (s *Scripted) SetPosition(pla rules.Player, hist *rules.History) {
	s.pla = pla
	s.hist = hist.Copy()
	s.avoid = nil
	s.root = nil
}

func (s *Scripted) SetRootSymmetryPruningOnly(syms []bookhash.Symmetry) {}

func (s *Scripted) SetAvoidMoveUntilByLoc(avoid []int) {
	s.avoid = append([]int(nil), avoid...)
}

func (s *Scripted) SetParams(params Params) { s.params = params }

func (s *Scripted) RootNode() *ResultNode { return s.root }

func (s *Scripted) avoided(loc rules.Loc) bool {
	if len(s.avoid) == 0 {
		return false
	}
	return s.avoid[AvoidIndex(loc, s.hist.Board().NumLocs())] > 0
}

func (s *Scripted) RunWholeSearch(pla rules.Player) error {
	if s.hist == nil {
		return errors.New("scripted searcher: no position set")
	}
	root := &ResultNode{MoveFromParent: rules.NullLoc, NextPla: s.hist.ToMove()}
	for _, m := range s.Moves {
		if s.avoided(m.Loc) || !s.hist.IsLegal(m.Loc, s.hist.ToMove()) {
			continue
		}
		root.Children = append(root.Children, s.childNode(m))
	}
	if len(root.Children) == 0 {
		if fallback, ok := s.firstLegalUnavoided(); ok {
			root.Children = append(root.Children, s.childNode(ScriptedMove{Loc: fallback, Visits: 10}))
		}
	}
	var sumWL, sumScore, sumWeight float64
	var visits int64
	for _, c := range root.Children {
		sumWL += c.Values.WinLossValue * float64(c.Visits)
		sumScore += c.Values.ExpectedScore * float64(c.Visits)
		sumWeight += float64(c.Visits)
		visits += c.Visits
	}
	if sumWeight > 0 {
		root.Values = ReportedValues{
			WinLossValue:       sumWL / sumWeight,
			WinValue:           (1 + sumWL/sumWeight) / 2,
			LossValue:          (1 - sumWL/sumWeight) / 2,
			ExpectedScore:      sumScore / sumWeight,
			ExpectedScoreStdev: 1.0,
			Weight:             sumWeight,
			Visits:             visits,
		}
		root.Visits = visits
		root.SharpScoreMean = root.Values.ExpectedScore
		root.WinLossError = 0.1 / math.Sqrt(sumWeight)
		root.ScoreError = 0.5 / math.Sqrt(sumWeight)
	}
	s.root = root
	return nil
}

func (s *Scripted) childNode(m ScriptedMove) *ResultNode {
	return &ResultNode{
		MoveFromParent: m.Loc,
		NextPla:        s.hist.ToMove().Opponent(),
		Visits:         m.Visits,
		SharpScoreMean: m.Score,
		WinLossError:   0.1,
		ScoreError:     0.5,
		Values: ReportedValues{
			WinLossValue:       m.WinLoss,
			WinValue:           (1 + m.WinLoss) / 2,
			LossValue:          (1 - m.WinLoss) / 2,
			Utility:            m.WinLoss,
			ExpectedScore:      m.Score,
			ExpectedScoreStdev: 1.0,
			Weight:             float64(m.Visits),
			Visits:             m.Visits,
		},
	}
}

func (s *Scripted) firstLegalUnavoided() (rules.Loc, bool) {
	b := s.hist.Board()
	for i := 0; i < b.NumLocs(); i++ {
		loc := rules.Loc(i)
		if !s.avoided(loc) && s.hist.IsLegal(loc, s.hist.ToMove()) {
			return loc, true
		}
	}
	if !s.avoided(rules.PassLoc) && s.hist.IsLegal(rules.PassLoc, s.hist.ToMove()) {
		return rules.PassLoc, true
	}
	return rules.NullLoc, false
}

func (s *Scripted) PlaySelectionValues(n *ResultNode) ([]rules.Loc, []float64, bool) {
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

func (s *Scripted) PrunedNodeValues(n *ResultNode) (ReportedValues, bool) {
	if n == nil {
		return ReportedValues{}, false
	}
	return n.Values, true
}

func (s *Scripted) SharpScore(n *ResultNode) (float64, bool) {
	if n == nil {
		return 0, false
	}
	return n.SharpScoreMean, true
}

func (s *Scripted) ShallowAverageShorttermWLAndScoreError(n *ResultNode) (float64, float64) {
	if n == nil {
		return 0, 0
	}
	return n.WinLossError, n.ScoreError
}
