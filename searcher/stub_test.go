package searcher

import (
	"testing"

	"github.com/matryer/is"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/nneval"
	"github.com/kennyfs/katabook/rules"
)

func newHistory(size int) *rules.History {
	return rules.NewHistory(rules.NewBoard(size, size), rules.Black, rules.Rules{Komi: 7.5, Label: "area"}, 3)
}

func TestStubIsDeterministic(t *testing.T) {
	is := is.New(t)
	nn := nneval.NewStub(3, bookhash.LatestVersion, 5)

	run := func() *ResultNode {
		s := NewStub(nn, 3, bookhash.LatestVersion, 5)
		h := newHistory(9)
		s.SetPosition(rules.Black, h)
		s.SetParams(Params{MaxVisits: 50})
		is.NoErr(s.RunWholeSearch(rules.Black))
		return s.RootNode()
	}
	a := run()
	b := run()
	is.Equal(len(a.Children), len(b.Children))
	for i := range a.Children {
		is.Equal(a.Children[i].MoveFromParent, b.Children[i].MoveFromParent)
		is.Equal(a.Children[i].Visits, b.Children[i].Visits)
		is.Equal(a.Children[i].Values.WinLossValue, b.Children[i].Values.WinLossValue)
	}
}

func TestStubHonorsAvoidMask(t *testing.T) {
	is := is.New(t)
	nn := nneval.NewStub(3, bookhash.LatestVersion, 5)
	s := NewStub(nn, 3, bookhash.LatestVersion, 5)
	h := newHistory(9)
	s.SetPosition(rules.Black, h)
	s.SetParams(Params{MaxVisits: 50})
	is.NoErr(s.RunWholeSearch(rules.Black))

	// Forbid every move the first search chose; none may come back.
	first := s.RootNode()
	avoid := make([]int, 82)
	for _, c := range first.Children {
		avoid[AvoidIndex(c.MoveFromParent, 81)] = 1
	}
	s.SetPosition(rules.Black, h)
	s.SetAvoidMoveUntilByLoc(avoid)
	s.SetParams(Params{MaxVisits: 50})
	is.NoErr(s.RunWholeSearch(rules.Black))
	for _, c := range s.RootNode().Children {
		is.True(avoid[AvoidIndex(c.MoveFromParent, 81)] == 0)
	}
}

func TestScriptedFiltersAndFallsBack(t *testing.T) {
	is := is.New(t)
	sc := NewScripted([]ScriptedMove{
		{Loc: rules.MakeLoc(3, 4, 9), Visits: 100, WinLoss: 0.2},
		{Loc: rules.MakeLoc(4, 4, 9), Visits: 40, WinLoss: 0.1},
	})
	h := newHistory(9)
	sc.SetPosition(rules.Black, h)
	is.NoErr(sc.RunWholeSearch(rules.Black))
	moves, values, ok := sc.PlaySelectionValues(sc.RootNode())
	is.True(ok)
	is.Equal(len(moves), 2)
	is.Equal(values[0], 100.0)

	// Mask both scripted moves: the searcher must still return something.
	avoid := make([]int, 82)
	avoid[AvoidIndex(rules.MakeLoc(3, 4, 9), 81)] = 1
	avoid[AvoidIndex(rules.MakeLoc(4, 4, 9), 81)] = 1
	sc.SetPosition(rules.Black, h)
	sc.SetAvoidMoveUntilByLoc(avoid)
	is.NoErr(sc.RunWholeSearch(rules.Black))
	_, _, ok = sc.PlaySelectionValues(sc.RootNode())
	is.True(ok)
}
