package bookstore

import (
	"math"
	"testing"

	"github.com/matryer/is"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/rules"
)

func testParams() cost.Params {
	return cost.Params{
		ErrorFactor:                 1.0,
		CostPerMove:                 1.0,
		CostPerUCBWinLossLoss:       2.0,
		CostPerUCBScoreLoss:         0.25,
		CostPerLogPolicy:            0.1,
		CostPerMovesExpanded:        0.2,
		CostPerSquaredMovesExpanded: 0.01,
		ScoreLossCap:                0.95,
		UtilityPerScore:             0.1,
		MaxVisitsForReExpansion:     100,
	}
}

// newTestBook uses repBound 1 so transpositions merge regardless of the
// path taken; several tests rely on that.
func newTestBook(t *testing.T, size int) *Book {
	t.Helper()
	b, err := New(
		bookhash.LatestVersion,
		rules.NewBoard(size, size),
		rules.Rules{Komi: 7.5, Label: "area"},
		rules.Black,
		1,
		testParams(),
		2.0,
	)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustAdd(t *testing.T, b *Book, node SymNode, hist *rules.History, loc rules.Loc, policy float64) (SymNode, bool) {
	t.Helper()
	child, transposing, err := node.PlayAndAddMove(hist, loc, policy)
	if err != nil {
		t.Fatal(err)
	}
	return child, transposing
}

func TestTranspositionsShareOneNode(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)
	const size = 9
	a := rules.MakeLoc(2, 2, size)
	w := rules.MakeLoc(6, 6, size)
	c := rules.MakeLoc(2, 6, size)

	// Path 1: B a, W w, B c.
	h1 := b.InitialHistory()
	n1, _ := mustAdd(t, b, b.Root(), h1, a, 0.3)
	n2, _ := mustAdd(t, b, n1, h1, w, 0.3)
	end1, _ := mustAdd(t, b, n2, h1, c, 0.3)

	// Path 2: B c, W w, B a reaches the same stones.
	h2 := b.InitialHistory()
	m1, _ := mustAdd(t, b, b.Root(), h2, c, 0.3)
	m2, _ := mustAdd(t, b, m1, h2, w, 0.3)
	end2, transposing := mustAdd(t, b, m2, h2, a, 0.3)

	is.True(transposing)
	is.Equal(end1.Hash(), end2.Hash())
	is.Equal(end1.Node, end2.Node)

	// Both parents' move maps point at the shared child.
	found := 0
	for _, parent := range []*Node{n2.Node, m2.Node} {
		for _, mv := range parent.Moves {
			if mv.ChildHash == end1.Hash() {
				found++
			}
		}
	}
	is.Equal(found, 2)
	is.Equal(len(end1.Node.Parents), 2)
}

func TestSymmetricMovesCollapseToOneEdge(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)
	const size = 9

	// On the empty board (2,3) and its mirror are the same canonical
	// move; adding the mirror must transpose onto the first edge's child.
	h1 := b.InitialHistory()
	first, _ := mustAdd(t, b, b.Root(), h1, rules.MakeLoc(2, 3, size), 0.2)
	mirror := bookhash.ApplyLoc(bookhash.FlipX, rules.MakeLoc(2, 3, size), size, size)
	h2 := b.InitialHistory()
	second, transposing := mustAdd(t, b, b.Root(), h2, mirror, 0.2)

	is.True(transposing)
	is.Equal(len(b.Root().Node.Moves), 1) // property 2: one edge, not two
	is.Equal(first.Hash(), second.Hash())
}

func TestHistoryReachingNodeRoundTrips(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)
	h := b.InitialHistory()
	n1, _ := mustAdd(t, b, b.Root(), h, rules.MakeLoc(2, 2, 9), 0.3)
	n2, _ := mustAdd(t, b, n1, h, rules.MakeLoc(6, 2, 9), 0.2)

	hist, moves, _, err := b.HistoryReachingNode(n2.Node)
	is.NoErr(err)
	is.Equal(len(moves), 2)
	rehash, _, _ := bookhash.Canonicalize(hist, b.RepBound, b.Version)
	is.Equal(rehash, n2.Hash()) // property 1: replaying yields the hash
}

func TestGetNextNToExpandOrderingAndEligibility(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)
	h := b.InitialHistory()
	n1, _ := mustAdd(t, b, b.Root(), h, rules.MakeLoc(2, 2, 9), 0.3)
	h2 := b.InitialHistory()
	n2, _ := mustAdd(t, b, b.Root(), h2, rules.MakeLoc(4, 4, 9), 0.3)

	// Give everyone comparable values and recompute costs.
	for _, n := range b.AllNodes() {
		n.ThisValuesNotInBook = BookValues{MaxPolicy: 0.5, Weight: 10, Visits: 10}
	}
	b.RecomputeEverything()

	// Freeze n1 entirely; it must no longer be returned.
	n1.Node.CanExpand = false
	n1.Node.CanReExpand = false
	got := b.GetNextNToExpand(10)
	for _, n := range got {
		is.True(n != n1.Node)
		is.True(n.CanExpand || n.CanReExpand)
	}
	// Nondecreasing cost order.
	for i := 1; i < len(got); i++ {
		is.True(got[i-1].TotalExpansionCost <= got[i].TotalExpansionCost)
	}

	// A frozen node still under the re-expansion visit bound qualifies
	// via canReExpand.
	n2.Node.CanExpand = false
	n2.Node.CanReExpand = true
	n2.Node.RecursiveValues.Visits = 10 // below MaxVisitsForReExpansion=100
	got = b.GetNextNToExpand(10)
	seen := false
	for _, n := range got {
		if n == n2.Node {
			seen = true
		}
	}
	is.True(seen)
}

func TestRecomputeDirtyMatchesFull(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)
	h := b.InitialHistory()
	n1, _ := mustAdd(t, b, b.Root(), h, rules.MakeLoc(2, 2, 9), 0.3)
	n2, _ := mustAdd(t, b, n1, h, rules.MakeLoc(6, 6, 9), 0.2)

	b.Root().Node.ThisValuesNotInBook = BookValues{WinLossValue: 0.1, MaxPolicy: 0.4, Weight: 20, Visits: 20}
	n1.Node.ThisValuesNotInBook = BookValues{WinLossValue: -0.2, MaxPolicy: 0.3, Weight: 15, Visits: 15}
	n2.Node.ThisValuesNotInBook = BookValues{WinLossValue: 0.3, ScoreMean: 1.5, SharpScoreMean: 1.2, MaxPolicy: 0.6, Weight: 30, Visits: 30}

	b.Recompute([]*Node{n2.Node})

	// Property 7: a full recompute afterwards changes nothing.
	type snapshot struct {
		rv   RecursiveValues
		cost float64
	}
	before := make(map[bookhash.Hash]snapshot)
	for _, n := range b.AllNodes() {
		before[n.Hash] = snapshot{rv: n.RecursiveValues, cost: n.TotalExpansionCost}
	}
	b.RecomputeEverything()
	for _, n := range b.AllNodes() {
		is.Equal(before[n.Hash].rv, n.RecursiveValues)
		is.True(math.Abs(before[n.Hash].cost-n.TotalExpansionCost) < 1e-12)
	}
}

func TestRecursiveVisitsSumSubtree(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)
	h := b.InitialHistory()
	n1, _ := mustAdd(t, b, b.Root(), h, rules.MakeLoc(2, 2, 9), 0.3)

	b.Root().Node.ThisValuesNotInBook.Visits = 10
	n1.Node.ThisValuesNotInBook.Visits = 25
	b.RecomputeEverything()

	is.Equal(n1.Node.RecursiveValues.Visits, 25.0)
	is.Equal(b.Root().Node.RecursiveValues.Visits, 35.0)
}

func TestBonusHashLowersCost(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)

	// Two children with identical values and priors; bonus one of them.
	h1 := b.InitialHistory()
	c1, _ := mustAdd(t, b, b.Root(), h1, rules.MakeLoc(2, 3, 9), 0.2)
	h2 := b.InitialHistory()
	c2, _ := mustAdd(t, b, b.Root(), h2, rules.MakeLoc(4, 4, 9), 0.2)

	same := BookValues{WinLossValue: 0.1, MaxPolicy: 0.5, Weight: 10, Visits: 10}
	c1.Node.ThisValuesNotInBook = same
	c2.Node.ThisValuesNotInBook = same

	b.SetBonusByHash(map[bookhash.Hash]float64{c1.Hash(): 5.0})
	b.RecomputeEverything()

	diff := c2.Node.TotalExpansionCost - c1.Node.TotalExpansionCost
	is.True(math.Abs(diff-5.0) < 1e-9)
}

func TestRaisingCostPerMoveRaisesCostsByDepth(t *testing.T) {
	is := is.New(t)
	b := newTestBook(t, 9)
	h := b.InitialHistory()
	n1, _ := mustAdd(t, b, b.Root(), h, rules.MakeLoc(2, 2, 9), 0.3)
	n2, _ := mustAdd(t, b, n1, h, rules.MakeLoc(6, 6, 9), 0.2)

	for _, n := range b.AllNodes() {
		n.ThisValuesNotInBook = BookValues{MaxPolicy: 0.5, Weight: 10, Visits: 10}
	}
	b.RecomputeEverything()
	before := map[bookhash.Hash]float64{}
	for _, n := range b.AllNodes() {
		before[n.Hash] = n.TotalExpansionCost
	}

	b.Params.CostPerMove += 1.0
	b.RecomputeEverything()

	depths := map[bookhash.Hash]float64{
		b.RootHash(): 0,
		n1.Hash():    1,
		n2.Hash():    2,
	}
	for _, n := range b.AllNodes() {
		increase := n.TotalExpansionCost - before[n.Hash]
		is.True(increase >= depths[n.Hash]*1.0)
	}
}
