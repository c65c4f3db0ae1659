package expand

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/bookstore"
	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/nneval"
	"github.com/kennyfs/katabook/persist"
	"github.com/kennyfs/katabook/rules"
	"github.com/kennyfs/katabook/searcher"
)

func testParams() cost.Params {
	return cost.Params{
		ErrorFactor:           1.0,
		CostPerMove:           0.45,
		CostPerUCBWinLossLoss: 2.0,
		CostPerLogPolicy:      0.1,
		ScoreLossCap:          0.95,
		UtilityPerScore:       0.1,
	}
}

func newTestBook(t *testing.T) *bookstore.Book {
	t.Helper()
	b, err := bookstore.New(
		bookhash.LatestVersion,
		rules.NewBoard(9, 9),
		rules.Rules{Komi: 7.5, Label: "area"},
		rules.Black, 3, testParams(), 2.0,
	)
	require.NoError(t, err)
	return b
}

func testConfig() Config {
	return Config{
		NumIterations:                  1,
		SaveEveryIterations:            1000,
		NumGameThreads:                 1,
		NumToExpandPerIteration:        1,
		MinTreeVisitsToRecord:          30,
		MaxDepthToRecord:               2,
		MaxVisitsForLeaves:             10,
		WideRootNoiseBookExplore:       0.05,
		CpuctExplorationLogBookExplore: 1.0,
	}
}

// TestSingleIterationExpandsRoot is the basic end-to-end scenario: one
// iteration, one thread, a scripted search returning a best move with 100
// visits and a sibling with 40. Both must end up in the book with values
// filled in, and the book must round-trip through disk.
func TestSingleIterationExpandsRoot(t *testing.T) {
	book := newTestBook(t)
	nn := nneval.NewStub(book.RepBound, book.Version, 7)
	bestLoc := rules.MakeLoc(3, 4, 9)
	siblingLoc := rules.MakeLoc(4, 4, 9)
	sc := searcher.NewScripted([]searcher.ScriptedMove{
		{Loc: bestLoc, Visits: 100, WinLoss: -0.4, Score: -2.0},
		{Loc: siblingLoc, Visits: 40, WinLoss: -0.1, Score: -0.5},
	})
	var stop atomic.Bool
	pool, err := New(book, []searcher.Searcher{sc}, nn, searcher.Params{MaxVisits: 100, NumThreads: 1, CpuctExploration: 1.0, CpuctExplorationLog: 0.45}, testConfig(), &stop, nil)
	require.NoError(t, err)

	require.NoError(t, pool.Run(context.Background()))

	root := book.Root().Node
	require.Len(t, root.Moves, 2)
	require.Equal(t, 3, book.Size())
	require.False(t, root.CanReExpand)
	require.True(t, root.CanExpand)

	// Each child's thisValuesNotInBook came from the recorded search.
	visitsSeen := map[float64]bool{}
	for _, mv := range root.Moves {
		child, ok := book.NodeByHash(mv.ChildHash)
		require.True(t, ok)
		require.True(t, child.CanReExpand, "side-effect children stay re-expandable")
		visitsSeen[child.ThisValuesNotInBook.Visits] = true
	}
	require.True(t, visitsSeen[100])
	require.True(t, visitsSeen[40])

	// The root was re-leaf-searched with its new moves masked out; the
	// scripted searcher fell back to one remaining move with 10 visits.
	require.Equal(t, 10.0, root.ThisValuesNotInBook.Visits)

	// Root recursive visits cover the whole subtree.
	require.Equal(t, 150.0, root.RecursiveValues.Visits)

	// Round trip.
	path := filepath.Join(t.TempDir(), "book.katabook")
	require.NoError(t, persist.Save(book, path))
	loaded, err := persist.Load(path, 2.0)
	require.NoError(t, err)
	require.Equal(t, book.Size(), loaded.Size())
	orig := book.AllNodes()
	got := loaded.AllNodes()
	for i := range orig {
		require.Equal(t, orig[i].Hash, got[i].Hash)
		require.Equal(t, orig[i].ThisValuesNotInBook, got[i].ThisValuesNotInBook)
		require.Equal(t, orig[i].RecursiveValues, got[i].RecursiveValues)
		require.Equal(t, orig[i].Moves, got[i].Moves)
	}
}

// A stop raised before the loop starts must leave the book untouched.
func TestStopBeforeFirstIteration(t *testing.T) {
	book := newTestBook(t)
	nn := nneval.NewStub(book.RepBound, book.Version, 7)
	sc := searcher.NewScripted([]searcher.ScriptedMove{
		{Loc: rules.MakeLoc(3, 4, 9), Visits: 100},
	})
	var stop atomic.Bool
	stop.Store(true)
	pool, err := New(book, []searcher.Searcher{sc}, nn, searcher.Params{MaxVisits: 100}, testConfig(), &stop, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Run(context.Background()))
	require.Equal(t, 1, book.Size())
}

// Expanding with the policy-guided stub searcher grows the book and keeps
// every invariant a frozen node must satisfy.
func TestStubSearcherIterations(t *testing.T) {
	book := newTestBook(t)
	nn := nneval.NewStub(book.RepBound, book.Version, 11)
	st := searcher.NewStub(nn, book.RepBound, book.Version, 11)
	var stop atomic.Bool
	cfg := testConfig()
	cfg.NumIterations = 3
	cfg.MinTreeVisitsToRecord = 25
	pool, err := New(book, []searcher.Searcher{st}, nn, searcher.Params{MaxVisits: 60, NumThreads: 1, CpuctExploration: 1.0, CpuctExplorationLog: 0.45}, cfg, &stop, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Run(context.Background()))

	require.Greater(t, book.Size(), 1)
	for _, n := range book.AllNodes() {
		for _, mv := range n.Moves {
			_, ok := book.NodeByHash(mv.ChildHash)
			require.True(t, ok, "no dangling children")
		}
	}

	// Replaying every node reproduces its hash (integrity invariant).
	for _, n := range book.AllNodes() {
		_, hist, _, err := book.AlignedNode(n)
		require.NoError(t, err)
		rehash, _, _ := bookhash.Canonicalize(hist, book.RepBound, book.Version)
		require.Equal(t, n.Hash, rehash)
	}
}
