package trace

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/bookstore"
	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/expand"
	"github.com/kennyfs/katabook/nneval"
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

func newBook(t *testing.T) *bookstore.Book {
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

var tracePath = []rules.Loc{
	rules.MakeLoc(2, 2, 9),
	rules.MakeLoc(6, 6, 9),
	rules.MakeLoc(2, 6, 9),
	rules.MakeLoc(6, 2, 9),
}

// buildSourceBook makes a book with a single depth-4 line whose leaf has
// enough visits to qualify for tracing.
func buildSourceBook(t *testing.T) *bookstore.Book {
	t.Helper()
	b := newBook(t)
	h := b.InitialHistory()
	node := b.Root()
	for _, loc := range tracePath {
		next, _, err := node.PlayAndAddMove(h, loc, 0.1)
		require.NoError(t, err)
		node = next
	}
	node.Node.ThisValuesNotInBook = bookstore.BookValues{
		WinLossValue: 0.2, MaxPolicy: 0.5, Weight: 50, Visits: 50,
	}
	b.RecomputeEverything()
	require.Len(t, b.AllLeaves(10), 1)
	return b
}

func newPool(t *testing.T, book *bookstore.Book, stop *atomic.Bool) (*expand.Pool, nneval.Evaluator) {
	t.Helper()
	nn := nneval.NewStub(book.RepBound, book.Version, 3)
	st := searcher.NewStub(nn, book.RepBound, book.Version, 3)
	pool, err := expand.New(book, []searcher.Searcher{st}, nn,
		searcher.Params{MaxVisits: 40, NumThreads: 1, CpuctExploration: 1.0, CpuctExplorationLog: 0.45},
		expand.Config{
			NumIterations:                  0,
			SaveEveryIterations:            1000,
			NumGameThreads:                 1,
			NumToExpandPerIteration:        1,
			MinTreeVisitsToRecord:          30,
			MaxDepthToRecord:               2,
			MaxVisitsForLeaves:             10,
			WideRootNoiseBookExplore:       0.05,
			CpuctExplorationLogBookExplore: 1.0,
		}, stop, nil)
	require.NoError(t, err)
	return pool, nn
}

func TestTraceImportsVariation(t *testing.T) {
	source := buildSourceBook(t)
	target := newBook(t)
	var stop atomic.Bool
	pool, nn := newPool(t, target, &stop)

	importer := New(pool, source, 10, 1, nn, &stop)
	require.NoError(t, importer.Run(context.Background()))

	// The traced line (possibly widened with siblings) is in the target.
	require.GreaterOrEqual(t, target.Size(), 5)
	h := target.InitialHistory()
	node := target.Root()
	for _, loc := range tracePath {
		require.True(t, node.IsMoveInBook(loc))
		next, err := node.Follow(h, loc)
		require.NoError(t, err)
		node = next
	}

	// Every node along the path got its thisValuesNotInBook populated by
	// the post-trace leaf searches.
	h2 := target.InitialHistory()
	node = target.Root()
	require.Greater(t, node.Node.ThisValuesNotInBook.Visits, 0.0)
	for _, loc := range tracePath {
		next, err := node.Follow(h2, loc)
		require.NoError(t, err)
		node = next
		require.Greater(t, node.Node.ThisValuesNotInBook.Visits, 0.0)
	}

	// A further full recompute changes nothing: the trace left no dirty
	// state behind.
	costs := map[bookhash.Hash]float64{}
	for _, n := range target.AllNodes() {
		costs[n.Hash] = n.TotalExpansionCost
	}
	target.RecomputeEverything()
	for _, n := range target.AllNodes() {
		require.Equal(t, costs[n.Hash], n.TotalExpansionCost)
	}
}

func TestInterruptedTraceReportsError(t *testing.T) {
	source := buildSourceBook(t)
	target := newBook(t)
	var stop atomic.Bool
	stop.Store(true)
	pool, nn := newPool(t, target, &stop)

	importer := New(pool, source, 10, 1, nn, &stop)
	err := importer.Run(context.Background())
	require.ErrorIs(t, err, ErrInterrupted)
}

func TestTraceSkipsUnderMinVisits(t *testing.T) {
	source := buildSourceBook(t)
	target := newBook(t)
	var stop atomic.Bool
	pool, nn := newPool(t, target, &stop)

	// Min visits above the leaf's 50: nothing qualifies, nothing traced.
	importer := New(pool, source, 1000, 1, nn, &stop)
	require.NoError(t, importer.Run(context.Background()))
	require.Equal(t, 1, target.Size())
}
