package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/bookstore"
	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/rules"
)

func buildBook(t *testing.T) *bookstore.Book {
	t.Helper()
	params := cost.Params{
		ErrorFactor:             1.0,
		CostPerMove:             0.45,
		CostPerUCBWinLossLoss:   2.0,
		CostPerLogPolicy:        0.1,
		ScoreLossCap:            0.95,
		UtilityPerScore:         0.1,
		MaxVisitsForReExpansion: 50,
	}
	b, err := bookstore.New(
		bookhash.LatestVersion,
		rules.NewBoard(9, 9),
		rules.Rules{Komi: 7.5, Label: "area"},
		rules.Black, 3, params, 2.0,
	)
	require.NoError(t, err)

	h := b.InitialHistory()
	n1, _, err := b.Root().PlayAndAddMove(h, rules.MakeLoc(2, 2, 9), 0.31)
	require.NoError(t, err)
	n2, _, err := n1.PlayAndAddMove(h, rules.MakeLoc(6, 6, 9), 0.22)
	require.NoError(t, err)

	b.Root().Node.ThisValuesNotInBook = bookstore.BookValues{
		WinLossValue: 0.12, ScoreMean: 0.7, SharpScoreMean: 0.6,
		WinLossError: 0.05, ScoreError: 0.4, ScoreStdev: 1.9,
		MaxPolicy: 0.44, Weight: 80, Visits: 80,
	}
	n1.Node.ThisValuesNotInBook = bookstore.BookValues{
		WinLossValue: -0.3, ScoreMean: -1.1, SharpScoreMean: -1.0,
		MaxPolicy: 0.2, Weight: 40, Visits: 40,
	}
	n2.Node.ThisValuesNotInBook = bookstore.BookValues{
		WinLossValue: 0.05, MaxPolicy: 0.9, Weight: 25, Visits: 25,
	}
	n2.Node.CanReExpand = true
	n1.Node.CanExpand = false
	b.RecomputeEverything()
	return b
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b := buildBook(t)
	path := filepath.Join(t.TempDir(), "test.katabook")
	require.NoError(t, Save(b, path))

	loaded, err := Load(path, 2.0)
	require.NoError(t, err)

	require.Equal(t, b.Version, loaded.Version)
	require.Equal(t, b.RepBound, loaded.RepBound)
	require.Equal(t, b.Rules, loaded.Rules)
	require.Equal(t, b.InitialPla, loaded.InitialPla)
	require.True(t, b.InitialBoard.Equal(loaded.InitialBoard))
	require.Equal(t, b.Params, loaded.Params)
	require.Equal(t, b.Size(), loaded.Size())
	require.Equal(t, b.RootHash(), loaded.RootHash())

	orig := b.AllNodes()
	got := loaded.AllNodes()
	require.Equal(t, len(orig), len(got))
	for i := range orig {
		require.Equal(t, orig[i].Hash, got[i].Hash, "node order must survive the round trip")
		require.Equal(t, orig[i].Pla, got[i].Pla)
		require.Equal(t, orig[i].Stabilizers, got[i].Stabilizers)
		require.Equal(t, orig[i].CanExpand, got[i].CanExpand)
		require.Equal(t, orig[i].CanReExpand, got[i].CanReExpand)
		require.Equal(t, orig[i].ThisValuesNotInBook, got[i].ThisValuesNotInBook)
		require.Equal(t, orig[i].RecursiveValues, got[i].RecursiveValues)
		require.InDelta(t, orig[i].TotalExpansionCost, got[i].TotalExpansionCost, 1e-15)
		require.Equal(t, orig[i].Moves, got[i].Moves)
	}

	// Recomputing on the loaded book reproduces the stored values.
	loaded.RecomputeEverything()
	for i := range orig {
		require.Equal(t, orig[i].RecursiveValues, got[i].RecursiveValues)
		require.InDelta(t, orig[i].TotalExpansionCost, got[i].TotalExpansionCost, 1e-12)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.katabook"), 2.0)
	require.Error(t, err)
}

func TestConfigSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.katabook")
	require.NoError(t, SaveConfigSidecar(path, []byte("costPerMove = 0.45\n")))
	data, err := os.ReadFile(path + ".cfg")
	require.NoError(t, err)
	require.Contains(t, string(data), "costPerMove")
}
