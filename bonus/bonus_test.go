package bonus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/rules"
)

var testRules = rules.Rules{Komi: 7.5, Label: "area"}

func writeSGF(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bonus.sgf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBonusMarkerIsCollectedUnderEveryVersion(t *testing.T) {
	path := writeSGF(t, "(;GM[1]SZ[9]PL[B];B[ee]C[some text BONUS 5.0 more text])")
	f, err := LoadFile(path, testRules, 3)
	require.NoError(t, err)

	// One bonus position, hashed under each book version.
	require.Len(t, f.BonusByHash, int(bookhash.LatestVersion))
	for _, v := range f.BonusByHash {
		require.Equal(t, 5.0, v)
	}

	// The hash under the latest version matches replaying the move.
	h := rules.NewHistory(f.InitialBoard, f.InitialPla, testRules, 3)
	require.NoError(t, h.PlayMove(rules.MakeLoc(4, 4, 9), rules.Black)) // ee = center
	hash, _, _ := bookhash.Canonicalize(h, 3, bookhash.LatestVersion)
	require.Contains(t, f.BonusByHash, hash)
}

func TestVariationsAreWalked(t *testing.T) {
	path := writeSGF(t, "(;GM[1]SZ[9](;B[cc]C[BONUS 1.5])(;B[ee]C[BONUS 2.5]))")
	f, err := LoadFile(path, testRules, 3)
	require.NoError(t, err)
	// Two positions, two versions each.
	require.Len(t, f.BonusByHash, 2*int(bookhash.LatestVersion))
}

func TestSetupStonesAndPlayer(t *testing.T) {
	path := writeSGF(t, "(;GM[1]SZ[9]AB[cc][gg]PL[W];W[ee]C[BONUS 3])")
	f, err := LoadFile(path, testRules, 3)
	require.NoError(t, err)
	require.Equal(t, rules.White, f.InitialPla)
	// SGF row "c" is the third from the top: y = 9-1-2 = 6.
	require.Equal(t, rules.Black, f.InitialBoard.Get(rules.MakeLoc(2, 6, 9)))
	require.Equal(t, rules.Black, f.InitialBoard.Get(rules.MakeLoc(6, 2, 9)))
	require.NotEmpty(t, f.BonusByHash)
}

func TestCommentWithoutNumberIsIgnored(t *testing.T) {
	path := writeSGF(t, "(;GM[1]SZ[9];B[ee]C[BONUS but no number here])")
	f, err := LoadFile(path, testRules, 3)
	require.NoError(t, err)
	require.Empty(t, f.BonusByHash)
}

func TestEscapedBracketsInComments(t *testing.T) {
	path := writeSGF(t, `(;GM[1]SZ[9];B[ee]C[weird \] escape BONUS 4])`)
	f, err := LoadFile(path, testRules, 3)
	require.NoError(t, err)
	require.Len(t, f.BonusByHash, int(bookhash.LatestVersion))
}
