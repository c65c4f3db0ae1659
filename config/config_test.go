package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
boardSizeX: 9
boardSizeY: 9
repBound: 5
komi: 6.5
costPerMove: 0.9
numGameThreads: 4
maxVisits: 250
maxVisitsForLeaves: 50
someUnknownKey: 1
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	return path
}

func TestLoadMergesFlagsAndFile(t *testing.T) {
	path := writeConfig(t)
	cfg, err := Load("genbook", []string{
		"--config", path,
		"--book-file", "/tmp/x.katabook",
		"--num-iters", "12",
		"--save-every", "4",
	})
	require.NoError(t, err)

	require.Equal(t, "/tmp/x.katabook", cfg.BookFile)
	require.Equal(t, 12, cfg.NumIterations)
	require.Equal(t, 4, cfg.SaveEveryIterations)

	require.Equal(t, 9, cfg.BoardSizeX())
	require.Equal(t, 5, cfg.RepBound())
	require.Equal(t, 6.5, cfg.Komi())
	require.Equal(t, 4, cfg.NumGameThreads())
	require.Equal(t, int64(250), cfg.SearchParams().MaxVisits)
	require.Equal(t, int64(50), cfg.MaxVisitsForLeaves())

	// File values override defaults; untouched keys keep defaults.
	p := cfg.CostParams()
	require.Equal(t, 0.9, p.CostPerMove)
	require.Equal(t, 1.0, p.ErrorFactor)

	require.Contains(t, string(cfg.Contents()), "costPerMove")
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("genbook", []string{"--book-file", "b.katabook"})
	require.NoError(t, err)
	require.Equal(t, 19, cfg.BoardSizeX())
	require.Equal(t, 7, cfg.RepBound())
	require.NotZero(t, cfg.CostParams().CostPerMove)
	require.Empty(t, cfg.Contents())
}

func TestBadFlagFails(t *testing.T) {
	_, err := Load("genbook", []string{"--no-such-flag"})
	require.Error(t, err)
}
