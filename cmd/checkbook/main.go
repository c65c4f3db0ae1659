// Command checkbook verifies the integrity of a book file: every node's
// stored hash must match the hash of the position reached by replaying
// its moves from the root.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/config"
	"github.com/kennyfs/katabook/persist"
)

func main() {
	cfg, err := config.Load("checkbook", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if cfg.BookFile == "" {
		fmt.Fprintln(os.Stderr, "Error: --book-file is required")
		os.Exit(1)
	}

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	output.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	book, err := persist.Load(cfg.BookFile, cfg.SharpScoreOutlierCap())
	if err != nil {
		log.Error().Err(err).Msg("failed to load book")
		os.Exit(2)
	}
	log.Info().Int("nodes", book.Size()).Int("version", int(book.Version)).
		Str("file", cfg.BookFile).Msg("loaded preexisting book")

	log.Info().Msg("checking book...")
	failures := 0
	checked := 0
	for _, node := range book.AllNodes() {
		_, hist, _, err := book.AlignedNode(node)
		if err != nil {
			log.Warn().Str("hash", node.Hash.String()).Err(err).
				Msg("failed to get board history reaching node, probably there is some bug or a hash collision")
			failures++
			continue
		}
		rehash, _, _ := bookhash.Canonicalize(hist, book.RepBound, book.Version)
		if rehash != node.Hash {
			log.Warn().Str("hash", node.Hash.String()).Str("rehash", rehash.String()).
				Msg("book failed integrity check: node when walked to has a different hash")
			failures++
		}
		checked++
		if checked%10000 == 0 {
			log.Info().Int("checked", checked).Int("total", book.Size()).Msg("checking progress")
		}
	}

	if failures > 0 {
		log.Error().Int("failures", failures).Msg("book integrity check failed")
		os.Exit(2)
	}
	log.Info().Msg("done")
}
