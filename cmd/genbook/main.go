package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kennyfs/katabook/bonus"
	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/bookstore"
	"github.com/kennyfs/katabook/config"
	"github.com/kennyfs/katabook/expand"
	"github.com/kennyfs/katabook/nneval"
	"github.com/kennyfs/katabook/persist"
	"github.com/kennyfs/katabook/rules"
	"github.com/kennyfs/katabook/searcher"
	"github.com/kennyfs/katabook/trace"
)

func main() {
	cfg, err := config.Load("genbook", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if cfg.BookFile == "" {
		fmt.Fprintln(os.Stderr, "Error: --book-file is required")
		os.Exit(1)
	}

	setupLogging(cfg)
	cfg.WarnUnused()

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("genbook failed")
		os.Exit(2)
	}
	log.Info().Msg("done")
}

func setupLogging(cfg *config.Config) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	output.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	var w zerolog.LevelWriter = zerolog.MultiLevelWriter(output)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error opening log file:", err)
			os.Exit(1)
		}
		w = zerolog.MultiLevelWriter(output, f)
	}
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	log.Logger = logger
}

func run(cfg *config.Config) error {
	r := rules.Rules{Komi: cfg.Komi(), Label: cfg.RulesLabel()}
	repBound := cfg.RepBound()

	// Bonus file, if any. Bonuses are hashed under every book version so
	// they survive version upgrades.
	var bonusFile *bonus.File
	if cfg.BonusFile != "" {
		var err error
		bonusFile, err = bonus.LoadFile(cfg.BonusFile, r, repBound)
		if err != nil {
			return fmt.Errorf("loading bonus file: %w", err)
		}
		if bonusFile.InitialBoard.XSize != cfg.BoardSizeX() || bonusFile.InitialBoard.YSize != cfg.BoardSizeY() {
			return errors.New("board size in config does not match the board size of the bonus file")
		}
	}

	initialBoard := rules.NewBoard(cfg.BoardSizeX(), cfg.BoardSizeY())
	initialPla := rules.Black
	if bonusFile != nil {
		initialBoard = bonusFile.InitialBoard
		initialPla = bonusFile.InitialPla
	}

	book, created, err := loadOrCreateBook(cfg, initialBoard, initialPla, r, repBound)
	if err != nil {
		return err
	}
	if bonusFile != nil && !created {
		if !bonusFile.InitialBoard.Equal(book.InitialBoard) {
			return errors.New("book initial board and initial board in bonus sgf file do not match")
		}
		if bonusFile.InitialPla != book.InitialPla {
			return errors.New("book initial player and initial player in bonus sgf file do not match")
		}
	}

	var traceBook *bookstore.Book
	if cfg.TraceBookFile != "" {
		if cfg.NumIterations > 0 {
			return errors.New("cannot specify iterations and trace book at the same time")
		}
		traceBook, err = persist.Load(cfg.TraceBookFile, cfg.SharpScoreOutlierCap())
		if err != nil {
			return fmt.Errorf("loading trace book: %w", err)
		}
		traceBook.RecomputeEverything()
		log.Info().Int("nodes", traceBook.Size()).Str("file", cfg.TraceBookFile).
			Float64("minVisits", cfg.TraceBookMinVisits).Msg("loaded trace book")
	}

	if bonusFile != nil {
		book.SetBonusByHash(bonusFile.BonusByHash)
	}
	book.RecomputeEverything()

	// Go's atomic.Bool is always lock-free, so a signal handler can set it
	// safely; platforms without lock-free atomics do not build Go at all.
	var shouldStop atomic.Bool
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("got quit signal, stopping at next safe point")
		shouldStop.Store(true)
	}()

	nn := nneval.NewStub(repBound, book.Version, cfg.SearchSeed())
	searchers := make([]searcher.Searcher, cfg.NumGameThreads())
	for i := range searchers {
		searchers[i] = searcher.NewStub(nn, repBound, book.Version, cfg.SearchSeed())
	}

	saveBook := func() error {
		if err := persist.Save(book, cfg.BookFile); err != nil {
			return err
		}
		return persist.SaveConfigSidecar(cfg.BookFile, cfg.Contents())
	}

	pool, err := expand.New(book, searchers, nn, cfg.SearchParams(), expand.Config{
		NumIterations:                  cfg.NumIterations,
		SaveEveryIterations:            cfg.SaveEveryIterations,
		NumGameThreads:                 cfg.NumGameThreads(),
		NumToExpandPerIteration:        cfg.NumToExpandPerIteration(),
		MinTreeVisitsToRecord:          cfg.MinTreeVisitsToRecord(),
		MaxDepthToRecord:               cfg.MaxDepthToRecord(),
		MaxVisitsForLeaves:             cfg.MaxVisitsForLeaves(),
		WideRootNoiseBookExplore:       cfg.WideRootNoiseBookExplore(),
		CpuctExplorationLogBookExplore: cfg.CpuctExplorationLogBookExplore(),
		LogSearchInfo:                  cfg.LogSearchInfo(),
	}, &shouldStop, saveBook)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if traceBook != nil {
		importer := trace.New(pool, traceBook, cfg.TraceBookMinVisits, cfg.NumGameThreads(), nn, &shouldStop)
		if err := importer.Run(ctx); err != nil {
			// An interrupted trace must not overwrite the target book.
			return err
		}
	} else if cfg.NumIterations > 0 {
		if err := pool.Run(ctx); err != nil {
			return err
		}
	}

	if traceBook != nil || cfg.NumIterations > 0 || created {
		log.Info().Str("file", cfg.BookFile).Msg("saving book")
		if err := saveBook(); err != nil {
			return err
		}
	}

	if cfg.HTMLDir != "" {
		log.Warn().Str("dir", cfg.HTMLDir).Msg("html export is not implemented in this build; skipping")
	}
	return nil
}

// loadOrCreateBook opens an existing book file, validating its parameters
// against the config, or creates a new one at the configured position.
func loadOrCreateBook(cfg *config.Config, initialBoard *rules.Board, initialPla rules.Player, r rules.Rules, repBound int) (*bookstore.Book, bool, error) {
	params := cfg.CostParams()
	if _, err := os.Stat(cfg.BookFile); err == nil {
		book, err := persist.Load(cfg.BookFile, cfg.SharpScoreOutlierCap())
		if err != nil {
			return nil, false, err
		}
		if book.InitialBoard.XSize != cfg.BoardSizeX() ||
			book.InitialBoard.YSize != cfg.BoardSizeY() ||
			book.RepBound != repBound ||
			!book.Rules.Equal(r) {
			return nil, false, errors.New("book parameters do not match config")
		}
		if !book.Params.Equal(params) {
			if !cfg.AllowChangingBookParams {
				return nil, false, errors.New("book cost parameters do not match config; rerun with --allow-changing-book-params to adopt the new values")
			}
			log.Info().Interface("old", book.Params).Interface("new", params).Msg("changing book params")
			book.Params = params
		}
		log.Info().Int("nodes", book.Size()).Int("version", int(book.Version)).
			Str("file", cfg.BookFile).Msg("loaded preexisting book")
		return book, false, nil
	}

	log.Info().Str("file", cfg.BookFile).Msg("creating new book")
	log.Info().Msg("initial position:\n" + initialBoard.String())
	book, err := bookstore.New(bookhash.LatestVersion, initialBoard, r, initialPla, repBound, params, cfg.SharpScoreOutlierCap())
	if err != nil {
		return nil, false, err
	}
	if err := persist.Save(book, cfg.BookFile); err != nil {
		return nil, false, err
	}
	if err := persist.SaveConfigSidecar(cfg.BookFile, cfg.Contents()); err != nil {
		return nil, false, err
	}
	return book, true, nil
}
