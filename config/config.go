// Package config loads CLI flags and the book configuration file. Flags
// cover the run-control surface (files, iteration counts); the cost/bonus
// hyperparameters and search settings live in a config file whose raw text
// is also persisted as the book's sidecar.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/searcher"
)

// Config is the merged view of flags and config-file settings for one
// binary invocation.
type Config struct {
	v  *viper.Viper
	fs *pflag.FlagSet

	ConfigFile string
	BookFile   string
	LogFile    string

	NumIterations       int
	SaveEveryIterations int

	TraceBookFile      string
	TraceBookMinVisits float64

	BonusFile               string
	AllowChangingBookParams bool

	HTMLDir       string
	HTMLDevMode   bool
	HTMLMinVisits float64

	Debug bool

	raw []byte
}

// knownKeys are the config-file keys the engine reads; anything else in
// the file triggers a warning at startup.
var knownKeys = []string{
	"boardSizeX", "boardSizeY", "repBound", "komi", "rulesLabel",
	"errorFactor", "costPerMove",
	"costPerUCBWinLossLoss", "costPerUCBWinLossLossPow3", "costPerUCBWinLossLossPow7",
	"costPerUCBScoreLoss", "costPerLogPolicy",
	"costPerMovesExpanded", "costPerSquaredMovesExpanded", "costWhenPassFavored",
	"bonusPerWinLossError", "bonusPerScoreError", "bonusPerSharpScoreDiscrepancy",
	"bonusPerExcessUnexpandedPolicy",
	"bonusForWLPV1", "bonusForWLPV2", "bonusForBiggestWLCost",
	"scoreLossCap", "utilityPerScore", "policyBoostSoftUtilityScale",
	"utilityPerPolicyForSorting", "maxVisitsForReExpansion", "sharpScoreOutlierCap",
	"maxVisits", "numSearchThreads", "wideRootNoise",
	"cpuctExploration", "cpuctExplorationLog",
	"wideRootNoiseBookExplore", "cpuctExplorationLogBookExplore",
	"minTreeVisitsToRecord", "maxDepthToRecord", "maxVisitsForLeaves",
	"numGameThreads", "numToExpandPerIteration",
	"logSearchInfo", "searchSeed",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("boardSizeX", 19)
	v.SetDefault("boardSizeY", 19)
	v.SetDefault("repBound", 7)
	v.SetDefault("komi", 7.5)
	v.SetDefault("rulesLabel", "area")

	v.SetDefault("errorFactor", 1.0)
	v.SetDefault("costPerMove", 0.45)
	v.SetDefault("costPerUCBWinLossLoss", 2.0)
	v.SetDefault("costPerUCBWinLossLossPow3", 1.25)
	v.SetDefault("costPerUCBWinLossLossPow7", 1.0)
	v.SetDefault("costPerUCBScoreLoss", 0.25)
	v.SetDefault("costPerLogPolicy", 0.08)
	v.SetDefault("costPerMovesExpanded", 0.5)
	v.SetDefault("costPerSquaredMovesExpanded", 0.0)
	v.SetDefault("costWhenPassFavored", 1.0)
	v.SetDefault("bonusPerWinLossError", 0.5)
	v.SetDefault("bonusPerScoreError", 0.1)
	v.SetDefault("bonusPerSharpScoreDiscrepancy", 0.3)
	v.SetDefault("bonusPerExcessUnexpandedPolicy", 1.0)
	v.SetDefault("bonusForWLPV1", 0.02)
	v.SetDefault("bonusForWLPV2", 0.01)
	v.SetDefault("bonusForBiggestWLCost", 0.2)
	v.SetDefault("scoreLossCap", 0.95)
	v.SetDefault("utilityPerScore", 0.1)
	v.SetDefault("policyBoostSoftUtilityScale", 0.03)
	v.SetDefault("utilityPerPolicyForSorting", 0.3)
	v.SetDefault("maxVisitsForReExpansion", 0.0)
	v.SetDefault("sharpScoreOutlierCap", 2.0)

	v.SetDefault("maxVisits", 100)
	v.SetDefault("numSearchThreads", 1)
	v.SetDefault("wideRootNoise", 0.0)
	v.SetDefault("cpuctExploration", 1.0)
	v.SetDefault("cpuctExplorationLog", 0.45)
	v.SetDefault("wideRootNoiseBookExplore", 0.05)
	v.SetDefault("cpuctExplorationLogBookExplore", 1.0)

	v.SetDefault("minTreeVisitsToRecord", 20)
	v.SetDefault("maxDepthToRecord", 3)
	v.SetDefault("maxVisitsForLeaves", 30)

	v.SetDefault("numGameThreads", 1)
	v.SetDefault("numToExpandPerIteration", 1)

	v.SetDefault("logSearchInfo", false)
	v.SetDefault("searchSeed", 0)
}

// Load parses args for the named binary and reads the config file if one
// was given.
func Load(name string, args []string) (*Config, error) {
	c := &Config{v: viper.New()}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c.fs = fs

	fs.StringVar(&c.ConfigFile, "config", "", "config file holding book and search parameters")
	fs.StringVar(&c.BookFile, "book-file", "", "book file to write to or continue expanding")
	fs.StringVar(&c.LogFile, "log-file", "", "log file to write to")
	fs.IntVar(&c.NumIterations, "num-iters", 0, "number of iterations to expand book")
	fs.IntVar(&c.SaveEveryIterations, "save-every", 0, "number of iterations per save to book file")
	fs.StringVar(&c.TraceBookFile, "trace-book-file", "", "other book file we should copy all the lines from")
	fs.Float64Var(&c.TraceBookMinVisits, "trace-book-min-visits", 0, "require >= this many visits for copying from the trace book")
	fs.StringVar(&c.BonusFile, "bonus-file", "", "SGF of bonuses marked")
	fs.BoolVar(&c.AllowChangingBookParams, "allow-changing-book-params", false, "allow changing book params")
	fs.StringVar(&c.HTMLDir, "html-dir", "", "HTML directory to export to, at the end of the run")
	fs.BoolVar(&c.HTMLDevMode, "html-dev-mode", false, "denser debug output for html")
	fs.Float64Var(&c.HTMLMinVisits, "html-min-visits", 0, "require >= this many visits to export a position to html")
	fs.BoolVar(&c.Debug, "debug", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	setDefaults(c.v)
	if c.ConfigFile != "" {
		c.v.SetConfigFile(c.ConfigFile)
		if err := c.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", c.ConfigFile, err)
		}
		raw, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return nil, err
		}
		c.raw = raw
	}
	return c, nil
}

// Contents is the raw config-file text, saved as the book's sidecar.
func (c *Config) Contents() []byte { return c.raw }

func (c *Config) BoardSizeX() int { return c.v.GetInt("boardSizeX") }
func (c *Config) BoardSizeY() int { return c.v.GetInt("boardSizeY") }
func (c *Config) RepBound() int   { return c.v.GetInt("repBound") }
func (c *Config) Komi() float64   { return c.v.GetFloat64("komi") }
func (c *Config) RulesLabel() string {
	return c.v.GetString("rulesLabel")
}

func (c *Config) SharpScoreOutlierCap() float64 { return c.v.GetFloat64("sharpScoreOutlierCap") }

func (c *Config) NumGameThreads() int          { return c.v.GetInt("numGameThreads") }
func (c *Config) NumToExpandPerIteration() int { return c.v.GetInt("numToExpandPerIteration") }
func (c *Config) MinTreeVisitsToRecord() int64 { return c.v.GetInt64("minTreeVisitsToRecord") }
func (c *Config) MaxDepthToRecord() int        { return c.v.GetInt("maxDepthToRecord") }
func (c *Config) MaxVisitsForLeaves() int64    { return c.v.GetInt64("maxVisitsForLeaves") }
func (c *Config) LogSearchInfo() bool          { return c.v.GetBool("logSearchInfo") }
func (c *Config) SearchSeed() uint64           { return c.v.GetUint64("searchSeed") }

func (c *Config) WideRootNoiseBookExplore() float64 {
	return c.v.GetFloat64("wideRootNoiseBookExplore")
}

func (c *Config) CpuctExplorationLogBookExplore() float64 {
	return c.v.GetFloat64("cpuctExplorationLogBookExplore")
}

// CostParams assembles the book's cost/bonus hyperparameters.
func (c *Config) CostParams() cost.Params {
	g := c.v.GetFloat64
	return cost.Params{
		ErrorFactor:                    g("errorFactor"),
		CostPerMove:                    g("costPerMove"),
		CostPerUCBWinLossLoss:          g("costPerUCBWinLossLoss"),
		CostPerUCBWinLossLossPow3:      g("costPerUCBWinLossLossPow3"),
		CostPerUCBWinLossLossPow7:      g("costPerUCBWinLossLossPow7"),
		CostPerUCBScoreLoss:            g("costPerUCBScoreLoss"),
		CostPerLogPolicy:               g("costPerLogPolicy"),
		CostPerMovesExpanded:           g("costPerMovesExpanded"),
		CostPerSquaredMovesExpanded:    g("costPerSquaredMovesExpanded"),
		CostWhenPassFavored:            g("costWhenPassFavored"),
		BonusPerWinLossError:           g("bonusPerWinLossError"),
		BonusPerScoreError:             g("bonusPerScoreError"),
		BonusPerSharpScoreDiscrepancy:  g("bonusPerSharpScoreDiscrepancy"),
		BonusPerExcessUnexpandedPolicy: g("bonusPerExcessUnexpandedPolicy"),
		BonusForWLPV1:                  g("bonusForWLPV1"),
		BonusForWLPV2:                  g("bonusForWLPV2"),
		BonusForBiggestWLCost:          g("bonusForBiggestWLCost"),
		ScoreLossCap:                   g("scoreLossCap"),
		UtilityPerScore:                g("utilityPerScore"),
		PolicyBoostSoftUtilityScale:    g("policyBoostSoftUtilityScale"),
		UtilityPerPolicyForSorting:     g("utilityPerPolicyForSorting"),
		MaxVisitsForReExpansion:        g("maxVisitsForReExpansion"),
	}
}

// SearchParams assembles the baseline search settings; the expansion
// driver overrides exploration knobs per call.
func (c *Config) SearchParams() searcher.Params {
	return searcher.Params{
		MaxVisits:           c.v.GetInt64("maxVisits"),
		NumThreads:          c.v.GetInt("numSearchThreads"),
		WideRootNoise:       c.v.GetFloat64("wideRootNoise"),
		CpuctExploration:    c.v.GetFloat64("cpuctExploration"),
		CpuctExplorationLog: c.v.GetFloat64("cpuctExplorationLog"),
	}
}

// WarnUnused logs any config-file key the engine never reads, so typos in
// hyperparameter names do not silently fall back to defaults.
func (c *Config) WarnUnused() {
	known := make(map[string]bool, len(knownKeys))
	for _, k := range knownKeys {
		// viper lowercases keys.
		known[strings.ToLower(k)] = true
	}
	for _, k := range c.v.AllKeys() {
		if !known[k] {
			log.Warn().Str("key", k).Msg("config key is not used by anything")
		}
	}
}
