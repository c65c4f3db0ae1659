// Package persist saves and loads books. A book is a single sqlite
// database: a meta table holding the header (version, rules, initial
// position, every cost/bonus parameter) and nodes/edges tables holding the
// graph in its original insertion order, so a save/load round trip is
// exact. A sidecar <book>.cfg keeps the configuration text the book was
// built with.
package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/bookstore"
	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/rules"
)

var ErrBookHeader = errors.New("invalid book header")

const schema = `
CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE nodes (
	node_idx INTEGER PRIMARY KEY,
	hash BLOB NOT NULL UNIQUE,
	pla INTEGER NOT NULL,
	stabilizers INTEGER NOT NULL,
	can_expand INTEGER NOT NULL,
	can_reexpand INTEGER NOT NULL,
	win_loss REAL NOT NULL, score_mean REAL NOT NULL, sharp_score REAL NOT NULL,
	wl_error REAL NOT NULL, score_error REAL NOT NULL, score_stdev REAL NOT NULL,
	max_policy REAL NOT NULL, weight REAL NOT NULL, visits REAL NOT NULL,
	r_win_loss REAL NOT NULL, r_score_mean REAL NOT NULL, r_sharp_score REAL NOT NULL,
	r_wl_error REAL NOT NULL, r_score_error REAL NOT NULL, r_score_stdev REAL NOT NULL,
	r_weight REAL NOT NULL, r_visits REAL NOT NULL,
	expansion_cost REAL NOT NULL
);
CREATE TABLE edges (
	parent_hash BLOB NOT NULL,
	move_idx INTEGER NOT NULL,
	move INTEGER NOT NULL,
	sym INTEGER NOT NULL,
	child_hash BLOB NOT NULL,
	raw_policy REAL NOT NULL,
	PRIMARY KEY (parent_hash, move_idx)
);
`

// openForRead opens an existing book database, sizing sqlite's page cache
// off total system memory so loading a large book does not thrash.
func openForRead(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	cacheKB := memory.TotalMemory() / 1024 / 64
	if cacheKB > 1<<21 {
		cacheKB = 1 << 21
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA cache_size=-%d", cacheKB)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Save atomically writes the book: a fresh database is built at a
// temporary path and renamed over the target.
func Save(b *bookstore.Book, path string) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return err
	}
	if err := save(b, db); err != nil {
		db.Close()
		os.Remove(tmp)
		return err
	}
	if err := db.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func save(b *bookstore.Book, db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=OFF"); err != nil {
		return err
	}
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveMeta(b, tx); err != nil {
		return err
	}

	insNode, err := tx.Prepare(`INSERT INTO nodes (
		node_idx, hash, pla, stabilizers, can_expand, can_reexpand,
		win_loss, score_mean, sharp_score, wl_error, score_error, score_stdev,
		max_policy, weight, visits,
		r_win_loss, r_score_mean, r_sharp_score, r_wl_error, r_score_error, r_score_stdev,
		r_weight, r_visits, expansion_cost
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer insNode.Close()
	insEdge, err := tx.Prepare(`INSERT INTO edges (parent_hash, move_idx, move, sym, child_hash, raw_policy) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer insEdge.Close()

	for idx, n := range b.AllNodes() {
		tv := n.ThisValuesNotInBook
		rv := n.RecursiveValues
		if _, err := insNode.Exec(
			idx, n.Hash[:], int(n.Pla), stabilizerMask(n.Stabilizers), boolInt(n.CanExpand), boolInt(n.CanReExpand),
			tv.WinLossValue, tv.ScoreMean, tv.SharpScoreMean, tv.WinLossError, tv.ScoreError, tv.ScoreStdev,
			tv.MaxPolicy, tv.Weight, tv.Visits,
			rv.WinLossValue, rv.ScoreMean, rv.SharpScoreMean, rv.WinLossError, rv.ScoreError, rv.ScoreStdev,
			rv.Weight, rv.Visits, n.TotalExpansionCost,
		); err != nil {
			return err
		}
		for mi, mv := range n.Moves {
			if _, err := insEdge.Exec(n.Hash[:], mi, int(mv.Move), int(mv.SymmetryToAlign), mv.ChildHash[:], mv.RawPolicy); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func saveMeta(b *bookstore.Book, tx *sql.Tx) error {
	p := b.Params
	meta := [][2]string{
		{"bookVersion", strconv.Itoa(int(b.Version))},
		{"repBound", strconv.Itoa(b.RepBound)},
		{"komi", floatStr(b.Rules.Komi)},
		{"rulesLabel", b.Rules.Label},
		{"initialBoard", fmt.Sprintf("%x", b.InitialBoard.Encode())},
		{"initialPla", strconv.Itoa(int(b.InitialPla))},
		{"rootHash", b.RootHash().String()},
		{"sharpScoreOutlierCap", floatStr(b.SharpScoreOutlierCap)},
		{"errorFactor", floatStr(p.ErrorFactor)},
		{"costPerMove", floatStr(p.CostPerMove)},
		{"costPerUCBWinLossLoss", floatStr(p.CostPerUCBWinLossLoss)},
		{"costPerUCBWinLossLossPow3", floatStr(p.CostPerUCBWinLossLossPow3)},
		{"costPerUCBWinLossLossPow7", floatStr(p.CostPerUCBWinLossLossPow7)},
		{"costPerUCBScoreLoss", floatStr(p.CostPerUCBScoreLoss)},
		{"costPerLogPolicy", floatStr(p.CostPerLogPolicy)},
		{"costPerMovesExpanded", floatStr(p.CostPerMovesExpanded)},
		{"costPerSquaredMovesExpanded", floatStr(p.CostPerSquaredMovesExpanded)},
		{"costWhenPassFavored", floatStr(p.CostWhenPassFavored)},
		{"bonusPerWinLossError", floatStr(p.BonusPerWinLossError)},
		{"bonusPerScoreError", floatStr(p.BonusPerScoreError)},
		{"bonusPerSharpScoreDiscrepancy", floatStr(p.BonusPerSharpScoreDiscrepancy)},
		{"bonusPerExcessUnexpandedPolicy", floatStr(p.BonusPerExcessUnexpandedPolicy)},
		{"bonusForWLPV1", floatStr(p.BonusForWLPV1)},
		{"bonusForWLPV2", floatStr(p.BonusForWLPV2)},
		{"bonusForBiggestWLCost", floatStr(p.BonusForBiggestWLCost)},
		{"scoreLossCap", floatStr(p.ScoreLossCap)},
		{"utilityPerScore", floatStr(p.UtilityPerScore)},
		{"policyBoostSoftUtilityScale", floatStr(p.PolicyBoostSoftUtilityScale)},
		{"utilityPerPolicyForSorting", floatStr(p.UtilityPerPolicyForSorting)},
		{"maxVisitsForReExpansion", floatStr(p.MaxVisitsForReExpansion)},
	}
	ins, err := tx.Prepare("INSERT INTO meta (key, value) VALUES (?,?)")
	if err != nil {
		return err
	}
	defer ins.Close()
	for _, kv := range meta {
		if _, err := ins.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a book back. The caller should RecomputeEverything once
// bonuses are installed; the stored costs are only used to verify round
// trips.
func Load(path string, sharpScoreOutlierCap float64) (*bookstore.Book, error) {
	db, err := openForRead(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	meta, err := readMeta(db)
	if err != nil {
		return nil, err
	}
	b, err := bookFromMeta(meta, sharpScoreOutlierCap)
	if err != nil {
		return nil, err
	}
	if err := loadNodes(db, b); err != nil {
		return nil, err
	}
	if err := loadEdges(db, b); err != nil {
		return nil, err
	}
	if err := b.RebuildParentEdges(); err != nil {
		return nil, err
	}
	rootHash, err := bookhash.HashFromString(meta["rootHash"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad rootHash: %v", ErrBookHeader, err)
	}
	if err := b.CheckRoot(rootHash); err != nil {
		return nil, err
	}
	log.Debug().Int("nodes", b.Size()).Str("path", path).Msg("loaded book")
	return b, nil
}

func readMeta(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT key, value FROM meta")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func bookFromMeta(meta map[string]string, sharpScoreOutlierCap float64) (*bookstore.Book, error) {
	get := func(key string) (string, error) {
		v, ok := meta[key]
		if !ok {
			return "", fmt.Errorf("%w: missing %s", ErrBookHeader, key)
		}
		return v, nil
	}
	getF := func(key string) (float64, error) {
		v, err := get(key)
		if err != nil {
			return 0, err
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad %s: %v", ErrBookHeader, key, err)
		}
		return f, nil
	}
	getI := func(key string) (int, error) {
		v, err := get(key)
		if err != nil {
			return 0, err
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: bad %s: %v", ErrBookHeader, key, err)
		}
		return i, nil
	}

	version, err := getI("bookVersion")
	if err != nil {
		return nil, err
	}
	if err := bookhash.Version(version).Validate(); err != nil {
		return nil, err
	}
	repBound, err := getI("repBound")
	if err != nil {
		return nil, err
	}
	komi, err := getF("komi")
	if err != nil {
		return nil, err
	}
	label, err := get("rulesLabel")
	if err != nil {
		return nil, err
	}
	boardHex, err := get("initialBoard")
	if err != nil {
		return nil, err
	}
	var boardBytes []byte
	if _, err := fmt.Sscanf(boardHex, "%x", &boardBytes); err != nil {
		return nil, fmt.Errorf("%w: bad initialBoard: %v", ErrBookHeader, err)
	}
	board, err := rules.DecodeBoard(boardBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBookHeader, err)
	}
	plaInt, err := getI("initialPla")
	if err != nil {
		return nil, err
	}

	var p cost.Params
	fields := []struct {
		key string
		dst *float64
	}{
		{"errorFactor", &p.ErrorFactor},
		{"costPerMove", &p.CostPerMove},
		{"costPerUCBWinLossLoss", &p.CostPerUCBWinLossLoss},
		{"costPerUCBWinLossLossPow3", &p.CostPerUCBWinLossLossPow3},
		{"costPerUCBWinLossLossPow7", &p.CostPerUCBWinLossLossPow7},
		{"costPerUCBScoreLoss", &p.CostPerUCBScoreLoss},
		{"costPerLogPolicy", &p.CostPerLogPolicy},
		{"costPerMovesExpanded", &p.CostPerMovesExpanded},
		{"costPerSquaredMovesExpanded", &p.CostPerSquaredMovesExpanded},
		{"costWhenPassFavored", &p.CostWhenPassFavored},
		{"bonusPerWinLossError", &p.BonusPerWinLossError},
		{"bonusPerScoreError", &p.BonusPerScoreError},
		{"bonusPerSharpScoreDiscrepancy", &p.BonusPerSharpScoreDiscrepancy},
		{"bonusPerExcessUnexpandedPolicy", &p.BonusPerExcessUnexpandedPolicy},
		{"bonusForWLPV1", &p.BonusForWLPV1},
		{"bonusForWLPV2", &p.BonusForWLPV2},
		{"bonusForBiggestWLCost", &p.BonusForBiggestWLCost},
		{"scoreLossCap", &p.ScoreLossCap},
		{"utilityPerScore", &p.UtilityPerScore},
		{"policyBoostSoftUtilityScale", &p.PolicyBoostSoftUtilityScale},
		{"utilityPerPolicyForSorting", &p.UtilityPerPolicyForSorting},
		{"maxVisitsForReExpansion", &p.MaxVisitsForReExpansion},
	}
	for _, f := range fields {
		v, err := getF(f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	if capStr, ok := meta["sharpScoreOutlierCap"]; ok && sharpScoreOutlierCap == 0 {
		if v, err := strconv.ParseFloat(capStr, 64); err == nil {
			sharpScoreOutlierCap = v
		}
	}

	return bookstore.NewLoaded(
		bookhash.Version(version), board, rules.Rules{Komi: komi, Label: label},
		rules.Player(plaInt), repBound, p, sharpScoreOutlierCap,
	)
}

func loadNodes(db *sql.DB, b *bookstore.Book) error {
	rows, err := db.Query(`SELECT hash, pla, stabilizers, can_expand, can_reexpand,
		win_loss, score_mean, sharp_score, wl_error, score_error, score_stdev,
		max_policy, weight, visits,
		r_win_loss, r_score_mean, r_sharp_score, r_wl_error, r_score_error, r_score_stdev,
		r_weight, r_visits, expansion_cost
		FROM nodes ORDER BY node_idx`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var hashBytes []byte
		var pla, stabilizers, canExpand, canReExpand int
		var tv bookstore.BookValues
		var rv bookstore.RecursiveValues
		var expCost float64
		if err := rows.Scan(&hashBytes, &pla, &stabilizers, &canExpand, &canReExpand,
			&tv.WinLossValue, &tv.ScoreMean, &tv.SharpScoreMean, &tv.WinLossError, &tv.ScoreError, &tv.ScoreStdev,
			&tv.MaxPolicy, &tv.Weight, &tv.Visits,
			&rv.WinLossValue, &rv.ScoreMean, &rv.SharpScoreMean, &rv.WinLossError, &rv.ScoreError, &rv.ScoreStdev,
			&rv.Weight, &rv.Visits, &expCost,
		); err != nil {
			return err
		}
		if len(hashBytes) != 16 {
			return fmt.Errorf("node hash has length %d", len(hashBytes))
		}
		var h bookhash.Hash
		copy(h[:], hashBytes)
		if err := b.InstallLoadedNode(h, rules.Player(pla), stabilizersFromMask(stabilizers), canExpand != 0, canReExpand != 0, tv, rv, expCost); err != nil {
			return err
		}
	}
	return rows.Err()
}

func loadEdges(db *sql.DB, b *bookstore.Book) error {
	rows, err := db.Query("SELECT parent_hash, move_idx, move, sym, child_hash, raw_policy FROM edges ORDER BY parent_hash, move_idx")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var parentBytes, childBytes []byte
		var moveIdx, move, sym int
		var rawPolicy float64
		if err := rows.Scan(&parentBytes, &moveIdx, &move, &sym, &childBytes, &rawPolicy); err != nil {
			return err
		}
		var parent, child bookhash.Hash
		copy(parent[:], parentBytes)
		copy(child[:], childBytes)
		if err := b.InstallLoadedEdge(parent, moveIdx, rules.Loc(move), bookhash.Symmetry(sym), child, rawPolicy); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveConfigSidecar writes the configuration text next to the book file.
func SaveConfigSidecar(bookPath string, contents []byte) error {
	return os.WriteFile(bookPath+".cfg", contents, 0o644)
}

func stabilizerMask(syms []bookhash.Symmetry) int {
	mask := 0
	for _, s := range syms {
		mask |= 1 << int(s)
	}
	return mask
}

func stabilizersFromMask(mask int) []bookhash.Symmetry {
	var syms []bookhash.Symmetry
	for s := 0; s < bookhash.NumSymmetries; s++ {
		if mask&(1<<s) != 0 {
			syms = append(syms, bookhash.Symmetry(s))
		}
	}
	return syms
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatStr(f float64) string {
	return strconv.FormatFloat(f, 'g', 17, 64)
}
