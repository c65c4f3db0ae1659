package bookstore

// SentinelValue marks thisValuesNotInBook when a node has no new moves
// left; the sign is chosen so the sentinel always loses from the
// perspective of the player to move.
const SentinelValue = 1e20

// BookValues are the searcher's estimates of the best move from a node
// that is not yet in the book. All values are from White's perspective.
type BookValues struct {
	WinLossValue   float64
	ScoreMean      float64
	SharpScoreMean float64
	WinLossError   float64
	ScoreError     float64
	ScoreStdev     float64
	MaxPolicy      float64
	Weight         float64
	Visits         float64
}

// RecursiveValues aggregate the best line below a node: value fields from
// the best candidate (best in-book child or the node's own
// thisValuesNotInBook), visits and weight summed over the whole subtree.
type RecursiveValues struct {
	WinLossValue   float64
	ScoreMean      float64
	SharpScoreMean float64
	WinLossError   float64
	ScoreError     float64
	ScoreStdev     float64
	Weight         float64
	Visits         float64
}
