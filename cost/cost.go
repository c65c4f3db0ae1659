// Package cost computes the expansion priority of book frontier candidates.
// Everything here is a pure function of stored node state, so a recompute
// pass over the graph is order-independent.
package cost

import "math"

const (
	// minPolicyForLog floors the policy prior inside the log penalty.
	minPolicyForLog = 1e-30
	// winLossErrorBonusFloor is how much win/loss error a candidate must
	// carry before the per-error bonus starts paying out.
	winLossErrorBonusFloor = 0.05
)

// Params are the cost/bonus hyperparameters of a book. They are persisted
// in the book header; a loaded book refuses new values unless the operator
// explicitly allows changing them.
type Params struct {
	ErrorFactor                    float64
	CostPerMove                    float64
	CostPerUCBWinLossLoss          float64
	CostPerUCBWinLossLossPow3      float64
	CostPerUCBWinLossLossPow7      float64
	CostPerUCBScoreLoss            float64
	CostPerLogPolicy               float64
	CostPerMovesExpanded           float64
	CostPerSquaredMovesExpanded    float64
	CostWhenPassFavored            float64
	BonusPerWinLossError           float64
	BonusPerScoreError             float64
	BonusPerSharpScoreDiscrepancy  float64
	BonusPerExcessUnexpandedPolicy float64
	BonusForWLPV1                  float64
	BonusForWLPV2                  float64
	BonusForBiggestWLCost          float64
	ScoreLossCap                   float64
	UtilityPerScore                float64
	PolicyBoostSoftUtilityScale    float64
	UtilityPerPolicyForSorting     float64
	MaxVisitsForReExpansion        float64
}

func (p Params) Equal(o Params) bool {
	return p == o
}

// Candidate is one frontier move as seen from its node: either an in-book
// child (values from the child's recursive estimates, policy from the raw
// prior recorded at addition time) or the node's best-move-not-in-book
// estimate. All values are from White's perspective.
type Candidate struct {
	WinLoss       float64
	Score         float64
	SharpScore    float64
	WinLossError  float64
	ScoreError    float64
	Policy        float64
	IsPass        bool
}

// ClampSharpScore pulls an outlier sharp score back within cap of the
// plain expected score.
func ClampSharpScore(score, sharp, cap float64) float64 {
	if sharp > score+cap {
		return score + cap
	}
	if sharp < score-cap {
		return score - cap
	}
	return sharp
}

// Utility is the candidate's estimated utility from the perspective of the
// player to move at the node (plaSign +1 for White, -1 for Black).
func (p Params) Utility(c Candidate, plaSign, sharpScoreOutlierCap float64) float64 {
	sharp := ClampSharpScore(c.Score, c.SharpScore, sharpScoreOutlierCap)
	return plaSign * (c.WinLoss + p.UtilityPerScore*sharp)
}

// SortingUtility is Utility plus a policy-prior boost, used to pick the
// reference best move. The boost has a linear part,
// UtilityPerPolicyForSorting*policy, and a soft part,
// PolicyBoostSoftUtilityScale*log(1+policy/PolicyBoostSoftUtilityScale),
// which tracks the policy for small priors and grows only logarithmically
// once the policy exceeds the scale.
func (p Params) SortingUtility(c Candidate, plaSign, sharpScoreOutlierCap float64) float64 {
	u := p.Utility(c, plaSign, sharpScoreOutlierCap)
	if p.UtilityPerPolicyForSorting > 0 {
		u += p.UtilityPerPolicyForSorting * c.Policy
	}
	if p.PolicyBoostSoftUtilityScale > 0 {
		u += p.PolicyBoostSoftUtilityScale * math.Log1p(math.Max(c.Policy, 0)/p.PolicyBoostSoftUtilityScale)
	}
	return u
}

// UCBWinLossLoss is the optimistic win/loss shortfall of cand versus best,
// from the node's perspective.
func (p Params) UCBWinLossLoss(best, cand Candidate, plaSign float64) float64 {
	bestUpper := plaSign*best.WinLoss + p.ErrorFactor*best.WinLossError
	candUpper := plaSign*cand.WinLoss + p.ErrorFactor*cand.WinLossError
	return math.Max(0, bestUpper-candUpper)
}

// UCBScoreLoss is the optimistic score shortfall, capped and converted to
// utility units.
func (p Params) UCBScoreLoss(best, cand Candidate, plaSign, sharpScoreOutlierCap float64) float64 {
	bestScore := plaSign*ClampSharpScore(best.Score, best.SharpScore, sharpScoreOutlierCap) + p.ErrorFactor*best.ScoreError
	candScore := plaSign*ClampSharpScore(cand.Score, cand.SharpScore, sharpScoreOutlierCap) + p.ErrorFactor*cand.ScoreError
	loss := math.Max(0, bestScore-candScore)
	if loss > p.ScoreLossCap {
		loss = p.ScoreLossCap
	}
	return loss * p.UtilityPerScore
}

// MoveCost is the cost of expanding cand at a node whose reference best
// in-book move is best. movesExpanded counts the node's in-book moves;
// passFavored reports that the reference move is a pass.
func (p Params) MoveCost(best, cand Candidate, plaSign float64, movesExpanded int, passFavored bool, sharpScoreOutlierCap float64) float64 {
	wlLoss := p.UCBWinLossLoss(best, cand, plaSign)
	scoreLoss := p.UCBScoreLoss(best, cand, plaSign, sharpScoreOutlierCap)
	logPolicy := -math.Log(math.Max(cand.Policy, minPolicyForLog))
	m := float64(movesExpanded)

	c := p.CostPerMove +
		p.CostPerUCBWinLossLoss*wlLoss +
		p.CostPerUCBWinLossLossPow3*wlLoss*wlLoss*wlLoss +
		p.CostPerUCBWinLossLossPow7*math.Pow(wlLoss, 7) +
		p.CostPerUCBScoreLoss*scoreLoss +
		p.CostPerLogPolicy*logPolicy +
		p.CostPerMovesExpanded*m +
		p.CostPerSquaredMovesExpanded*m*m
	if passFavored {
		c += p.CostWhenPassFavored
	}
	return c
}

// WinLossCostComponent is just the win/loss terms of MoveCost, used to find
// the single candidate carrying the biggest win/loss cost in the book.
func (p Params) WinLossCostComponent(best, cand Candidate, plaSign float64) float64 {
	wlLoss := p.UCBWinLossLoss(best, cand, plaSign)
	return p.CostPerUCBWinLossLoss*wlLoss +
		p.CostPerUCBWinLossLossPow3*wlLoss*wlLoss*wlLoss +
		p.CostPerUCBWinLossLossPow7*math.Pow(wlLoss, 7)
}

// ExpansionBonus is the uncertainty credit subtracted from a node's own
// expansion cost. unexpandedPolicyMass is the raw policy mass not yet
// covered by in-book moves.
func (p Params) ExpansionBonus(cand Candidate, unexpandedPolicyMass, sharpScoreOutlierCap float64) float64 {
	bonus := p.BonusPerWinLossError * math.Max(0, cand.WinLossError-winLossErrorBonusFloor)
	bonus += p.BonusPerScoreError * cand.ScoreError
	discrepancy := math.Abs(cand.SharpScore - cand.Score)
	if discrepancy > sharpScoreOutlierCap {
		discrepancy = sharpScoreOutlierCap
	}
	bonus += p.BonusPerSharpScoreDiscrepancy * discrepancy
	bonus += p.BonusPerExcessUnexpandedPolicy * math.Max(0, unexpandedPolicyMass-cand.Policy)
	return bonus
}
