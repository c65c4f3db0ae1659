package cost

import (
	"math"
	"testing"

	"github.com/matryer/is"
)

func baseParams() Params {
	return Params{
		ErrorFactor:               1.0,
		CostPerMove:               0.5,
		CostPerUCBWinLossLoss:     2.0,
		CostPerUCBWinLossLossPow3: 1.0,
		CostPerUCBWinLossLossPow7: 1.0,
		CostPerUCBScoreLoss:       0.25,
		CostPerLogPolicy:          0.1,
		CostPerMovesExpanded:      0.2,
		CostWhenPassFavored:       3.0,
		ScoreLossCap:              0.95,
		UtilityPerScore:           0.1,
	}
}

func TestBestMoveCostsOnlyBaseline(t *testing.T) {
	is := is.New(t)
	p := baseParams()
	best := Candidate{WinLoss: 0.4, Score: 2.0, SharpScore: 2.0, Policy: 1.0}
	// The reference move compared against itself has zero UCB losses and
	// zero log-policy penalty.
	got := p.MoveCost(best, best, 1.0, 0, false, 2.0)
	is.True(math.Abs(got-p.CostPerMove) < 1e-12)
}

func TestWinLossLossRaisesCost(t *testing.T) {
	is := is.New(t)
	p := baseParams()
	best := Candidate{WinLoss: 0.4, Policy: 1.0}
	worse := Candidate{WinLoss: 0.0, Policy: 1.0}
	cBest := p.MoveCost(best, best, 1.0, 0, false, 2.0)
	cWorse := p.MoveCost(best, worse, 1.0, 0, false, 2.0)
	is.True(cWorse > cBest)

	// From Black's perspective the same numbers invert: now `worse` is
	// the better move.
	cWorseAsBlack := p.MoveCost(worse, best, -1.0, 0, false, 2.0)
	is.True(cWorseAsBlack > p.MoveCost(worse, worse, -1.0, 0, false, 2.0))
}

func TestUCBWinLossLossUsesErrorBounds(t *testing.T) {
	is := is.New(t)
	p := baseParams()
	best := Candidate{WinLoss: 0.4}
	cand := Candidate{WinLoss: 0.2, WinLossError: 0.2}
	// cand's upper confidence bound matches best exactly: no loss.
	is.Equal(p.UCBWinLossLoss(best, cand, 1.0), 0.0)

	cand.WinLossError = 0.1
	is.True(math.Abs(p.UCBWinLossLoss(best, cand, 1.0)-0.1) < 1e-12)
}

func TestScoreLossIsCapped(t *testing.T) {
	is := is.New(t)
	p := baseParams()
	best := Candidate{Score: 50, SharpScore: 50}
	cand := Candidate{Score: -50, SharpScore: -50}
	got := p.UCBScoreLoss(best, cand, 1.0, 1000)
	is.True(math.Abs(got-p.ScoreLossCap*p.UtilityPerScore) < 1e-12)
}

func TestSharpScoreClamped(t *testing.T) {
	is := is.New(t)
	is.Equal(ClampSharpScore(1.0, 10.0, 2.0), 3.0)
	is.Equal(ClampSharpScore(1.0, -10.0, 2.0), -1.0)
	is.Equal(ClampSharpScore(1.0, 1.5, 2.0), 1.5)
}

func TestLowPolicyCostsMore(t *testing.T) {
	is := is.New(t)
	p := baseParams()
	best := Candidate{WinLoss: 0.1, Policy: 0.5}
	likely := Candidate{WinLoss: 0.1, Policy: 0.5}
	unlikely := Candidate{WinLoss: 0.1, Policy: 0.01}
	is.True(p.MoveCost(best, unlikely, 1.0, 0, false, 2.0) > p.MoveCost(best, likely, 1.0, 0, false, 2.0))
}

func TestWideNodesCostMore(t *testing.T) {
	is := is.New(t)
	p := baseParams()
	p.CostPerSquaredMovesExpanded = 0.05
	c := Candidate{WinLoss: 0.1, Policy: 0.5}
	narrow := p.MoveCost(c, c, 1.0, 1, false, 2.0)
	wide := p.MoveCost(c, c, 1.0, 8, false, 2.0)
	is.True(math.Abs((wide-narrow)-(0.2*7+0.05*(64-1))) < 1e-12)
}

func TestPassFavoredSurcharge(t *testing.T) {
	is := is.New(t)
	p := baseParams()
	c := Candidate{WinLoss: 0.1, Policy: 0.5}
	is.True(math.Abs(p.MoveCost(c, c, 1.0, 0, true, 2.0)-p.MoveCost(c, c, 1.0, 0, false, 2.0)-3.0) < 1e-12)
}

func TestExpansionBonuses(t *testing.T) {
	is := is.New(t)
	p := Params{
		BonusPerWinLossError:           1.0,
		BonusPerScoreError:             0.5,
		BonusPerSharpScoreDiscrepancy:  2.0,
		BonusPerExcessUnexpandedPolicy: 1.0,
	}
	c := Candidate{WinLossError: 0.25, ScoreError: 0.4, Score: 1.0, SharpScore: 1.5, Policy: 0.3}
	got := p.ExpansionBonus(c, 0.8, 2.0)
	want := 1.0*(0.25-0.05) + 0.5*0.4 + 2.0*0.5 + 1.0*(0.8-0.3)
	is.True(math.Abs(got-want) < 1e-12)
}

func TestParamsEqual(t *testing.T) {
	is := is.New(t)
	a := baseParams()
	b := baseParams()
	is.True(a.Equal(b))
	b.CostPerMove = 0.6
	is.True(!a.Equal(b))
}
