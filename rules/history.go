package rules

import (
	"errors"
	"fmt"
)

var (
	ErrGameFinished = errors.New("game is already finished")
	ErrIllegalMove  = errors.New("illegal move")
)

// Move is a placed move, or a pass.
type Move struct {
	Loc Loc
	Pla Player
}

// History tracks a game from a fixed initial position: the move list, the
// current board, and a window of the last RepBound positions used for
// positional superko. Positions outside the window are forgotten, which is
// what quotients book hashes by the repetition bound.
type History struct {
	Rules        Rules
	RepBound     int
	InitialBoard *Board
	InitialPla   Player
	Moves        []Move

	board        *Board
	toMove       Player
	recentBoards []*Board // oldest first, includes the current board
	consecPasses int

	finished   bool
	winner     Player
	finalScore float64
}

func NewHistory(initial *Board, pla Player, r Rules, repBound int) *History {
	h := &History{
		Rules:        r,
		RepBound:     repBound,
		InitialBoard: initial.Copy(),
		InitialPla:   pla,
		board:        initial.Copy(),
		toMove:       pla,
	}
	h.recentBoards = append(h.recentBoards, h.board.Copy())
	return h
}

func (h *History) Board() *Board  { return h.board }
func (h *History) ToMove() Player { return h.toMove }

func (h *History) Copy() *History {
	nh := &History{
		Rules:        h.Rules,
		RepBound:     h.RepBound,
		InitialBoard: h.InitialBoard.Copy(),
		InitialPla:   h.InitialPla,
		Moves:        append([]Move(nil), h.Moves...),
		board:        h.board.Copy(),
		toMove:       h.toMove,
		consecPasses: h.consecPasses,
		finished:     h.finished,
		winner:       h.winner,
		finalScore:   h.finalScore,
	}
	nh.recentBoards = make([]*Board, len(h.recentBoards))
	for i, b := range h.recentBoards {
		nh.recentBoards[i] = b.Copy()
	}
	return nh
}

// RecentBoards returns the superko window, oldest first. The last entry is
// the current board.
func (h *History) RecentBoards() []*Board { return h.recentBoards }

func (h *History) IsGameFinished() bool { return h.finished }

// IsNoResult is always false under this ruleset; superko forbids the
// repetition cycles that produce no-result games elsewhere. Kept because
// terminal-value assignment distinguishes the case.
func (h *History) IsNoResult() bool { return false }

func (h *History) Winner() Player { return h.winner }

// FinalWhiteMinusBlackScore is meaningful only once the game is finished.
func (h *History) FinalWhiteMinusBlackScore() float64 { return h.finalScore }

// IsPastNormalPhaseEnd reports that the game has dragged on far beyond any
// sensible length for book purposes. Such positions are frozen rather than
// expanded.
func (h *History) IsPastNormalPhaseEnd() bool {
	return len(h.Moves) >= 2*h.board.NumLocs()+2
}

// tryPlay applies a board move (not a pass) to a copy of the current board,
// handling captures. Returns an error for occupied points and suicide.
func (h *History) tryPlay(loc Loc, pla Player) (*Board, error) {
	if !h.board.InBounds(loc) {
		return nil, fmt.Errorf("%w: out of bounds", ErrIllegalMove)
	}
	if h.board.Get(loc) != Empty {
		return nil, fmt.Errorf("%w: occupied", ErrIllegalMove)
	}
	nb := h.board.Copy()
	nb.Set(loc, pla)
	opp := pla.Opponent()
	var nbuf [4]Loc
	for _, n := range nb.neighborsInto(loc, nbuf[:0]) {
		if nb.Get(n) == opp {
			if stones, libs := nb.group(n); libs == 0 {
				for _, s := range stones {
					nb.Set(s, Empty)
				}
			}
		}
	}
	if _, libs := nb.group(loc); libs == 0 {
		return nil, fmt.Errorf("%w: suicide", ErrIllegalMove)
	}
	return nb, nil
}

// violatesSuperko reports whether nb repeats any position in the window.
// This is positional superko: the player to move is not part of the
// comparison.
func (h *History) violatesSuperko(nb *Board) bool {
	for _, prev := range h.recentBoards {
		if prev.Equal(nb) {
			return true
		}
	}
	return false
}

func (h *History) IsLegal(loc Loc, pla Player) bool {
	if h.finished || pla != h.toMove {
		return false
	}
	if loc == PassLoc {
		return true
	}
	nb, err := h.tryPlay(loc, pla)
	if err != nil {
		return false
	}
	return !h.violatesSuperko(nb)
}

func (h *History) PlayMove(loc Loc, pla Player) error {
	if h.finished {
		return ErrGameFinished
	}
	if pla != h.toMove {
		return fmt.Errorf("%w: wrong player", ErrIllegalMove)
	}
	if loc == PassLoc {
		h.consecPasses++
		h.Moves = append(h.Moves, Move{Loc: loc, Pla: pla})
		h.toMove = pla.Opponent()
		h.pushRecent(h.board.Copy())
		if h.consecPasses >= 2 {
			h.finish()
		}
		return nil
	}
	nb, err := h.tryPlay(loc, pla)
	if err != nil {
		return err
	}
	if h.violatesSuperko(nb) {
		return fmt.Errorf("%w: superko", ErrIllegalMove)
	}
	h.board = nb
	h.consecPasses = 0
	h.Moves = append(h.Moves, Move{Loc: loc, Pla: pla})
	h.toMove = pla.Opponent()
	h.pushRecent(nb.Copy())
	return nil
}

func (h *History) pushRecent(b *Board) {
	h.recentBoards = append(h.recentBoards, b)
	if len(h.recentBoards) > h.RepBound {
		h.recentBoards = h.recentBoards[len(h.recentBoards)-h.RepBound:]
	}
}

// finish scores the game by area counting and records the result.
func (h *History) finish() {
	h.finished = true
	black, white := h.areaScore()
	h.finalScore = float64(white) - float64(black) + h.Rules.Komi
	switch {
	case h.finalScore > 0:
		h.winner = White
	case h.finalScore < 0:
		h.winner = Black
	default:
		h.winner = Empty
	}
}

// areaScore counts stones plus surrounded empty territory for each player.
// Empty regions touching both colors (or neither) count for no one.
func (h *History) areaScore() (black, white int) {
	b := h.board
	seen := make([]bool, b.NumLocs())
	var nbuf [4]Loc
	for i := 0; i < b.NumLocs(); i++ {
		l := Loc(i)
		switch b.Get(l) {
		case Black:
			black++
			continue
		case White:
			white++
			continue
		}
		if seen[i] {
			continue
		}
		// Flood fill this empty region and note which colors border it.
		region := []Loc{l}
		seen[i] = true
		touchesBlack, touchesWhite := false, false
		size := 0
		for len(region) > 0 {
			cur := region[len(region)-1]
			region = region[:len(region)-1]
			size++
			for _, n := range b.neighborsInto(cur, nbuf[:0]) {
				switch b.Get(n) {
				case Black:
					touchesBlack = true
				case White:
					touchesWhite = true
				default:
					if !seen[n] {
						seen[n] = true
						region = append(region, n)
					}
				}
			}
		}
		if touchesBlack && !touchesWhite {
			black += size
		} else if touchesWhite && !touchesBlack {
			white += size
		}
	}
	return black, white
}
