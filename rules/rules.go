// Package rules implements a compact Go (baduk) rules engine: boards,
// move legality with positional superko inside a bounded repetition window,
// terminal detection, and area scoring. It is deliberately small; the book
// engine only needs enough of the game to replay and extend lines.
package rules

import "fmt"

type Player int8

const (
	Empty Player = iota
	Black
	White
)

func (p Player) Opponent() Player {
	switch p {
	case Black:
		return White
	case White:
		return Black
	}
	return Empty
}

func (p Player) String() string {
	switch p {
	case Black:
		return "B"
	case White:
		return "W"
	}
	return "?"
}

// Sign returns +1 for White and -1 for Black. All stored value estimates in
// the book are from White's perspective; multiplying by Sign converts them
// to the perspective of the player to move.
func (p Player) Sign() float64 {
	if p == White {
		return 1.0
	}
	return -1.0
}

// Loc identifies a point on the board as y*XSize+x, or one of the two
// sentinel values below.
type Loc int16

const (
	NullLoc Loc = -2
	PassLoc Loc = -1
)

func MakeLoc(x, y, xSize int) Loc {
	return Loc(y*xSize + x)
}

func (l Loc) X(xSize int) int { return int(l) % xSize }
func (l Loc) Y(xSize int) int { return int(l) / xSize }

// columnLetters skips I, following SGF/GTP convention.
const columnLetters = "ABCDEFGHJKLMNOPQRSTUVWXYZ"

func (l Loc) String(xSize int) string {
	switch l {
	case PassLoc:
		return "pass"
	case NullLoc:
		return "null"
	}
	x := l.X(xSize)
	y := l.Y(xSize)
	if x < 0 || x >= len(columnLetters) {
		return fmt.Sprintf("loc(%d)", int(l))
	}
	return fmt.Sprintf("%c%d", columnLetters[x], y+1)
}

// Rules carries the ruleset parameters the book cares about. Scoring is
// always area scoring; komi and a human-readable label are the only
// degrees of freedom.
type Rules struct {
	Komi  float64
	Label string
}

func (r Rules) Equal(o Rules) bool {
	return r.Komi == o.Komi && r.Label == o.Label
}

func (r Rules) String() string {
	return fmt.Sprintf("%s komi %.1f", r.Label, r.Komi)
}
