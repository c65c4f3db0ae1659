package rules

import (
	"errors"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Board is a rectangular Go board. Stones are indexed by Loc (y*XSize+x).
type Board struct {
	XSize, YSize int
	stones       []Player
}

func NewBoard(xSize, ySize int) *Board {
	return &Board{
		XSize:  xSize,
		YSize:  ySize,
		stones: make([]Player, xSize*ySize),
	}
}

func (b *Board) NumLocs() int {
	return b.XSize * b.YSize
}

func (b *Board) Get(l Loc) Player {
	return b.stones[l]
}

func (b *Board) Set(l Loc, p Player) {
	b.stones[l] = p
}

func (b *Board) InBounds(l Loc) bool {
	return l >= 0 && int(l) < len(b.stones)
}

func (b *Board) Copy() *Board {
	nb := &Board{XSize: b.XSize, YSize: b.YSize, stones: make([]Player, len(b.stones))}
	copy(nb.stones, b.stones)
	return nb
}

func (b *Board) Equal(o *Board) bool {
	if b.XSize != o.XSize || b.YSize != o.YSize {
		return false
	}
	for i := range b.stones {
		if b.stones[i] != o.stones[i] {
			return false
		}
	}
	return true
}

// Encode renders the board to a compact stable byte form used for hashing
// and for the persisted book header.
func (b *Board) Encode() []byte {
	out := make([]byte, 0, 2+len(b.stones))
	out = append(out, byte(b.XSize), byte(b.YSize))
	for _, s := range b.stones {
		out = append(out, byte(s))
	}
	return out
}

func DecodeBoard(data []byte) (*Board, error) {
	if len(data) < 2 {
		return nil, errors.New("board encoding too short")
	}
	x := int(data[0])
	y := int(data[1])
	if len(data) != 2+x*y {
		return nil, errors.New("board encoding has wrong length")
	}
	b := NewBoard(x, y)
	for i := 0; i < x*y; i++ {
		p := Player(data[2+i])
		if p != Empty && p != Black && p != White {
			return nil, errors.New("board encoding has invalid stone")
		}
		b.stones[i] = p
	}
	return b, nil
}

// PosHash is a 64-bit hash of the stones plus the player to move. The
// superko check compares whole boards and does not use it.
func (b *Board) PosHash(toMove Player) uint64 {
	d := xxhash.New()
	d.Write(b.Encode())
	d.Write([]byte{byte(toMove)})
	return d.Sum64()
}

func (b *Board) String() string {
	var sb strings.Builder
	for y := b.YSize - 1; y >= 0; y-- {
		for x := 0; x < b.XSize; x++ {
			switch b.Get(MakeLoc(x, y, b.XSize)) {
			case Black:
				sb.WriteByte('X')
			case White:
				sb.WriteByte('O')
			default:
				sb.WriteByte('.')
			}
			if x < b.XSize-1 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// neighborsInto appends the on-board neighbors of l to buf and returns it.
func (b *Board) neighborsInto(l Loc, buf []Loc) []Loc {
	x := l.X(b.XSize)
	y := l.Y(b.XSize)
	if x > 0 {
		buf = append(buf, l-1)
	}
	if x < b.XSize-1 {
		buf = append(buf, l+1)
	}
	if y > 0 {
		buf = append(buf, l-Loc(b.XSize))
	}
	if y < b.YSize-1 {
		buf = append(buf, l+Loc(b.XSize))
	}
	return buf
}

// group returns the connected group containing l and its liberty count.
// l must hold a stone.
func (b *Board) group(l Loc) (stones []Loc, liberties int) {
	pla := b.Get(l)
	seen := make(map[Loc]bool)
	libs := make(map[Loc]bool)
	stack := []Loc{l}
	seen[l] = true
	var nbuf [4]Loc
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stones = append(stones, cur)
		for _, n := range b.neighborsInto(cur, nbuf[:0]) {
			switch b.Get(n) {
			case Empty:
				libs[n] = true
			case pla:
				if !seen[n] {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
	}
	return stones, len(libs)
}

// SetStones places handicap/setup stones, failing if any resulting group
// would have no liberties.
func (b *Board) SetStones(placements []Move) error {
	for _, m := range placements {
		if !b.InBounds(m.Loc) {
			return errors.New("placement out of bounds")
		}
		if b.Get(m.Loc) != Empty {
			return errors.New("placement on occupied point")
		}
		b.Set(m.Loc, m.Pla)
	}
	for _, m := range placements {
		if _, libs := b.group(m.Loc); libs == 0 {
			return errors.New("placement creates a group with no liberties")
		}
	}
	return nil
}
