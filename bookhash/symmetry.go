// Package bookhash canonicalizes game positions under the board's dihedral
// symmetry group and derives stable 128-bit identifiers for book nodes.
package bookhash

import "github.com/kennyfs/katabook/rules"

// Symmetry encodes an element of the dihedral group of the board as three
// bits: 0x1 flips x, 0x2 flips y, 0x4 transposes. Transposition is applied
// first, then the flips (in the transposed coordinate system).
type Symmetry uint8

const (
	Identity      Symmetry = 0
	FlipX         Symmetry = 0x1
	FlipY         Symmetry = 0x2
	Transpose     Symmetry = 0x4
	NumSymmetries          = 8
)

func (s Symmetry) IsTranspose() bool { return s&Transpose != 0 }

// Compose returns the symmetry equivalent to applying first, then next.
func Compose(first, next Symmetry) Symmetry {
	f := first
	if next.IsTranspose() {
		// Transposing afterwards swaps which axis the earlier flips act on.
		f = (f & Transpose) | ((f & FlipX) << 1) | ((f & FlipY) >> 1)
	}
	return f ^ next
}

// Inverse returns the symmetry undoing s. Every element of the group is
// self-inverse except the two quarter rotations (transpose plus exactly
// one flip), which are inverses of each other.
func Inverse(s Symmetry) Symmetry {
	if s.IsTranspose() {
		return (s & Transpose) | ((s & FlipX) << 1) | ((s & FlipY) >> 1)
	}
	return s
}

// SymmetriesFor lists the symmetries valid for an x-by-y board: all eight
// for square boards, the four non-transposing ones otherwise.
func SymmetriesFor(xSize, ySize int) []Symmetry {
	if xSize == ySize {
		return []Symmetry{0, 1, 2, 3, 4, 5, 6, 7}
	}
	return []Symmetry{0, 1, 2, 3}
}

// ApplyLoc maps a location expressed in an orientation with the given board
// dimensions through s. Pass and null map to themselves. The result is
// indexed in the transformed orientation (whose x-size is ySize when s
// transposes).
func ApplyLoc(s Symmetry, l rules.Loc, xSize, ySize int) rules.Loc {
	if l < 0 {
		return l
	}
	x := l.X(xSize)
	y := l.Y(xSize)
	nx, ny := xSize, ySize
	if s.IsTranspose() {
		x, y = y, x
		nx, ny = ny, nx
	}
	if s&FlipX != 0 {
		x = nx - 1 - x
	}
	if s&FlipY != 0 {
		y = ny - 1 - y
	}
	return rules.MakeLoc(x, y, nx)
}

// ApplyBoard returns a transformed copy of b.
func ApplyBoard(s Symmetry, b *rules.Board) *rules.Board {
	nx, ny := b.XSize, b.YSize
	if s.IsTranspose() {
		nx, ny = ny, nx
	}
	nb := rules.NewBoard(nx, ny)
	for i := 0; i < b.NumLocs(); i++ {
		l := rules.Loc(i)
		nb.Set(ApplyLoc(s, l, b.XSize, b.YSize), b.Get(l))
	}
	return nb
}
