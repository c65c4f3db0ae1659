package bookstore

import (
	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/rules"
)

// BookMove is one edge of the book graph. Move is in the parent's
// canonical orientation, reduced under the parent's stabilizers.
// SymmetryToAlign maps the orientation "parent canonical board after
// playing Move" to the child's canonical orientation. Edges carry the
// child's hash rather than a pointer so the graph stays a hash-keyed
// arena.
type BookMove struct {
	Move            rules.Loc
	SymmetryToAlign bookhash.Symmetry
	ChildHash       bookhash.Hash
	RawPolicy       float64
}

// ParentEdge records one way a node is reached, for history
// reconstruction.
type ParentEdge struct {
	Hash bookhash.Hash
	Move rules.Loc
}

// Node is a canonical position in the book. Mutable fields are guarded by
// the caller's book mutex; the store itself does no locking.
type Node struct {
	Hash        bookhash.Hash
	Pla         rules.Player
	Stabilizers []bookhash.Symmetry

	// Moves is insertion-ordered for reproducibility; moveIndex indexes it
	// by canonical move.
	Moves     []BookMove
	moveIndex map[rules.Loc]int

	Parents []ParentEdge

	ThisValuesNotInBook BookValues
	RecursiveValues     RecursiveValues

	CanExpand   bool
	CanReExpand bool

	TotalExpansionCost float64

	// Scratch for the cost pass.
	minCostFromRoot float64
	expansionWLCost float64
}

func newNode(hash bookhash.Hash, pla rules.Player, stabilizers []bookhash.Symmetry) *Node {
	return &Node{
		Hash:        hash,
		Pla:         pla,
		Stabilizers: stabilizers,
		moveIndex:   make(map[rules.Loc]int),
		CanExpand:   true,
		CanReExpand: true,
	}
}

func (n *Node) moveInBook(canonical rules.Loc) (BookMove, bool) {
	idx, ok := n.moveIndex[canonical]
	if !ok {
		return BookMove{}, false
	}
	return n.Moves[idx], true
}

func (n *Node) addMove(mv BookMove) {
	n.moveIndex[mv.Move] = len(n.Moves)
	n.Moves = append(n.Moves, mv)
}

// SetNoMovesLeft records that no move outside the book remains: the
// sentinel values lose to any real child and the node is frozen.
func (n *Node) SetNoMovesLeft() {
	sign := -n.Pla.Sign()
	n.ThisValuesNotInBook = BookValues{
		WinLossValue:   sign * SentinelValue,
		ScoreMean:      sign * SentinelValue,
		SharpScoreMean: sign * SentinelValue,
	}
	n.CanExpand = false
}
