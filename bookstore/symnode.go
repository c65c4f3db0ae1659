package bookstore

import (
	"errors"
	"fmt"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/rules"
)

var ErrMoveNotInBook = errors.New("move is not in book")

// SymNode pairs a node with the symmetry mapping the caller's board
// orientation to the node's canonical orientation. All move-taking
// operations translate through that symmetry, so callers never see
// canonical coordinates.
type SymNode struct {
	Node *Node
	book *Book
	Sym  bookhash.Symmetry
}

func (s SymNode) IsNil() bool { return s.Node == nil }

func (s SymNode) Hash() bookhash.Hash { return s.Node.Hash }
func (s SymNode) Pla() rules.Player   { return s.Node.Pla }

// canonicalMove maps a user-orientation move to the node's canonical
// orientation and reduces it under the node's stabilizers, returning the
// reduced move and the stabilizer used.
func (s SymNode) canonicalMove(userLoc rules.Loc) (rules.Loc, bookhash.Symmetry) {
	x, y := s.book.InitialBoard.XSize, s.book.InitialBoard.YSize
	m := bookhash.ApplyLoc(s.Sym, userLoc, x, y)
	best := m
	bestSym := bookhash.Identity
	for _, g := range s.Node.Stabilizers {
		if cand := bookhash.ApplyLoc(g, m, x, y); cand < best {
			best = cand
			bestSym = g
		}
	}
	return best, bestSym
}

// UserMove maps a canonical move back into this view's orientation.
func (s SymNode) UserMove(canonical rules.Loc) rules.Loc {
	x, y := s.book.InitialBoard.XSize, s.book.InitialBoard.YSize
	return bookhash.ApplyLoc(bookhash.Inverse(s.Sym), canonical, x, y)
}

func (s SymNode) IsMoveInBook(userLoc rules.Loc) bool {
	m, _ := s.canonicalMove(userLoc)
	_, ok := s.Node.moveInBook(m)
	return ok
}

// UserMovesInBook lists the node's in-book moves in this view's
// orientation, insertion-ordered.
func (s SymNode) UserMovesInBook() []rules.Loc {
	out := make([]rules.Loc, 0, len(s.Node.Moves))
	for _, mv := range s.Node.Moves {
		out = append(out, s.UserMove(mv.Move))
	}
	return out
}

// Symmetries returns the node's stabilizer subgroup expressed in this
// view's orientation, for root symmetry pruning in the searcher.
func (s SymNode) Symmetries() []bookhash.Symmetry {
	inv := bookhash.Inverse(s.Sym)
	out := make([]bookhash.Symmetry, 0, len(s.Node.Stabilizers))
	for _, g := range s.Node.Stabilizers {
		out = append(out, bookhash.Compose(bookhash.Compose(s.Sym, g), inv))
	}
	return out
}

// PlayAndAddMove advances hist by the move, then looks up or inserts the
// child node and records the parent edge. The returned bool is true when
// the child already existed (a transposition). hist is mutated.
func (s SymNode) PlayAndAddMove(hist *rules.History, userLoc rules.Loc, rawPolicy float64) (SymNode, bool, error) {
	m, g := s.canonicalMove(userLoc)
	if _, ok := s.Node.moveInBook(m); ok {
		child, err := s.Follow(hist, userLoc)
		return child, true, err
	}
	if err := hist.PlayMove(userLoc, s.Node.Pla); err != nil {
		return SymNode{}, false, fmt.Errorf("playing %s: %w", userLoc.String(hist.Board().XSize), err)
	}
	childHash, align, stabilizers := bookhash.Canonicalize(hist, s.book.RepBound, s.book.Version)
	child, existed := s.book.getOrCreateNode(childHash, hist.ToMove(), stabilizers)

	// SymmetryToAlign must satisfy t∘(g∘sym) = align so that any later
	// arrival at this edge can compose its way to the child's canonical
	// orientation.
	t := bookhash.Compose(bookhash.Inverse(bookhash.Compose(s.Sym, g)), align)
	s.Node.addMove(BookMove{Move: m, SymmetryToAlign: t, ChildHash: childHash, RawPolicy: rawPolicy})
	child.Parents = append(child.Parents, ParentEdge{Hash: s.Node.Hash, Move: m})

	return SymNode{Node: child, book: s.book, Sym: align}, existed, nil
}

// Follow traverses an existing edge, advancing hist. hist is mutated.
func (s SymNode) Follow(hist *rules.History, userLoc rules.Loc) (SymNode, error) {
	m, g := s.canonicalMove(userLoc)
	mv, ok := s.Node.moveInBook(m)
	if !ok {
		return SymNode{}, fmt.Errorf("%w: %s at node %s", ErrMoveNotInBook, userLoc.String(hist.Board().XSize), s.Node.Hash)
	}
	if err := hist.PlayMove(userLoc, s.Node.Pla); err != nil {
		return SymNode{}, fmt.Errorf("following %s: %w", userLoc.String(hist.Board().XSize), err)
	}
	child, ok := s.book.nodes[mv.ChildHash]
	if !ok {
		return SymNode{}, fmt.Errorf("%w: child %s", ErrDanglingNode, mv.ChildHash)
	}
	childSym := bookhash.Compose(bookhash.Compose(s.Sym, g), mv.SymmetryToAlign)
	return SymNode{Node: child, book: s.book, Sym: childSym}, nil
}
