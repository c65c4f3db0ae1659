// Package bookstore owns the opening-book graph: a hash-keyed arena of
// canonical positions, the symmetry-aware views callers operate through,
// and the recompute pass that refreshes recursive values and expansion
// costs after a batch of changes.
package bookstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/rules"
)

var (
	ErrUnknownHash  = errors.New("no node with that hash in book")
	ErrDanglingNode = errors.New("node is not reachable from the root")
)

// Book is the persistent opening-book graph. It does no locking of its
// own; the expansion driver guards it with a single book mutex held in
// short critical sections.
type Book struct {
	Version              bookhash.Version
	RepBound             int
	Rules                rules.Rules
	InitialBoard         *rules.Board
	InitialPla           rules.Player
	Params               cost.Params
	SharpScoreOutlierCap float64

	nodes    map[bookhash.Hash]*Node
	order    []bookhash.Hash // insertion order, for reproducible iteration
	rootHash bookhash.Hash
	rootSym  bookhash.Symmetry

	BonusByHash map[bookhash.Hash]float64
}

// New creates a book with a single root node for the given initial
// position.
func New(version bookhash.Version, initialBoard *rules.Board, r rules.Rules, initialPla rules.Player, repBound int, params cost.Params, sharpScoreOutlierCap float64) (*Book, error) {
	if err := version.Validate(); err != nil {
		return nil, err
	}
	b := &Book{
		Version:              version,
		RepBound:             repBound,
		Rules:                r,
		InitialBoard:         initialBoard.Copy(),
		InitialPla:           initialPla,
		Params:               params,
		SharpScoreOutlierCap: sharpScoreOutlierCap,
		nodes:                make(map[bookhash.Hash]*Node),
		BonusByHash:          make(map[bookhash.Hash]float64),
	}
	hist := b.InitialHistory()
	hash, align, stabilizers := bookhash.Canonicalize(hist, repBound, version)
	root := newNode(hash, initialPla, stabilizers)
	// The root is never a side-effect of another node's search.
	root.CanReExpand = false
	b.nodes[hash] = root
	b.order = append(b.order, hash)
	b.rootHash = hash
	b.rootSym = align
	return b, nil
}

// InitialHistory builds a fresh history at the book's starting position.
func (b *Book) InitialHistory() *rules.History {
	return rules.NewHistory(b.InitialBoard, b.InitialPla, b.Rules, b.RepBound)
}

func (b *Book) Size() int { return len(b.nodes) }

func (b *Book) RootHash() bookhash.Hash { return b.rootHash }

// Root returns the root in the orientation of the book's initial board.
func (b *Book) Root() SymNode {
	return SymNode{Node: b.nodes[b.rootHash], book: b, Sym: b.rootSym}
}

func (b *Book) NodeByHash(h bookhash.Hash) (*Node, bool) {
	n, ok := b.nodes[h]
	return n, ok
}

// SymNodeByHash returns a view of the node in its own canonical
// orientation.
func (b *Book) SymNodeByHash(h bookhash.Hash) (SymNode, error) {
	n, ok := b.nodes[h]
	if !ok {
		return SymNode{}, fmt.Errorf("%w: %s", ErrUnknownHash, h)
	}
	return SymNode{Node: n, book: b, Sym: bookhash.Identity}, nil
}

// AllNodes returns every node in insertion order.
func (b *Book) AllNodes() []*Node {
	return lo.Map(b.order, func(h bookhash.Hash, _ int) *Node {
		return b.nodes[h]
	})
}

// AllLeaves returns the nodes with no in-book moves and at least minVisits
// recursive visits.
func (b *Book) AllLeaves(minVisits float64) []*Node {
	return lo.Filter(b.AllNodes(), func(n *Node, _ int) bool {
		return len(n.Moves) == 0 && n.RecursiveValues.Visits >= minVisits
	})
}

// SetBonusByHash replaces the operator bonus table.
func (b *Book) SetBonusByHash(bonuses map[bookhash.Hash]float64) {
	if bonuses == nil {
		bonuses = make(map[bookhash.Hash]float64)
	}
	b.BonusByHash = bonuses
}

// expansionEligible reports whether a node may be picked as an expansion
// target: expandable, or a side-effect node still under the re-expansion
// visit bound.
func (b *Book) expansionEligible(n *Node) bool {
	if n.CanExpand {
		return true
	}
	return n.CanReExpand && n.RecursiveValues.Visits < b.Params.MaxVisitsForReExpansion
}

// GetNextNToExpand returns up to n frontier nodes in nondecreasing
// totalExpansionCost, ties broken by lower hash.
func (b *Book) GetNextNToExpand(n int) []*Node {
	candidates := lo.Filter(b.AllNodes(), func(node *Node, _ int) bool {
		return b.expansionEligible(node)
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].TotalExpansionCost != candidates[j].TotalExpansionCost {
			return candidates[i].TotalExpansionCost < candidates[j].TotalExpansionCost
		}
		return candidates[i].Hash.Less(candidates[j].Hash)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// getOrCreateNode inserts a node for hash or returns the existing one.
func (b *Book) getOrCreateNode(hash bookhash.Hash, pla rules.Player, stabilizers []bookhash.Symmetry) (*Node, bool) {
	if n, ok := b.nodes[hash]; ok {
		return n, true
	}
	n := newNode(hash, pla, stabilizers)
	b.nodes[hash] = n
	b.order = append(b.order, hash)
	return n, false
}

// NewLoaded prepares an empty book shell for deserialization: the header
// fields are set and the root identity computed, but no nodes exist until
// InstallLoadedNode supplies them in their original insertion order.
func NewLoaded(version bookhash.Version, initialBoard *rules.Board, r rules.Rules, initialPla rules.Player, repBound int, params cost.Params, sharpScoreOutlierCap float64) (*Book, error) {
	if err := version.Validate(); err != nil {
		return nil, err
	}
	b := &Book{
		Version:              version,
		RepBound:             repBound,
		Rules:                r,
		InitialBoard:         initialBoard.Copy(),
		InitialPla:           initialPla,
		Params:               params,
		SharpScoreOutlierCap: sharpScoreOutlierCap,
		nodes:                make(map[bookhash.Hash]*Node),
		BonusByHash:          make(map[bookhash.Hash]float64),
	}
	hash, align, _ := bookhash.Canonicalize(b.InitialHistory(), repBound, version)
	b.rootHash = hash
	b.rootSym = align
	return b, nil
}

// InstallLoadedNode adds one deserialized node. Nodes must arrive in their
// original insertion order so iteration stays reproducible.
func (b *Book) InstallLoadedNode(h bookhash.Hash, pla rules.Player, stabilizers []bookhash.Symmetry, canExpand, canReExpand bool, tv BookValues, rv RecursiveValues, expansionCost float64) error {
	if _, ok := b.nodes[h]; ok {
		return fmt.Errorf("duplicate node %s in book file", h)
	}
	n := newNode(h, pla, stabilizers)
	n.CanExpand = canExpand
	n.CanReExpand = canReExpand
	n.ThisValuesNotInBook = tv
	n.RecursiveValues = rv
	n.TotalExpansionCost = expansionCost
	b.nodes[h] = n
	b.order = append(b.order, h)
	return nil
}

// InstallLoadedEdge adds one deserialized edge; edges of a node must
// arrive in move-index order.
func (b *Book) InstallLoadedEdge(parent bookhash.Hash, moveIdx int, move rules.Loc, sym bookhash.Symmetry, child bookhash.Hash, rawPolicy float64) error {
	n, ok := b.nodes[parent]
	if !ok {
		return fmt.Errorf("edge references unknown parent %s", parent)
	}
	if moveIdx != len(n.Moves) {
		return fmt.Errorf("edge %d of node %s arrived out of order", moveIdx, parent)
	}
	n.addMove(BookMove{Move: move, SymmetryToAlign: sym, ChildHash: child, RawPolicy: rawPolicy})
	return nil
}

// CheckRoot verifies the loaded graph contains the root the header claims.
func (b *Book) CheckRoot(expected bookhash.Hash) error {
	if b.rootHash != expected {
		return fmt.Errorf("book root %s does not match recomputed root %s; board size, rules or repBound disagree", expected, b.rootHash)
	}
	if _, ok := b.nodes[b.rootHash]; !ok {
		return fmt.Errorf("%w: root %s", ErrDanglingNode, b.rootHash)
	}
	return nil
}

// RebuildParentEdges reconstructs every node's parent list from the move
// maps, then verifies no edge dangles.
func (b *Book) RebuildParentEdges() error {
	for _, n := range b.AllNodes() {
		n.Parents = n.Parents[:0]
	}
	for _, n := range b.AllNodes() {
		for _, mv := range n.Moves {
			child, ok := b.nodes[mv.ChildHash]
			if !ok {
				return fmt.Errorf("dangling child %s under node %s", mv.ChildHash, n.Hash)
			}
			child.Parents = append(child.Parents, ParentEdge{Hash: n.Hash, Move: mv.Move})
		}
	}
	return nil
}

// HistoryReachingNode reconstructs a board history that arrives at n,
// walking up the first-parent chain and replaying from the root. It
// returns the history, the moves played in the history's orientation, and
// the symmetry aligning that orientation to n's canonical orientation.
func (b *Book) HistoryReachingNode(n *Node) (*rules.History, []rules.Loc, bookhash.Symmetry, error) {
	root := b.nodes[b.rootHash]

	// Canonical moves from n up to the root, reversed below.
	var chain []rules.Loc
	cur := n
	for cur != root {
		if len(cur.Parents) == 0 {
			return nil, nil, 0, fmt.Errorf("%w: %s", ErrDanglingNode, cur.Hash)
		}
		pe := cur.Parents[0]
		parent, ok := b.nodes[pe.Hash]
		if !ok {
			return nil, nil, 0, fmt.Errorf("%w: parent %s missing", ErrDanglingNode, pe.Hash)
		}
		chain = append(chain, pe.Move)
		cur = parent
		if len(chain) > len(b.nodes) {
			return nil, nil, 0, fmt.Errorf("parent chain for %s does not reach the root", n.Hash)
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	hist := b.InitialHistory()
	sn := b.Root()
	moves := make([]rules.Loc, 0, len(chain))
	x, y := b.InitialBoard.XSize, b.InitialBoard.YSize
	for _, mc := range chain {
		userLoc := bookhash.ApplyLoc(bookhash.Inverse(sn.Sym), mc, x, y)
		next, err := sn.Follow(hist, userLoc)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("replaying to %s: %w", n.Hash, err)
		}
		moves = append(moves, userLoc)
		sn = next
	}
	if sn.Node != n {
		return nil, nil, 0, fmt.Errorf("replayed path reaches %s, want %s", sn.Node.Hash, n.Hash)
	}
	return hist, moves, sn.Sym, nil
}

// AlignedNode is HistoryReachingNode packaged as a SymNode whose
// orientation matches the returned history.
func (b *Book) AlignedNode(n *Node) (SymNode, *rules.History, []rules.Loc, error) {
	hist, moves, sym, err := b.HistoryReachingNode(n)
	if err != nil {
		return SymNode{}, nil, nil, err
	}
	return SymNode{Node: n, book: b, Sym: sym}, hist, moves, nil
}
