package bookstore

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/kennyfs/katabook/cost"
	"github.com/kennyfs/katabook/rules"
)

// topoOrder returns the nodes reachable from the root with every parent
// before its children. The graph is a DAG by construction, so an
// iterative DFS post-order (reversed) suffices.
func (b *Book) topoOrder() []*Node {
	type frame struct {
		node *Node
		next int
	}
	visited := make(map[*Node]bool, len(b.nodes))
	post := make([]*Node, 0, len(b.nodes))
	root := b.nodes[b.rootHash]
	stack := []frame{{node: root}}
	visited[root] = true
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.next < len(f.node.Moves) {
			child := b.nodes[f.node.Moves[f.next].ChildHash]
			f.next++
			if child != nil && !visited[child] {
				visited[child] = true
				stack = append(stack, frame{node: child})
			}
			continue
		}
		post = append(post, f.node)
		stack = stack[:len(stack)-1]
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// combineError merges two error estimates by the weighted
// root-mean-square rule.
func combineError(e1, w1, e2, w2 float64) float64 {
	if w1 <= 0 && w2 <= 0 {
		return math.Max(e1, e2)
	}
	if w1 <= 0 {
		return e2
	}
	if w2 <= 0 {
		return e1
	}
	return math.Sqrt(stat.Mean([]float64{e1 * e1, e2 * e2}, []float64{w1, w2}))
}

// recomputeNodeValues refreshes one node's recursiveValues from its
// thisValuesNotInBook and its children's recursive values. Children must
// already be up to date.
func (b *Book) recomputeNodeValues(n *Node) {
	plaSign := n.Pla.Sign()
	p := b.Params

	own := cost.Candidate{
		WinLoss:      n.ThisValuesNotInBook.WinLossValue,
		Score:        n.ThisValuesNotInBook.ScoreMean,
		SharpScore:   n.ThisValuesNotInBook.SharpScoreMean,
		WinLossError: n.ThisValuesNotInBook.WinLossError,
		ScoreError:   n.ThisValuesNotInBook.ScoreError,
	}
	rv := RecursiveValues{
		WinLossValue:   n.ThisValuesNotInBook.WinLossValue,
		ScoreMean:      n.ThisValuesNotInBook.ScoreMean,
		SharpScoreMean: n.ThisValuesNotInBook.SharpScoreMean,
		WinLossError:   n.ThisValuesNotInBook.WinLossError,
		ScoreError:     n.ThisValuesNotInBook.ScoreError,
		ScoreStdev:     n.ThisValuesNotInBook.ScoreStdev,
		Weight:         n.ThisValuesNotInBook.Weight,
		Visits:         n.ThisValuesNotInBook.Visits,
	}
	bestU := p.Utility(own, plaSign, b.SharpScoreOutlierCap)
	bestWeight := n.ThisValuesNotInBook.Weight

	sumVisits := n.ThisValuesNotInBook.Visits
	sumWeight := n.ThisValuesNotInBook.Weight
	for _, mv := range n.Moves {
		child := b.nodes[mv.ChildHash]
		crv := child.RecursiveValues
		cand := cost.Candidate{
			WinLoss:      crv.WinLossValue,
			Score:        crv.ScoreMean,
			SharpScore:   crv.SharpScoreMean,
			WinLossError: crv.WinLossError,
			ScoreError:   crv.ScoreError,
		}
		sumVisits += crv.Visits
		sumWeight += crv.Weight
		if u := p.Utility(cand, plaSign, b.SharpScoreOutlierCap); u > bestU {
			bestU = u
			bestWeight = crv.Weight
			rv.WinLossValue = crv.WinLossValue
			rv.ScoreMean = crv.ScoreMean
			rv.SharpScoreMean = crv.SharpScoreMean
			rv.WinLossError = crv.WinLossError
			rv.ScoreError = crv.ScoreError
			rv.ScoreStdev = crv.ScoreStdev
		}
	}
	// Blend the chosen line's uncertainty with the node's own estimate.
	rv.WinLossError = combineError(rv.WinLossError, bestWeight, n.ThisValuesNotInBook.WinLossError, n.ThisValuesNotInBook.Weight)
	rv.ScoreError = combineError(rv.ScoreError, bestWeight, n.ThisValuesNotInBook.ScoreError, n.ThisValuesNotInBook.Weight)
	rv.Visits = sumVisits
	rv.Weight = sumWeight
	n.RecursiveValues = rv
}

// winLossPV walks the principal variation by win/loss value from the root
// and returns the nodes on it. The last element is the PV leaf.
func (b *Book) winLossPV() []*Node {
	var pv []*Node
	seen := make(map[*Node]bool)
	n := b.nodes[b.rootHash]
	for n != nil && !seen[n] {
		seen[n] = true
		pv = append(pv, n)
		var best *Node
		bestWL := math.Inf(-1)
		plaSign := n.Pla.Sign()
		for _, mv := range n.Moves {
			child := b.nodes[mv.ChildHash]
			if wl := plaSign * child.RecursiveValues.WinLossValue; wl > bestWL {
				bestWL = wl
				best = child
			}
		}
		n = best
	}
	return pv
}

func (b *Book) candidateForChild(mv BookMove) cost.Candidate {
	crv := b.nodes[mv.ChildHash].RecursiveValues
	return cost.Candidate{
		WinLoss:      crv.WinLossValue,
		Score:        crv.ScoreMean,
		SharpScore:   crv.SharpScoreMean,
		WinLossError: crv.WinLossError,
		ScoreError:   crv.ScoreError,
		Policy:       mv.RawPolicy,
		IsPass:       mv.Move == rules.PassLoc,
	}
}

func (b *Book) candidateForOwn(n *Node) cost.Candidate {
	return cost.Candidate{
		WinLoss:      n.ThisValuesNotInBook.WinLossValue,
		Score:        n.ThisValuesNotInBook.ScoreMean,
		SharpScore:   n.ThisValuesNotInBook.SharpScoreMean,
		WinLossError: n.ThisValuesNotInBook.WinLossError,
		ScoreError:   n.ThisValuesNotInBook.ScoreError,
		Policy:       n.ThisValuesNotInBook.MaxPolicy,
	}
}

// recomputeCosts refreshes every node's totalExpansionCost: the node's own
// expansion cost plus the accumulated cost of the cheapest in-book path
// from the root, minus whatever bonuses apply.
func (b *Book) recomputeCosts() {
	order := b.topoOrder()
	p := b.Params
	outlierCap := b.SharpScoreOutlierCap

	for _, n := range order {
		n.minCostFromRoot = math.Inf(1)
	}
	root := b.nodes[b.rootHash]
	root.minCostFromRoot = 0

	pv := b.winLossPV()
	onPV := make(map[*Node]int, len(pv))
	for i, n := range pv {
		onPV[n] = i
	}

	var biggestWLNode *Node
	biggestWLCost := 0.0

	for _, n := range order {
		plaSign := n.Pla.Sign()
		own := b.candidateForOwn(n)

		// Reference move: the best in-book move by sorting utility, or the
		// node's own not-in-book estimate when nothing is in book yet.
		best := own
		bestU := math.Inf(-1)
		haveBest := false
		for _, mv := range n.Moves {
			cand := b.candidateForChild(mv)
			if u := p.SortingUtility(cand, plaSign, outlierCap); u > bestU {
				bestU = u
				best = cand
				haveBest = true
			}
		}
		passFavored := haveBest && best.IsPass

		// Relax the children's cheapest path through this node.
		unexpandedMass := 1.0
		for _, mv := range n.Moves {
			cand := b.candidateForChild(mv)
			unexpandedMass -= mv.RawPolicy
			c := n.minCostFromRoot + p.MoveCost(best, cand, plaSign, len(n.Moves), passFavored, outlierCap)
			child := b.nodes[mv.ChildHash]
			if c < child.minCostFromRoot {
				child.minCostFromRoot = c
			}
		}
		if unexpandedMass < 0 {
			unexpandedMass = 0
		}

		ownCost := p.MoveCost(best, own, plaSign, len(n.Moves), passFavored, outlierCap)
		bonus := p.ExpansionBonus(own, unexpandedMass, outlierCap)
		if hb, ok := b.BonusByHash[n.Hash]; ok {
			bonus += hb
		}
		if i, ok := onPV[n]; ok {
			bonus += p.BonusForWLPV1
			if i == len(pv)-1 {
				bonus += p.BonusForWLPV2
			}
		}
		n.expansionWLCost = p.WinLossCostComponent(best, own, plaSign)
		n.TotalExpansionCost = n.minCostFromRoot + ownCost - bonus

		if biggestWLNode == nil || n.expansionWLCost > biggestWLCost {
			biggestWLNode = n
			biggestWLCost = n.expansionWLCost
		}
	}

	if biggestWLNode != nil && p.BonusForBiggestWLCost > 0 {
		biggestWLNode.TotalExpansionCost -= p.BonusForBiggestWLCost
	}
}

// RecomputeEverything recomputes recursive values bottom-up over the whole
// book, then every expansion cost.
func (b *Book) RecomputeEverything() {
	order := b.topoOrder()
	for i := len(order) - 1; i >= 0; i-- {
		b.recomputeNodeValues(order[i])
	}
	b.recomputeCosts()
}

// Recompute refreshes recursive values for the dirty nodes and all their
// ancestors, then recomputes costs. Restricted to the touched region it
// produces the same result as RecomputeEverything.
func (b *Book) Recompute(dirty []*Node) {
	affected := make(map[*Node]bool, len(dirty)*2)
	queue := append([]*Node(nil), dirty...)
	for len(queue) > 0 {
		n := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if n == nil || affected[n] {
			continue
		}
		affected[n] = true
		for _, pe := range n.Parents {
			if parent, ok := b.nodes[pe.Hash]; ok && !affected[parent] {
				queue = append(queue, parent)
			}
		}
	}
	order := b.topoOrder()
	for i := len(order) - 1; i >= 0; i-- {
		if affected[order[i]] {
			b.recomputeNodeValues(order[i])
		}
	}
	b.recomputeCosts()
}
