// Package expand drives book growth: a pool of workers repeatedly pops
// the cheapest frontier nodes, runs the external searcher with the
// in-book moves masked out, grafts the resulting subtree into the book,
// and leaf-searches every node that gained a child. One mutex guards the
// book; it is never held across a search or a network evaluation.
package expand

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/bookstore"
	"github.com/kennyfs/katabook/nneval"
	"github.com/kennyfs/katabook/rules"
	"github.com/kennyfs/katabook/searcher"
)

// ErrIntegrity marks a fatal book-integrity violation; the driver
// terminates without saving when it sees one.
var ErrIntegrity = errors.New("book integrity check failed")

// Config is the run-control surface of the pool.
type Config struct {
	NumIterations           int
	SaveEveryIterations     int
	NumGameThreads          int
	NumToExpandPerIteration int

	MinTreeVisitsToRecord int64
	MaxDepthToRecord      int
	MaxVisitsForLeaves    int64

	WideRootNoiseBookExplore       float64
	CpuctExplorationLogBookExplore float64

	LogSearchInfo bool
}

// Pool owns the expansion loop. Each worker has a dedicated searcher; the
// evaluator is shared and must be thread-safe.
type Pool struct {
	book      *bookstore.Book
	searchers []searcher.Searcher
	nn        nneval.Evaluator
	params    searcher.Params
	cfg       Config

	mu         sync.Mutex
	shouldStop *atomic.Bool
	save       func() error

	nodesExpanded atomic.Int64
}

// New builds a pool. searchers must have exactly cfg.NumGameThreads
// entries; save is called for periodic persistence and may be nil.
func New(book *bookstore.Book, searchers []searcher.Searcher, nn nneval.Evaluator, params searcher.Params, cfg Config, shouldStop *atomic.Bool, save func() error) (*Pool, error) {
	if len(searchers) != cfg.NumGameThreads {
		return nil, fmt.Errorf("have %d searchers for %d game threads", len(searchers), cfg.NumGameThreads)
	}
	if cfg.NumGameThreads < 1 || cfg.NumToExpandPerIteration < 1 {
		return nil, errors.New("numGameThreads and numToExpandPerIteration must be at least 1")
	}
	return &Pool{
		book:       book,
		searchers:  searchers,
		nn:         nn,
		params:     params,
		cfg:        cfg,
		shouldStop: shouldStop,
		save:       save,
	}, nil
}

func (p *Pool) Book() *bookstore.Book { return p.book }

// Lock exposes the book mutex for collaborators (the trace importer)
// that need the same locking discipline.
func (p *Pool) Lock()   { p.mu.Lock() }
func (p *Pool) Unlock() { p.mu.Unlock() }

func (p *Pool) stopping() bool {
	return p.shouldStop != nil && p.shouldStop.Load()
}

// Run executes the configured number of expansion iterations. On a stop
// signal the current round's recompute still completes so the book stays
// consistent, then the loop exits; the final save is the caller's call.
func (p *Pool) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go p.logThroughput(done)

	for iteration := 0; iteration < p.cfg.NumIterations; iteration++ {
		if p.stopping() || ctx.Err() != nil {
			break
		}
		if p.cfg.SaveEveryIterations > 0 && iteration != 0 && iteration%p.cfg.SaveEveryIterations == 0 && p.save != nil {
			log.Info().Int("iteration", iteration).Msg("saving book")
			if err := p.save(); err != nil {
				return err
			}
		}
		log.Info().Int("iteration", iteration).Msg("beginning book expansion iteration")

		// Early iterations expand narrowly so the first few searches can
		// steer where the book grows.
		n := 1 + iteration/2
		if n > p.cfg.NumToExpandPerIteration {
			n = p.cfg.NumToExpandPerIteration
		}
		p.mu.Lock()
		nodesToExpand := p.book.GetNextNToExpand(n)
		p.mu.Unlock()
		if len(nodesToExpand) == 0 {
			log.Info().Msg("no expandable nodes remain")
			break
		}

		queue := make(chan *bookstore.Node, len(nodesToExpand))
		for _, node := range nodesToExpand {
			queue <- node
		}
		close(queue)

		newAndChanged := append([]*bookstore.Node(nil), nodesToExpand...)
		var changedMu sync.Mutex
		appendChanged := func(nodes []*bookstore.Node) {
			changedMu.Lock()
			newAndChanged = append(newAndChanged, nodes...)
			changedMu.Unlock()
		}

		g := errgroup.Group{}
		for t := 0; t < p.cfg.NumGameThreads; t++ {
			t := t
			g.Go(func() error {
				for node := range queue {
					if p.stopping() {
						return nil
					}
					changed, err := p.expandNode(t, node)
					if err != nil {
						return err
					}
					appendChanged(changed)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		p.mu.Lock()
		p.book.Recompute(newAndChanged)
		p.mu.Unlock()

		if p.stopping() {
			break
		}
	}
	return nil
}

func (p *Pool) logThroughput(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	last := int64(0)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cur := p.nodesExpanded.Load()
			log.Info().Int64("expanded", cur).Float64("perSec", float64(cur-last)/10.0).Msg("expansion throughput")
			last = cur
		}
	}
}

// findNewMovesLocked builds the avoid mask for a node: ones for every
// legal move already in the book, unless this pick qualifies as a
// re-expansion. Reports whether any legal new move remains. The caller
// holds the book mutex.
func (p *Pool) findNewMovesLocked(hist *rules.History, node bookstore.SymNode, allowReExpansion bool) (avoid []int, isReExpansion, hasNew bool) {
	numLocs := hist.Board().NumLocs()
	avoid = make([]int, numLocs+1)
	isReExpansion = allowReExpansion && node.Node.CanReExpand &&
		node.Node.RecursiveValues.Visits < p.book.Params.MaxVisitsForReExpansion
	pla := hist.ToMove()
	for i := -1; i < numLocs; i++ {
		loc := rules.Loc(i) // -1 is the pass move
		if !hist.IsLegal(loc, pla) {
			continue
		}
		if !isReExpansion && node.IsMoveInBook(loc) {
			avoid[searcher.AvoidIndex(loc, numLocs)] = 1
		} else {
			hasNew = true
		}
	}
	return avoid, isReExpansion, hasNew
}

// setParamsCompensatingCpuct configures the searcher's params and avoid
// mask, dividing cpuct by the remaining policy mass raised to
// 1/(4*wideRootNoise+1) so that masking most of the policy does not
// collapse exploration. Runs the shared evaluator;
// must be called WITHOUT the book mutex.
func (p *Pool) setParamsCompensatingCpuct(s searcher.Searcher, params searcher.Params, hist *rules.History, avoid []int) error {
	out, err := p.nn.FullSymmetryNNOutput(hist, false)
	if err != nil {
		return err
	}
	numLocs := hist.Board().NumLocs()
	policySum := 0.0
	for pos, prob := range out.PolicyProbs {
		if prob <= 0 {
			continue
		}
		loc := nneval.PosToLoc(pos, out.NNXLen, out.NNYLen)
		if avoid[searcher.AvoidIndex(loc, numLocs)] <= 0 {
			policySum += prob
		}
	}
	policySum = math.Max(policySum, 1e-5)
	policySum = math.Min(policySum, 1.0)
	policySum = math.Pow(policySum, 1.0/(4.0*params.WideRootNoise+1.0))

	params.CpuctExploration /= policySum
	params.CpuctExplorationLog /= policySum
	s.SetParams(params)
	s.SetAvoidMoveUntilByLoc(avoid)
	return nil
}

// setNodeThisValuesTerminal writes terminal-position values straight from
// the game result and freezes the node.
func (p *Pool) setNodeThisValuesTerminal(node *bookstore.Node, hist *rules.History) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var tv bookstore.BookValues
	if hist.IsNoResult() {
		// Leave the value fields at zero.
	} else {
		switch hist.Winner() {
		case rules.White:
			tv.WinLossValue = 1.0
		case rules.Black:
			tv.WinLossValue = -1.0
		}
		tv.ScoreMean = hist.FinalWhiteMinusBlackScore()
		tv.SharpScoreMean = hist.FinalWhiteMinusBlackScore()
	}
	tv.MaxPolicy = 1.0
	tv.Weight = float64(p.cfg.MaxVisitsForLeaves)
	tv.Visits = float64(p.cfg.MaxVisitsForLeaves)
	node.ThisValuesNotInBook = tv
	node.CanExpand = false
}

// setNodeThisValuesFromFinishedSearch extracts a finished search's root
// values plus a full-symmetry policy (with in-book moves zeroed) and
// writes them into the node under the book mutex.
func (p *Pool) setNodeThisValuesFromFinishedSearch(node *bookstore.Node, s searcher.Searcher, sn *searcher.ResultNode, hist *rules.History, avoid []int) error {
	values, ok := s.PrunedNodeValues(sn)
	if !ok {
		return fmt.Errorf("search for node %s produced no values", node.Hash)
	}
	sharpScore, ok := s.SharpScore(sn)
	if !ok {
		sharpScore = values.ExpectedScore
	}
	wlError, scoreError := s.ShallowAverageShorttermWLAndScoreError(sn)

	out, err := p.nn.FullSymmetryNNOutput(hist, false)
	if err != nil {
		return err
	}
	probs := append([]float64(nil), out.PolicyProbs...)
	numLocs := hist.Board().NumLocs()
	if len(avoid) > 0 {
		// We want the max policy over the *remaining* moves.
		for pos := range probs {
			loc := nneval.PosToLoc(pos, out.NNXLen, out.NNYLen)
			if avoid[searcher.AvoidIndex(loc, numLocs)] > 0 {
				probs[pos] = -1
			}
		}
	}
	maxPolicy := nneval.MaxPolicy(probs)

	p.mu.Lock()
	defer p.mu.Unlock()
	node.ThisValuesNotInBook = bookstore.BookValues{
		WinLossValue:   values.WinLossValue,
		ScoreMean:      values.ExpectedScore,
		SharpScoreMean: sharpScore,
		WinLossError:   wlError,
		ScoreError:     scoreError,
		ScoreStdev:     values.ExpectedScoreStdev,
		MaxPolicy:      maxPolicy,
		Weight:         values.Weight,
		Visits:         float64(values.Visits),
	}
	return nil
}

// SearchAndUpdateNodeThisValues runs a short capped search with the
// in-book moves masked out and refreshes the node's thisValuesNotInBook.
// Also used by the trace importer after it adds variations.
func (p *Pool) SearchAndUpdateNodeThisValues(threadIdx int, node *bookstore.Node) error {
	s := p.searchers[threadIdx]

	p.mu.Lock()
	symNode, hist, _, err := p.book.AlignedNode(node)
	if err != nil {
		p.mu.Unlock()
		// There is no good way to put the book back into a consistent
		// state with this node un-updated.
		log.Error().Str("hash", node.Hash.String()).Err(err).Msg("failed to reconstruct history for node update")
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	syms := symNode.Symmetries()
	p.mu.Unlock()

	s.SetPosition(hist.ToMove(), hist)
	s.SetRootSymmetryPruningOnly(syms)

	if hist.IsGameFinished() {
		p.setNodeThisValuesTerminal(node, hist)
		return nil
	}

	p.mu.Lock()
	avoid, _, hasNew := p.findNewMovesLocked(hist, symNode, false)
	p.mu.Unlock()

	if !hasNew {
		p.mu.Lock()
		node.SetNoMovesLeft()
		p.mu.Unlock()
		return nil
	}

	params := p.params
	if params.MaxVisits > p.cfg.MaxVisitsForLeaves {
		params.MaxVisits = p.cfg.MaxVisitsForLeaves
	}
	if err := p.setParamsCompensatingCpuct(s, params, hist, avoid); err != nil {
		return err
	}
	if err := s.RunWholeSearch(hist.ToMove()); err != nil {
		return err
	}
	if p.cfg.LogSearchInfo {
		log.Debug().Str("hash", node.Hash.String()).Msg("quick search on remaining moves done")
	}
	return p.setNodeThisValuesFromFinishedSearch(node, s, s.RootNode(), hist, avoid)
}

// expandNode runs one full expansion of a frontier node and returns the
// nodes whose values changed. Soft failures freeze the node and return no
// error; integrity violations, evaluator failures and searcher failures
// propagate.
func (p *Pool) expandNode(threadIdx int, node *bookstore.Node) ([]*bookstore.Node, error) {
	s := p.searchers[threadIdx]

	p.mu.Lock()
	symNode, hist, moves, err := p.book.AlignedNode(node)
	if err != nil {
		log.Warn().Str("hash", node.Hash.String()).Err(err).
			Msg("failed to get board history reaching node; marking node as done, but something is probably wrong")
		node.CanExpand = false
		p.mu.Unlock()
		return nil, nil
	}
	syms := symNode.Symmetries()
	totalCost := node.TotalExpansionCost
	p.mu.Unlock()

	// Integrity check. Older book versions had hash bugs baked into their
	// files, so only enforce from version 2 on.
	if p.book.Version >= 2 {
		rehash, _, _ := bookhash.Canonicalize(hist, p.book.RepBound, p.book.Version)
		if rehash != node.Hash {
			log.Error().Str("hash", node.Hash.String()).Str("rehash", rehash.String()).
				Interface("moves", moves).Msg("node hash does not match its replayed position")
			return nil, fmt.Errorf("%w: node %s replays to %s", ErrIntegrity, node.Hash, rehash)
		}
	}

	if hist.IsGameFinished() || hist.IsPastNormalPhaseEnd() {
		p.mu.Lock()
		node.CanExpand = false
		p.mu.Unlock()
		return nil, nil
	}

	s.SetPosition(hist.ToMove(), hist)
	s.SetRootSymmetryPruningOnly(syms)

	log.Info().Str("hash", node.Hash.String()).Float64("cost", totalCost).Msg("expanding node")

	p.mu.Lock()
	avoid, isReExpansion, hasNew := p.findNewMovesLocked(hist, symNode, true)
	p.mu.Unlock()
	if !hasNew {
		p.mu.Lock()
		node.CanExpand = false
		p.mu.Unlock()
		return nil, nil
	}

	params := p.params
	params.WideRootNoise = p.cfg.WideRootNoiseBookExplore
	params.CpuctExplorationLog = p.cfg.CpuctExplorationLogBookExplore
	if err := p.setParamsCompensatingCpuct(s, params, hist, avoid); err != nil {
		return nil, err
	}
	if err := s.RunWholeSearch(hist.ToMove()); err != nil {
		return nil, err
	}
	if p.stopping() {
		return nil, nil
	}

	toSearch := make(map[bookhash.Hash]bool)
	toUpdate := make(map[bookhash.Hash]bool)
	recursedOn := make(map[*searcher.ResultNode]bool)
	anythingAdded, err := p.expandFromSearchResult(
		s, s.RootNode(), symNode, hist, p.cfg.MaxDepthToRecord, toSearch, toUpdate, recursedOn)
	if err != nil {
		return nil, err
	}

	// Immediately leaf-search every node that gained a move so its
	// thisValuesNotInBook reflects the new avoid set.
	for hash := range toSearch {
		p.mu.Lock()
		target, ok := p.book.NodeByHash(hash)
		p.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: node %s vanished", ErrIntegrity, hash)
		}
		if err := p.SearchAndUpdateNodeThisValues(threadIdx, target); err != nil {
			return nil, err
		}
	}

	var changed []*bookstore.Node
	p.mu.Lock()
	for hash := range toUpdate {
		if target, ok := p.book.NodeByHash(hash); ok {
			changed = append(changed, target)
		}
	}
	// Only nodes that have never been expanded on their own merit remain
	// eligible for re-expansion.
	node.CanReExpand = false
	changed = append(changed, node)

	if !anythingAdded && !isReExpansion {
		log.Warn().Str("hash", node.Hash.String()).
			Msg("search obtained no new moves despite legal moves existing not yet in book; marking node as done")
		node.CanExpand = false
	}
	p.mu.Unlock()

	p.nodesExpanded.Add(1)
	return changed, nil
}

// expandFromSearchResult walks a finished search tree and grafts into the
// book the best move plus every move with enough visits, recursing up to
// maxDepth plies. Returns whether any move was added directly at this
// node.
func (p *Pool) expandFromSearchResult(
	s searcher.Searcher,
	searchNode *searcher.ResultNode,
	node bookstore.SymNode,
	hist *rules.History,
	maxDepth int,
	toSearch, toUpdate map[bookhash.Hash]bool,
	recursedOn map[*searcher.ResultNode]bool,
) (bool, error) {
	if maxDepth <= 0 || searchNode == nil {
		return false, nil
	}
	// Search graphs can transpose; handle each search node once.
	if recursedOn[searchNode] {
		return false, nil
	}
	recursedOn[searchNode] = true

	moves, values, ok := s.PlaySelectionValues(searchNode)
	if !ok {
		return false, nil
	}
	bestIdx := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[bestIdx] {
			bestIdx = i
		}
	}
	bestLoc := moves[bestIdx]

	// Full-symmetry policy supplies the raw priors recorded on new edges.
	out, err := p.nn.FullSymmetryNNOutput(hist, false)
	if err != nil {
		return false, err
	}

	anythingAdded := false
	anyRecursion := false
	for _, childSearchNode := range searchNode.Children {
		moveLoc := childSearchNode.MoveFromParent
		childVisits := childSearchNode.Visits
		if moveLoc != bestLoc && childVisits < p.cfg.MinTreeVisitsToRecord {
			continue
		}
		rawPolicy := out.PolicyProbs[nneval.LocToPos(moveLoc, out.NNXLen, out.NNYLen)]
		if rawPolicy < 0 {
			rawPolicy = 0
		}

		nextHist := hist.Copy()
		var child bookstore.SymNode

		p.mu.Lock()
		if node.IsMoveInBook(moveLoc) {
			if !nextHist.IsLegal(moveLoc, node.Pla()) {
				log.Warn().Str("move", moveLoc.String(nextHist.Board().XSize)).Str("hash", node.Hash().String()).
					Msg("illegal in-book move on re-make; marking node as done, but something is probably wrong")
				node.Node.CanExpand = false
				p.mu.Unlock()
				continue
			}
			child, err = node.Follow(nextHist, moveLoc)
			if err != nil {
				node.Node.CanExpand = false
				p.mu.Unlock()
				log.Warn().Err(err).Str("hash", node.Hash().String()).Msg("failed to follow in-book move")
				continue
			}
			// Overwrite a leaf child's values when this search saw it with
			// more visits than whatever wrote them before.
			overwrite := len(child.Node.Moves) == 0 && child.Node.RecursiveValues.Visits < float64(childVisits)
			p.mu.Unlock()
			if overwrite {
				// The child avoided nothing, so pass an empty mask.
				if err := p.setNodeThisValuesFromFinishedSearch(child.Node, s, childSearchNode, nextHist, nil); err != nil {
					return anythingAdded, err
				}
				p.mu.Lock()
				toUpdate[child.Hash()] = true
				p.mu.Unlock()
			}
		} else {
			var transposing bool
			child, transposing, err = node.PlayAndAddMove(nextHist, moveLoc, rawPolicy)
			if err != nil {
				log.Warn().Err(err).Str("move", moveLoc.String(nextHist.Board().XSize)).Str("hash", node.Hash().String()).
					Msg("illegal move from search; marking node as done, but something is probably wrong")
				node.Node.CanExpand = false
				p.mu.Unlock()
				continue
			}
			toUpdate[child.Hash()] = true
			log.Info().Str("parent", node.Hash().String()).Str("child", child.Hash().String()).
				Str("move", moveLoc.String(nextHist.Board().XSize)).Msg("adding move to book")
			anythingAdded = true
			// A transposing child already had its own search unless it is
			// still an unexplored leaf we saw deeper this time.
			fill := !transposing || (len(child.Node.Moves) == 0 && child.Node.RecursiveValues.Visits < float64(childVisits))
			p.mu.Unlock()
			if fill {
				if err := p.setNodeThisValuesFromFinishedSearch(child.Node, s, childSearchNode, nextHist, nil); err != nil {
					return anythingAdded, err
				}
			}
		}

		if childVisits >= p.cfg.MinTreeVisitsToRecord {
			anyRecursion = true
			if _, err := p.expandFromSearchResult(
				s, childSearchNode, child, nextHist, maxDepth-1, toSearch, toUpdate, recursedOn); err != nil {
				return anythingAdded, err
			}
		}
	}

	p.mu.Lock()
	if anythingAdded || anyRecursion {
		toUpdate[node.Hash()] = true
	}
	if anythingAdded {
		toSearch[node.Hash()] = true
	}
	p.mu.Unlock()

	return anythingAdded, nil
}
