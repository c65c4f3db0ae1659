// Package trace imports variations from another book: every sufficiently
// visited leaf of the source book is walked into the target book, adding
// the minimum moves needed to reproduce the line plus any sibling whose
// raw policy is noticeably higher (a guard against holes when the two
// books disagree on rules). Tracing is mutually exclusive with normal
// iteration-driven expansion.
package trace

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/bookstore"
	"github.com/kennyfs/katabook/expand"
	"github.com/kennyfs/katabook/nneval"
	"github.com/kennyfs/katabook/rules"
)

// ErrInterrupted reports a stop signal mid-trace; the target book must
// not be saved in that case.
var ErrInterrupted = errors.New("trace interrupted, target book must not be saved")

// widenMargin: a sibling is also added when its raw policy exceeds
// 1.5x the traced move's policy plus this margin.
const widenMargin = 0.05

// Importer copies lines from a source book into the pool's target book.
type Importer struct {
	pool       *expand.Pool
	source     *bookstore.Book
	minVisits  float64
	numThreads int
	nn         nneval.Evaluator
	shouldStop *atomic.Bool
}

func New(pool *expand.Pool, source *bookstore.Book, minVisits float64, numThreads int, nn nneval.Evaluator, shouldStop *atomic.Bool) *Importer {
	return &Importer{
		pool:       pool,
		source:     source,
		minVisits:  minVisits,
		numThreads: numThreads,
		nn:         nn,
		shouldStop: shouldStop,
	}
}

func (t *Importer) stopping() bool {
	return t.shouldStop != nil && t.shouldStop.Load()
}

// Run walks every qualifying source leaf into the target book, then
// leaf-searches every node the walk touched and recomputes the whole
// book.
func (t *Importer) Run(ctx context.Context) error {
	leaves := t.source.AllLeaves(t.minVisits)
	log.Info().Int("leaves", len(leaves)).Float64("minVisits", t.minVisits).Msg("tracing book")

	toUpdate := make(map[bookhash.Hash]bool)

	queue := make(chan *bookstore.Node, len(leaves))
	for _, leaf := range leaves {
		queue <- leaf
	}
	close(queue)

	var variationsAdded atomic.Int64
	g := errgroup.Group{}
	for i := 0; i < t.numThreads; i++ {
		g.Go(func() error {
			for leaf := range queue {
				if t.stopping() || ctx.Err() != nil {
					return nil
				}
				_, hist, _, err := t.source.AlignedNode(leaf)
				if err != nil {
					return err
				}
				if err := t.addVariation(hist, toUpdate); err != nil {
					return err
				}
				if added := variationsAdded.Add(1); added%400 == 0 {
					log.Info().Int64("added", added).Int("total", len(leaves)).Msg("tracing book progress")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Int64("added", variationsAdded.Load()).Int("total", len(leaves)).Msg("tracing book done")

	hashQueue := make(chan bookhash.Hash, len(toUpdate))
	hashes := make([]bookhash.Hash, 0, len(toUpdate))
	for h := range toUpdate {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })
	for _, h := range hashes {
		hashQueue <- h
	}
	close(hashQueue)

	var hashesUpdated atomic.Int64
	g = errgroup.Group{}
	for i := 0; i < t.numThreads; i++ {
		i := i
		g.Go(func() error {
			for h := range hashQueue {
				if t.stopping() {
					return nil
				}
				t.pool.Lock()
				node, ok := t.pool.Book().NodeByHash(h)
				t.pool.Unlock()
				if !ok {
					continue
				}
				if err := t.pool.SearchAndUpdateNodeThisValues(i, node); err != nil {
					return err
				}
				if updated := hashesUpdated.Add(1); updated%100 == 0 {
					log.Info().Int64("updated", updated).Int("total", len(hashes)).Msg("updating traced nodes")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if t.stopping() {
		log.Warn().Msg("trace book incomplete, exiting without saving")
		return ErrInterrupted
	}

	log.Info().Msg("recomputing recursive values for entire book")
	t.pool.Lock()
	t.pool.Book().RecomputeEverything()
	t.pool.Unlock()
	return nil
}

// addVariation walks targetHist's moves through the target book from the
// root, adding whatever is missing. toUpdate collects the hashes of every
// node created or given new moves; the pool's book mutex guards both the
// book and the set, and is dropped around network evaluations.
func (t *Importer) addVariation(targetHist *rules.History, toUpdate map[bookhash.Hash]bool) error {
	book := t.pool.Book()

	t.pool.Lock()
	defer t.pool.Unlock()

	node := book.Root()
	hist := book.InitialHistory()

	if !targetHist.InitialBoard.Equal(hist.InitialBoard) || targetHist.InitialPla != hist.InitialPla {
		return errors.New("trace book does not start from the same position")
	}

	for _, move := range targetHist.Moves {
		if hist.IsGameFinished() || hist.IsPastNormalPhaseEnd() {
			log.Info().Str("hash", node.Hash().String()).Msg("skipping trace variation since game over")
			node.Node.CanExpand = false
			break
		}
		moveLoc := move.Loc
		movePla := move.Pla
		if movePla != hist.ToMove() || movePla != node.Pla() {
			return errors.New("trace variation player out of sync with target book")
		}
		// Rules mismatches between books surface as illegal moves; just
		// stop this variation where it happens.
		if !hist.IsLegal(moveLoc, movePla) {
			log.Info().Str("hash", node.Hash().String()).Msg("skipping trace variation since illegal")
			break
		}

		if !node.IsMoveInBook(moveLoc) {
			if !node.Node.CanExpand {
				log.Info().Str("hash", node.Hash().String()).Msg("skipping trace variation since nonexpandable")
				break
			}

			// Evaluate without the lock; symmetry-averaged policy is slow.
			t.pool.Unlock()
			out, err := t.nn.FullSymmetryNNOutput(hist, false)
			if err != nil {
				t.pool.Lock()
				return err
			}
			movePolicy := out.PolicyProbs[nneval.LocToPos(moveLoc, out.NNXLen, out.NNYLen)]
			if movePolicy < 0 {
				movePolicy = 0
			}
			type extra struct {
				loc    rules.Loc
				policy float64
			}
			var extras []extra
			for pos, prob := range out.PolicyProbs {
				loc := nneval.PosToLoc(pos, out.NNXLen, out.NNYLen)
				if loc == rules.NullLoc || loc == moveLoc {
					continue
				}
				if prob > 0 && prob > 1.5*movePolicy+widenMargin {
					extras = append(extras, extra{loc: loc, policy: prob})
				}
			}
			sort.Slice(extras, func(i, j int) bool {
				if extras[i].policy != extras[j].policy {
					return extras[i].policy > extras[j].policy
				}
				return extras[i].loc < extras[j].loc
			})
			t.pool.Lock()

			// We are adding moves to this node, so it needs an update.
			toUpdate[node.Hash()] = true

			// Another thread may have raced the move in while the lock was
			// down; check again.
			if !node.IsMoveInBook(moveLoc) {
				histCopy := hist.Copy()
				child, transposing, err := node.PlayAndAddMove(histCopy, moveLoc, movePolicy)
				if err != nil {
					log.Warn().Err(err).Str("hash", node.Hash().String()).Msg("failed to add traced move")
					break
				}
				if !transposing {
					toUpdate[child.Hash()] = true
				}
			}
			for _, e := range extras {
				// The widened sibling may have arrived via symmetry or
				// another thread.
				if node.IsMoveInBook(e.loc) || !hist.IsLegal(e.loc, movePla) {
					continue
				}
				histCopy := hist.Copy()
				child, transposing, err := node.PlayAndAddMove(histCopy, e.loc, e.policy)
				if err != nil {
					continue
				}
				if !transposing {
					toUpdate[child.Hash()] = true
				}
			}
		}

		next, err := node.Follow(hist, moveLoc)
		if err != nil {
			log.Warn().Err(err).Str("hash", node.Hash().String()).Msg("failed to follow traced move")
			break
		}
		node = next
	}
	return nil
}
