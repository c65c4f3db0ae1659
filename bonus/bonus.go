// Package bonus reads operator bonus files: SGFs whose node comments carry
// a "BONUS <number>" marker assigning an expansion-cost bonus to the
// canonical hash of the position reached at that node. Bonuses are hashed
// under every book version so a later version upgrade keeps them intact.
package bonus

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kennyfs/katabook/bookhash"
	"github.com/kennyfs/katabook/rules"
)

const marker = "BONUS"

// File is a parsed bonus SGF: the bonuses keyed by canonical hash, plus
// the initial position the SGF starts from, which genbook cross-checks
// against a preexisting book.
type File struct {
	BonusByHash  map[bookhash.Hash]float64
	InitialBoard *rules.Board
	InitialPla   rules.Player
}

// LoadFile parses the SGF at path and replays every variation under the
// given ruleset, collecting BONUS markers. Variations that become illegal
// under this ruleset are skipped from the offending move on.
func LoadFile(path string, r rules.Rules, repBound int) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data, r, repBound)
}

func parse(data []byte, r rules.Rules, repBound int) (*File, error) {
	p := &parser{src: data}
	p.skipSpace()
	if !p.consume('(') {
		return nil, errors.New("sgf: expected root variation")
	}
	nodes, err := p.parseSequence()
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("sgf: empty game tree")
	}

	root := nodes[0]
	xSize, ySize, err := parseSize(root.props["SZ"])
	if err != nil {
		return nil, err
	}
	board := rules.NewBoard(xSize, ySize)
	var placements []rules.Move
	for _, v := range root.props["AB"] {
		loc, ok := parsePoint(v, xSize, ySize)
		if !ok {
			return nil, fmt.Errorf("sgf: bad AB point %q", v)
		}
		placements = append(placements, rules.Move{Loc: loc, Pla: rules.Black})
	}
	for _, v := range root.props["AW"] {
		loc, ok := parsePoint(v, xSize, ySize)
		if !ok {
			return nil, fmt.Errorf("sgf: bad AW point %q", v)
		}
		placements = append(placements, rules.Move{Loc: loc, Pla: rules.White})
	}
	if err := board.SetStones(placements); err != nil {
		return nil, fmt.Errorf("sgf: %w", err)
	}
	initialPla := rules.Black
	if vs := root.props["PL"]; len(vs) > 0 && strings.EqualFold(vs[0], "W") {
		initialPla = rules.White
	}

	f := &File{
		BonusByHash:  make(map[bookhash.Hash]float64),
		InitialBoard: board,
		InitialPla:   initialPla,
	}
	hist := rules.NewHistory(board, initialPla, r, repBound)
	f.walk(nodes, hist, repBound)
	return f, nil
}

// walk replays a sequence of SGF nodes from hist, recording bonuses and
// recursing into variations. hist is owned by the caller; each variation
// gets its own copy.
func (f *File) walk(nodes []*sgfNode, hist *rules.History, repBound int) {
	for _, n := range nodes {
		if !f.applyNode(n, hist, repBound) {
			return
		}
	}
	last := nodes[len(nodes)-1]
	for _, variation := range last.variations {
		f.walk(variation, hist.Copy(), repBound)
	}
}

// applyNode plays the node's move (if any) and records a bonus from its
// comment. Returns false when the variation cannot continue.
func (f *File) applyNode(n *sgfNode, hist *rules.History, repBound int) bool {
	for _, pla := range []rules.Player{rules.Black, rules.White} {
		key := "B"
		if pla == rules.White {
			key = "W"
		}
		vs, ok := n.props[key]
		if !ok {
			continue
		}
		loc, ok := parseMove(vs[0], hist.Board().XSize, hist.Board().YSize)
		if !ok {
			return false
		}
		if hist.IsGameFinished() || !hist.IsLegal(loc, pla) {
			return false
		}
		if err := hist.PlayMove(loc, pla); err != nil {
			return false
		}
	}
	if vs, ok := n.props["C"]; ok {
		for _, comment := range vs {
			if value, ok := bonusFromComment(comment); ok {
				for v := bookhash.Version(1); v <= bookhash.LatestVersion; v++ {
					hash, _, _ := bookhash.Canonicalize(hist, repBound, v)
					f.BonusByHash[hash] = value
					log.Info().Str("hash", hash.String()).Float64("bonus", value).Msg("adding bonus")
				}
			}
		}
	}
	return true
}

func bonusFromComment(comment string) (float64, bool) {
	idx := strings.Index(comment, marker)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(comment[idx+len(marker):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func parseSize(vs []string) (int, int, error) {
	if len(vs) == 0 {
		return 19, 19, nil
	}
	v := vs[0]
	if x, y, ok := strings.Cut(v, ":"); ok {
		xs, err1 := strconv.Atoi(x)
		ys, err2 := strconv.Atoi(y)
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("sgf: bad SZ %q", v)
		}
		return xs, ys, nil
	}
	s, err := strconv.Atoi(v)
	if err != nil {
		return 0, 0, fmt.Errorf("sgf: bad SZ %q", v)
	}
	return s, s, nil
}

// parsePoint decodes an SGF coordinate pair. SGF rows count from the top;
// our boards count from the bottom.
func parsePoint(v string, xSize, ySize int) (rules.Loc, bool) {
	if len(v) != 2 {
		return rules.NullLoc, false
	}
	x := int(v[0] - 'a')
	y := int(v[1] - 'a')
	if x < 0 || x >= xSize || y < 0 || y >= ySize {
		return rules.NullLoc, false
	}
	return rules.MakeLoc(x, ySize-1-y, xSize), true
}

// parseMove is parsePoint plus the two pass encodings ("" and "tt").
func parseMove(v string, xSize, ySize int) (rules.Loc, bool) {
	if v == "" || (v == "tt" && xSize <= 19 && ySize <= 19) {
		return rules.PassLoc, true
	}
	return parsePoint(v, xSize, ySize)
}

// sgfNode is one ";"-node: its properties and any child variations that
// branch after it.
type sgfNode struct {
	props      map[string][]string
	variations [][]*sgfNode
}

type parser struct {
	src []byte
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) consume(c byte) bool {
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

// parseSequence reads the nodes of one variation up to its closing ')'.
// Sub-variations attach to the node they branch from.
func (p *parser) parseSequence() ([]*sgfNode, error) {
	var nodes []*sgfNode
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, errors.New("sgf: unexpected end of input")
		}
		switch p.src[p.pos] {
		case ';':
			p.pos++
			n, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		case '(':
			if len(nodes) == 0 {
				return nil, errors.New("sgf: variation before any node")
			}
			p.pos++
			sub, err := p.parseSequence()
			if err != nil {
				return nil, err
			}
			last := nodes[len(nodes)-1]
			last.variations = append(last.variations, sub)
		case ')':
			p.pos++
			return nodes, nil
		default:
			return nil, fmt.Errorf("sgf: unexpected byte %q", p.src[p.pos])
		}
	}
}

func (p *parser) parseNode() (*sgfNode, error) {
	n := &sgfNode{props: make(map[string][]string)}
	for {
		p.skipSpace()
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] >= 'A' && p.src[p.pos] <= 'Z' {
			p.pos++
		}
		if p.pos == start {
			return n, nil
		}
		ident := string(p.src[start:p.pos])
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != '[' {
			return nil, fmt.Errorf("sgf: property %s without value", ident)
		}
		for p.pos < len(p.src) && p.src[p.pos] == '[' {
			p.pos++
			value, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			n.props[ident] = append(n.props[ident], value)
			p.skipSpace()
		}
	}
}

func (p *parser) parseValue() (string, error) {
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case '\\':
			p.pos++
			if p.pos < len(p.src) {
				sb.WriteByte(p.src[p.pos])
				p.pos++
			}
		case ']':
			p.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	return "", errors.New("sgf: unterminated property value")
}
