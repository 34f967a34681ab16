package game

import (
	"fmt"
	"strings"
)

// history is a persistent list of past board hashes, shared between branches.
type history struct {
	boardHash uint64
	stones    int
	prev      *history
}

// Board is an immutable Go position with positional superko and area scoring.
type Board struct {
	xSize, ySize int
	komi         float64
	stones       []Player
	pla          Player
	boardHash    uint64
	numStones    int
	passes       int
	turn         int
	lastMove     Loc
	prevMove     Loc
	past         *history
}

// NewBoard returns an empty board with Black to move.
func NewBoard(xSize, ySize int, komi float64) *Board {
	if xSize < 2 || ySize < 2 || xSize > MaxBoardLen || ySize > MaxBoardLen {
		panic(fmt.Sprintf("unsupported board size %dx%d", xSize, ySize))
	}
	b := &Board{
		xSize:    xSize,
		ySize:    ySize,
		komi:     komi,
		stones:   make([]Player, xSize*ySize),
		pla:      Black,
		lastMove: NullLoc,
		prevMove: NullLoc,
	}
	b.boardHash = zobristSize[xSize][ySize]
	b.past = &history{boardHash: b.boardHash}
	return b
}

// ParseBoard builds a position from rows of 'X' (black), 'O' (white) and '.',
// top row first.
func ParseBoard(rows []string, pla Player, komi float64) (*Board, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty board")
	}
	ySize := len(rows)
	xSize := len(strings.TrimSpace(rows[0]))
	b := NewBoard(xSize, ySize, komi)
	for y, row := range rows {
		row = strings.TrimSpace(row)
		if len(row) != xSize {
			return nil, fmt.Errorf("row %d has length %d, want %d", y, len(row), xSize)
		}
		for x, c := range row {
			loc := Loc(y*xSize + x)
			switch c {
			case 'X', 'x':
				b.setStone(loc, Black)
			case 'O', 'o':
				b.setStone(loc, White)
			case '.', '+':
			default:
				return nil, fmt.Errorf("unexpected character %q at row %d", c, y)
			}
		}
	}
	b.pla = pla
	b.past = &history{boardHash: b.boardHash, stones: b.numStones}
	return b, nil
}

func (b *Board) setStone(loc Loc, c Player) {
	if old := b.stones[loc]; old != Empty {
		b.boardHash ^= zobristStone[old][loc]
		b.numStones--
	}
	b.stones[loc] = c
	if c != Empty {
		b.boardHash ^= zobristStone[c][loc]
		b.numStones++
	}
}

func (b *Board) Player() Player         { return b.pla }
func (b *Board) XSize() int             { return b.xSize }
func (b *Board) YSize() int             { return b.ySize }
func (b *Board) Turn() int              { return b.turn }
func (b *Board) Komi() float64          { return b.komi }
func (b *Board) ConsecutivePasses() int { return b.passes }
func (b *Board) LastMove() Loc          { return b.lastMove }
func (b *Board) PrevMove() Loc          { return b.prevMove }
func (b *Board) IsTerminal() bool       { return b.passes >= 2 }
func (b *Board) NoResultAllowed() bool  { return false }

func (b *Board) StoneAt(loc Loc) Player {
	if loc < 0 || int(loc) >= len(b.stones) {
		return Empty
	}
	return b.stones[loc]
}

func (b *Board) Hash() StateHash {
	passes := b.passes
	if passes > 2 {
		passes = 2
	}
	return StateHash(b.boardHash ^ zobristPla[b.pla] ^ zobristPasses[passes])
}

func (b *Board) neighbors(loc Loc, buf *[4]Loc) []Loc {
	n := buf[:0]
	x := int(loc) % b.xSize
	y := int(loc) / b.xSize
	if x > 0 {
		n = append(n, loc-1)
	}
	if x < b.xSize-1 {
		n = append(n, loc+1)
	}
	if y > 0 {
		n = append(n, loc-Loc(b.xSize))
	}
	if y < b.ySize-1 {
		n = append(n, loc+Loc(b.xSize))
	}
	return n
}

// chain returns the stones connected to loc and the number of distinct liberties.
func (b *Board) chain(stones []Player, loc Loc) ([]Loc, int) {
	color := stones[loc]
	seen := make(map[Loc]bool, 8)
	libs := make(map[Loc]bool, 8)
	group := []Loc{loc}
	seen[loc] = true
	var buf [4]Loc
	for i := 0; i < len(group); i++ {
		for _, n := range b.neighbors(group[i], &buf) {
			switch stones[n] {
			case Empty:
				libs[n] = true
			case color:
				if !seen[n] {
					seen[n] = true
					group = append(group, n)
				}
			}
		}
	}
	return group, len(libs)
}

// tryPlay places a stone for the side to move and returns the resulting stones,
// hash and stone count, or ok=false for occupied points and suicide.
func (b *Board) tryPlay(loc Loc) (stones []Player, hash uint64, count int, ok bool) {
	if loc < 0 || int(loc) >= len(b.stones) || b.stones[loc] != Empty {
		return nil, 0, 0, false
	}
	stones = make([]Player, len(b.stones))
	copy(stones, b.stones)
	hash = b.boardHash
	count = b.numStones
	stones[loc] = b.pla
	hash ^= zobristStone[b.pla][loc]
	count++

	opp := b.pla.Opp()
	var buf [4]Loc
	for _, n := range b.neighbors(loc, &buf) {
		if stones[n] != opp {
			continue
		}
		group, libs := b.chain(stones, n)
		if libs > 0 {
			continue
		}
		for _, s := range group {
			stones[s] = Empty
			hash ^= zobristStone[opp][s]
			count--
		}
	}
	if _, libs := b.chain(stones, loc); libs == 0 {
		return nil, 0, 0, false
	}
	return stones, hash, count, true
}

func (b *Board) repeats(hash uint64, count int) bool {
	for h := b.past; h != nil; h = h.prev {
		if h.stones == count && h.boardHash == hash {
			return true
		}
	}
	return false
}

func (b *Board) IsLegal(loc Loc) bool {
	if loc == PassLoc {
		return true
	}
	_, hash, count, ok := b.tryPlay(loc)
	return ok && !b.repeats(hash, count)
}

// LegalMoves lists every legal point in row-major order followed by pass.
func (b *Board) LegalMoves() []Loc {
	moves := make([]Loc, 0, len(b.stones)+1)
	for i := range b.stones {
		if b.stones[i] != Empty {
			continue
		}
		if b.IsLegal(Loc(i)) {
			moves = append(moves, Loc(i))
		}
	}
	return append(moves, PassLoc)
}

func (b *Board) Play(loc Loc) State {
	next := &Board{
		xSize:    b.xSize,
		ySize:    b.ySize,
		komi:     b.komi,
		pla:      b.pla.Opp(),
		turn:     b.turn + 1,
		lastMove: loc,
		prevMove: b.lastMove,
	}
	if loc == PassLoc {
		next.stones = b.stones
		next.boardHash = b.boardHash
		next.numStones = b.numStones
		next.passes = b.passes + 1
		next.past = b.past
		return next
	}
	stones, hash, count, ok := b.tryPlay(loc)
	if !ok {
		panic(fmt.Sprintf("illegal move %s", LocString(loc, b.xSize)))
	}
	next.stones = stones
	next.boardHash = hash
	next.numStones = count
	next.past = &history{boardHash: hash, stones: count, prev: b.past}
	return next
}

// Area returns the Tromp-Taylor owner of every point: stones and empty regions
// reaching only one colour.
func (b *Board) Area() []Player {
	area := make([]Player, len(b.stones))
	copy(area, b.stones)
	seen := make([]bool, len(b.stones))
	var buf [4]Loc
	for i := range b.stones {
		if b.stones[i] != Empty || seen[i] {
			continue
		}
		region := []Loc{Loc(i)}
		seen[i] = true
		reachesBlack, reachesWhite := false, false
		for j := 0; j < len(region); j++ {
			for _, n := range b.neighbors(region[j], &buf) {
				switch b.stones[n] {
				case Black:
					reachesBlack = true
				case White:
					reachesWhite = true
				default:
					if !seen[n] {
						seen[n] = true
						region = append(region, n)
					}
				}
			}
		}
		owner := Empty
		if reachesBlack && !reachesWhite {
			owner = Black
		} else if reachesWhite && !reachesBlack {
			owner = White
		}
		for _, l := range region {
			area[l] = owner
		}
	}
	return area
}

func (b *Board) FinalWhiteScore() float64 {
	score := b.komi
	for _, owner := range b.Area() {
		switch owner {
		case White:
			score++
		case Black:
			score--
		}
	}
	return score
}

func (b *Board) String() string {
	var sb strings.Builder
	for y := 0; y < b.ySize; y++ {
		for x := 0; x < b.xSize; x++ {
			switch b.stones[y*b.xSize+x] {
			case Black:
				sb.WriteByte('X')
			case White:
				sb.WriteByte('O')
			default:
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
