package game

import "fmt"

// Player is the colour of a stone or of the side to move.
type Player int8

const (
	Empty Player = iota
	Black
	White
)

func (p Player) Opp() Player {
	switch p {
	case Black:
		return White
	case White:
		return Black
	}
	return Empty
}

func (p Player) String() string {
	switch p {
	case Black:
		return "B"
	case White:
		return "W"
	}
	return "."
}

// Loc is a board location in row-major order, or PassLoc.
type Loc int16

const PassLoc Loc = -1

// NullLoc marks "no move yet" in move history.
const NullLoc Loc = -2

type StateHash uint64

// NumSymmetries counts the dihedral transforms of a square board. Transforms with
// the transpose bit set are only valid on square boards.
const NumSymmetries = 8

// State should be immutable - operations on State always return a new copy.
// It is the narrow rules interface consumed by the search.
type State interface {
	Player() Player
	XSize() int
	YSize() int
	Turn() int
	LegalMoves() []Loc
	IsLegal(loc Loc) bool
	Play(loc Loc) State
	// Hash fingerprints board, side to move, and pass state.
	Hash() StateHash
	IsTerminal() bool
	ConsecutivePasses() int
	LastMove() Loc
	PrevMove() Loc
	// FinalWhiteScore is the Tromp-Taylor area score from White's perspective, komi included.
	FinalWhiteScore() float64
	// PassAliveArea marks the points (stones and territory) of pla that are unconditionally alive.
	PassAliveArea(pla Player) []bool
	StoneAt(loc Loc) Player
	TransformLoc(loc Loc, sym int) Loc
	SymmetryInvariant(sym int) bool
	// PatternHash describes the local shape around loc from the mover's point of view.
	PatternHash(loc Loc) StateHash
	NoResultAllowed() bool
}

// Encoder is implemented by states that can produce neural network input planes.
type Encoder interface {
	FillFeatures(sym int, playoutDoublingAdvantage float64, spatial, global []float32)
}

// PolicySize is the length of a policy vector: one entry per point plus pass.
func PolicySize(xSize, ySize int) int {
	return xSize*ySize + 1
}

func PolicyIndex(loc Loc, xSize, ySize int) int {
	if loc == PassLoc {
		return xSize * ySize
	}
	return int(loc)
}

func PolicyLoc(idx, xSize, ySize int) Loc {
	if idx == xSize*ySize {
		return PassLoc
	}
	return Loc(idx)
}

// SymmetryValid reports whether sym applies to a board of the given size.
func SymmetryValid(sym, xSize, ySize int) bool {
	if sym < 0 || sym >= NumSymmetries {
		return false
	}
	return xSize == ySize || sym&symTranspose == 0
}

// InverseSymmetry returns the transform that undoes sym.
func InverseSymmetry(sym int) int {
	if sym&symTranspose == 0 {
		return sym
	}
	flipY := sym & symFlipY
	flipX := sym & symFlipX
	out := symTranspose
	if flipY != 0 {
		out |= symFlipX
	}
	if flipX != 0 {
		out |= symFlipY
	}
	return out
}

func LocString(loc Loc, xSize int) string {
	switch loc {
	case PassLoc:
		return "pass"
	case NullLoc:
		return "null"
	}
	const cols = "ABCDEFGHJKLMNOPQRSTUVWXYZ"
	x := int(loc) % xSize
	y := int(loc) / xSize
	return fmt.Sprintf("%c%d", cols[x], y+1)
}
