package game

const (
	symFlipY     = 1
	symFlipX     = 2
	symTranspose = 4
)

func transformXY(x, y, xSize, ySize, sym int) (int, int) {
	if sym&symFlipX != 0 {
		x = xSize - 1 - x
	}
	if sym&symFlipY != 0 {
		y = ySize - 1 - y
	}
	if sym&symTranspose != 0 {
		x, y = y, x
	}
	return x, y
}

// TransformLoc maps loc through sym. The result is expressed on the transformed
// board, whose width equals the original height when sym transposes.
func (b *Board) TransformLoc(loc Loc, sym int) Loc {
	if loc < 0 {
		return loc
	}
	x, y := transformXY(int(loc)%b.xSize, int(loc)/b.xSize, b.xSize, b.ySize, sym)
	outXSize := b.xSize
	if sym&symTranspose != 0 {
		outXSize = b.ySize
	}
	return Loc(y*outXSize + x)
}

func (b *Board) SymmetryInvariant(sym int) bool {
	if !SymmetryValid(sym, b.xSize, b.ySize) {
		return false
	}
	for i, c := range b.stones {
		if b.stones[b.TransformLoc(Loc(i), sym)] != c {
			return false
		}
	}
	return true
}

// PatternHash hashes the 5x5 window around loc with stones relabelled as own/opp
// relative to the side to move; off-board points have their own colour.
func (b *Board) PatternHash(loc Loc) StateHash {
	if loc < 0 {
		return StateHash(zobristPla[b.pla])
	}
	cx := int(loc) % b.xSize
	cy := int(loc) / b.xSize
	var h uint64
	i := 0
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			x, y := cx+dx, cy+dy
			kind := 3
			if x >= 0 && y >= 0 && x < b.xSize && y < b.ySize {
				switch b.stones[y*b.xSize+x] {
				case Empty:
					kind = 0
				case b.pla:
					kind = 1
				default:
					kind = 2
				}
			}
			h ^= zobristPattern[kind][i]
			i++
		}
	}
	return StateHash(h)
}
