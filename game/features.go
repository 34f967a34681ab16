package game

// Input layout of the networks this engine loads. Spatial planes are row-major
// on the (possibly transposed) board.
const (
	NumSpatialFeatures = 8
	NumGlobalFeatures  = 5
)

// FillFeatures writes the input planes for the side to move, with every board
// point moved through sym. spatial must hold NumSpatialFeatures*area values and
// global NumGlobalFeatures values.
func (b *Board) FillFeatures(sym int, playoutDoublingAdvantage float64, spatial, global []float32) {
	area := b.xSize * b.ySize
	for i := range spatial[:NumSpatialFeatures*area] {
		spatial[i] = 0
	}
	for i := range global[:NumGlobalFeatures] {
		global[i] = 0
	}
	set := func(plane int, loc Loc) {
		spatial[plane*area+int(b.TransformLoc(loc, sym))] = 1
	}

	opp := b.pla.Opp()
	libsSeen := make(map[Loc]int)
	for i, c := range b.stones {
		loc := Loc(i)
		set(0, loc)
		if c == Empty {
			continue
		}
		if c == b.pla {
			set(1, loc)
		} else if c == opp {
			set(2, loc)
		}
		libs, ok := libsSeen[loc]
		if !ok {
			group, n := b.chain(b.stones, loc)
			for _, s := range group {
				libsSeen[s] = n
			}
			libs = n
		}
		switch libs {
		case 1:
			set(3, loc)
		case 2:
			set(4, loc)
		case 3:
			set(5, loc)
		}
	}
	if b.lastMove >= 0 {
		set(6, b.lastMove)
	}
	if b.prevMove >= 0 {
		set(7, b.prevMove)
	}

	if b.lastMove == PassLoc {
		global[0] = 1
	}
	if b.prevMove == PassLoc {
		global[1] = 1
	}
	komi := b.komi
	if b.pla == Black {
		komi = -komi
	}
	global[2] = float32(komi / 20)
	global[3] = float32(playoutDoublingAdvantage / 2)
	global[4] = 1
}
