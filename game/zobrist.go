package game

import "golang.org/x/exp/rand"

// MaxBoardLen bounds both board dimensions.
const MaxBoardLen = 19

const maxArea = MaxBoardLen * MaxBoardLen

var (
	zobristStone   [3][maxArea]uint64
	zobristPla     [3]uint64
	zobristPasses  [3]uint64
	zobristPattern [4][25]uint64
	zobristSize    [MaxBoardLen + 1][MaxBoardLen + 1]uint64
)

func init() {
	// Fixed seed so fingerprints are stable across runs and cache files
	next := rand.New(rand.NewSource(0x9e3779b97f4a7c15)).Uint64
	for c := range zobristStone {
		for i := range zobristStone[c] {
			zobristStone[c][i] = next()
		}
	}
	for i := range zobristPla {
		zobristPla[i] = next()
	}
	for i := range zobristPasses {
		zobristPasses[i] = next()
	}
	for c := range zobristPattern {
		for i := range zobristPattern[c] {
			zobristPattern[c][i] = next()
		}
	}
	for x := range zobristSize {
		for y := range zobristSize[x] {
			zobristSize[x][y] = next()
		}
	}
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	z := x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Mix combines two hashes into one, order sensitive.
func Mix(a, b StateHash) StateHash {
	return StateHash(splitmix64(uint64(a)*0x2545f4914f6cdd1d ^ uint64(b)))
}
