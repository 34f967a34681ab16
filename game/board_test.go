package game

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, rows []string, pla Player) *Board {
	t.Helper()
	b, err := ParseBoard(rows, pla, 0)
	require.NoError(t, err)
	return b
}

func TestBoardPlay(t *testing.T) {
	t.Run("capturing a single stone", func(t *testing.T) {
		b := mustParse(t, []string{
			".X...",
			"XO...",
			".X...",
			".....",
			".....",
		}, Black)

		next := b.Play(Loc(1*5 + 2)).(*Board)

		require.Equal(t, Empty, next.StoneAt(Loc(1*5+1)), "White stone should be captured")
		require.Equal(t, White, next.Player(), "Turn should pass to White")
		require.Equal(t, 1, next.Turn())
	})

	t.Run("rejecting suicide", func(t *testing.T) {
		b := mustParse(t, []string{
			".X...",
			"X....",
			".....",
			".....",
			".....",
		}, White)

		require.False(t, b.IsLegal(0), "Single-stone suicide should be illegal")
		require.NotContains(t, b.LegalMoves(), Loc(0))
	})

	t.Run("rejecting an immediate ko recapture", func(t *testing.T) {
		b := mustParse(t, []string{
			".XO..",
			"XO.O.",
			".XO..",
			".....",
			".....",
		}, Black)

		afterCapture := b.Play(Loc(1*5 + 2)).(*Board)
		require.Equal(t, Empty, afterCapture.StoneAt(Loc(1*5+1)), "Black should capture in the ko")

		require.False(t, afterCapture.IsLegal(Loc(1*5+1)), "White may not retake the ko at once")
	})

	t.Run("ending the game after two passes", func(t *testing.T) {
		b := NewBoard(5, 5, 7.5)

		once := b.Play(PassLoc)
		require.False(t, once.IsTerminal())
		twice := once.Play(PassLoc)

		require.True(t, twice.IsTerminal())
		require.Equal(t, 2, twice.ConsecutivePasses())
		require.NotEqual(t, once.Hash(), twice.Hash(), "Pass count is part of the fingerprint")
	})

	t.Run("listing pass as the last legal move", func(t *testing.T) {
		b := NewBoard(3, 3, 0)

		moves := b.LegalMoves()

		require.Len(t, moves, 10)
		require.Equal(t, PassLoc, moves[len(moves)-1])
	})
}

func TestBoardHash(t *testing.T) {
	t.Run("transposed move orders reach the same fingerprint", func(t *testing.T) {
		b := NewBoard(5, 5, 0)
		a := b.Play(0).Play(4).Play(20)
		c := b.Play(20).Play(4).Play(0)

		require.Equal(t, a.Hash(), c.Hash())
	})

	t.Run("side to move changes the fingerprint", func(t *testing.T) {
		b := mustParse(t, []string{"X..", "...", "..."}, Black)
		w := mustParse(t, []string{"X..", "...", "..."}, White)

		require.NotEqual(t, b.Hash(), w.Hash())
	})
}

func TestFinalWhiteScore(t *testing.T) {
	b, err := ParseBoard([]string{
		".X.O.",
		".X.O.",
		".X.O.",
		".X.O.",
		".X.O.",
	}, Black, 0.5)
	require.NoError(t, err)

	// Black owns columns 0-1, White columns 3-4, column 2 is dame.
	require.Equal(t, 0.5, b.FinalWhiteScore())
}

func TestPassAliveArea(t *testing.T) {
	b := mustParse(t, []string{
		".X.X.",
		"XXXXX",
		"OOOOO",
		"O.O.O",
		"OOOOO",
	}, Black)

	t.Run("marking a two-eyed group and its eyes", func(t *testing.T) {
		area := b.PassAliveArea(Black)

		for i := 0; i < 10; i++ {
			require.True(t, area[i], "Point %d should be pass-alive for Black", i)
		}
		for i := 10; i < 25; i++ {
			require.False(t, area[i], "Point %d should not be Black's", i)
		}
	})

	t.Run("marking the opponent's enclosed eyes", func(t *testing.T) {
		area := b.PassAliveArea(White)

		require.True(t, area[3*5+1])
		require.True(t, area[3*5+3])
		require.False(t, area[0])
	})

	t.Run("leaving open regions unmarked", func(t *testing.T) {
		open := mustParse(t, []string{
			".X.X.",
			"XXXXX",
			".....",
			".....",
			".....",
		}, Black)

		area := open.PassAliveArea(Black)

		require.True(t, area[0])
		require.False(t, area[3*5+2], "A large open area is not territory")
	})

	t.Run("empty board has no pass-alive area", func(t *testing.T) {
		area := NewBoard(5, 5, 0).PassAliveArea(Black)
		for _, v := range area {
			require.False(t, v)
		}
	})
}

func TestSymmetry(t *testing.T) {
	t.Run("inverse undoes every transform", func(t *testing.T) {
		b := NewBoard(5, 5, 0)
		for sym := 0; sym < NumSymmetries; sym++ {
			for loc := Loc(0); loc < 25; loc++ {
				there := b.TransformLoc(loc, sym)
				back := b.TransformLoc(there, InverseSymmetry(sym))
				require.Equal(t, loc, back, "sym %d loc %d", sym, loc)
			}
		}
	})

	t.Run("detecting invariant positions", func(t *testing.T) {
		centre := mustParse(t, []string{"...", ".X.", "..."}, White)
		corner := mustParse(t, []string{"X..", "...", "..."}, White)

		for sym := 0; sym < NumSymmetries; sym++ {
			require.True(t, centre.SymmetryInvariant(sym))
		}
		require.False(t, corner.SymmetryInvariant(symFlipX))
		require.True(t, corner.SymmetryInvariant(symTranspose), "Corner stone lies on the diagonal")
	})

	t.Run("rejecting transposes on rectangular boards", func(t *testing.T) {
		require.False(t, SymmetryValid(symTranspose, 5, 7))
		require.True(t, SymmetryValid(symFlipX|symFlipY, 5, 7))
	})
}

func TestFillFeatures(t *testing.T) {
	b := mustParse(t, []string{"X..", "...", "..O"}, Black)
	area := 9
	spatial := make([]float32, NumSpatialFeatures*area)
	global := make([]float32, NumGlobalFeatures)

	b.FillFeatures(symFlipX, 0, spatial, global)

	require.Equal(t, float32(1), spatial[1*area+2], "Own stone should move to the flipped corner")
	require.Equal(t, float32(1), spatial[2*area+6], "Opponent stone should move to the flipped corner")
	require.Equal(t, float32(1), global[4])
}
