package experiments

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/nneval"
	"gosearch/searcher"
)

func heuristicEvaluator() nneval.Evaluator {
	backend := nneval.NewHeuristicBackend(1)
	return nneval.EvaluatorFunc(func(_ context.Context, req nneval.Request) (*nneval.Output, error) {
		outs, err := backend.EvaluateBatch([]nneval.Request{req})
		if err != nil {
			return nil, err
		}
		return outs[0], nil
	})
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestMatchUps(t *testing.T) {
	configs := ThreadConfigs([]int{1, 4}, 100, 0, "MCTS")

	t.Run("numbering configs from one", func(t *testing.T) {
		require.Equal(t, 1, configs[0].ID)
		require.Equal(t, 4, configs[1].Threads)
		require.Equal(t, int64(100), configs[1].MaxVisits)
	})

	t.Run("pairing each config with itself", func(t *testing.T) {
		matchUps := SelfMatchUps(configs)

		require.Len(t, matchUps, 2)
		require.Equal(t, matchUps[1].Black, matchUps[1].White)
	})

	t.Run("giving the baseline both colours", func(t *testing.T) {
		baseline := metrics.AgentConfig{ID: 0, Threads: 1}

		matchUps := BaselineMatchUps(baseline, configs)

		require.Len(t, matchUps, 4)
		require.Equal(t, baseline, matchUps[0].Black)
		require.Equal(t, baseline, matchUps[1].White)
	})
}

func TestExperiment(t *testing.T) {
	p := searcher.ParamsForTests()
	x := &Experiment{
		Name:      "threads",
		OutDir:    t.TempDir(),
		NumGames:  2,
		MaxMoves:  6,
		NewState:  func() game.State { return game.NewBoard(5, 5, 7.5) },
		Params:    p,
		Evaluator: heuristicEvaluator(),
	}
	configs := ThreadConfigs([]int{1, 2}, 16, 0, "")

	t.Run("writing the records of every game", func(t *testing.T) {
		dir, err := x.Run(context.Background(), configs, SelfMatchUps(configs))
		require.NoError(t, err)

		require.Len(t, readCSV(t, filepath.Join(dir, "agent_configs.csv")), 1+2)
		games := readCSV(t, filepath.Join(dir, "game_records.csv"))
		require.Len(t, games, 1+4, "Should record two games per match up")
		require.Equal(t, "2", games[4][1], "The last games should be played by the second config")
		moves := readCSV(t, filepath.Join(dir, "move_records.csv"))
		total := 0
		for _, g := range games[1:] {
			n, err := strconv.Atoi(g[8])
			require.NoError(t, err)
			require.LessOrEqual(t, n, 6, "Games should stop at the move cap")
			total += n
		}
		require.Len(t, moves, 1+total, "Should record every move of every game")
		require.Equal(t, "2", moves[len(moves)-1][4], "Moves should record the thread count")
	})

	t.Run("failing on an unknown algorithm", func(t *testing.T) {
		bad := ThreadConfigs([]int{1}, 16, 0, "minimax")

		_, err := x.Run(context.Background(), bad, SelfMatchUps(bad))

		require.ErrorIs(t, err, searcher.ErrInvalidParams)
	})

	t.Run("requiring an opponent model for adversarial search", func(t *testing.T) {
		adversarial := ThreadConfigs([]int{1}, 16, 0, "AMCTS-S")

		_, err := x.Run(context.Background(), adversarial, SelfMatchUps(adversarial))

		require.ErrorIs(t, err, searcher.ErrNoEvaluator)
	})
}
