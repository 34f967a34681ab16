package metrics

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Run("counting concurrent playouts", func(t *testing.T) {
		c := NewCollector()
		c.Start(4, "MCTS")
		c.SetReusedVisits(12)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					c.AddPlayout()
					c.AddNNEval()
				}
			}()
		}
		wg.Wait()
		m := c.Complete(412)

		require.Equal(t, 400, m.Playouts)
		require.Equal(t, 400, m.NNEvals)
		require.Equal(t, 412, m.RootVisits)
		require.Equal(t, 12, m.ReusedVisits)
		require.Equal(t, 4, m.Threads)
	})

	t.Run("restarting clears the counters", func(t *testing.T) {
		c := NewCollector()
		c.Start(1, "MCTS")
		c.AddPlayout()
		c.Start(1, "MCTS")

		require.Equal(t, 0, c.Complete(0).Playouts)
	})
}

func TestWriter(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "threads")
	require.NoError(t, err)

	err = w.WriteMoveRecords([]MoveRecord{{
		Game: 1,
		MoveMetric: MoveMetric{
			Step:         3,
			Player:       "B",
			Move:         "C3",
			SearchMetric: SearchMetric{Threads: 2, Duration: time.Second, Playouts: 50, RootVisits: 80, ReusedVisits: 30},
		},
	}})
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(w.Dir(), "move_records.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 2, "Header plus one record")
	require.Equal(t, "C3", rows[1][3])
	require.Equal(t, "true", rows[1][11], "Reused visits imply a reused tree")
}
