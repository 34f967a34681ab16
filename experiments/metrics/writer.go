package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// AgentConfig is the part of a searcher's configuration an experiment varies.
type AgentConfig struct {
	ID        int
	Threads   int
	MaxVisits int64
	MaxTime   time.Duration
	Algorithm string
}

type GameRecord struct {
	ID    int
	Black int // AgentConfig.ID
	White int // AgentConfig.ID
	GameMetric
}

type MoveRecord struct {
	Game int // GameRecord.ID
	MoveMetric
}

type Writer struct {
	baseDir string
}

// NewWriter creates a timestamped directory for one experiment under root.
func NewWriter(root, name string) (*Writer, error) {
	timestamp := time.Now().UTC().Format("20060102T150405Z")
	baseDir := filepath.Join(root, name, timestamp)
	err := os.MkdirAll(baseDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &Writer{
		baseDir: baseDir,
	}, nil
}

func (w *Writer) Dir() string { return w.baseDir }

func (w *Writer) write(file, what string, header []string, rows [][]string) error {
	path := filepath.Join(w.baseDir, file)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", what, err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", what, err)
	}
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s rows: %w", what, err)
	}
	return f.Close()
}

func (w *Writer) WriteAgentConfigs(configs []AgentConfig) error {
	rows := make([][]string, 0, len(configs))
	for _, config := range configs {
		rows = append(rows, []string{
			strconv.Itoa(config.ID),
			strconv.Itoa(config.Threads),
			strconv.FormatInt(config.MaxVisits, 10),
			config.MaxTime.String(),
			config.Algorithm,
		})
	}
	return w.write("agent_configs.csv", "agent configs",
		[]string{"id", "threads", "max_visits", "max_time", "algorithm"}, rows)
}

func (w *Writer) WriteGameRecords(records []GameRecord) error {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			strconv.Itoa(record.ID),
			strconv.Itoa(record.Black),
			strconv.Itoa(record.White),
			record.Winner,
			strconv.FormatFloat(record.WhiteScore, 'f', 1, 64),
			record.StartTime.Format(time.RFC3339),
			record.EndTime.Format(time.RFC3339),
			record.Duration.String(),
			strconv.Itoa(record.TotalMoves),
		})
	}
	return w.write("game_records.csv", "game records",
		[]string{"id", "black", "white", "winner", "white_score", "start_time", "end_time", "duration", "moves"}, rows)
}

func (w *Writer) WriteMoveRecords(records []MoveRecord) error {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			strconv.Itoa(record.Game),
			strconv.Itoa(record.Step),
			record.Player,
			record.Move,
			strconv.Itoa(record.Threads),
			record.Algorithm,
			record.Duration.String(),
			strconv.Itoa(record.Playouts),
			strconv.Itoa(record.NNEvals),
			strconv.Itoa(record.RootVisits),
			strconv.Itoa(record.ReusedVisits),
			strconv.FormatBool(!record.IsTreeReset),
		})
	}
	return w.write("move_records.csv", "move records",
		[]string{"game", "step", "player", "move", "threads", "algorithm", "duration",
			"playouts", "nn_evals", "root_visits", "reused_visits", "is_tree_reused"}, rows)
}
