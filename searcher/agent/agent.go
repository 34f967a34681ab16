package agent

import (
	"context"

	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/searcher"
)

type Agent interface {
	// FindMove catches up on the opponent's moves since the agent's last turn,
	// then returns its own move, already played on the agent's side, with search
	// metrics if collected
	FindMove(ctx context.Context, updates []searcher.Segment, tc searcher.TimeControls) (game.Loc, metrics.SearchMetric, error)
	// Ponder thinks on the opponent's time until ctx is cancelled or the
	// pondering budget runs out
	Ponder(ctx context.Context) error
}
