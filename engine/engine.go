package engine

import (
	"context"

	"gosearch/experiments/metrics"
)

const MaxMoves = 10000

type Engine interface {
	// Run plays a game till both sides pass or a max number of moves is reached
	Run(ctx context.Context) (gameMetric metrics.GameMetric, moveMetrics []metrics.MoveMetric, err error)
}
