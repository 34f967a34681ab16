package agent

import (
	"context"

	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/searcher"
)

type evaluationAgent struct {
	search *searcher.Search
}

// NewEvaluationAgent returns an agent that plays the moves chosen by search.
func NewEvaluationAgent(search *searcher.Search) Agent {
	return evaluationAgent{search: search}
}

func (a evaluationAgent) FindMove(ctx context.Context, updates []searcher.Segment, tc searcher.TimeControls) (game.Loc, metrics.SearchMetric, error) {
	if err := a.search.Advance(updates); err != nil {
		return game.NullLoc, metrics.SearchMetric{}, err
	}
	result, err := a.search.SearchWithTime(ctx, tc)
	if err != nil {
		return game.NullLoc, result.Metric, err
	}
	if err := a.search.PlayMove(result.Move); err != nil {
		return game.NullLoc, result.Metric, err
	}
	return result.Move, result.Metric, nil
}

func (a evaluationAgent) Ponder(ctx context.Context) error {
	return a.search.Ponder(ctx)
}
