package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/searcher"
	"gosearch/searcher/agent"
)

// Local plays a game between two in-process agents.
type Local struct {
	State  game.State
	Agents map[game.Player]agent.Agent

	MaxMoves int
	// Ponder lets the agent waiting for its turn think on the opponent's time
	Ponder       bool
	TimeControls searcher.TimeControls
}

func LocalEngine(black, white agent.Agent, start game.State) *Local {
	if black == nil || white == nil {
		panic("need an agent for each side")
	}
	return &Local{
		State:    start,
		Agents:   map[game.Player]agent.Agent{game.Black: black, game.White: white},
		MaxMoves: MaxMoves,
	}
}

// Run executes the entire game loop until both players pass in a row.
func (e *Local) Run(ctx context.Context) (metrics.GameMetric, []metrics.MoveMetric, error) {
	// Moves each agent has not seen yet
	updates := map[game.Player][]searcher.Segment{}
	startTime := time.Now()

	log.Info().Msgf("player %s is starting", e.State.Player())

	step := 1
	var moveMetrics []metrics.MoveMetric
	for !e.State.IsTerminal() && step <= e.MaxMoves {
		pla := e.State.Player()

		stopPondering := e.ponder(ctx, e.Agents[pla.Opp()])
		move, metric, err := e.Agents[pla].FindMove(ctx, updates[pla], e.TimeControls)
		if perr := stopPondering(); err == nil {
			err = perr
		}
		if err != nil {
			return metrics.GameMetric{}, moveMetrics, fmt.Errorf("move %d by %s: %w", step, pla, err)
		}
		if !e.State.IsLegal(move) {
			return metrics.GameMetric{}, moveMetrics, fmt.Errorf("move %d by %s: %w: %s",
				step, pla, searcher.ErrIllegalMove, game.LocString(move, e.State.XSize()))
		}

		newState := e.State.Play(move)
		updates[pla] = nil
		updates[pla.Opp()] = append(updates[pla.Opp()], searcher.Segment{
			Loc:       move,
			StateHash: newState.Hash(),
		})
		moveMetrics = append(moveMetrics, metrics.MoveMetric{
			Step:         step,
			Player:       pla.String(),
			Move:         game.LocString(move, e.State.XSize()),
			SearchMetric: metric,
		})
		log.Debug().Msgf("move %d: %s plays %s", step, pla, game.LocString(move, e.State.XSize()))

		e.State = newState
		step++
	}

	endTime := time.Now()
	gameMetric := metrics.GameMetric{
		StartTime:  startTime,
		EndTime:    endTime,
		Duration:   endTime.Sub(startTime),
		TotalMoves: step - 1,
	}
	if e.State.IsTerminal() {
		gameMetric.WhiteScore = e.State.FinalWhiteScore()
		gameMetric.Winner = winner(gameMetric.WhiteScore)
		log.Info().Msgf("game over after %d moves, white score %.1f", gameMetric.TotalMoves, gameMetric.WhiteScore)
	} else {
		log.Info().Msgf("stopped after %d moves without a result", e.MaxMoves)
	}
	return gameMetric, moveMetrics, nil
}

// ponder lets a think on the opponent's time if enabled. The returned function
// stops it and reports its error.
func (e *Local) ponder(ctx context.Context, a agent.Agent) func() error {
	if !e.Ponder {
		return func() error { return nil }
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- a.Ponder(ctx)
	}()
	return func() error {
		cancel()
		return <-done
	}
}

func winner(whiteScore float64) string {
	switch {
	case whiteScore > 0:
		return game.White.String()
	case whiteScore < 0:
		return game.Black.String()
	}
	return "draw"
}
