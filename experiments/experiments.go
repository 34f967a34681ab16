package experiments

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"gosearch/engine"
	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/nneval"
	"gosearch/searcher"
	"gosearch/searcher/agent"
)

// MatchUp is one pairing of agent configs; Black moves first.
type MatchUp struct {
	Black metrics.AgentConfig
	White metrics.AgentConfig
}

// Experiment plays a number of games per match up and stores the records as
// CSV files under OutDir/Name.
type Experiment struct {
	Name     string
	OutDir   string
	NumGames int // Per match up
	MaxMoves int
	Ponder   bool

	// NewState returns the starting position of every game
	NewState  func() game.State
	Params    searcher.Params
	Evaluator nneval.Evaluator
	// OppEvaluator models the opponent for the adversarial algorithms
	OppEvaluator nneval.Evaluator
}

// ThreadConfigs returns one config per thread count, all with the same budget.
func ThreadConfigs(threads []int, maxVisits int64, maxTime time.Duration, algorithm string) []metrics.AgentConfig {
	configs := make([]metrics.AgentConfig, len(threads))
	for i, n := range threads {
		configs[i] = metrics.AgentConfig{
			ID:        i + 1,
			Threads:   n,
			MaxVisits: maxVisits,
			MaxTime:   maxTime,
			Algorithm: algorithm,
		}
	}
	return configs
}

// SelfMatchUps uses the same config for both players in each game for the
// same playing strength and similar game length.
func SelfMatchUps(configs []metrics.AgentConfig) []MatchUp {
	matchUps := make([]MatchUp, 0, len(configs))
	for _, config := range configs {
		matchUps = append(matchUps, MatchUp{Black: config, White: config})
	}
	return matchUps
}

// BaselineMatchUps pairs every config against the baseline, once with each colour.
func BaselineMatchUps(baseline metrics.AgentConfig, configs []metrics.AgentConfig) []MatchUp {
	matchUps := make([]MatchUp, 0, 2*len(configs))
	for _, config := range configs {
		matchUps = append(matchUps,
			MatchUp{Black: baseline, White: config},
			MatchUp{Black: config, White: baseline})
	}
	return matchUps
}

// Run plays every match up and returns the directory the records were written to.
func (x *Experiment) Run(ctx context.Context, configs []metrics.AgentConfig, matchUps []MatchUp) (string, error) {
	// Run a number of games for each matchup
	count := 0
	gameRecords := []metrics.GameRecord{}
	moveRecords := []metrics.MoveRecord{}

	log.Info().Msgf("starting %s experiment...", x.Name)

	for mi, matchUp := range matchUps {
		log.Info().Msgf("starting matchup %d of %d between black=%+v and white=%+v...", mi+1, len(matchUps), matchUp.Black, matchUp.White)

		for i := 0; i < x.NumGames; i++ {
			count++
			gameMetric, moveMetrics, err := x.runGame(ctx, matchUp, uint64(count))
			if err != nil {
				return "", fmt.Errorf("matchup %d game %d: %w", mi+1, i+1, err)
			}
			gameRecords = append(gameRecords, metrics.GameRecord{
				ID:         count,
				Black:      matchUp.Black.ID,
				White:      matchUp.White.ID,
				GameMetric: gameMetric,
			})
			for _, mm := range moveMetrics {
				moveRecords = append(moveRecords, metrics.MoveRecord{
					Game:       count,
					MoveMetric: mm,
				})
			}

			log.Info().Msgf("completed matchup %d of %d game %d with winner: %s", mi+1, len(matchUps), i+1, gameMetric.Winner)
		}
	}

	log.Info().Msgf("completed %s experiment", x.Name)
	return x.store(configs, gameRecords, moveRecords)
}

func (x *Experiment) store(configs []metrics.AgentConfig, gameRecords []metrics.GameRecord, moveRecords []metrics.MoveRecord) (string, error) {
	writer, err := metrics.NewWriter(x.OutDir, x.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create experiment writer: %w", err)
	}
	if err := writer.WriteAgentConfigs(configs); err != nil {
		return "", fmt.Errorf("failed to store agent configs: %w", err)
	}
	if err := writer.WriteGameRecords(gameRecords); err != nil {
		return "", fmt.Errorf("failed to write game records: %w", err)
	}
	if err := writer.WriteMoveRecords(moveRecords); err != nil {
		return "", fmt.Errorf("failed to write move records: %w", err)
	}
	log.Info().Msgf("stored experiment records in %s", writer.Dir())
	return writer.Dir(), nil
}

// runGame executes a single game between two agents
func (x *Experiment) runGame(ctx context.Context, matchUp MatchUp, seed uint64) (metrics.GameMetric, []metrics.MoveMetric, error) {
	start := x.NewState()
	black, err := x.createSearch(matchUp.Black, start, 2*seed)
	if err != nil {
		return metrics.GameMetric{}, nil, err
	}
	white, err := x.createSearch(matchUp.White, start, 2*seed+1)
	if err != nil {
		return metrics.GameMetric{}, nil, err
	}

	e := engine.LocalEngine(agent.NewEvaluationAgent(black), agent.NewEvaluationAgent(white), start)
	if x.MaxMoves > 0 {
		e.MaxMoves = x.MaxMoves
	}
	e.Ponder = x.Ponder
	return e.Run(ctx)
}

func (x *Experiment) createSearch(config metrics.AgentConfig, start game.State, seed uint64) (*searcher.Search, error) {
	p := x.Params
	p.NumThreads = config.Threads
	if config.MaxVisits > 0 {
		p.MaxVisits = config.MaxVisits
	}
	if config.MaxTime > 0 {
		p.MaxTime = config.MaxTime.Seconds()
	}
	if config.Algorithm != "" {
		algo, err := searcher.ParseSearchAlgo(config.Algorithm)
		if err != nil {
			return nil, err
		}
		p.SearchAlgo = algo
	}

	options := []searcher.Option{searcher.WithMetrics(), searcher.WithSeed(seed)}
	if p.SearchAlgo.Adversarial() {
		options = append(options, searcher.WithOpponentEvaluator(x.OppEvaluator))
	}
	return searcher.NewSearch(p, start, x.Evaluator, options...)
}
