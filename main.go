package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gosearch/communication/server"
	"gosearch/engine"
	"gosearch/experiments"
	"gosearch/experiments/metrics"
	"gosearch/game"
	"gosearch/logx"
	"gosearch/nneval"
	"gosearch/searcher"
	"gosearch/searcher/agent"
)

type options struct {
	configPath string
	size       int
	komi       float64
	visits     int64
	threads    int
	maxTime    time.Duration
	algorithm  string
	model      string
	oppModel   string
	ortLib     string
	batchSize  int
	cachePath  string
	reportAddr string
	metricsDir string
	maxMoves   int
	ponder     bool
	experiment string
	baseline   bool
	games      int
	seed       uint64
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML file with search params")
	flag.IntVar(&opts.size, "board", 9, "Board size")
	flag.Float64Var(&opts.komi, "komi", 7, "Komi")
	flag.Int64Var(&opts.visits, "visits", 0, "Max visits per move, overrides the config")
	flag.IntVar(&opts.threads, "threads", 0, "Search threads, overrides the config")
	flag.DurationVar(&opts.maxTime, "time", 0, "Max time per move, overrides the config")
	flag.StringVar(&opts.algorithm, "algo", "", "Search algorithm (MCTS, AMCTS-S, AMCTS-S++, AMCTS-R)")
	flag.StringVar(&opts.model, "model", "", "ONNX model; the heuristic evaluator is used without one")
	flag.StringVar(&opts.oppModel, "opp-model", "", "ONNX model of the opponent for adversarial search")
	flag.StringVar(&opts.ortLib, "ort-lib", "", "Path to the onnxruntime shared library")
	flag.IntVar(&opts.batchSize, "batch", 16, "Evaluator batch size")
	flag.StringVar(&opts.cachePath, "nncache", "", "File to load and save the evaluation cache")
	flag.StringVar(&opts.reportAddr, "report-addr", "", "Serve live search reports on this address")
	flag.StringVar(&opts.metricsDir, "metrics-dir", "", "Write game and move records under this directory")
	flag.IntVar(&opts.maxMoves, "max-moves", engine.MaxMoves, "Stop a game after this many moves")
	flag.BoolVar(&opts.ponder, "ponder", false, "Think on the opponent's time")
	flag.StringVar(&opts.experiment, "experiment", "", "Comma separated thread counts to compare instead of playing one game")
	flag.BoolVar(&opts.baseline, "baseline", false, "Pair every thread count against a single thread in experiments")
	flag.IntVar(&opts.games, "games", 10, "Games per match up in experiments")
	flag.Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "Random seed")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	flag.Parse()

	log.Logger = logx.NewLogger(opts.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts); err != nil {
		log.Fatal().Err(err).Msg("failed")
	}
}

func run(ctx context.Context, opts options) error {
	if opts.size < 2 || opts.size > game.MaxBoardLen {
		return fmt.Errorf("unsupported board size %d", opts.size)
	}
	p, err := loadParams(opts)
	if err != nil {
		return err
	}

	cache := nneval.NewCache(1 << 20)
	if opts.cachePath != "" {
		if err := cache.Load(opts.cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		log.Info().Msgf("loaded %d cached evaluations", cache.Len())
		defer func() {
			if err := cache.Save(opts.cachePath); err != nil {
				log.Error().Err(err).Msg("failed to save evaluation cache")
			}
		}()
	}
	eval, closeEval, err := newEvaluator(opts, opts.model, cache)
	if err != nil {
		return err
	}
	defer closeEval()
	oppEval := nneval.Evaluator(eval)
	if opts.oppModel != "" {
		opp, closeOpp, err := newEvaluator(opts, opts.oppModel, nil)
		if err != nil {
			return err
		}
		defer closeOpp()
		oppEval = opp
	}

	start := func() game.State { return game.NewBoard(opts.size, opts.size, opts.komi) }
	if opts.experiment != "" {
		return runExperiment(ctx, opts, p, start, eval, oppEval)
	}
	return playGame(ctx, opts, p, start(), eval, oppEval)
}

func loadParams(opts options) (searcher.Params, error) {
	p := searcher.DefaultParams()
	if opts.configPath != "" {
		var err error
		if p, err = searcher.LoadParams(opts.configPath); err != nil {
			return p, err
		}
	}
	if opts.visits > 0 {
		p.MaxVisits = opts.visits
	}
	if opts.threads > 0 {
		p.NumThreads = opts.threads
	}
	if opts.maxTime > 0 {
		p.MaxTime = opts.maxTime.Seconds()
	}
	if opts.algorithm != "" {
		algo, err := searcher.ParseSearchAlgo(opts.algorithm)
		if err != nil {
			return p, err
		}
		p.SearchAlgo = algo
	}
	return p, p.Validate()
}

// newEvaluator batches requests to the ONNX model at path, or to the heuristic
// backend when there is no model.
func newEvaluator(opts options, path string, cache *nneval.Cache) (*nneval.Batcher, func(), error) {
	var backend nneval.Backend = nneval.NewHeuristicBackend(opts.batchSize)
	closeBackend := func() {}
	if path != "" {
		onnx, err := nneval.NewONNXBackend(nneval.ONNXConfig{
			ModelPath:         path,
			SharedLibraryPath: opts.ortLib,
			XSize:             opts.size,
			YSize:             opts.size,
			BatchSize:         opts.batchSize,
		})
		if err != nil {
			return nil, nil, err
		}
		backend = onnx
		closeBackend = onnx.Close
	}

	batcherOpts := []nneval.BatcherOption{}
	if cache != nil {
		batcherOpts = append(batcherOpts, nneval.WithCache(cache))
	}
	batcher, err := nneval.NewBatcher(backend, batcherOpts...)
	if err != nil {
		closeBackend()
		return nil, nil, err
	}
	return batcher, func() {
		batcher.Close()
		closeBackend()
		log.Debug().Msgf("average batch size %.2f", batcher.AvgBatchSize())
	}, nil
}

func playGame(ctx context.Context, opts options, p searcher.Params, start game.State, eval, oppEval nneval.Evaluator) error {
	searches := map[game.Player]*searcher.Search{}
	for i, pla := range []game.Player{game.Black, game.White} {
		s, err := searcher.NewSearch(p, start, eval,
			searcher.WithOpponentEvaluator(oppEval),
			searcher.WithMetrics(),
			searcher.WithSeed(opts.seed+uint64(i)))
		if err != nil {
			return err
		}
		searches[pla] = s
	}
	e := engine.LocalEngine(
		agent.NewEvaluationAgent(searches[game.Black]),
		agent.NewEvaluationAgent(searches[game.White]),
		start)
	e.MaxMoves = opts.maxMoves
	e.Ponder = opts.ponder

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()
	if opts.reportAddr != "" {
		rs := server.NewReportServer(server.DefaultStreamInterval)
		for pla, s := range searches {
			rs.Register(pla, s)
		}
		g.Go(func() error {
			return rs.Start(serverCtx, opts.reportAddr)
		})
	}

	var gameMetric metrics.GameMetric
	var moveMetrics []metrics.MoveMetric
	g.Go(func() error {
		defer stopServer()
		var err error
		gameMetric, moveMetrics, err = e.Run(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msgf("winner: %s, white score %.1f after %d moves", gameMetric.Winner, gameMetric.WhiteScore, gameMetric.TotalMoves)

	if opts.metricsDir == "" {
		return nil
	}
	writer, err := metrics.NewWriter(opts.metricsDir, "game")
	if err != nil {
		return err
	}
	configs := []metrics.AgentConfig{agentConfig(1, p), agentConfig(2, p)}
	if err := writer.WriteAgentConfigs(configs); err != nil {
		return err
	}
	if err := writer.WriteGameRecords([]metrics.GameRecord{{ID: 1, Black: 1, White: 2, GameMetric: gameMetric}}); err != nil {
		return err
	}
	moveRecords := make([]metrics.MoveRecord, len(moveMetrics))
	for i, mm := range moveMetrics {
		moveRecords[i] = metrics.MoveRecord{Game: 1, MoveMetric: mm}
	}
	return writer.WriteMoveRecords(moveRecords)
}

func agentConfig(id int, p searcher.Params) metrics.AgentConfig {
	return metrics.AgentConfig{
		ID:        id,
		Threads:   p.NumThreads,
		MaxVisits: p.MaxVisits,
		MaxTime:   time.Duration(p.MaxTime * float64(time.Second)),
		Algorithm: p.SearchAlgo.String(),
	}
}

func runExperiment(ctx context.Context, opts options, p searcher.Params, start func() game.State, eval, oppEval nneval.Evaluator) error {
	var threads []int
	for _, field := range strings.Split(opts.experiment, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || n < 1 {
			return fmt.Errorf("bad thread count %q", field)
		}
		threads = append(threads, n)
	}
	if opts.metricsDir == "" {
		opts.metricsDir = "results"
	}

	x := &experiments.Experiment{
		Name:         "threads",
		OutDir:       opts.metricsDir,
		NumGames:     opts.games,
		MaxMoves:     opts.maxMoves,
		Ponder:       opts.ponder,
		NewState:     start,
		Params:       p,
		Evaluator:    eval,
		OppEvaluator: oppEval,
	}
	configs := experiments.ThreadConfigs(threads, opts.visits, opts.maxTime, p.SearchAlgo.String())
	matchUps := experiments.SelfMatchUps(configs)
	if opts.baseline {
		baseline := metrics.AgentConfig{ID: 0, Threads: 1, MaxVisits: opts.visits, MaxTime: opts.maxTime, Algorithm: p.SearchAlgo.String()}
		matchUps = experiments.BaselineMatchUps(baseline, configs)
		configs = append(configs, baseline)
	}
	_, err := x.Run(ctx, configs, matchUps)
	return err
}
