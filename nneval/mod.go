package nneval

import (
	"context"
	"errors"

	"gosearch/game"
)

var (
	// ErrUnsupportedConfig is returned when a backend is asked for an option it cannot honour.
	ErrUnsupportedConfig = errors.New("nneval: unsupported configuration")
	ErrEvaluatorClosed   = errors.New("nneval: evaluator closed")
	ErrBatchSize         = errors.New("nneval: bad batch size")
)

// Request describes one position to evaluate. It is owned by the caller until the
// evaluation returns.
type Request struct {
	State    game.State
	Symmetry int
	// PolicyOptimism blends the optimistic policy head into the regular one, in [0,1].
	PolicyOptimism           float64
	PolicyTemperature        float64
	PlayoutDoublingAdvantage float64
	IncludeOwnership         bool
}

// Output is a post-processed evaluation. Values are from White's perspective and
// the policy is indexed by game.PolicyIndex on the untransformed board, with -1
// marking illegal moves.
type Output struct {
	Policy []float32

	WhiteWinProb      float64
	WhiteLossProb     float64
	WhiteNoResultProb float64
	WhiteScoreMean    float64
	WhiteScoreMeanSq  float64
	WhiteLead         float64
	VarTimeLeft       float64

	ShortTermWinLossError float64
	ShortTermScoreError   float64

	// Ownership is nil unless requested; +1 is White.
	Ownership []float32
}

// PolicyProb returns the prior of loc, or -1 if loc is illegal or out of range.
func (o *Output) PolicyProb(loc game.Loc, xSize, ySize int) float32 {
	idx := game.PolicyIndex(loc, xSize, ySize)
	if idx < 0 || idx >= len(o.Policy) {
		return -1
	}
	return o.Policy[idx]
}

// Evaluator answers evaluation requests. Implementations must be safe for
// concurrent use; Evaluate blocks until the result is ready or ctx is done.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*Output, error)
}

// Backend runs a whole batch at once. Results are returned in request order.
type Backend interface {
	EvaluateBatch(reqs []Request) ([]*Output, error)
	MaxBatchSize() int
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, req Request) (*Output, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, req Request) (*Output, error) {
	return f(ctx, req)
}
