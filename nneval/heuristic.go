package nneval

import (
	"fmt"
	"math"

	"gosearch/game"
)

// HeuristicBackend is a model-free backend. Its policy prefers the third and
// fourth lines and its value is the current area count, so it is deterministic
// and cheap enough for tests and demos.
type HeuristicBackend struct {
	BatchSize int
}

func NewHeuristicBackend(batchSize int) *HeuristicBackend {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &HeuristicBackend{BatchSize: batchSize}
}

func (h *HeuristicBackend) MaxBatchSize() int { return h.BatchSize }

func (h *HeuristicBackend) EvaluateBatch(reqs []Request) ([]*Output, error) {
	if len(reqs) > h.BatchSize {
		return nil, fmt.Errorf("%w: %d requests, max %d", ErrBatchSize, len(reqs), h.BatchSize)
	}
	outs := make([]*Output, len(reqs))
	for i, req := range reqs {
		outs[i] = postprocess(req, h.raw(req))
	}
	return outs, nil
}

func (h *HeuristicBackend) raw(req Request) *rawOutput {
	st := req.State
	xSize, ySize := st.XSize(), st.YSize()
	area := xSize * ySize
	pla := st.Player()

	r := &rawOutput{
		policyLogits: make([]float32, area+1),
		ownership:    make([]float32, area),
	}
	for loc := 0; loc < area; loc++ {
		x, y := loc%xSize, loc/xSize
		line := min(x, y, xSize-1-x, ySize-1-y)
		netIdx := st.TransformLoc(game.Loc(loc), req.Symmetry)
		r.policyLogits[netIdx] = 0.5 * float32(min(line, 3))

		switch st.StoneAt(game.Loc(loc)) {
		case pla:
			r.ownership[netIdx] = 1
		case pla.Opp():
			r.ownership[netIdx] = -1
		}
	}

	score := st.FinalWhiteScore()
	if pla == game.Black {
		score = -score
	}
	r.policyLogits[area] = -2
	if st.LastMove() == game.PassLoc && score > 0 {
		r.policyLogits[area] = 3
	}

	scale := 0.5 * math.Sqrt(float64(area))
	r.valueLogits = [3]float32{float32(score / scale), float32(-score / scale), -20}
	r.scoreMean = float32(score)
	r.scoreStdev = float32(scale)
	r.lead = float32(score)
	r.varTimeLeft = float32(area)
	r.shortTermWinLossError = 0.1
	r.shortTermScoreError = float32(scale)
	return r
}
