package nneval

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"gosearch/game"
)

const numMiscValues = 6

var ortInit sync.Once

// ONNXConfig describes a network exported with inputs "bin_inputs" [N,C,H,W] and
// "global_inputs" [N,G], and outputs "policy" [N,2,area+1] (regular and
// optimistic heads), "value" [N,3], "miscvalue" [N,6] and "ownership" [N,1,H,W].
type ONNXConfig struct {
	ModelPath         string
	SharedLibraryPath string
	XSize, YSize      int
	BatchSize         int
	// ExpectedSHA256 and UseNHWC exist for configuration compatibility and are rejected.
	ExpectedSHA256 string
	UseNHWC        bool
}

// ONNXBackend runs a fixed-size batch through onnxruntime. It is not safe for
// concurrent use; wrap it in a Batcher.
type ONNXBackend struct {
	cfg     ONNXConfig
	session *ort.AdvancedSession

	binInput    []float32
	globalInput []float32
	policy      []float32
	value       []float32
	misc        []float32
	ownership   []float32

	inputs  []ort.Value
	outputs []ort.Value
}

func NewONNXBackend(cfg ONNXConfig) (*ONNXBackend, error) {
	switch {
	case cfg.ModelPath == "":
		return nil, fmt.Errorf("%w: no model path", ErrUnsupportedConfig)
	case cfg.ExpectedSHA256 != "":
		return nil, fmt.Errorf("%w: model sha256 verification", ErrUnsupportedConfig)
	case cfg.UseNHWC:
		return nil, fmt.Errorf("%w: NHWC input layout", ErrUnsupportedConfig)
	case cfg.XSize < 2 || cfg.YSize < 2 || cfg.XSize > game.MaxBoardLen || cfg.YSize > game.MaxBoardLen:
		return nil, fmt.Errorf("%w: board size %dx%d", ErrUnsupportedConfig, cfg.XSize, cfg.YSize)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}

	var initErr error
	ortInit.Do(func() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if !ort.IsInitialized() {
			initErr = ort.InitializeEnvironment()
		}
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", initErr)
	}

	n := int64(cfg.BatchSize)
	area := cfg.XSize * cfg.YSize
	b := &ONNXBackend{
		cfg:         cfg,
		binInput:    make([]float32, cfg.BatchSize*game.NumSpatialFeatures*area),
		globalInput: make([]float32, cfg.BatchSize*game.NumGlobalFeatures),
		policy:      make([]float32, cfg.BatchSize*2*(area+1)),
		value:       make([]float32, cfg.BatchSize*3),
		misc:        make([]float32, cfg.BatchSize*numMiscValues),
		ownership:   make([]float32, cfg.BatchSize*area),
	}

	shapes := []struct {
		shape ort.Shape
		data  []float32
		out   bool
	}{
		{ort.NewShape(n, game.NumSpatialFeatures, int64(cfg.YSize), int64(cfg.XSize)), b.binInput, false},
		{ort.NewShape(n, game.NumGlobalFeatures), b.globalInput, false},
		{ort.NewShape(n, 2, int64(area+1)), b.policy, true},
		{ort.NewShape(n, 3), b.value, true},
		{ort.NewShape(n, numMiscValues), b.misc, true},
		{ort.NewShape(n, 1, int64(cfg.YSize), int64(cfg.XSize)), b.ownership, true},
	}
	for _, s := range shapes {
		t, err := ort.NewTensor(s.shape, s.data)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("create tensor %v: %w", s.shape, err)
		}
		if s.out {
			b.outputs = append(b.outputs, t)
		} else {
			b.inputs = append(b.inputs, t)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	b.session, err = ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"bin_inputs", "global_inputs"},
		[]string{"policy", "value", "miscvalue", "ownership"},
		b.inputs, b.outputs, opts)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("load model %s: %w", cfg.ModelPath, err)
	}
	log.Info().Str("model", cfg.ModelPath).Int("batch", cfg.BatchSize).Msg("onnx model loaded")
	return b, nil
}

func (b *ONNXBackend) MaxBatchSize() int { return b.cfg.BatchSize }

func (b *ONNXBackend) EvaluateBatch(reqs []Request) ([]*Output, error) {
	if len(reqs) > b.cfg.BatchSize {
		return nil, fmt.Errorf("%w: %d requests, max %d", ErrBatchSize, len(reqs), b.cfg.BatchSize)
	}
	area := b.cfg.XSize * b.cfg.YSize
	spatialLen := game.NumSpatialFeatures * area
	for i := range b.binInput {
		b.binInput[i] = 0
	}
	for i := range b.globalInput {
		b.globalInput[i] = 0
	}
	for i, req := range reqs {
		st := req.State
		if st.XSize() != b.cfg.XSize || st.YSize() != b.cfg.YSize {
			return nil, fmt.Errorf("%w: position is %dx%d, model is %dx%d",
				ErrUnsupportedConfig, st.XSize(), st.YSize(), b.cfg.XSize, b.cfg.YSize)
		}
		enc, ok := st.(game.Encoder)
		if !ok {
			return nil, fmt.Errorf("%w: state %T has no input features", ErrUnsupportedConfig, st)
		}
		enc.FillFeatures(req.Symmetry, req.PlayoutDoublingAdvantage,
			b.binInput[i*spatialLen:(i+1)*spatialLen],
			b.globalInput[i*game.NumGlobalFeatures:(i+1)*game.NumGlobalFeatures])
	}

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	outs := make([]*Output, len(reqs))
	policyLen := area + 1
	for i, req := range reqs {
		p := b.policy[i*2*policyLen : (i+1)*2*policyLen]
		m := b.misc[i*numMiscValues : (i+1)*numMiscValues]
		raw := &rawOutput{
			policyLogits:          p[:policyLen],
			optimisticLogits:      p[policyLen:],
			valueLogits:           [3]float32{b.value[i*3], b.value[i*3+1], b.value[i*3+2]},
			scoreMean:             m[0],
			scoreStdev:            m[1],
			lead:                  m[2],
			varTimeLeft:           m[3],
			shortTermWinLossError: m[4],
			shortTermScoreError:   m[5],
			ownership:             b.ownership[i*area : (i+1)*area],
		}
		outs[i] = postprocess(req, raw)
	}
	return outs, nil
}

func (b *ONNXBackend) Close() {
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	for _, v := range b.inputs {
		v.Destroy()
	}
	for _, v := range b.outputs {
		v.Destroy()
	}
	b.inputs, b.outputs = nil, nil
}
