package searcher

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gosearch/game"
)

var (
	ErrUnchangeableParam = errors.New("searcher: unchangeable parameter differs")
	ErrInvalidParams     = errors.New("searcher: invalid parameters")
	ErrNoEvaluator       = errors.New("searcher: no evaluator")
)

type PassingBehavior int

const (
	// PassStandard treats pass like any other move.
	PassStandard PassingBehavior = iota
	// PassAvoidPassAliveTerritory passes when the only alternatives fill the mover's own pass-alive territory.
	PassAvoidPassAliveTerritory
	// PassLastResort passes only when every alternative lies in territory the opponent almost surely owns.
	PassLastResort
	// PassNoSuicide forbids a pass that loses at once by area count if the opponent also passes.
	PassNoSuicide
	PassOnlyWhenAhead
	PassOnlyWhenBehind
)

var passingBehaviorNames = []string{
	"standard", "avoidPassAliveTerritory", "lastResort", "noSuicide", "onlyWhenAhead", "onlyWhenBehind",
}

func (p PassingBehavior) String() string {
	if int(p) < len(passingBehaviorNames) {
		return passingBehaviorNames[p]
	}
	return fmt.Sprintf("PassingBehavior(%d)", int(p))
}

func ParsePassingBehavior(s string) (PassingBehavior, error) {
	for i, name := range passingBehaviorNames {
		if name == s {
			return PassingBehavior(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown passing behavior %q", ErrInvalidParams, s)
}

func (p PassingBehavior) MarshalYAML() (any, error) { return p.String(), nil }

func (p *PassingBehavior) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParsePassingBehavior(node.Value)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type SearchAlgo int

const (
	AlgoMCTS SearchAlgo = iota
	// AlgoAMCTSS samples opponent moves from the opponent model's policy.
	AlgoAMCTSS
	// AlgoAMCTSSXX is AlgoAMCTSS with the opponent policy averaged over all symmetries.
	AlgoAMCTSSXX
	// AlgoAMCTSR picks opponent moves with a nested search of the opponent model.
	AlgoAMCTSR
)

var searchAlgoNames = []string{"MCTS", "AMCTS-S", "AMCTS-S++", "AMCTS-R"}

func (a SearchAlgo) String() string {
	if int(a) < len(searchAlgoNames) {
		return searchAlgoNames[a]
	}
	return fmt.Sprintf("SearchAlgo(%d)", int(a))
}

func (a SearchAlgo) Adversarial() bool { return a != AlgoMCTS }

func ParseSearchAlgo(s string) (SearchAlgo, error) {
	switch s {
	case "MCTS", "mcts":
		return AlgoMCTS, nil
	case "AMCTS-S", "AMCTS_S", "amcts-s":
		return AlgoAMCTSS, nil
	case "AMCTS-S++", "AMCTS_SXX", "amcts-s++":
		return AlgoAMCTSSXX, nil
	case "AMCTS-R", "AMCTS_R", "amcts-r":
		return AlgoAMCTSR, nil
	}
	return 0, fmt.Errorf("%w: unknown search algorithm %q", ErrInvalidParams, s)
}

func (a SearchAlgo) MarshalYAML() (any, error) { return a.String(), nil }

func (a *SearchAlgo) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseSearchAlgo(node.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Params holds every search tunable. A Params value is fixed for the duration
// of one search.
type Params struct {
	PassingBehavior  PassingBehavior `yaml:"passingBehavior"`
	ForceWinningPass bool            `yaml:"forceWinningPass"`

	SearchAlgo               SearchAlgo `yaml:"searchAlgorithm"`
	OppVisitsOverride        *int       `yaml:"oppVisitsOverride,omitempty"`
	OppWeightZeroingOverride *bool      `yaml:"oppWeightZeroingOverride,omitempty"`

	WinLossUtilityFactor          float64 `yaml:"winLossUtilityFactor"`
	StaticScoreUtilityFactor      float64 `yaml:"staticScoreUtilityFactor"`
	DynamicScoreUtilityFactor     float64 `yaml:"dynamicScoreUtilityFactor"`
	DynamicScoreCenterZeroWeight  float64 `yaml:"dynamicScoreCenterZeroWeight"`
	DynamicScoreCenterScale       float64 `yaml:"dynamicScoreCenterScale"`
	NoResultUtilityForWhite       float64 `yaml:"noResultUtilityForWhite"`
	NoResultUtility               float64 `yaml:"noResultUtility"`
	DrawEquivalentWinsForWhite    float64 `yaml:"drawEquivalentWinsForWhite"`
	ForceAllowNoResultPredictions bool    `yaml:"forceAllowNoResultPredictions"`

	CpuctExploration             float64 `yaml:"cpuctExploration"`
	CpuctExplorationLog          float64 `yaml:"cpuctExplorationLog"`
	CpuctExplorationBase         float64 `yaml:"cpuctExplorationBase"`
	CpuctUtilityStdevPrior       float64 `yaml:"cpuctUtilityStdevPrior"`
	CpuctUtilityStdevPriorWeight float64 `yaml:"cpuctUtilityStdevPriorWeight"`
	CpuctUtilityStdevScale       float64 `yaml:"cpuctUtilityStdevScale"`

	FpuReductionMax                   float64 `yaml:"fpuReductionMax"`
	FpuLossProp                       float64 `yaml:"fpuLossProp"`
	FpuParentWeightByVisitedPolicy    bool    `yaml:"fpuParentWeightByVisitedPolicy"`
	FpuParentWeightByVisitedPolicyPow float64 `yaml:"fpuParentWeightByVisitedPolicyPow"`
	FpuParentWeight                   float64 `yaml:"fpuParentWeight"`

	PolicyOptimism float64 `yaml:"policyOptimism"`

	ValueWeightExponent    float64 `yaml:"valueWeightExponent"`
	UseNoisePruning        bool    `yaml:"useNoisePruning"`
	NoisePruneUtilityScale float64 `yaml:"noisePruneUtilityScale"`
	NoisePruningCap        float64 `yaml:"noisePruningCap"`

	UseUncertainty       bool    `yaml:"useUncertainty"`
	UncertaintyCoeff     float64 `yaml:"uncertaintyCoeff"`
	UncertaintyExponent  float64 `yaml:"uncertaintyExponent"`
	UncertaintyMaxWeight float64 `yaml:"uncertaintyMaxWeight"`

	UseGraphSearch             bool    `yaml:"useGraphSearch"`
	GraphSearchRepBound        int     `yaml:"graphSearchRepBound"`
	GraphSearchCatchUpLeakProb float64 `yaml:"graphSearchCatchUpLeakProb"`

	RootNoiseEnabled                     bool    `yaml:"rootNoiseEnabled"`
	RootDirichletNoiseTotalConcentration float64 `yaml:"rootDirichletNoiseTotalConcentration"`
	RootDirichletNoiseWeight             float64 `yaml:"rootDirichletNoiseWeight"`
	RootPolicyTemperature                float64 `yaml:"rootPolicyTemperature"`
	RootPolicyTemperatureEarly           float64 `yaml:"rootPolicyTemperatureEarly"`
	RootFpuReductionMax                  float64 `yaml:"rootFpuReductionMax"`
	RootFpuLossProp                      float64 `yaml:"rootFpuLossProp"`
	RootNumSymmetriesToSample            int     `yaml:"rootNumSymmetriesToSample"`
	RootSymmetryPruning                  bool    `yaml:"rootSymmetryPruning"`
	RootDesiredPerChildVisitsCoeff       float64 `yaml:"rootDesiredPerChildVisitsCoeff"`
	RootPolicyOptimism                   float64 `yaml:"rootPolicyOptimism"`

	ChosenMoveTemperature         float64 `yaml:"chosenMoveTemperature"`
	ChosenMoveTemperatureEarly    float64 `yaml:"chosenMoveTemperatureEarly"`
	ChosenMoveTemperatureHalflife float64 `yaml:"chosenMoveTemperatureHalflife"`
	ChosenMoveSubtract            float64 `yaml:"chosenMoveSubtract"`
	ChosenMovePrune               float64 `yaml:"chosenMovePrune"`

	UseLcbForSelection    bool    `yaml:"useLcbForSelection"`
	UseLcbForSelfplayMove bool    `yaml:"useLcbForSelfplayMove"`
	LcbStdevs             float64 `yaml:"lcbStdevs"`
	MinVisitPropForLCB    float64 `yaml:"minVisitPropForLCB"`
	// UseNonBuggyLcb is accepted for compatibility; only the corrected bound is implemented.
	UseNonBuggyLcb bool `yaml:"useNonBuggyLcb"`

	RootEndingBonusPoints float64 `yaml:"rootEndingBonusPoints"`
	RootPruneUselessMoves bool    `yaml:"rootPruneUselessMoves"`
	ConservativePass      bool    `yaml:"conservativePass"`
	FillDameBeforePass    bool    `yaml:"fillDameBeforePass"`
	AvoidMYTDaggerHackPla string  `yaml:"avoidMYTDaggerHackPla"`
	WideRootNoise         float64 `yaml:"wideRootNoise"`
	EnablePassingHacks    bool    `yaml:"enablePassingHacks"`

	PlayoutDoublingAdvantage    float64 `yaml:"playoutDoublingAdvantage"`
	PlayoutDoublingAdvantagePla string  `yaml:"playoutDoublingAdvantagePla"`

	AvoidRepeatedPatternUtility float64 `yaml:"avoidRepeatedPatternUtility"`
	NNPolicyTemperature         float64 `yaml:"nnPolicyTemperature"`
	AntiMirror                  bool    `yaml:"antiMirror"`

	SubtreeValueBiasFactor         float64 `yaml:"subtreeValueBiasFactor"`
	SubtreeValueBiasTableNumShards int     `yaml:"subtreeValueBiasTableNumShards"`
	SubtreeValueBiasFreeProp       float64 `yaml:"subtreeValueBiasFreeProp"`
	SubtreeValueBiasWeightExponent float64 `yaml:"subtreeValueBiasWeightExponent"`

	NodeTableShardsPowerOfTwo int     `yaml:"nodeTableShardsPowerOfTwo"`
	NumVirtualLossesPerThread float64 `yaml:"numVirtualLossesPerThread"`

	NumThreads           int     `yaml:"numSearchThreads"`
	MinPlayoutsPerThread float64 `yaml:"minPlayoutsPerThread"`
	MaxVisits            int64   `yaml:"maxVisits"`
	MaxPlayouts          int64   `yaml:"maxPlayouts"`
	// MaxTime and the other durations below are in seconds.
	MaxTime float64 `yaml:"maxTime"`

	MaxVisitsPondering   int64   `yaml:"maxVisitsPondering"`
	MaxPlayoutsPondering int64   `yaml:"maxPlayoutsPondering"`
	MaxTimePondering     float64 `yaml:"maxTimePondering"`

	LagBuffer float64 `yaml:"lagBuffer"`

	SearchFactorAfterOnePass float64 `yaml:"searchFactorAfterOnePass"`
	SearchFactorAfterTwoPass float64 `yaml:"searchFactorAfterTwoPass"`

	TreeReuseCarryOverTimeFactor        float64 `yaml:"treeReuseCarryOverTimeFactor"`
	OverallocateTimeFactor              float64 `yaml:"overallocateTimeFactor"`
	MidgameTimeFactor                   float64 `yaml:"midgameTimeFactor"`
	MidgameTurnPeakTime                 float64 `yaml:"midgameTurnPeakTime"`
	EndgameTurnTimeDecay                float64 `yaml:"endgameTurnTimeDecay"`
	ObviousMovesTimeFactor              float64 `yaml:"obviousMovesTimeFactor"`
	ObviousMovesPolicyEntropyTolerance  float64 `yaml:"obviousMovesPolicyEntropyTolerance"`
	ObviousMovesPolicySurpriseTolerance float64 `yaml:"obviousMovesPolicySurpriseTolerance"`

	FutileVisitsThreshold float64 `yaml:"futileVisitsThreshold"`
}

const unlimited = int64(1) << 50

// DefaultParams returns the engine defaults for match play.
func DefaultParams() Params {
	return Params{
		PassingBehavior: PassStandard,
		SearchAlgo:      AlgoMCTS,

		WinLossUtilityFactor:         1.0,
		StaticScoreUtilityFactor:     0.1,
		DynamicScoreUtilityFactor:    0.3,
		DynamicScoreCenterZeroWeight: 0.2,
		DynamicScoreCenterScale:      0.75,
		DrawEquivalentWinsForWhite:   0.5,

		CpuctExploration:             1.0,
		CpuctExplorationLog:          0.45,
		CpuctExplorationBase:         500,
		CpuctUtilityStdevPrior:       0.40,
		CpuctUtilityStdevPriorWeight: 2.0,
		CpuctUtilityStdevScale:       0.85,

		FpuReductionMax:                   0.2,
		FpuParentWeightByVisitedPolicy:    true,
		FpuParentWeightByVisitedPolicyPow: 2.0,

		ValueWeightExponent:    0.25,
		UseNoisePruning:        true,
		NoisePruneUtilityScale: 0.15,
		NoisePruningCap:        1e50,

		UseUncertainty:       true,
		UncertaintyCoeff:     0.25,
		UncertaintyExponent:  1.0,
		UncertaintyMaxWeight: 8.0,

		UseGraphSearch:             true,
		GraphSearchRepBound:        11,
		GraphSearchCatchUpLeakProb: 0.0,

		RootDirichletNoiseTotalConcentration: 10.83,
		RootDirichletNoiseWeight:             0.25,
		RootPolicyTemperature:                1.0,
		RootPolicyTemperatureEarly:           1.0,
		RootFpuReductionMax:                  0.1,
		RootNumSymmetriesToSample:            1,

		ChosenMoveTemperature:         0.10,
		ChosenMoveTemperatureEarly:    0.5,
		ChosenMoveTemperatureHalflife: 19,
		ChosenMovePrune:               1,

		UseLcbForSelection: true,
		LcbStdevs:          5.0,
		MinVisitPropForLCB: 0.15,
		UseNonBuggyLcb:     true,

		NNPolicyTemperature: 1.0,

		SubtreeValueBiasFactor:         0.45,
		SubtreeValueBiasTableNumShards: 1024,
		SubtreeValueBiasFreeProp:       0.8,
		SubtreeValueBiasWeightExponent: 0.85,

		NodeTableShardsPowerOfTwo: 10,
		NumVirtualLossesPerThread: 1,

		NumThreads:  4,
		MaxVisits:   unlimited,
		MaxPlayouts: unlimited,
		MaxTime:     10,

		MaxVisitsPondering:   unlimited,
		MaxPlayoutsPondering: unlimited,
		MaxTimePondering:     60,

		SearchFactorAfterOnePass: 1.0,
		SearchFactorAfterTwoPass: 1.0,

		OverallocateTimeFactor:              1.0,
		MidgameTimeFactor:                   1.0,
		MidgameTurnPeakTime:                 130,
		EndgameTurnTimeDecay:                100,
		ObviousMovesTimeFactor:              1.0,
		ObviousMovesPolicyEntropyTolerance:  0.30,
		ObviousMovesPolicySurpriseTolerance: 0.15,
	}
}

// ParamsForTests returns small deterministic settings: one thread, no noise, no
// temperature, unit weights per visit.
func ParamsForTests() Params {
	p := DefaultParams()
	p.DynamicScoreUtilityFactor = 0
	p.CpuctExplorationLog = 0
	p.CpuctUtilityStdevScale = 0
	p.FpuParentWeightByVisitedPolicy = false
	p.ValueWeightExponent = 0
	p.UseNoisePruning = false
	p.UseUncertainty = false
	p.SubtreeValueBiasFactor = 0
	p.SubtreeValueBiasTableNumShards = 16
	p.NodeTableShardsPowerOfTwo = 4
	p.ChosenMoveTemperature = 0
	p.ChosenMoveTemperatureEarly = 0
	p.UseLcbForSelection = false
	p.NumThreads = 1
	p.MaxVisits = 200
	p.MaxTime = 1e9
	return p
}

func (p Params) maxTimeDuration() time.Duration    { return seconds(p.MaxTime) }
func (p Params) ponderTimeDuration() time.Duration { return seconds(p.MaxTimePondering) }

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	if s > float64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}

// oppWeightZeroing reports whether opponent nodes contribute no weight of their own.
func (p Params) oppWeightZeroing() bool {
	if p.OppWeightZeroingOverride != nil {
		return *p.OppWeightZeroingOverride
	}
	return p.SearchAlgo.Adversarial()
}

func parsePlayer(s string) (game.Player, error) {
	switch s {
	case "", "empty", "none":
		return game.Empty, nil
	case "B", "b", "black":
		return game.Black, nil
	case "W", "w", "white":
		return game.White, nil
	}
	return game.Empty, fmt.Errorf("%w: unknown player %q", ErrInvalidParams, s)
}

// Validate rejects values no search could run with.
func (p Params) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidParams}, args...)...)
	}
	checks := []error{
		check(p.NumThreads >= 1, "numSearchThreads must be positive, got %d", p.NumThreads),
		check(p.MaxVisits >= 1 && p.MaxPlayouts >= 1, "visit and playout caps must be positive"),
		check(p.MaxVisitsPondering >= 1 && p.MaxPlayoutsPondering >= 1, "pondering caps must be positive"),
		check(p.MaxTime > 0 && p.MaxTimePondering > 0, "time caps must be positive"),
		check(p.NodeTableShardsPowerOfTwo >= 0 && p.NodeTableShardsPowerOfTwo <= 16,
			"nodeTableShardsPowerOfTwo must be in [0,16], got %d", p.NodeTableShardsPowerOfTwo),
		check(p.SubtreeValueBiasTableNumShards >= 1, "subtreeValueBiasTableNumShards must be positive"),
		check(p.SubtreeValueBiasFreeProp >= 0 && p.SubtreeValueBiasFreeProp <= 1, "subtreeValueBiasFreeProp must be in [0,1]"),
		check(p.GraphSearchRepBound >= 1, "graphSearchRepBound must be at least 1"),
		check(p.GraphSearchCatchUpLeakProb >= 0 && p.GraphSearchCatchUpLeakProb <= 1, "graphSearchCatchUpLeakProb must be in [0,1]"),
		check(p.CpuctExplorationBase > 0, "cpuctExplorationBase must be positive"),
		check(p.FpuParentWeight >= 0 && p.FpuParentWeight <= 1, "fpuParentWeight must be in [0,1]"),
		check(p.FpuLossProp >= 0 && p.FpuLossProp <= 1 && p.RootFpuLossProp >= 0 && p.RootFpuLossProp <= 1,
			"fpu loss proportions must be in [0,1]"),
		check(p.PolicyOptimism >= 0 && p.PolicyOptimism <= 1 && p.RootPolicyOptimism >= 0 && p.RootPolicyOptimism <= 1,
			"policy optimism must be in [0,1]"),
		check(p.RootPolicyTemperature > 0 && p.RootPolicyTemperatureEarly > 0, "root policy temperatures must be positive"),
		check(p.NNPolicyTemperature > 0, "nnPolicyTemperature must be positive"),
		check(p.RootNumSymmetriesToSample >= 1 && p.RootNumSymmetriesToSample <= game.NumSymmetries,
			"rootNumSymmetriesToSample must be in [1,%d]", game.NumSymmetries),
		check(p.RootDirichletNoiseWeight >= 0 && p.RootDirichletNoiseWeight <= 1, "rootDirichletNoiseWeight must be in [0,1]"),
		check(!p.RootNoiseEnabled || p.RootDirichletNoiseTotalConcentration > 0, "noise concentration must be positive"),
		check(p.ChosenMoveTemperature >= 0 && p.ChosenMoveTemperatureEarly >= 0, "move temperatures must not be negative"),
		check(p.ChosenMoveTemperatureHalflife > 0, "chosenMoveTemperatureHalflife must be positive"),
		check(p.LcbStdevs >= 0 && p.MinVisitPropForLCB >= 0, "LCB settings must not be negative"),
		check(p.NumVirtualLossesPerThread >= 0, "numVirtualLossesPerThread must not be negative"),
		check(!p.UseUncertainty || (p.UncertaintyCoeff > 0 && p.UncertaintyMaxWeight > 0), "uncertainty weights must be positive"),
		check(p.SearchFactorAfterOnePass > 0 && p.SearchFactorAfterTwoPass > 0, "search factors after passes must be positive"),
		check(p.LagBuffer >= 0, "lagBuffer must not be negative"),
		check(p.DrawEquivalentWinsForWhite >= 0 && p.DrawEquivalentWinsForWhite <= 1, "drawEquivalentWinsForWhite must be in [0,1]"),
		check(p.OppVisitsOverride == nil || *p.OppVisitsOverride >= 1, "oppVisitsOverride must be positive"),
	}
	if err := errors.Join(checks...); err != nil {
		return err
	}
	if _, err := parsePlayer(p.PlayoutDoublingAdvantagePla); err != nil {
		return err
	}
	if _, err := parsePlayer(p.AvoidMYTDaggerHackPla); err != nil {
		return err
	}
	return nil
}

// CheckUnchangeable fails if dynamic differs from initial on a field that is
// fixed for the lifetime of a searcher.
func CheckUnchangeable(initial, dynamic Params) error {
	fields := []struct {
		name string
		same bool
	}{
		{"useGraphSearch", initial.UseGraphSearch == dynamic.UseGraphSearch},
		{"graphSearchRepBound", initial.GraphSearchRepBound == dynamic.GraphSearchRepBound},
		{"nodeTableShardsPowerOfTwo", initial.NodeTableShardsPowerOfTwo == dynamic.NodeTableShardsPowerOfTwo},
		{"subtreeValueBiasTableNumShards", initial.SubtreeValueBiasTableNumShards == dynamic.SubtreeValueBiasTableNumShards},
		{"searchAlgorithm", initial.SearchAlgo == dynamic.SearchAlgo},
		{"rootNumSymmetriesToSample", initial.RootNumSymmetriesToSample == dynamic.RootNumSymmetriesToSample},
	}
	for _, f := range fields {
		if !f.same {
			return fmt.Errorf("%w: %s", ErrUnchangeableParam, f.name)
		}
	}
	return nil
}

// ParseParams decodes YAML on top of DefaultParams and validates the result.
func ParseParams(data []byte) (Params, error) {
	p := DefaultParams()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("decode params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read params: %w", err)
	}
	return ParseParams(data)
}
