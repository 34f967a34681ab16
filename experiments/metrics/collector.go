package metrics

import (
	"sync/atomic"
	"time"
)

type SearchMetric struct {
	Threads      int
	Algorithm    string
	Duration     time.Duration
	Playouts     int
	NNEvals      int
	RootVisits   int
	ReusedVisits int
	IsTreeReset  bool
}

type MoveMetric struct {
	Step   int
	Player string
	Move   string
	SearchMetric
}

type GameMetric struct {
	Winner     string
	WhiteScore float64
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	TotalMoves int
}

// Collector is fed by the search workers; all methods but Start and Complete
// may be called concurrently.
type Collector interface {
	Start(threads int, algorithm string)
	SetTreeReset(value bool)
	SetReusedVisits(visits int)
	AddPlayout()
	AddNNEval()
	Complete(rootVisits int) SearchMetric
}

type collector struct {
	threads      int
	algorithm    string
	startTime    time.Time
	playouts     atomic.Int64
	nnEvals      atomic.Int64
	reusedVisits atomic.Int64
	isTreeReset  atomic.Bool
}

func NewCollector() Collector {
	return &collector{}
}

func (m *collector) Start(threads int, algorithm string) {
	m.startTime = time.Now()
	m.threads = threads
	m.algorithm = algorithm
	m.playouts.Store(0)
	m.nnEvals.Store(0)
}

func (m *collector) SetTreeReset(value bool) {
	m.isTreeReset.Store(value)
}

func (m *collector) SetReusedVisits(visits int) {
	m.reusedVisits.Store(int64(visits))
}

func (m *collector) AddPlayout() {
	m.playouts.Add(1)
}

func (m *collector) AddNNEval() {
	m.nnEvals.Add(1)
}

func (m *collector) Complete(rootVisits int) SearchMetric {
	return SearchMetric{
		Threads:      m.threads,
		Algorithm:    m.algorithm,
		Duration:     time.Since(m.startTime),
		Playouts:     int(m.playouts.Load()),
		NNEvals:      int(m.nnEvals.Load()),
		RootVisits:   rootVisits,
		ReusedVisits: int(m.reusedVisits.Load()),
		IsTreeReset:  m.isTreeReset.Load(),
	}
}

type dummyCollector struct{}

func NewDummyCollector() Collector {
	return &dummyCollector{}
}

func (m *dummyCollector) Start(threads int, algorithm string)  {}
func (m *dummyCollector) SetTreeReset(value bool)              {}
func (m *dummyCollector) SetReusedVisits(visits int)           {}
func (m *dummyCollector) AddPlayout()                          {}
func (m *dummyCollector) AddNNEval()                           {}
func (m *dummyCollector) Complete(rootVisits int) SearchMetric { return SearchMetric{RootVisits: rootVisits} }
