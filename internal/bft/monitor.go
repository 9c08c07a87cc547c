package bft

import (
	"time"

	"github.com/icebft/core/internal/metrics"
)

// Monitor tracks per-instance EMA throughput and triggers an
// InstanceChange proposal when the master instance's throughput falls below
// Delta times a backup instance's. The ratio check itself drives a view
// change here, rather than only feeding an observability gauge.
type Monitor struct {
	Cfg   PoolConfig
	Reg   *Registry
	Sched Scheduler

	// Delta is the minimum tolerated master/backup throughput ratio.
	Delta float64
	// CheckPeriod is how often checkPerformance runs.
	CheckPeriod time.Duration
	// FreqWindow and MaxPerWindow bound how many InstanceChange proposals
	// a single peer may raise before FrequentInstChng fires.
	FreqWindow   time.Duration
	MaxPerWindow int

	alpha      float64
	masterEMA  float64
	backupEMA  map[InstId]float64
	lastCommit map[InstId]time.Time

	votes        map[ViewNo]map[NodeName]struct{}
	seenByPeer   map[NodeName]map[ViewNo]struct{}
	peerHistory  map[NodeName][]time.Time

	onInstanceChange func(proposedView ViewNo)
}

// NewMonitor builds a Monitor with the defaults decided for this core:
// Delta = 0.65, CheckPeriod = 15s, FreqWindow = 1m, MaxPerWindow = 3.
func NewMonitor(cfg PoolConfig, reg *Registry, sched Scheduler) *Monitor {
	return &Monitor{
		Cfg:          cfg,
		Reg:          reg,
		Sched:        sched,
		Delta:        0.65,
		CheckPeriod:  15 * time.Second,
		FreqWindow:   time.Minute,
		MaxPerWindow: 3,
		alpha:        0.3,
		backupEMA:    make(map[InstId]float64),
		lastCommit:   make(map[InstId]time.Time),
		votes:        make(map[ViewNo]map[NodeName]struct{}),
		seenByPeer:   make(map[NodeName]map[ViewNo]struct{}),
		peerHistory:  make(map[NodeName][]time.Time),
	}
}

// SetOnInstanceChange installs the Node callback fired once this node
// decides, locally, to propose a view change.
func (m *Monitor) SetOnInstanceChange(fn func(proposedView ViewNo)) {
	m.onInstanceChange = fn
}

// RecordCommitted folds one commit event for inst at now into its EMA
// throughput estimate (instance 0 is the master instance).
func (m *Monitor) RecordCommitted(inst InstId, now time.Time) {
	prev, ok := m.lastCommit[inst]
	m.lastCommit[inst] = now
	if !ok {
		return
	}
	dt := now.Sub(prev).Seconds()
	if dt <= 0 {
		return
	}
	rate := 1.0 / dt
	if inst == 0 {
		m.masterEMA = ema(m.masterEMA, rate, m.alpha)
	} else {
		m.backupEMA[inst] = ema(m.backupEMA[inst], rate, m.alpha)
	}
}

func ema(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

// CheckPerformance compares masterEMA against Delta times every backup
// instance's EMA and returns the backup instances the master currently
// falls short of, for the Node to decide whether to propose
// InstanceChange. Nothing is reported until the master instance has a
// throughput estimate.
func (m *Monitor) CheckPerformance() []InstId {
	if m.masterEMA <= 0 {
		return nil
	}
	var violating []InstId
	for inst, rate := range m.backupEMA {
		ratio := m.masterEMA / rate
		metrics.SetMasterThroughputRatio(int(inst), ratio)
		if ratio < m.Delta {
			violating = append(violating, inst)
		}
	}
	return violating
}

// ProposeInstanceChange records this node's own vote for proposedView and
// fires onInstanceChange once quorum is reached, exactly like receiving a
// remote proposal through OnInstanceChange.
func (m *Monitor) ProposeInstanceChange(self NodeName, proposedView ViewNo) {
	m.OnInstanceChange(self, proposedView, m.Sched.Now())
}

// OnInstanceChange records a peer's InstanceChange vote for proposedView,
// raising DuplicateInstChng on an exact repeat and FrequentInstChng if the
// peer has proposed more than MaxPerWindow changes within FreqWindow. Once
// 2f+1 distinct peers have voted for the same proposedView, onInstanceChange
// fires.
func (m *Monitor) OnInstanceChange(from NodeName, proposedView ViewNo, now time.Time) {
	seen := m.seenByPeer[from]
	if seen == nil {
		seen = make(map[ViewNo]struct{})
		m.seenByPeer[from] = seen
	}
	if _, dup := seen[proposedView]; dup {
		m.Reg.Raise(from, DuplicateInstChng, "repeated InstanceChange for same proposed view")
		return
	}
	seen[proposedView] = struct{}{}

	hist := append(m.peerHistory[from], now)
	cutoff := now.Add(-m.FreqWindow)
	trimmed := hist[:0]
	for _, t := range hist {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	m.peerHistory[from] = trimmed
	if len(trimmed) > m.MaxPerWindow {
		m.Reg.Raise(from, FrequentInstChng, "InstanceChange rate exceeds configured window")
		return
	}

	voters := m.votes[proposedView]
	if voters == nil {
		voters = make(map[NodeName]struct{})
		m.votes[proposedView] = voters
	}
	voters[from] = struct{}{}
	metrics.RecordInstanceChangeRequested(int(proposedView))

	if len(voters) >= Quorum(m.Cfg) && m.onInstanceChange != nil {
		m.onInstanceChange(proposedView)
		delete(m.votes, proposedView)
	}
}
