package bft

import (
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/icebft/core/internal/metrics"
)

// reelectionTick is the base unit a tied self-nominated replica's backoff,
// and the primary-decision timer's duration, are expressed in for this
// core's cooperative scheduler.
const reelectionTick = 200 * time.Millisecond

// reelectionBackoff picks a delay of 1-3 reelectionTicks before a replica
// tied with itself re-casts a reelection vote.
func reelectionBackoff() time.Duration {
	return time.Duration(1+rand.Intn(3)) * reelectionTick
}

// electionState holds the vote tallies for one (instance, view)'s
// nomination/primary/reelection rounds. Everything here resets when that
// instance's view advances, or when a reelection round concludes (a fresh
// electionState replaces it, carrying only the round counter forward).
type electionState struct {
	nominations map[NodeName]NodeName           // voter -> nominee
	primaries   map[NodeName]NodeName           // voter -> declared-primary
	reelections map[int]map[NodeName][]NodeName // round -> voter -> tieAmong

	round   int
	decided bool
	primary NodeName

	primaryTimerArmed  bool
	primaryTimerFired  bool
	primaryDeclared    bool
	reelectionProposed bool
}

func newElectionState() *electionState {
	return &electionState{
		nominations: make(map[NodeName]NodeName),
		primaries:   make(map[NodeName]NodeName),
		reelections: make(map[int]map[NodeName][]NodeName),
	}
}

type stashedMsg struct {
	from NodeName
	env  Envelope
}

// Elector runs the nomination -> primary -> reelection protocol for every
// instance a Node owns as a Go state machine with no background
// goroutines: every transition happens inside a Process* call made from
// Node.Tick. A single Elector serves all instances, each tracked by its
// own per-instance view and election state.
type Elector struct {
	Self  NodeName
	Cfg   PoolConfig
	Reg   *Registry
	Sched Scheduler

	// IsParticipating gates self-nomination: a node still catching up
	// must not nominate itself or others.
	IsParticipating func() bool

	views  map[InstId]ViewNo
	states map[InstId]map[ViewNo]*electionState
	// stashed holds envelopes per instance for views not yet reached,
	// replayed once that instance's view advances to match.
	stashed map[InstId]map[ViewNo][]stashedMsg

	onPrimaryFound func(inst InstId, view ViewNo, primary NodeName)
	broadcast      func(env Envelope)
}

// SetBroadcast installs the function used to fan this node's own
// Nomination/Reelection votes out to every peer, wiring the Elector to a
// Node's Transport without giving it a direct reference to one.
func (e *Elector) SetBroadcast(fn func(env Envelope)) {
	e.broadcast = fn
}

// NewElector builds an Elector covering instances 0..n-1, each starting
// at view 0.
func NewElector(n int, self NodeName, cfg PoolConfig, reg *Registry, sched Scheduler) *Elector {
	e := &Elector{
		Self:    self,
		Cfg:     cfg,
		Reg:     reg,
		Sched:   sched,
		views:   make(map[InstId]ViewNo, n),
		states:  make(map[InstId]map[ViewNo]*electionState, n),
		stashed: make(map[InstId]map[ViewNo][]stashedMsg, n),
	}
	for i := 0; i < n; i++ {
		inst := InstId(i)
		e.views[inst] = 0
		e.states[inst] = map[ViewNo]*electionState{0: newElectionState()}
		e.stashed[inst] = make(map[ViewNo][]stashedMsg)
	}
	return e
}

// SetOnPrimaryFound installs the Node boundary callback fired once a
// primary is settled for an instance's view.
func (e *Elector) SetOnPrimaryFound(fn func(inst InstId, view ViewNo, primary NodeName)) {
	e.onPrimaryFound = fn
}

// View returns the view instance inst currently believes is active.
func (e *Elector) View(inst InstId) ViewNo { return e.views[inst] }

func (e *Elector) stateFor(inst InstId, view ViewNo) *electionState {
	byView, ok := e.states[inst]
	if !ok {
		byView = make(map[ViewNo]*electionState)
		e.states[inst] = byView
	}
	s, ok := byView[view]
	if !ok {
		s = newElectionState()
		byView[view] = s
	}
	return s
}

// StartElection begins nomination for inst at view: a participating node
// nominates itself. Returns the Nomination envelope it recorded and
// broadcast; the zero Envelope and false if this node is not yet
// participating.
func (e *Elector) StartElection(inst InstId, view ViewNo) (Envelope, bool) {
	e.views[inst] = view
	if e.IsParticipating != nil && !e.IsParticipating() {
		return Envelope{}, false
	}
	return e.nominate(inst, view)
}

// nominate casts this replica's own Nomination vote for itself, per spec
// §4.D step 2 ("the replica nominates itself"). Convergence on a single
// winner, when it happens without a tie, comes not from every replica
// picking the same candidate here but from the adopt-and-echo step in
// ProcessNominate.
func (e *Elector) nominate(inst InstId, view ViewNo) (Envelope, bool) {
	env := Envelope{Type: MTNomination, Inst: inst, View: view, From: e.Self, Candidate: e.Self}
	e.ProcessNominate(e.Self, env)
	if e.broadcast != nil {
		e.broadcast(env)
	}
	return env, true
}

// filter drops envelopes for a past view, stashes envelopes for a future
// view for later replay, and lets envelopes for the current view proceed.
func (e *Elector) filter(from NodeName, env Envelope) (proceed bool) {
	current := e.views[env.Inst]
	switch {
	case env.View < current:
		return false
	case env.View > current:
		byView := e.stashed[env.Inst]
		if byView == nil {
			byView = make(map[ViewNo][]stashedMsg)
			e.stashed[env.Inst] = byView
		}
		byView[env.View] = append(byView[env.View], stashedMsg{from: from, env: env})
		return false
	default:
		return true
	}
}

// ReplayStashed is called after instance inst's view change settles on
// newView: every envelope stashed while waiting for newView is replayed
// in arrival order.
func (e *Elector) ReplayStashed(inst InstId, newView ViewNo) {
	byView := e.stashed[inst]
	if byView == nil {
		return
	}
	pending := byView[newView]
	delete(byView, newView)
	for _, m := range pending {
		switch m.env.Type {
		case MTNomination:
			e.ProcessNominate(m.from, m.env)
		case MTPrimary:
			e.ProcessPrimary(m.from, m.env)
		case MTReelection:
			e.ProcessReelection(m.from, m.env)
		}
	}
}

// ProcessNominate records a Nomination vote, raising DuplicateNomSent on
// an exact repeat (tolerated once by the registry's default policy) and
// checking nomination quorum. A replica that has not yet cast its own
// nomination adopts the first candidate it hears from a peer and echoes it
// as its own vote, mirroring primary_elector.py's processNominate — this
// is what lets self-nominating replicas still converge on (or genuinely
// tie over) a shared candidate instead of every replica voting for itself
// forever.
func (e *Elector) ProcessNominate(from NodeName, env Envelope) {
	if !e.filter(from, env) {
		return
	}
	st := e.stateFor(env.Inst, env.View)

	participating := e.IsParticipating == nil || e.IsParticipating()
	if _, nominated := st.nominations[e.Self]; !nominated && from != e.Self && participating {
		st.nominations[e.Self] = env.Candidate
		echo := Envelope{Type: MTNomination, Inst: env.Inst, View: env.View, From: e.Self, Candidate: env.Candidate}
		if e.broadcast != nil {
			e.broadcast(echo)
		}
	}

	if prev, ok := st.nominations[from]; ok {
		if prev != env.Candidate {
			return
		}
		e.Reg.Raise(from, DuplicateNomSent, "repeated identical nomination")
		return
	}
	st.nominations[from] = env.Candidate

	if len(st.nominations) >= Quorum(e.Cfg) {
		e.decidePrimary(env.Inst, env.View, st)
	}
}

// ProcessPrimary records a Primary declaration (a vote cast once a node
// has itself decided the primary), raising DuplicatePriSent on repeats
// and checking primary quorum.
func (e *Elector) ProcessPrimary(from NodeName, env Envelope) {
	if !e.filter(from, env) {
		return
	}
	st := e.stateFor(env.Inst, env.View)
	if prev, ok := st.primaries[from]; ok {
		if prev != env.Candidate {
			return
		}
		e.Reg.Raise(from, DuplicatePriSent, "repeated identical primary declaration")
		return
	}
	st.primaries[from] = env.Candidate

	if st.decided {
		return
	}
	if len(st.primaries) >= Quorum(e.Cfg) {
		if winner, ok := mostFrequent(st.primaries); ok {
			e.settle(env.Inst, env.View, st, winner)
		}
	}
}

// ProcessReelection records a Reelection vote for the given round,
// raising DuplicateRelSent on repeats. round must equal this (instance,
// view)'s current round (a new vote for the round already in progress) or
// current+1 (a peer that has already moved on to propose the next round);
// anything else is discarded as stale or premature. Once a quorum of
// voters has proposed for a round, the most frequently proposed tieAmong
// set wins, election state for (instance, view) is reset, and this
// replica re-nominates: after a random backoff if it was itself tied,
// immediately otherwise.
func (e *Elector) ProcessReelection(from NodeName, env Envelope) {
	if !e.filter(from, env) {
		return
	}
	st := e.stateFor(env.Inst, env.View)
	round := env.Round
	if round != st.round && round != st.round+1 {
		return
	}
	if st.reelections[round] == nil {
		st.reelections[round] = make(map[NodeName][]NodeName)
	}
	if prev, ok := st.reelections[round][from]; ok {
		if tieKey(prev) != tieKey(env.TieAmong) {
			return
		}
		e.Reg.Raise(from, DuplicateRelSent, "repeated identical reelection vote")
		return
	}
	st.reelections[round][from] = append([]NodeName(nil), env.TieAmong...)

	if len(st.reelections[round]) < Quorum(e.Cfg) {
		return
	}
	winner, ok := mostFrequentTieSet(st.reelections[round])
	if !ok {
		return
	}
	e.resolveReelection(env.Inst, env.View, winner, round)
}

// resolveReelection concludes reelection round round for (inst, view):
// election state is replaced by a fresh one carrying the round counter
// forward, and this replica re-nominates itself, deferred if it was among
// the tied candidates (giving the competing candidate's votes a chance to
// arrive first), immediately otherwise.
func (e *Elector) resolveReelection(inst InstId, view ViewNo, tieAmong []NodeName, round int) {
	fresh := newElectionState()
	fresh.round = round + 1
	byView, ok := e.states[inst]
	if !ok {
		byView = make(map[ViewNo]*electionState)
		e.states[inst] = byView
	}
	byView[view] = fresh

	if e.IsParticipating != nil && !e.IsParticipating() {
		return
	}
	renominate := func() { e.nominate(inst, view) }
	if containsName(tieAmong, e.Self) && e.Sched != nil {
		e.Sched.Schedule(e.Sched.Now().Add(reelectionBackoff()), renominate)
		return
	}
	renominate()
}

// decidePrimary is called once nomination quorum is reached. Per spec
// §4.D.4: a single candidate with strictly the most votes is declared
// (a Primary envelope is cast, per step 5 settling only once a quorum of
// Primary declarations agree) once it has a majority of the pool
// (⌈(N+1)/2⌉), or once every peer's nomination has been received, or once
// a primary-decision timer (N ticks) expires without a majority ever
// forming. Multiple candidates tied for the most votes instead open a
// Reelection round over that tied candidate set.
func (e *Elector) decidePrimary(inst InstId, view ViewNo, st *electionState) {
	// Mirrors primary_elector.py's decidePrimary: once this replica has
	// already declared a Primary, or already proposed a Reelection for
	// this round, later nominations crossing quorum again (a duplicate,
	// a reordered arrival, or one more vote tipping an existing tie) must
	// not re-run the decision and cast a second, round-incrementing
	// Reelection on top of one already in flight.
	if st.decided || st.primaryDeclared || st.reelectionProposed {
		return
	}
	tieAmong, winner := topCandidates(st.nominations)
	if len(tieAmong) == 1 {
		n := e.Cfg.N()
		votes := 0
		for _, v := range st.nominations {
			if v == winner {
				votes++
			}
		}
		majority := (n + 2) / 2 // ceil((n+1)/2)
		switch {
		case votes >= majority:
			e.declarePrimary(inst, view, st, winner)
		case len(st.nominations) >= n || st.primaryTimerFired:
			e.declarePrimary(inst, view, st, winner)
		default:
			e.armPrimaryTimer(inst, view, st)
		}
		return
	}

	st.round++
	st.reelectionProposed = true
	if e.IsParticipating != nil && !e.IsParticipating() {
		return
	}
	cast := func() {
		env := Envelope{Type: MTReelection, Inst: inst, View: view, From: e.Self, Round: st.round, TieAmong: tieAmong}
		e.ProcessReelection(e.Self, env)
		if e.broadcast != nil {
			e.broadcast(env)
		}
	}
	if containsName(tieAmong, e.Self) && e.Sched != nil {
		e.Sched.Schedule(e.Sched.Now().Add(reelectionBackoff()), cast)
		return
	}
	cast()
}

// declarePrimary casts this replica's own Primary vote for winner once
// the nomination tally settles on a single leader, per spec §4.D step 4's
// "emit Primary{candidate, instId, v}". Settling happens separately in
// ProcessPrimary once a quorum of such declarations (from this replica
// and its peers) agree — declarePrimary itself never settles.
func (e *Elector) declarePrimary(inst InstId, view ViewNo, st *electionState, winner NodeName) {
	if st.primaryDeclared {
		return
	}
	st.primaryDeclared = true
	env := Envelope{Type: MTPrimary, Inst: inst, View: view, From: e.Self, Candidate: winner}
	e.ProcessPrimary(e.Self, env)
	if e.broadcast != nil {
		e.broadcast(env)
	}
}

// armPrimaryTimer arms the bounded primary-decision timer for (inst,
// view): on expiry, decidePrimary is retried and, per spec §4.D.4,
// declares whichever candidate still has the most nominations even
// without a majority, so the protocol never starves on an ambiguous but
// non-tied nomination count.
func (e *Elector) armPrimaryTimer(inst InstId, view ViewNo, st *electionState) {
	if st.primaryTimerArmed || e.Sched == nil {
		return
	}
	st.primaryTimerArmed = true
	n := e.Cfg.N()
	e.Sched.Schedule(e.Sched.Now().Add(time.Duration(n)*reelectionTick), func() {
		if st.decided {
			return
		}
		st.primaryTimerFired = true
		e.decidePrimary(inst, view, st)
	})
}

func (e *Elector) settle(inst InstId, view ViewNo, st *electionState, primary NodeName) {
	if st.decided {
		return
	}
	st.decided = true
	st.primary = primary
	metrics.RecordPrimaryElected(int(inst))
	if e.onPrimaryFound != nil {
		e.onPrimaryFound(inst, view, primary)
	}
}

// PrimaryFor satisfies PrimaryNamer for instance inst: it returns the
// settled primary for view, if decided.
func (e *Elector) PrimaryFor(inst InstId) PrimaryNamer {
	return func(view ViewNo) (NodeName, bool) {
		byView, ok := e.states[inst]
		if !ok {
			return "", false
		}
		st, ok := byView[view]
		if !ok || !st.decided {
			return "", false
		}
		return st.primary, true
	}
}

// containsName reports whether target appears in names.
func containsName(names []NodeName, target NodeName) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}

// topCandidates returns the set of candidates tied for the most votes in
// votes (sorted lexicographically for deterministic iteration/broadcast),
// plus the lexicographically smallest among them — the settled winner
// when that set has exactly one member.
func topCandidates(votes map[NodeName]NodeName) ([]NodeName, NodeName) {
	if len(votes) == 0 {
		return nil, ""
	}
	counts := make(map[NodeName]int, len(votes))
	for _, v := range votes {
		counts[v]++
	}
	best := -1
	for _, c := range counts {
		if c > best {
			best = c
		}
	}
	tied := make([]NodeName, 0, len(counts))
	for name, c := range counts {
		if c == best {
			tied = append(tied, name)
		}
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i] < tied[j] })
	return tied, tied[0]
}

// tieKey canonicalizes a tieAmong set (order-independent) into a string
// two honest peers proposing the same set always agree on.
func tieKey(names []NodeName) string {
	sorted := append([]NodeName(nil), names...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = string(n)
	}
	return strings.Join(parts, ",")
}

// mostFrequentTieSet returns the most commonly proposed tieAmong set
// among votes, breaking ties deterministically by the smallest canonical
// key.
func mostFrequentTieSet(votes map[NodeName][]NodeName) ([]NodeName, bool) {
	if len(votes) == 0 {
		return nil, false
	}
	counts := make(map[string]int, len(votes))
	sample := make(map[string][]NodeName, len(votes))
	for _, v := range votes {
		k := tieKey(v)
		counts[k]++
		sample[k] = v
	}
	bestKey := ""
	bestCount := -1
	first := true
	for k, c := range counts {
		if first || c > bestCount || (c == bestCount && k < bestKey) {
			bestKey, bestCount, first = k, c, false
		}
	}
	return sample[bestKey], true
}

// mostFrequent returns the most common value in votes, breaking ties
// deterministically by lexicographically smallest NodeName.
func mostFrequent(votes map[NodeName]NodeName) (NodeName, bool) {
	if len(votes) == 0 {
		return "", false
	}
	counts := make(map[NodeName]int, len(votes))
	for _, v := range votes {
		counts[v]++
	}
	best := NodeName("")
	bestCount := -1
	first := true
	for name, c := range counts {
		if first || c > bestCount || (c == bestCount && name < best) {
			best, bestCount, first = name, c, false
		}
	}
	return best, true
}
