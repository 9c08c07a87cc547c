package bft

import (
	"fmt"
	"time"

	"github.com/icebft/core/internal/metrics"
)

// Phase is the per-(view, seq) state a Replica tracks, gated by primary
// authorization (rejecting a PrePrepare from a non-primary or a Prepare
// from the primary) rather than only by vote counting.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhaseAbsent:
		return "absent"
	case PhasePrePrepared:
		return "prePrepared"
	case PhasePrepared:
		return "prepared"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// slotState is the bookkeeping for one (view, seq) agreement round.
type slotState struct {
	phase     Phase
	view      ViewNo
	seq       SeqNo
	request   Request
	digest    Digest
	timestamp float64
	prepares  map[NodeName]struct{}
	commits   map[NodeName]struct{}
}

// unixSeconds renders t as the Unix-seconds-as-float wire representation
// spec.md §6 specifies for every three-phase message's timestamp field.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// defaultGapWaitTicks is how many reelectionTick-sized scheduler ticks a
// PrePrepare arriving ahead of the expected seqNo is held before the gap is
// reported to the Monitor as a missing-link failure, per spec.md §4.C's
// "stashed briefly awaiting the gap ... treated as a missing-link failure".
const defaultGapWaitTicks = 8

// gapEntry is one PrePrepare stashed while this replica awaits the missing
// lower-numbered PrePrepare that would make it contiguous.
type gapEntry struct {
	from  NodeName
	env   Envelope
	timer TimerHandle
}

// PrimaryNamer resolves the primary for a view; a Replica never decides
// primaries itself, it asks the owning Node's Elector.
type PrimaryNamer func(view ViewNo) (NodeName, bool)

// Replica runs the three-phase pipeline for exactly one consensus
// instance. Instance 0 is the master instance (it is the only one that
// ever receives client Requests directly); the rest are backups that only
// ever see PrePrepare/Prepare/Commit traffic replayed by the Node.
type Replica struct {
	Inst   InstId
	Self   NodeName
	Cfg    PoolConfig
	Crypto Crypto
	Reg    *Registry
	Now    func() time.Time
	Sched  Scheduler

	// GapWaitTicks overrides defaultGapWaitTicks when positive.
	GapWaitTicks int

	PrimaryFor PrimaryNamer

	view ViewNo
	next SeqNo
	last SeqNo
	slots map[SeqNo]*slotState
	gaps  map[SeqNo]gapEntry

	onCommitted   func(CommittedEntry)
	onMissingLink func(inst InstId)
	ledger        Ledger
}

// NewReplica constructs a Replica for one instance. now defaults to
// time.Now when nil.
func NewReplica(inst InstId, self NodeName, cfg PoolConfig, crypto Crypto, reg *Registry, primaryFor PrimaryNamer, now func() time.Time) *Replica {
	if now == nil {
		now = time.Now
	}
	return &Replica{
		Inst:       inst,
		Self:       self,
		Cfg:        cfg,
		Crypto:     crypto,
		Reg:        reg,
		Now:        now,
		PrimaryFor: primaryFor,
		next:       1,
		slots:      make(map[SeqNo]*slotState),
	}
}

// SetLedger installs the Ledger an entry is appended to on commit.
func (r *Replica) SetLedger(l Ledger) { r.ledger = l }

// SetOnCommitted installs the callback fired once a slot reaches
// PhaseCommitted.
func (r *Replica) SetOnCommitted(fn func(CommittedEntry)) { r.onCommitted = fn }

// SetScheduler installs the Scheduler used to bound how long a
// higher-than-expected PrePrepare is stashed awaiting the missing seqNo.
func (r *Replica) SetScheduler(s Scheduler) { r.Sched = s }

// SetOnMissingLink installs the callback fired when a stashed PrePrepare's
// gap never closes within GapWaitTicks, the Node's cue to feed the Monitor
// a view-change signal.
func (r *Replica) SetOnMissingLink(fn func(inst InstId)) { r.onMissingLink = fn }

// View returns the view this replica currently believes is active.
func (r *Replica) View() ViewNo { return r.view }

// SetView installs the current view, called by the owning Node whenever
// the Elector completes a view change.
func (r *Replica) SetView(v ViewNo) { r.view = v }

// ResetGaps cancels any timers on stashed out-of-order PrePrepares and
// discards them, called by the owning Node alongside SetView on a view
// change: a gap stashed under the old view awaits a seqNo that the new
// primary will re-propose from scratch, so replaying it later would apply
// a PrePrepare bearing a now-stale view.
func (r *Replica) ResetGaps() {
	if r.Sched != nil {
		for _, entry := range r.gaps {
			if entry.timer != 0 {
				r.Sched.Cancel(entry.timer)
			}
		}
	}
	r.gaps = nil
}

func (r *Replica) slot(view ViewNo, seq SeqNo) *slotState {
	s, ok := r.slots[seq]
	if !ok {
		s = &slotState{
			phase:    PhaseAbsent,
			view:     view,
			seq:      seq,
			prepares: make(map[NodeName]struct{}),
			commits:  make(map[NodeName]struct{}),
		}
		r.slots[seq] = s
	}
	return s
}

// OnClientRequest assigns the next seqNo and produces the PrePrepare this
// replica, acting as primary, broadcasts. Calling this when not primary
// for the current view is a caller error (the Node must check the primary
// via its Elector's PrimaryFor before routing a client Request here).
func (r *Replica) OnClientRequest(req Request) (Envelope, error) {
	primary, ok := r.PrimaryFor(r.view)
	if !ok || primary != r.Self {
		return Envelope{}, fmt.Errorf("bft: OnClientRequest called on non-primary replica")
	}
	seq := r.next
	r.next++
	digest := r.Crypto.Digest(mustCanonicalRequest(req))
	ts := unixSeconds(r.Now())
	s := r.slot(r.view, seq)
	s.phase = PhasePrePrepared
	s.request = req
	s.digest = digest
	s.timestamp = ts

	env := Envelope{
		Type:      MTPrePrepare,
		Inst:      r.Inst,
		View:      r.view,
		Seq:       seq,
		From:      r.Self,
		Digest:    digest,
		Timestamp: ts,
		Request:   req,
	}
	return env, nil
}

// OnPrePrepare validates and accepts a primary's PrePrepare, returning the
// Prepare envelope this replica should now broadcast.
func (r *Replica) OnPrePrepare(from NodeName, env Envelope) (Envelope, bool, error) {
	primary, ok := r.PrimaryFor(env.View)
	if !ok || from != primary {
		r.Reg.Raise(from, PPRFromNonPrimary, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}
	if from == r.Self {
		r.Reg.Raise(from, PPRToPrimary, "primary received its own PrePrepare")
		return Envelope{}, false, nil
	}

	s := r.slot(env.View, env.Seq)
	if s.phase != PhaseAbsent {
		if s.digest != env.Digest {
			r.Reg.Raise(from, PPRDigestWrong, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
			return Envelope{}, false, nil
		}
		r.Reg.Raise(from, DuplicatePPRSent, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}

	want := r.Crypto.Digest(mustCanonicalRequest(env.Request))
	if want != env.Digest {
		r.Reg.Raise(from, PPRDigestWrong, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}

	switch {
	case env.Seq > r.last+1:
		r.stashGap(from, env)
		return Envelope{}, false, nil
	case env.Seq < r.last+1:
		r.Reg.Raise(from, WrongPPSeqNo, fmt.Sprintf("inst=%d expected=%d got=%d", r.Inst, r.last+1, env.Seq))
		return Envelope{}, false, nil
	}

	prepare := r.acceptPrePrepare(s, env)
	return prepare, true, nil
}

// acceptPrePrepare stores env's PrePrepare at the expected next seqNo and
// returns the Prepare this replica should broadcast, echoing the
// PrePrepare's own timestamp rather than stamping its own clock (spec
// §4.C: backups only ever check equality against the matching PrePrepare).
func (r *Replica) acceptPrePrepare(s *slotState, env Envelope) Envelope {
	s.phase = PhasePrePrepared
	s.request = env.Request
	s.digest = env.Digest
	s.timestamp = env.Timestamp

	return Envelope{
		Type:      MTPrepare,
		Inst:      r.Inst,
		View:      env.View,
		Seq:       env.Seq,
		From:      r.Self,
		Digest:    env.Digest,
		Timestamp: env.Timestamp,
	}
}

// stashGap holds a PrePrepare that arrived ahead of r.last+1, awaiting the
// missing lower seqNo. If the gap is still open after GapWaitTicks, it is
// dropped and reported as a missing-link failure rather than retried
// forever, per spec.md §4.C.
func (r *Replica) stashGap(from NodeName, env Envelope) {
	if r.gaps == nil {
		r.gaps = make(map[SeqNo]gapEntry)
	}
	if _, exists := r.gaps[env.Seq]; exists {
		return
	}
	entry := gapEntry{from: from, env: env}
	if r.Sched != nil {
		ticks := r.GapWaitTicks
		if ticks <= 0 {
			ticks = defaultGapWaitTicks
		}
		seq := env.Seq
		entry.timer = r.Sched.Schedule(r.Sched.Now().Add(time.Duration(ticks)*reelectionTick), func() {
			if _, stillGapped := r.gaps[seq]; !stillGapped {
				return
			}
			delete(r.gaps, seq)
			if r.onMissingLink != nil {
				r.onMissingLink(r.Inst)
			}
		})
	}
	r.gaps[env.Seq] = entry
}

// drainGaps replays the stashed PrePrepare at r.last+1, if any, now that
// the just-committed seqNo makes it contiguous. r.last only advances on
// commit, so at most one entry drains per call; later stashed entries wait
// for their predecessor to commit. The replayed PrePrepare's Prepare is
// appended to outbox.
func (r *Replica) drainGaps(outbox *[]Envelope) {
	for {
		entry, ok := r.gaps[r.last+1]
		if !ok {
			return
		}
		delete(r.gaps, r.last+1)
		if r.Sched != nil && entry.timer != 0 {
			r.Sched.Cancel(entry.timer)
		}
		s := r.slot(entry.env.View, entry.env.Seq)
		if s.phase != PhaseAbsent {
			continue
		}
		prepare := r.acceptPrePrepare(s, entry.env)
		*outbox = append(*outbox, prepare)
	}
}

// OnPrepare records a Prepare vote, returning the Commit envelope to
// broadcast once quorum is reached (ready==true). The current prepare
// count is reported to metrics, not returned.
func (r *Replica) OnPrepare(from NodeName, env Envelope) (Envelope, bool, error) {
	primary, _ := r.PrimaryFor(env.View)
	if from == primary {
		r.Reg.Raise(from, PRFromPrimary, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}

	s, ok := r.slots[env.Seq]
	if !ok || s.phase == PhaseAbsent {
		r.Reg.Raise(from, UnknownPRSent, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}
	if s.digest != env.Digest {
		r.Reg.Raise(from, PRDigestWrong, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}
	if s.timestamp != env.Timestamp {
		r.Reg.Raise(from, PRTimeWrong, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}
	if _, dup := s.prepares[from]; dup {
		r.Reg.Raise(from, DuplicatePRSent, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return Envelope{}, false, nil
	}
	s.prepares[from] = struct{}{}
	metrics.SetPrepareVotes(int(r.Inst), len(s.prepares))

	if s.phase != PhasePrePrepared {
		return Envelope{}, false, nil
	}
	if len(s.prepares)+1 < Quorum(r.Cfg) {
		return Envelope{}, false, nil
	}
	s.phase = PhasePrepared
	commit := Envelope{
		Type:      MTCommit,
		Inst:      r.Inst,
		View:      env.View,
		Seq:       env.Seq,
		From:      r.Self,
		Digest:    s.digest,
		Timestamp: s.timestamp,
	}
	return commit, true, nil
}

// OnCommit records a Commit vote, applying and notifying the Node's
// boundary callback once quorum is reached. The returned envelopes are the
// Prepare (at most one) this replica must now broadcast because r.last
// advancing closed the gap under a PrePrepare stashed by stashGap.
func (r *Replica) OnCommit(from NodeName, env Envelope) ([]Envelope, error) {
	s, ok := r.slots[env.Seq]
	if !ok || s.phase == PhaseAbsent {
		r.Reg.Raise(from, UnknownCMSent, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return nil, nil
	}
	if s.digest != env.Digest {
		r.Reg.Raise(from, CMDigestWrong, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return nil, nil
	}
	if s.timestamp != env.Timestamp {
		r.Reg.Raise(from, CMTimeWrong, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return nil, nil
	}
	if _, dup := s.commits[from]; dup {
		r.Reg.Raise(from, DuplicateCMSent, fmt.Sprintf("inst=%d view=%d seq=%d", r.Inst, env.View, env.Seq))
		return nil, nil
	}
	s.commits[from] = struct{}{}
	metrics.SetCommitVotes(int(r.Inst), len(s.commits))

	if s.phase == PhaseCommitted || len(s.commits) < Quorum(r.Cfg) {
		return nil, nil
	}
	s.phase = PhaseCommitted
	r.last = s.seq
	metrics.RecordRequestCommitted(int(r.Inst))

	entry := CommittedEntry{Inst: r.Inst, Seq: s.seq, View: s.view, Request: s.request, Digest: s.digest}
	if r.ledger != nil {
		if err := r.ledger.Append(entry); err != nil {
			return nil, fmt.Errorf("bft: ledger append: %w", err)
		}
	}
	if r.onCommitted != nil {
		r.onCommitted(entry)
	}
	delete(r.slots, s.seq)

	var drained []Envelope
	r.drainGaps(&drained)
	return drained, nil
}

func mustCanonicalRequest(req Request) []byte {
	b, err := (Envelope{Request: req}).Canonical()
	if err != nil {
		panic(fmt.Sprintf("bft: canonical encoding of request failed: %v", err))
	}
	return b
}
