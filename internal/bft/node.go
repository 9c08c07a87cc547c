package bft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/icebft/core/internal/logger"
)

// Node owns every per-instance Replica, the single Elector and Monitor
// shared across instances, and demultiplexes peer I/O. It is the sole
// place protocol state mutates: Tick is the only entry point that calls
// into a Replica or the Elector, so no two handlers ever run concurrently.
type Node struct {
	Self      NodeName
	Cfg       PoolConfig
	Transport Transport
	Sched     Scheduler
	Crypto    Crypto
	Reg       *Registry
	Router    *Router
	Elector   *Elector
	Monitor   *Monitor
	Replicas  []*Replica

	log zapSugar

	mu            sync.Mutex
	inbox         []inboundEnvelope
	participating bool
	halted        bool
	fatalErr      error
	lastCheckPerf time.Time
	seenRequests  map[ReqKey]struct{}

	onCommitted      func(CommittedEntry)
	onPrimaryElected func(inst InstId, view ViewNo, primary NodeName)
	onViewChange     func(inst InstId, view ViewNo)
}

type inboundEnvelope struct {
	from NodeName
	env  Envelope
}

// zapSugar is a narrow alias so this file does not need to import zap
// directly; logger.Named already returns *zap.SugaredLogger.
type zapSugar = interface {
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// NewNode constructs a Node with I = cfg.I() replicas (instance 0 is the
// master), one Elector, and one Monitor, wiring the Router's jump table
// and every internal boundary callback. The Node starts not participating;
// call SetParticipating(true) once catch-up completes.
func NewNode(self NodeName, cfg PoolConfig, transport Transport, sched Scheduler, crypto Crypto, ledger Ledger) *Node {
	reg := NewRegistry(nil, sched.Now)
	elector := NewElector(cfg.I(), self, cfg, reg, sched)
	monitor := NewMonitor(cfg, reg, sched)

	n := &Node{
		Self:      self,
		Cfg:       cfg,
		Transport: transport,
		Sched:     sched,
		Crypto:    crypto,
		Reg:       reg,
		Elector:   elector,
		Monitor:   monitor,
		log:       logger.ForNode(self.String()),
	}

	n.Router = NewRouter(func(from NodeName, env Envelope) {
		n.Reg.Raise(from, UnknownMessage, fmt.Sprintf("unroutable type=%d", int(env.Type)))
	})

	replicas := make([]*Replica, cfg.I())
	for i := range replicas {
		inst := InstId(i)
		r := NewReplica(inst, self, cfg, crypto, reg, elector.PrimaryFor(inst), sched.Now)
		r.SetLedger(ledger)
		r.SetScheduler(sched)
		r.SetOnCommitted(func(entry CommittedEntry) {
			n.Monitor.RecordCommitted(entry.Inst, sched.Now())
			if n.onCommitted != nil {
				n.onCommitted(entry)
			}
		})
		r.SetOnMissingLink(func(inst InstId) {
			n.log.Warnw("missing-link gap timed out, proposing view change", "inst", int(inst))
			proposed := n.Elector.View(inst) + 1
			n.Monitor.ProposeInstanceChange(n.Self, proposed)
			n.broadcast(Envelope{Type: MTInstanceChange, From: n.Self, Inst: inst, View: proposed})
		})
		replicas[i] = r
	}
	n.Replicas = replicas

	elector.IsParticipating = func() bool { return n.IsParticipating() }
	elector.SetBroadcast(func(env Envelope) { n.broadcast(env) })
	elector.SetOnPrimaryFound(func(inst InstId, view ViewNo, primary NodeName) {
		n.Replicas[inst].SetView(view)
		if n.onPrimaryElected != nil {
			n.onPrimaryElected(inst, view, primary)
		}
	})
	monitor.SetOnInstanceChange(func(proposedView ViewNo) {
		n.viewChanged(proposedView)
	})

	n.registerHandlers()
	return n
}

func (n *Node) registerHandlers() {
	n.Router.Register(MTNomination, func(from NodeName, env Envelope) error {
		n.Elector.ProcessNominate(from, env)
		return nil
	})
	n.Router.Register(MTPrimary, func(from NodeName, env Envelope) error {
		n.Elector.ProcessPrimary(from, env)
		return nil
	})
	n.Router.Register(MTReelection, func(from NodeName, env Envelope) error {
		n.Elector.ProcessReelection(from, env)
		return nil
	})
	n.Router.Register(MTInstanceChange, func(from NodeName, env Envelope) error {
		n.Monitor.OnInstanceChange(from, env.View, n.Sched.Now())
		return nil
	})
	n.Router.Register(MTRequest, func(from NodeName, env Envelope) error {
		return n.handleClientRequest(env.Request)
	})
	n.Router.Register(MTPrePrepare, func(from NodeName, env Envelope) error {
		r := n.replicaFor(env.Inst)
		if r == nil {
			return nil
		}
		prepare, ok, err := r.OnPrePrepare(from, env)
		if err != nil || !ok {
			return err
		}
		n.broadcast(prepare)
		return nil
	})
	n.Router.Register(MTPrepare, func(from NodeName, env Envelope) error {
		r := n.replicaFor(env.Inst)
		if r == nil {
			return nil
		}
		commit, ready, err := r.OnPrepare(from, env)
		if err != nil || !ready {
			return err
		}
		n.broadcast(commit)
		return nil
	})
	n.Router.Register(MTCommit, func(from NodeName, env Envelope) error {
		r := n.replicaFor(env.Inst)
		if r == nil {
			return nil
		}
		drained, err := r.OnCommit(from, env)
		for _, prepare := range drained {
			n.broadcast(prepare)
		}
		return err
	})
}

func (n *Node) replicaFor(inst InstId) *Replica {
	if inst < 0 || int(inst) >= len(n.Replicas) {
		return nil
	}
	return n.Replicas[inst]
}

// SetOnCommitted installs the callback fired whenever any instance commits
// a request, the boundary event an embedding application applies to its
// own state machine.
func (n *Node) SetOnCommitted(fn func(CommittedEntry)) { n.onCommitted = fn }

// SetOnPrimaryElected installs the callback fired once an instance settles
// on a primary for a view.
func (n *Node) SetOnPrimaryElected(fn func(inst InstId, view ViewNo, primary NodeName)) {
	n.onPrimaryElected = fn
}

// SetOnViewChange installs the callback fired once the Monitor's quorum of
// InstanceChange votes forces a new view.
func (n *Node) SetOnViewChange(fn func(inst InstId, view ViewNo)) { n.onViewChange = fn }

// SetParticipating flips the catch-up gate that governs self-nomination
// and client-request acceptance.
func (n *Node) SetParticipating(ready bool) {
	n.mu.Lock()
	n.participating = ready
	n.mu.Unlock()
}

// IsParticipating reports whether this node has completed catch-up.
func (n *Node) IsParticipating() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.participating
}

// Fatal halts the node: Tick becomes a no-op returning the stored error
// from then on, rather than calling panic or os.Exit on behalf of its
// embedder.
func (n *Node) Fatal(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.halted {
		n.halted = true
		n.fatalErr = err
		n.log.Errorw("node halted", "error", err)
	}
}

// StartElections begins nomination on every instance whose primary is not
// yet known, the Node-level trigger for Elector.StartElection called at
// startup and after a view change.
func (n *Node) StartElections(view ViewNo) {
	for i := range n.Replicas {
		inst := InstId(i)
		if _, known := n.Elector.PrimaryFor(inst)(view); known {
			continue
		}
		n.Elector.StartElection(inst, view)
	}
}

// broadcast hands env straight to Transport.Broadcast on the calling
// goroutine; there is no separate outBox queue between the Node and the
// Transport.
func (n *Node) broadcast(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Transport.Broadcast(ctx, env); err != nil {
		n.log.Warnw("broadcast failed", "type", env.Type.String(), "error", err)
	}
}

// Enqueue appends one received envelope to the inbox, the boundary Run
// uses to hand Transport.Recv's output to Tick without calling into
// protocol code from the receiving goroutine itself.
func (n *Node) Enqueue(from NodeName, env Envelope) {
	n.mu.Lock()
	n.inbox = append(n.inbox, inboundEnvelope{from: from, env: env})
	n.mu.Unlock()
}

// Tick drains up to limit queued inbound envelopes through the Router,
// dropping any from an already-blacklisted peer before they reach it, then
// services due Scheduler timers and the periodic performance check. It is
// the only place Node state mutates; Run's receive loop is the only place
// concurrency crosses into the Node.
func (n *Node) Tick(limit int) error {
	n.mu.Lock()
	if n.halted {
		err := n.fatalErr
		n.mu.Unlock()
		return err
	}
	batch := n.inbox
	if limit > 0 && limit < len(batch) {
		batch, n.inbox = batch[:limit], batch[limit:]
	} else {
		n.inbox = nil
	}
	n.mu.Unlock()

	for _, item := range batch {
		if n.Reg.IsBlacklisted(item.from) {
			continue
		}
		if err := n.Router.Dispatch(item.from, item.env); err != nil {
			n.log.Warnw("dispatch error", "type", item.env.Type.String(), "from", string(item.from), "error", err)
		}
	}

	n.pumpTimers()
	n.maybeCheckPerformance()
	return nil
}

func (n *Node) pumpTimers() {
	type pumpable interface {
		PopDue(now time.Time) []func()
	}
	p, ok := n.Sched.(pumpable)
	if !ok {
		return
	}
	for _, fn := range p.PopDue(n.Sched.Now()) {
		fn()
	}
}

func (n *Node) maybeCheckPerformance() {
	now := n.Sched.Now()
	if !n.lastCheckPerf.IsZero() && now.Sub(n.lastCheckPerf) < n.Monitor.CheckPeriod {
		return
	}
	n.lastCheckPerf = now
	for _, inst := range n.Monitor.CheckPerformance() {
		proposed := n.Elector.View(inst) + 1
		n.Monitor.ProposeInstanceChange(n.Self, proposed)
		n.broadcast(Envelope{Type: MTInstanceChange, From: n.Self, Inst: inst, View: proposed})
	}
}

// viewChanged moves every instance to proposedView once the Monitor has
// seen 2f+1 concurring InstanceChange votes, discarding all non-committed
// in-flight entries and restarting nomination for the new view.
func (n *Node) viewChanged(proposedView ViewNo) {
	for i, r := range n.Replicas {
		inst := InstId(i)
		r.slots = make(map[SeqNo]*slotState)
		r.ResetGaps()
		r.SetView(proposedView)
		if n.onViewChange != nil {
			n.onViewChange(inst, proposedView)
		}
		n.Elector.StartElection(inst, proposedView)
		n.Elector.ReplayStashed(inst, proposedView)
	}
}

// handleClientRequest routes a client Request to the master instance if
// this node is its primary, otherwise unicasts it once to whichever peer
// it believes is primary. seenRequests deduplicates by ReqKey so a
// request relayed by several peers is only ever assigned one seqNo.
func (n *Node) handleClientRequest(req Request) error {
	const masterInst = InstId(0)
	if !n.IsParticipating() {
		return nil
	}
	key := req.Key()
	n.mu.Lock()
	if n.seenRequests == nil {
		n.seenRequests = make(map[ReqKey]struct{})
	}
	if _, dup := n.seenRequests[key]; dup {
		n.mu.Unlock()
		return nil
	}
	n.seenRequests[key] = struct{}{}
	n.mu.Unlock()

	primary, ok := n.Elector.PrimaryFor(masterInst)(n.Elector.View(masterInst))
	if !ok || primary != n.Self {
		if ok {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := n.Transport.Send(ctx, primary, Envelope{Type: MTRequest, From: n.Self, Request: req}); err != nil {
				n.log.Warnw("forward request to primary failed", "primary", primary.String(), "error", err)
			}
		}
		return nil
	}
	env, err := n.Replicas[masterInst].OnClientRequest(req)
	if err != nil {
		return err
	}
	n.broadcast(env)
	return nil
}

// Run reads from Transport.Recv in a loop, enqueuing each envelope and
// calling Tick, until ctx is cancelled. This is the one goroutine this
// package ever runs on the caller's behalf; everything it calls into is
// single-threaded from there.
func (n *Node) Run(ctx context.Context, tickLimit int) error {
	for {
		from, env, err := n.Transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.Enqueue(from, env)
		if err := n.Tick(tickLimit); err != nil {
			return err
		}
	}
}
