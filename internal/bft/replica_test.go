package bft

import (
	"crypto/sha256"
	"testing"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"
)

// fakeCfg is a minimal bft.PoolConfig for N=4, f=1 tests.
type fakeCfg struct{ f, i int }

func (c fakeCfg) N() int                                   { return 3*c.f + 1 }
func (c fakeCfg) F() int                                   { return c.f }
func (c fakeCfg) I() int                                   { return c.i }
func (c fakeCfg) Keys() map[NodeName]p2pcrypto.PubKey { return nil }

// fakeCrypto avoids pulling in cryptobft (which imports this package) by
// implementing a trivial, deterministic, collision-free-enough digest for
// the handful of distinct request payloads these tests use.
type fakeCrypto struct{}

func (fakeCrypto) Digest(data []byte) Digest {
	var d Digest
	copy(d[:], data)
	return d
}

func (fakeCrypto) Verify(p2pcrypto.PubKey, []byte, []byte) (bool, error) { return true, nil }

// sha256Crypto hashes the whole canonical payload, unlike fakeCrypto's
// first-32-bytes truncation (which two distinct Requests' canonical
// Envelope wrapping share, since every fixed field preceding Request is
// zero-valued either way). Tests needing genuinely distinct digests across
// more than one Request in flight use this instead.
type sha256Crypto struct{}

func (sha256Crypto) Digest(data []byte) Digest { return Digest(sha256.Sum256(data)) }

func (sha256Crypto) Verify(p2pcrypto.PubKey, []byte, []byte) (bool, error) { return true, nil }

func fixedPrimary(primary NodeName) PrimaryNamer {
	return func(ViewNo) (NodeName, bool) { return primary, true }
}

func newTestReplica(t *testing.T, self, primary NodeName) (*Replica, *Registry) {
	t.Helper()
	reg := NewRegistry(nil, func() time.Time { return time.Unix(0, 0) })
	r := NewReplica(0, self, fakeCfg{f: 1, i: 2}, fakeCrypto{}, reg, fixedPrimary(primary), nil)
	return r, reg
}

// fakeTimer is one entry armed on a fakeScheduler.
type fakeTimer struct {
	at        time.Time
	fn        func()
	handle    TimerHandle
	cancelled bool
}

// fakeScheduler is a bft.Scheduler test double driven entirely by advance,
// never a real clock or goroutine, matching this package's single-threaded,
// explicitly-pumped timer model.
type fakeScheduler struct {
	now     time.Time
	pending []fakeTimer
	nextID  TimerHandle
}

func (s *fakeScheduler) Now() time.Time { return s.now }

func (s *fakeScheduler) Schedule(at time.Time, fn func()) TimerHandle {
	s.nextID++
	s.pending = append(s.pending, fakeTimer{at: at, fn: fn, handle: s.nextID})
	return s.nextID
}

func (s *fakeScheduler) Cancel(h TimerHandle) {
	for i := range s.pending {
		if s.pending[i].handle == h {
			s.pending[i].cancelled = true
		}
	}
}

// advance moves the fake clock to at, firing (and discarding) every armed,
// uncancelled timer whose deadline has passed.
func (s *fakeScheduler) advance(at time.Time) {
	s.now = at
	remaining := s.pending[:0]
	due := make([]fakeTimer, 0, len(s.pending))
	for _, timer := range s.pending {
		if timer.at.After(at) {
			remaining = append(remaining, timer)
		} else {
			due = append(due, timer)
		}
	}
	s.pending = remaining
	for _, timer := range due {
		if !timer.cancelled {
			timer.fn()
		}
	}
}

func TestReplicaHappyPathReachesCommit(t *testing.T) {
	primary := NodeName("n0")
	r, _ := newTestReplica(t, "n1", primary)

	req := Request{Client: "c1", ReqId: 1, Operation: []byte("op")}
	digest := fakeCrypto{}.Digest(mustCanonicalRequest(req))

	pp := Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 1, From: primary, Digest: digest, Request: req}
	prepare, ok, err := r.OnPrePrepare(primary, pp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, MTPrepare, prepare.Type)

	var committed *CommittedEntry
	r.SetOnCommitted(func(e CommittedEntry) { committed = &e })

	for _, voter := range []NodeName{"n2", "n3"} {
		_, ready, err := r.OnPrepare(voter, Envelope{Type: MTPrepare, Inst: 0, View: 0, Seq: 1, From: voter, Digest: digest})
		require.NoError(t, err)
		_ = ready
	}

	for _, voter := range []NodeName{primary, "n2", "n3"} {
		_, err := r.OnCommit(voter, Envelope{Type: MTCommit, Inst: 0, View: 0, Seq: 1, From: voter, Digest: digest})
		require.NoError(t, err)
	}

	require.NotNil(t, committed, "replica should have committed the request")
	require.Equal(t, SeqNo(1), committed.Seq)
}

func TestReplicaRejectsPrePrepareFromNonPrimary(t *testing.T) {
	primary := NodeName("n0")
	r, reg := newTestReplica(t, "n1", primary)

	req := Request{Client: "c1", ReqId: 1, Operation: []byte("op")}
	digest := fakeCrypto{}.Digest(mustCanonicalRequest(req))
	impostor := NodeName("n2")

	_, ok, err := r.OnPrePrepare(impostor, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 1, From: impostor, Digest: digest, Request: req})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, reg.CountCode(impostor, PPRFromNonPrimary))
}

func TestReplicaRejectsPrepareFromPrimary(t *testing.T) {
	primary := NodeName("n0")
	r, reg := newTestReplica(t, "n1", primary)

	req := Request{Client: "c1", ReqId: 1, Operation: []byte("op")}
	digest := fakeCrypto{}.Digest(mustCanonicalRequest(req))
	_, _, err := r.OnPrePrepare(primary, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 1, From: primary, Digest: digest, Request: req})
	require.NoError(t, err)

	_, ready, err := r.OnPrepare(primary, Envelope{Type: MTPrepare, Inst: 0, View: 0, Seq: 1, From: primary, Digest: digest})
	require.NoError(t, err)
	require.False(t, ready)
	require.Equal(t, 1, reg.CountCode(primary, PRFromPrimary))
}

func TestReplicaDuplicateCommitRaisesSuspicionOnce(t *testing.T) {
	primary := NodeName("n0")
	r, reg := newTestReplica(t, "n1", primary)

	req := Request{Client: "c1", ReqId: 1, Operation: []byte("op")}
	digest := fakeCrypto{}.Digest(mustCanonicalRequest(req))
	_, _, err := r.OnPrePrepare(primary, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 1, From: primary, Digest: digest, Request: req})
	require.NoError(t, err)

	voter := NodeName("n2")
	_, err = r.OnCommit(voter, Envelope{Type: MTCommit, Inst: 0, View: 0, Seq: 1, From: voter, Digest: digest})
	require.NoError(t, err)
	_, err = r.OnCommit(voter, Envelope{Type: MTCommit, Inst: 0, View: 0, Seq: 1, From: voter, Digest: digest})
	require.NoError(t, err)

	require.Equal(t, 1, reg.CountCode(voter, DuplicateCMSent))
}

func TestReplicaWrongDigestCommitIsNotCounted(t *testing.T) {
	primary := NodeName("n0")
	r, reg := newTestReplica(t, "n1", primary)

	req := Request{Client: "c1", ReqId: 1, Operation: []byte("op")}
	digest := fakeCrypto{}.Digest(mustCanonicalRequest(req))
	_, _, err := r.OnPrePrepare(primary, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 1, From: primary, Digest: digest, Request: req})
	require.NoError(t, err)

	faulty := NodeName("nF")
	wrongDigest := fakeCrypto{}.Digest([]byte("different"))
	_, err = r.OnCommit(faulty, Envelope{Type: MTCommit, Inst: 0, View: 0, Seq: 1, From: faulty, Digest: wrongDigest})
	require.NoError(t, err)
	require.Equal(t, 1, reg.CountCode(faulty, CMDigestWrong))

	_, err = r.OnCommit(faulty, Envelope{Type: MTCommit, Inst: 0, View: 0, Seq: 1, From: faulty, Digest: wrongDigest})
	require.NoError(t, err)
	require.Equal(t, 2, reg.CountCode(faulty, CMDigestWrong), "repeated wrong-digest commits are each suspicious, not deduplicated as DuplicateCMSent")
}

// TestReplicaWrongTimestampPrepareAndCommitAreSuspicious covers spec.md
// §3's "A Commit's digest and timestamp must match the matching
// PrePrepare; otherwise the sender is suspected", extended (per §4.C) to
// Prepare as well: a Prepare or Commit whose timestamp disagrees with the
// stored PrePrepare is rejected and raises PRTimeWrong/CMTimeWrong, and is
// not counted toward quorum.
func TestReplicaWrongTimestampPrepareAndCommitAreSuspicious(t *testing.T) {
	primary := NodeName("n0")
	r, reg := newTestReplica(t, "n1", primary)

	req := Request{Client: "c1", ReqId: 1, Operation: []byte("op")}
	digest := fakeCrypto{}.Digest(mustCanonicalRequest(req))
	_, _, err := r.OnPrePrepare(primary, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 1, From: primary, Digest: digest, Timestamp: 100, Request: req})
	require.NoError(t, err)

	faulty := NodeName("nF")
	_, ready, err := r.OnPrepare(faulty, Envelope{Type: MTPrepare, Inst: 0, View: 0, Seq: 1, From: faulty, Digest: digest, Timestamp: 999})
	require.NoError(t, err)
	require.False(t, ready)
	require.Equal(t, 1, reg.CountCode(faulty, PRTimeWrong))

	_, err = r.OnCommit(faulty, Envelope{Type: MTCommit, Inst: 0, View: 0, Seq: 1, From: faulty, Digest: digest, Timestamp: 999})
	require.NoError(t, err)
	require.Equal(t, 1, reg.CountCode(faulty, CMTimeWrong))
}

// TestReplicaStashesGapAndDrainsOnCommit covers spec.md §4.C's "a higher seq
// is stashed briefly awaiting the gap": a PrePrepare for seq 2 arrives before
// seq 1 does. It must not be rejected outright; once seq 1 commits, the
// stashed seq-2 PrePrepare is accepted automatically and its Prepare
// broadcast.
func TestReplicaStashesGapAndDrainsOnCommit(t *testing.T) {
	primary := NodeName("n0")
	reg := NewRegistry(nil, func() time.Time { return time.Unix(0, 0) })
	r := NewReplica(0, "n1", fakeCfg{f: 1, i: 2}, sha256Crypto{}, reg, fixedPrimary(primary), nil)
	sched := &fakeScheduler{now: time.Unix(0, 0)}
	r.SetScheduler(sched)

	req1 := Request{Client: "c1", ReqId: 1, Operation: []byte("op1")}
	digest1 := sha256Crypto{}.Digest(mustCanonicalRequest(req1))
	req2 := Request{Client: "c1", ReqId: 2, Operation: []byte("op2")}
	digest2 := sha256Crypto{}.Digest(mustCanonicalRequest(req2))

	// seq 2 arrives first: must be stashed, not rejected with WrongPPSeqNo.
	_, ok, err := r.OnPrePrepare(primary, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 2, From: primary, Digest: digest2, Request: req2})
	require.NoError(t, err)
	require.False(t, ok, "a gapped PrePrepare produces no immediate Prepare")
	require.Equal(t, 0, reg.CountCode(primary, WrongPPSeqNo), "a gap awaiting the missing seqNo is not yet a suspicion")

	// seq 1 now arrives and runs the full pipeline to commit.
	prepare1, ok, err := r.OnPrePrepare(primary, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 1, From: primary, Digest: digest1, Request: req1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SeqNo(1), prepare1.Seq)

	for _, voter := range []NodeName{"n2", "n3"} {
		_, _, err := r.OnPrepare(voter, Envelope{Type: MTPrepare, Inst: 0, View: 0, Seq: 1, From: voter, Digest: digest1})
		require.NoError(t, err)
	}

	var drained []Envelope
	for _, voter := range []NodeName{primary, "n2", "n3"} {
		out, err := r.OnCommit(voter, Envelope{Type: MTCommit, Inst: 0, View: 0, Seq: 1, From: voter, Digest: digest1})
		require.NoError(t, err)
		drained = append(drained, out...)
	}

	require.Len(t, drained, 1, "committing seq 1 must drain the stashed seq-2 PrePrepare into a Prepare")
	require.Equal(t, MTPrepare, drained[0].Type)
	require.Equal(t, SeqNo(2), drained[0].Seq)
	require.Equal(t, digest2, drained[0].Digest)
}

// TestReplicaGapTimesOutAsMissingLink covers spec.md §4.C's "after a bounded
// wait is treated as a missing-link failure (monitor input)": if the gap
// never closes, onMissingLink fires exactly once and the stash is dropped.
func TestReplicaGapTimesOutAsMissingLink(t *testing.T) {
	primary := NodeName("n0")
	r, _ := newTestReplica(t, "n1", primary)
	sched := &fakeScheduler{now: time.Unix(0, 0)}
	r.SetScheduler(sched)
	r.GapWaitTicks = 2

	var missingLinkCount int
	r.SetOnMissingLink(func(inst InstId) { missingLinkCount++ })

	req2 := Request{Client: "c1", ReqId: 2, Operation: []byte("op2")}
	digest2 := fakeCrypto{}.Digest(mustCanonicalRequest(req2))
	_, ok, err := r.OnPrePrepare(primary, Envelope{Type: MTPrePrepare, Inst: 0, View: 0, Seq: 2, From: primary, Digest: digest2, Request: req2})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, missingLinkCount)

	sched.advance(sched.now.Add(2*reelectionTick + time.Millisecond))
	require.Equal(t, 1, missingLinkCount, "the gap timeout must fire exactly once")

	sched.advance(sched.now.Add(time.Hour))
	require.Equal(t, 1, missingLinkCount, "an already-resolved gap timer must not fire again")
}
