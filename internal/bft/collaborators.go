package bft

import (
	"context"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// TimerHandle identifies a scheduled callback for later cancellation.
type TimerHandle uint64

// Transport is the only boundary across which concurrency enters a Node:
// Recv is expected to block until an envelope arrives or ctx is done.
// Everything downstream of Recv runs inside Node.Tick, single-threaded.
type Transport interface {
	Send(ctx context.Context, target NodeName, env Envelope) error
	Broadcast(ctx context.Context, env Envelope) error
	Recv(ctx context.Context) (NodeName, Envelope, error)
}

// Scheduler is the cooperative stand-in for timers/sleeps: a Node never
// calls time.Sleep or spawns a goroutine to wait, it asks the Scheduler
// for a callback and later pops due ones from Tick.
type Scheduler interface {
	Now() time.Time
	Schedule(at time.Time, fn func()) TimerHandle
	Cancel(h TimerHandle)
}

// Crypto computes the digests and signature checks the protocol relies on.
// Digest must be deterministic and collision-resistant; Verify must accept
// exactly the signature scheme PoolConfig's keys use.
type Crypto interface {
	Digest(data []byte) Digest
	Verify(pub p2pcrypto.PubKey, msg, sig []byte) (bool, error)
}

// Ledger is the durable append point a Replica hands committed entries to.
// It is out of scope for this module beyond the interface: no on-disk
// implementation lives here.
type Ledger interface {
	Append(entry CommittedEntry) error
	LatestSeq(instId InstId) SeqNo
	Snapshot() ([]byte, error)
}

// PoolConfig describes pool membership: how many replicas (N), the fault
// tolerance (F), how many parallel instances this node runs (I, normally
// F()+1), and the public key of every member by name.
type PoolConfig interface {
	N() int
	F() int
	I() int
	Keys() map[NodeName]p2pcrypto.PubKey
}

// Quorum returns the smallest vote count that is safe to act on for a
// pool of the given size: 2f+1 out of n = 3f+1.
func Quorum(cfg PoolConfig) int {
	return 2*cfg.F() + 1
}
