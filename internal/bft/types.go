// Package bft implements the Byzantine-fault-tolerant replication core:
// per-instance PBFT-style agreement (Replica), primary nomination and
// view-change (Elector), throughput-based view-change triggering
// (Monitor), misbehavior tracking (SuspicionRegistry) and message
// dispatch (Router), all owned by a single Node.
package bft

import (
	"encoding/hex"

	"github.com/libp2p/go-libp2p/core/peer"
)

// NodeName identifies a pool member. It is a plain alias of peer.ID so the
// core never invents its own identity scheme on top of libp2p's.
type NodeName = peer.ID

// ClientID identifies the originator of a Request, independent of pool
// membership (a client need not be a replica).
type ClientID string

// ReqKey uniquely identifies a client request across retransmissions.
type ReqKey struct {
	Client ClientID
	ReqId  uint64
}

// ViewNo is the monotonically increasing view/round number an instance's
// Elector has settled on.
type ViewNo int64

// SeqNo is the monotonically increasing sequence number a Replica assigns
// to committed requests within its instance.
type SeqNo int64

// InstId indexes one of the I = f+1 parallel consensus instances owned by
// a Node. Instance 0 is the master instance; the rest are backups.
type InstId int

// Digest is a fixed-size content hash produced by a Crypto collaborator.
type Digest [32]byte

// String renders a Digest as lowercase hex, for logging. Envelope.Canonical
// does not use this form: encoding/json encodes a Digest as an array of
// its 32 byte values.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d has never been assigned.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Request is a client-submitted operation awaiting agreement. Signature is
// excluded from the digest/canonical form computed for consensus
// messages, mirroring the clone-and-strip pattern used for signing
// elsewhere in this stack.
type Request struct {
	Client    ClientID
	ReqId     uint64
	Operation []byte
	Signature []byte
}

// Key returns the ReqKey identifying this request.
func (r Request) Key() ReqKey {
	return ReqKey{Client: r.Client, ReqId: r.ReqId}
}

// signingView returns a copy of r with Signature stripped, the input to
// Digest/Verify for both requests and committed entries.
func (r Request) signingView() Request {
	clone := r
	clone.Signature = nil
	return clone
}

// CommittedEntry is one request as it is handed to the Ledger collaborator
// after a Replica reaches the committed state for it.
type CommittedEntry struct {
	Inst    InstId
	Seq     SeqNo
	View    ViewNo
	Request Request
	Digest  Digest
}
