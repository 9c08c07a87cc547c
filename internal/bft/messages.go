package bft

import "encoding/json"

// MsgType tags the payload carried by an Envelope, using a closed int enum
// a Router can use as a map key directly instead of a reflective type
// switch over a Message interface.
type MsgType int

const (
	MTRequest MsgType = iota
	MTPrePrepare
	MTPrepare
	MTCommit
	MTNomination
	MTPrimary
	MTReelection
	MTInstanceChange
)

// String names a MsgType for logging; unknown values render their integer
// form rather than panicking, since an unrecognized tag on the wire is an
// expected (suspicious, not fatal) condition.
func (t MsgType) String() string {
	switch t {
	case MTRequest:
		return "REQUEST"
	case MTPrePrepare:
		return "PRE-PREPARE"
	case MTPrepare:
		return "PREPARE"
	case MTCommit:
		return "COMMIT"
	case MTNomination:
		return "NOMINATION"
	case MTPrimary:
		return "PRIMARY"
	case MTReelection:
		return "REELECTION"
	case MTInstanceChange:
		return "INSTANCE-CHANGE"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the single wire shape for every message this core sends or
// receives. Only the fields relevant to Type are populated.
type Envelope struct {
	Type   MsgType
	Inst   InstId
	View   ViewNo
	Seq    SeqNo
	From   NodeName
	Digest Digest

	// Timestamp is Unix seconds as a float, per spec §6's wire schema.
	// The primary stamps it on PrePrepare; Prepare/Commit echo the
	// matching PrePrepare's value rather than the sender's own clock, so
	// backups only ever check equality, never wall-clock closeness
	// (spec §4.C).
	Timestamp float64

	// Request carries the client operation for MTRequest; the primary also
	// carries it by value in MTPrePrepare, alongside its Digest, so backups
	// can recompute and check the digest.
	Request Request

	// Candidate carries the nominee/primary-winner name for
	// MTNomination/MTPrimary.
	Candidate NodeName

	// TieAmong carries the tied candidate set for MTReelection, per the
	// wire schema in spec §6.
	TieAmong []NodeName

	// Round distinguishes successive reelection attempts within the same
	// view.
	Round int

	Signature []byte
}

// canonicalEnvelope is Envelope with Signature stripped, the struct
// actually marshalled for hashing/signing. Field order is fixed by the
// struct declaration, so two honest peers always produce identical bytes
// without relying on map key ordering.
type canonicalEnvelope struct {
	Type      MsgType
	Inst      InstId
	View      ViewNo
	Seq       SeqNo
	From      NodeName
	Digest    Digest
	Timestamp float64
	Request   Request
	Candidate NodeName
	TieAmong  []NodeName
	Round     int
}

// Canonical returns the deterministic byte form two honest peers must
// agree on bit-for-bit before signing or verifying an Envelope.
func (e Envelope) Canonical() ([]byte, error) {
	clone := canonicalEnvelope{
		Type:      e.Type,
		Inst:      e.Inst,
		View:      e.View,
		Seq:       e.Seq,
		From:      e.From,
		Digest:    e.Digest,
		Timestamp: e.Timestamp,
		Request:   e.Request.signingView(),
		Candidate: e.Candidate,
		TieAmong:  e.TieAmong,
		Round:     e.Round,
	}
	return json.Marshal(clone)
}
