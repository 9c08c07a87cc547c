package bft

import (
	"sync"
	"time"

	"github.com/icebft/core/internal/metrics"
)

// Code is a closed enumeration of protocol-violation reasons. Every code
// gets a distinct integer so the metrics label and log line stay
// unambiguous; none share a numeric value.
type Code int

const (
	PPRToPrimary Code = iota
	DuplicatePPRSent
	DuplicatePRSent
	UnknownPRSent
	PRDigestWrong
	UnknownCMSent
	CMDigestWrong
	DuplicateCMSent
	PPRFromNonPrimary
	PRFromPrimary
	PPRDigestWrong
	DuplicateInstChng
	FrequentInstChng
	DuplicateNomSent
	DuplicatePriSent
	DuplicateRelSent
	WrongPPSeqNo
	PRTimeWrong
	CMTimeWrong
	UnknownMessage
)

// String names a Code for logging and metrics labels.
func (c Code) String() string {
	switch c {
	case PPRToPrimary:
		return "PPR_TO_PRIMARY"
	case DuplicatePPRSent:
		return "DUPLICATE_PPR_SENT"
	case DuplicatePRSent:
		return "DUPLICATE_PR_SENT"
	case UnknownPRSent:
		return "UNKNOWN_PR_SENT"
	case PRDigestWrong:
		return "PR_DIGEST_WRONG"
	case UnknownCMSent:
		return "UNKNOWN_CM_SENT"
	case CMDigestWrong:
		return "CM_DIGEST_WRONG"
	case DuplicateCMSent:
		return "DUPLICATE_CM_SENT"
	case PPRFromNonPrimary:
		return "PPR_FRM_NON_PRIMARY"
	case PRFromPrimary:
		return "PR_FRM_PRIMARY"
	case PPRDigestWrong:
		return "PPR_DIGEST_WRONG"
	case DuplicateInstChng:
		return "DUPLICATE_INST_CHNG"
	case FrequentInstChng:
		return "FREQUENT_INST_CHNG"
	case DuplicateNomSent:
		return "DUPLICATE_NOM_SENT"
	case DuplicatePriSent:
		return "DUPLICATE_PRI_SENT"
	case DuplicateRelSent:
		return "DUPLICATE_REL_SENT"
	case WrongPPSeqNo:
		return "WRONG_PPSEQ_NO"
	case PRTimeWrong:
		return "PR_TIME_WRONG"
	case CMTimeWrong:
		return "CM_TIME_WRONG"
	case UnknownMessage:
		return "UNKNOWN_MESSAGE"
	default:
		return "UNKNOWN_CODE"
	}
}

// Record is one raised suspicion against a pool member.
type Record struct {
	Offender NodeName
	Code     Code
	Detail   string
	At       time.Time
}

// BlacklistPolicy decides, given one offender's full suspicion history,
// whether that offender should now be blacklisted. It is injected rather
// than hardcoded so callers can swap in a different threshold function
// than the default's simple per-code repeat count.
type BlacklistPolicy func(offender NodeName, history []Record) bool

// DefaultBlacklistPolicy blacklists an offender once any single code has
// been raised against it more than once, i.e. exactly one duplicate is
// tolerated before escalation.
func DefaultBlacklistPolicy(_ NodeName, history []Record) bool {
	counts := make(map[Code]int, len(history))
	for _, r := range history {
		counts[r.Code]++
		if counts[r.Code] > 1 {
			return true
		}
	}
	return false
}

// Registry accumulates suspicion records per offender and applies a
// BlacklistPolicy to decide when an offender should stop being serviced.
type Registry struct {
	mu        sync.Mutex
	history   map[NodeName][]Record
	blacklist map[NodeName]struct{}
	policy    BlacklistPolicy
	now       func() time.Time
}

// NewRegistry builds a Registry. If policy is nil, DefaultBlacklistPolicy
// is used. If now is nil, time.Now is used.
func NewRegistry(policy BlacklistPolicy, now func() time.Time) *Registry {
	if policy == nil {
		policy = DefaultBlacklistPolicy
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		history:   make(map[NodeName][]Record),
		blacklist: make(map[NodeName]struct{}),
		policy:    policy,
		now:       now,
	}
}

// Raise records one suspicion against offender and, if the policy now
// judges offender blacklisted, marks it so.
func (r *Registry) Raise(offender NodeName, code Code, detail string) Record {
	rec := Record{Offender: offender, Code: code, Detail: detail, At: r.now()}
	r.mu.Lock()
	r.history[offender] = append(r.history[offender], rec)
	hist := append([]Record(nil), r.history[offender]...)
	blacklisted := r.policy(offender, hist)
	if blacklisted {
		r.blacklist[offender] = struct{}{}
	}
	r.mu.Unlock()
	metrics.RecordSuspicion(code.String())
	return rec
}

// IsBlacklisted reports whether offender has been blacklisted.
func (r *Registry) IsBlacklisted(offender NodeName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blacklist[offender]
	return ok
}

// History returns a copy of offender's suspicion history.
func (r *Registry) History(offender NodeName) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.history[offender]...)
}

// CountCode returns how many times code has been raised against offender.
func (r *Registry) CountCode(offender NodeName, code Code) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.history[offender] {
		if rec.Code == code {
			n++
		}
	}
	return n
}
