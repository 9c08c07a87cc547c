// Package metrics exposes prometheus gauges/counters for the three-phase
// pipeline and the primary-elector, scoped to the quantities this core's
// protocol actually produces.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bftcore"

var (
	CurrentView = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current view number per node.",
	}, []string{"node"})

	PrimaryElected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "primary_elected_total",
		Help:      "Total number of primary elections completed, per instance.",
	}, []string{"inst"})

	PrepareVotes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "prepare_votes",
		Help:      "Distinct prepare votes recorded for the in-flight (view, seq), per instance.",
	}, []string{"inst"})

	CommitVotes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "commit_votes",
		Help:      "Distinct commit votes recorded for the in-flight (view, seq), per instance.",
	}, []string{"inst"})

	RequestsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_committed_total",
		Help:      "Total number of requests committed, per instance.",
	}, []string{"inst"})

	SuspicionsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "suspicions_raised_total",
		Help:      "Total number of suspicions raised, by code.",
	}, []string{"code"})

	InstanceChangesRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instance_changes_requested_total",
		Help:      "Total number of InstanceChange votes accepted by the monitor, per proposed view.",
	}, []string{"view"})

	MasterThroughputRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "master_throughput_ratio",
		Help:      "EMA(master throughput) / EMA(backup throughput) for each backup instance.",
	}, []string{"inst"})
)

// SetCurrentView records the view number a node has moved to.
func SetCurrentView(node string, view int64) {
	CurrentView.WithLabelValues(node).Set(float64(view))
}

// RecordPrimaryElected records a completed election for an instance.
func RecordPrimaryElected(inst int) {
	PrimaryElected.WithLabelValues(instLabel(inst)).Inc()
}

// SetPrepareVotes records the current distinct-prepare count for an instance.
func SetPrepareVotes(inst int, n int) {
	PrepareVotes.WithLabelValues(instLabel(inst)).Set(float64(n))
}

// SetCommitVotes records the current distinct-commit count for an instance.
func SetCommitVotes(inst int, n int) {
	CommitVotes.WithLabelValues(instLabel(inst)).Set(float64(n))
}

// RecordRequestCommitted records one more committed request for an instance.
func RecordRequestCommitted(inst int) {
	RequestsCommitted.WithLabelValues(instLabel(inst)).Inc()
}

// RecordSuspicion records a raised suspicion by stable code name.
func RecordSuspicion(code string) {
	SuspicionsRaised.WithLabelValues(code).Inc()
}

// RecordInstanceChangeRequested records one accepted InstanceChange vote
// (this node's own or a peer's) for a proposed view.
func RecordInstanceChangeRequested(view int) {
	InstanceChangesRequested.WithLabelValues(strconv.Itoa(view)).Inc()
}

// SetMasterThroughputRatio records the current master/backup throughput ratio.
func SetMasterThroughputRatio(inst int, ratio float64) {
	MasterThroughputRatio.WithLabelValues(instLabel(inst)).Set(ratio)
}

func instLabel(inst int) string {
	return strconv.Itoa(inst)
}
