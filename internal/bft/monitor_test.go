package bft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorTriggersInstanceChangeOnThroughputViolation(t *testing.T) {
	cfg := fakeCfg{f: 1, i: 2}
	reg := NewRegistry(nil, func() time.Time { return time.Unix(0, 0) })
	m := NewMonitor(cfg, reg, nil)
	m.Delta = 0.65

	base := time.Unix(1000, 0)
	// master (inst 0) commits once every five seconds.
	m.RecordCommitted(0, base)
	m.RecordCommitted(0, base.Add(5*time.Second))
	m.RecordCommitted(0, base.Add(10*time.Second))
	// backup (inst 1) commits once a second: master/backup = 0.2, well under Delta.
	m.RecordCommitted(1, base)
	m.RecordCommitted(1, base.Add(1*time.Second))
	m.RecordCommitted(1, base.Add(2*time.Second))

	violating := m.CheckPerformance()
	require.Contains(t, violating, InstId(1))
}

func TestMonitorDuplicateInstanceChangeRaisesSuspicion(t *testing.T) {
	cfg := fakeCfg{f: 1, i: 2}
	reg := NewRegistry(nil, func() time.Time { return time.Unix(0, 0) })
	m := NewMonitor(cfg, reg, nil)

	now := time.Unix(2000, 0)
	m.OnInstanceChange("peer-a", 5, now)
	require.Equal(t, 0, reg.CountCode("peer-a", DuplicateInstChng))

	m.OnInstanceChange("peer-a", 5, now.Add(time.Second))
	require.Equal(t, 1, reg.CountCode("peer-a", DuplicateInstChng))
}

func TestMonitorFiresOnInstanceChangeAtQuorum(t *testing.T) {
	cfg := fakeCfg{f: 1, i: 2}
	reg := NewRegistry(nil, func() time.Time { return time.Unix(0, 0) })
	m := NewMonitor(cfg, reg, nil)

	var firedView ViewNo = -1
	m.SetOnInstanceChange(func(proposedView ViewNo) { firedView = proposedView })

	now := time.Unix(3000, 0)
	m.OnInstanceChange("n0", 7, now)
	require.Equal(t, ViewNo(-1), firedView)
	m.OnInstanceChange("n1", 7, now)
	require.Equal(t, ViewNo(-1), firedView)
	m.OnInstanceChange("n2", 7, now)
	require.Equal(t, ViewNo(7), firedView, "2f+1=3 concurring votes must trigger the view change callback")
}

func TestMonitorExcessiveFrequencyRaisesSuspicion(t *testing.T) {
	cfg := fakeCfg{f: 1, i: 2}
	reg := NewRegistry(nil, func() time.Time { return time.Unix(0, 0) })
	m := NewMonitor(cfg, reg, nil)
	m.FreqWindow = time.Minute
	m.MaxPerWindow = 3

	now := time.Unix(4000, 0)
	for i := 0; i < 5; i++ {
		m.OnInstanceChange("chatty", ViewNo(i+1), now.Add(time.Duration(i)*time.Second))
	}
	require.GreaterOrEqual(t, reg.CountCode("chatty", FrequentInstChng), 1)
}
