package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sentinelfs/sentinelfs/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.BytesSent == nil || c.BytesReceived == nil || c.FilesSynced == nil ||
		c.SyncErrors == nil || c.Connects == nil || c.Disconnects == nil ||
		c.AuthFailures == nil || c.ReplayDrops == nil || c.Failovers == nil {
		t.Fatal("NewCollector returned a Collector with nil fields")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestBytesCounters(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.RecordBytesSent("peer-a", 10)
	c.RecordBytesSent("peer-a", 5)
	c.RecordBytesReceived("peer-a", 3)

	if got := counterValue(t, c.BytesSent, "peer-a"); got != 15 {
		t.Errorf("BytesSent = %v, want 15", got)
	}
	if got := counterValue(t, c.BytesReceived, "peer-a"); got != 3 {
		t.Errorf("BytesReceived = %v, want 3", got)
	}
}

func TestSyncCounters(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.IncFilesSynced()
	c.IncFilesSynced()
	c.IncSyncErrors()

	if got := simpleCounterValue(t, c.FilesSynced); got != 2 {
		t.Errorf("FilesSynced = %v, want 2", got)
	}
	if got := simpleCounterValue(t, c.SyncErrors); got != 1 {
		t.Errorf("SyncErrors = %v, want 1", got)
	}
}

func TestConnectDisconnectCounters(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.RecordConnect("tcp")
	c.RecordConnect("tcp")
	c.RecordDisconnect("relay")

	if got := counterValue(t, c.Connects, "tcp"); got != 2 {
		t.Errorf("Connects(tcp) = %v, want 2", got)
	}
	if got := counterValue(t, c.Disconnects, "relay"); got != 1 {
		t.Errorf("Disconnects(relay) = %v, want 1", got)
	}
}

func TestSessionFailureCounters(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.IncAuthFailures()
	c.IncReplayDrops()
	c.IncReplayDrops()
	c.IncFailovers()

	if got := simpleCounterValue(t, c.AuthFailures); got != 1 {
		t.Errorf("AuthFailures = %v, want 1", got)
	}
	if got := simpleCounterValue(t, c.ReplayDrops); got != 2 {
		t.Errorf("ReplayDrops = %v, want 2", got)
	}
	if got := simpleCounterValue(t, c.Failovers); got != 1 {
		t.Errorf("Failovers = %v, want 1", got)
	}
}

func TestEWMAAndSnapshot(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.RecordLatency("peer-a", 100)
	c.RecordLatency("peer-a", 100)
	c.RecordThroughput("peer-a", 1000)

	snap := c.Snapshot()
	if snap.LatencyEWMAMs["peer-a"] != 100 {
		t.Errorf("LatencyEWMAMs[peer-a] = %v, want 100", snap.LatencyEWMAMs["peer-a"])
	}
	if snap.ThroughputEWMABps["peer-a"] != 1000 {
		t.Errorf("ThroughputEWMABps[peer-a] = %v, want 1000", snap.ThroughputEWMABps["peer-a"])
	}
}

func TestActiveTransfers(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(prometheus.NewRegistry())

	c.UpdateTransfer(metrics.TransferSnapshot{ID: "xfer-1", Peer: "peer-a", BytesTotal: 100, BytesDone: 10})
	snap := c.Snapshot()
	if _, ok := snap.ActiveTransfers["xfer-1"]; !ok {
		t.Fatal("ActiveTransfers missing xfer-1 after UpdateTransfer")
	}

	c.UpdateTransfer(metrics.TransferSnapshot{ID: "xfer-1", Peer: "peer-a", BytesTotal: 100, BytesDone: 50})
	snap = c.Snapshot()
	if got := snap.ActiveTransfers["xfer-1"].BytesDone; got != 50 {
		t.Errorf("BytesDone = %v, want 50", got)
	}
	if snap.ActiveTransfers["xfer-1"].StartedAt.IsZero() {
		t.Error("StartedAt should be preserved across updates")
	}

	c.RemoveTransfer("xfer-1")
	snap = c.Snapshot()
	if _, ok := snap.ActiveTransfers["xfer-1"]; ok {
		t.Error("ActiveTransfers still contains xfer-1 after RemoveTransfer")
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

func simpleCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
