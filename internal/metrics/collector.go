// Package metrics exposes SentinelFS's atomic counters and EWMA gauges as
// Prometheus metrics, plus a value-typed active-transfers snapshot table.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "sentinelfs"
	subsystem = "core"
)

const ewmaAlpha = 0.2

// Label names.
const (
	labelPeer      = "peer"
	labelTransport = "transport"
)

// Collector holds every Prometheus metric the core publishes, plus the
// EWMA gauges and active-transfers table that have no direct Prometheus
// representation but are exported via Snapshot().
//
// Grounded on gobfd/internal/metrics/collector.go's GaugeVec/CounterVec
// field layout and New*/Inc*/Record* method shape, generalized from BFD
// session counters to SentinelFS's sync/transport counters.
type Collector struct {
	// BytesSent counts bytes handed to a transport's Send, per peer.
	BytesSent *prometheus.CounterVec
	// BytesReceived counts bytes delivered via DataReceived, per peer.
	BytesReceived *prometheus.CounterVec

	// FilesSynced counts successful broadcast deliveries (at least one
	// peer accepted the payload).
	FilesSynced prometheus.Counter
	// SyncErrors counts broadcast attempts where every peer send failed.
	SyncErrors prometheus.Counter

	// Connects counts transport Connected events, per transport kind.
	Connects *prometheus.CounterVec
	// Disconnects counts transport Disconnected events, per transport kind.
	Disconnects *prometheus.CounterVec

	// AuthFailures counts Session Manager decrypt failures (bad tag).
	AuthFailures prometheus.Counter
	// ReplayDrops counts Session Manager replay rejections.
	ReplayDrops prometheus.Counter

	// Failovers counts registry.HandleFailover invocations.
	Failovers prometheus.Counter

	mu             sync.Mutex
	latencyEWMA    map[string]float64 // peer -> EWMA RTT ms
	throughputEWMA map[string]float64 // peer -> EWMA bytes/s
	transfers      map[string]TransferSnapshot
}

// TransferSnapshot is a value-typed, point-in-time view of one active
// transfer, keyed by an opaque transfer id (snapshots are non-atomic by
// design per spec.md §4.9).
type TransferSnapshot struct {
	ID          string
	Peer        string
	BytesTotal  int64
	BytesDone   int64
	StartedAt   time.Time
	LastUpdate  time.Time
}

// Snapshot is a value-typed view of every gauge the Collector tracks
// outside Prometheus's own counters, taken under lock and safe to read
// after the call returns.
type Snapshot struct {
	LatencyEWMAMs      map[string]float64
	ThroughputEWMABps  map[string]float64
	ActiveTransfers    map[string]TransferSnapshot
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.BytesSent,
		c.BytesReceived,
		c.FilesSynced,
		c.SyncErrors,
		c.Connects,
		c.Disconnects,
		c.AuthFailures,
		c.ReplayDrops,
		c.Failovers,
	)

	return c
}

func newMetrics() *Collector {
	peerLabels := []string{labelPeer}
	transportLabels := []string{labelTransport}

	return &Collector{
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to a peer across all transports.",
		}, peerLabels),

		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Total bytes received from a peer across all transports.",
		}, peerLabels),

		FilesSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "files_synced_total",
			Help:      "Total change records broadcast and accepted by at least one peer.",
		}),

		SyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sync_errors_total",
			Help:      "Total broadcast attempts where every peer send failed.",
		}),

		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connects_total",
			Help:      "Total Connected transport events, by transport kind.",
		}, transportLabels),

		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Total Disconnected transport events, by transport kind.",
		}, transportLabels),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total Session Manager decrypt failures (auth tag mismatch).",
		}),

		ReplayDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_drops_total",
			Help:      "Total envelopes dropped by the replay counter check.",
		}),

		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failovers_total",
			Help:      "Total transport registry failover events.",
		}),

		latencyEWMA:    make(map[string]float64),
		throughputEWMA: make(map[string]float64),
		transfers:      make(map[string]TransferSnapshot),
	}
}

// RecordBytesSent increments BytesSent for peer.
func (c *Collector) RecordBytesSent(peer string, n int) {
	c.BytesSent.WithLabelValues(peer).Add(float64(n))
}

// RecordBytesReceived increments BytesReceived for peer.
func (c *Collector) RecordBytesReceived(peer string, n int) {
	c.BytesReceived.WithLabelValues(peer).Add(float64(n))
}

// IncFilesSynced increments FilesSynced.
func (c *Collector) IncFilesSynced() { c.FilesSynced.Inc() }

// IncSyncErrors increments SyncErrors.
func (c *Collector) IncSyncErrors() { c.SyncErrors.Inc() }

// RecordConnect increments Connects for the given transport kind.
func (c *Collector) RecordConnect(transportKind string) {
	c.Connects.WithLabelValues(transportKind).Inc()
}

// RecordDisconnect increments Disconnects for the given transport kind.
func (c *Collector) RecordDisconnect(transportKind string) {
	c.Disconnects.WithLabelValues(transportKind).Inc()
}

// IncAuthFailures increments AuthFailures.
func (c *Collector) IncAuthFailures() { c.AuthFailures.Inc() }

// IncReplayDrops increments ReplayDrops.
func (c *Collector) IncReplayDrops() { c.ReplayDrops.Inc() }

// IncFailovers increments Failovers.
func (c *Collector) IncFailovers() { c.Failovers.Inc() }

// RecordLatency folds a fresh RTT sample (ms) into peer's EWMA gauge.
func (c *Collector) RecordLatency(peer string, rttMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencyEWMA[peer] = foldEWMA(c.latencyEWMA[peer], rttMs)
}

// RecordThroughput folds a fresh throughput sample (bytes/s) into peer's
// EWMA gauge.
func (c *Collector) RecordThroughput(peer string, bps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throughputEWMA[peer] = foldEWMA(c.throughputEWMA[peer], bps)
}

func foldEWMA(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

// UpdateTransfer upserts the active-transfers table entry for id.
func (c *Collector) UpdateTransfer(snap TransferSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap.LastUpdate = time.Now()
	if existing, ok := c.transfers[snap.ID]; ok {
		snap.StartedAt = existing.StartedAt
	} else {
		snap.StartedAt = snap.LastUpdate
	}
	c.transfers[snap.ID] = snap
}

// RemoveTransfer drops id from the active-transfers table, e.g. on
// completion or cancellation.
func (c *Collector) RemoveTransfer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transfers, id)
}

// Snapshot returns a value-typed copy of every EWMA gauge and active
// transfer. Safe to read without further synchronization.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Snapshot{
		LatencyEWMAMs:     make(map[string]float64, len(c.latencyEWMA)),
		ThroughputEWMABps: make(map[string]float64, len(c.throughputEWMA)),
		ActiveTransfers:   make(map[string]TransferSnapshot, len(c.transfers)),
	}
	for k, v := range c.latencyEWMA {
		out.LatencyEWMAMs[k] = v
	}
	for k, v := range c.throughputEWMA {
		out.ThroughputEWMABps[k] = v
	}
	for k, v := range c.transfers {
		out.ActiveTransfers[k] = v
	}
	return out
}
