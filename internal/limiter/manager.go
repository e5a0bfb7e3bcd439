package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PeerID identifies a remote peer for per-peer accounting. It mirrors
// session.PeerID's underlying representation without importing the session
// package, avoiding a dependency cycle (limiter is a leaf component).
type PeerID string

// defaultTargetDelay is the LEDBAT target queueing delay when a peer's
// controller is created without an explicit override.
const defaultTargetDelay = 100 * time.Millisecond

// Manager wraps global upload/download token buckets plus per-peer buckets
// and LEDBAT controllers in each direction. RequestUpload/RequestDownload
// consult the per-peer limiter first, then the global one; both must grant
// for the operation to proceed, matching the spec's two-stage admission.
type Manager struct {
	globalUp   *TokenBucket
	globalDown *TokenBucket

	ledbatEnabled bool
	maxRate       float64

	mu       sync.Mutex
	peersUp  map[PeerID]*TokenBucket
	peersDn  map[PeerID]*TokenBucket
	ledbats  map[PeerID]*Ledbat
}

// NewManager creates a Manager with the given global rates in bytes/sec.
// A rate of 0 means unlimited for that direction. If ledbatEnabled, each
// peer additionally gets a Ledbat controller bounded by maxRateBps.
func NewManager(globalUploadBps, globalDownloadBps float64, ledbatEnabled bool, maxRateBps float64) *Manager {
	return &Manager{
		globalUp:      NewTokenBucket(globalUploadBps),
		globalDown:    NewTokenBucket(globalDownloadBps),
		ledbatEnabled: ledbatEnabled,
		maxRate:       maxRateBps,
		peersUp:       make(map[PeerID]*TokenBucket),
		peersDn:       make(map[PeerID]*TokenBucket),
		ledbats:       make(map[PeerID]*Ledbat),
	}
}

// RequestUpload blocks until n bytes of upload budget are available for
// peer, consulting the peer bucket then the global bucket.
func (m *Manager) RequestUpload(ctx context.Context, peer PeerID, n int) error {
	return m.request(ctx, m.peerBucket(m.peersUp, peer, m.peerRate(peer)), m.globalUp, n)
}

// RequestDownload is the download-direction counterpart of RequestUpload.
func (m *Manager) RequestDownload(ctx context.Context, peer PeerID, n int) error {
	return m.request(ctx, m.peerBucket(m.peersDn, peer, m.peerRate(peer)), m.globalDown, n)
}

func (m *Manager) request(ctx context.Context, peerBucket, globalBucket *TokenBucket, n int) error {
	if err := peerBucket.Request(ctx, n); err != nil {
		return fmt.Errorf("limiter: peer budget: %w", err)
	}
	if err := globalBucket.Request(ctx, n); err != nil {
		return fmt.Errorf("limiter: global budget: %w", err)
	}
	return nil
}

// peerRate returns the rate a freshly-created per-peer bucket should use:
// the peer's Ledbat-controlled rate if congestion control is enabled, else
// unlimited (the global bucket alone then governs).
func (m *Manager) peerRate(peer PeerID) float64 {
	if !m.ledbatEnabled {
		return 0
	}
	return m.ledbatFor(peer).Stats().Rate
}

func (m *Manager) peerBucket(set map[PeerID]*TokenBucket, peer PeerID, rate float64) *TokenBucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := set[peer]
	if !ok {
		b = NewTokenBucket(rate)
		set[peer] = b
	}
	return b
}

func (m *Manager) ledbatFor(peer PeerID) *Ledbat {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledbats[peer]
	if !ok {
		l = NewLedbat(defaultTargetDelay, 0, m.maxRate)
		m.ledbats[peer] = l
	}
	return l
}

// CongestionReport feeds an observed RTT sample (and optional loss) into
// peer's Ledbat controller, and rate-limits the peer's upload/download
// buckets to the controller's recomputed rate when congestion control is
// enabled. Transport implementations call this without needing a direct
// dependency on the metrics package; callers that also want metrics can
// read back Manager.LedbatStats(peer) and record it themselves.
func (m *Manager) CongestionReport(peer PeerID, lost bool, rttSample time.Duration) {
	if !m.ledbatEnabled {
		return
	}

	l := m.ledbatFor(peer)
	l.ReportRTT(rttSample)
	if lost {
		l.ReportLoss()
	}

	rate := l.Stats().Rate
	m.peerBucket(m.peersUp, peer, rate).SetRate(rate)
	m.peerBucket(m.peersDn, peer, rate).SetRate(rate)
}

// LedbatStats returns the current congestion-controller snapshot for peer,
// or the zero value if no samples have been reported yet.
func (m *Manager) LedbatStats(peer PeerID) LedbatStats {
	m.mu.Lock()
	l, ok := m.ledbats[peer]
	m.mu.Unlock()

	if !ok {
		return LedbatStats{}
	}
	return l.Stats()
}

// SetGlobalRates updates the global upload/download rates.
func (m *Manager) SetGlobalRates(uploadBps, downloadBps float64) {
	m.globalUp.SetRate(uploadBps)
	m.globalDown.SetRate(downloadBps)
}

// RemovePeer drops all per-peer state for peer, e.g. on disconnect.
func (m *Manager) RemovePeer(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.peersUp, peer)
	delete(m.peersDn, peer)
	delete(m.ledbats, peer)
}
