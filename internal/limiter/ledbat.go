package limiter

import (
	"math"
	"sync"
	"time"
)

// rttWindowDepth is the default sliding-window depth for RTT samples.
const rttWindowDepth = 32

// minAdjustInterval is the minimum time between two rate recomputations.
const minAdjustInterval = 100 * time.Millisecond

// ledbatGain is the LEDBAT gain constant applied to the delay error term.
const ledbatGain = 1.0

// maxStepUpFactor caps a single adjustment's multiplicative increase.
const maxStepUpFactor = 1.25

// lossDecreaseFactor is the multiplicative decrease applied on loss reports.
const lossDecreaseFactor = 0.5

// minRTTUpwardDrift is the slow upward drift applied to minRTT per sample
// when a sustained higher minimum is observed.
const minRTTUpwardDrift = 1.01

// LedbatStats is a value-typed snapshot of a Ledbat controller's state.
type LedbatStats struct {
	Rate       float64
	MinRTT     time.Duration
	CurrentRTT time.Duration
	QueueDelay time.Duration
	Samples    int
}

// Ledbat implements a LEDBAT-style delay-based congestion controller: it
// tracks a sliding window of RTT samples, derives a queueing-delay estimate
// against a slowly-drifting minimum RTT, and adjusts a target rate toward
// a configured target delay.
type Ledbat struct {
	mu sync.Mutex

	targetDelay time.Duration
	minRate     float64
	maxRate     float64

	rate         float64
	minRTT       time.Duration
	samples      []time.Duration
	lastAdjust   time.Time
	lastRTT      time.Duration
	haveMinRTT   bool
}

// NewLedbat creates a controller bounded to [minRate, maxRate] bytes/sec,
// targeting targetDelay of queueing delay.
func NewLedbat(targetDelay time.Duration, minRate, maxRate float64) *Ledbat {
	return &Ledbat{
		targetDelay: targetDelay,
		minRate:     minRate,
		maxRate:     maxRate,
		rate:        maxRate,
		samples:     make([]time.Duration, 0, rttWindowDepth),
	}
}

// ReportRTT feeds a new RTT sample and recomputes the rate if at least
// minAdjustInterval has elapsed since the last recomputation.
func (l *Ledbat) ReportRTT(rtt time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pushSample(rtt)
	l.updateMinRTT(rtt)
	l.lastRTT = rtt
	l.maybeAdjustLocked()
}

// ReportLoss applies a multiplicative rate decrease for an observed packet
// loss event.
func (l *Ledbat) ReportLoss() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = math.Max(l.minRate, l.rate*lossDecreaseFactor)
}

// Stats returns a value-typed snapshot of the controller's current state.
func (l *Ledbat) Stats() LedbatStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	queueDelay := l.lastRTT - l.minRTT
	if queueDelay < 0 {
		queueDelay = 0
	}

	return LedbatStats{
		Rate:       l.rate,
		MinRTT:     l.minRTT,
		CurrentRTT: l.lastRTT,
		QueueDelay: queueDelay,
		Samples:    len(l.samples),
	}
}

func (l *Ledbat) pushSample(rtt time.Duration) {
	if len(l.samples) == rttWindowDepth {
		l.samples = l.samples[1:]
	}
	l.samples = append(l.samples, rtt)
}

// updateMinRTT applies immediate downward adoption when a lower RTT is
// observed, and a slow 1%-per-sample upward drift otherwise — this keeps a
// transient single low sample from pinning minRTT forever, while never
// letting a sustained higher floor snap upward instantly.
func (l *Ledbat) updateMinRTT(rtt time.Duration) {
	if !l.haveMinRTT || rtt < l.minRTT {
		l.minRTT = rtt
		l.haveMinRTT = true
		return
	}

	drifted := time.Duration(float64(l.minRTT) * minRTTUpwardDrift)
	if drifted > rtt {
		drifted = rtt
	}
	l.minRTT = drifted
}

func (l *Ledbat) maybeAdjustLocked() {
	now := time.Now()
	if !l.lastAdjust.IsZero() && now.Sub(l.lastAdjust) < minAdjustInterval {
		return
	}
	l.lastAdjust = now

	queueDelay := l.lastRTT - l.minRTT
	if queueDelay < 0 {
		queueDelay = 0
	}

	target := float64(l.targetDelay)
	if target <= 0 {
		return
	}

	delayErr := target - float64(queueDelay)
	delta := ledbatGain * delayErr * l.rate / target

	newRate := l.rate + delta
	if cap := l.rate * maxStepUpFactor; newRate > cap {
		newRate = cap
	}
	if newRate < l.minRate {
		newRate = l.minRate
	}
	if newRate > l.maxRate {
		newRate = l.maxRate
	}

	l.rate = newRate
}
