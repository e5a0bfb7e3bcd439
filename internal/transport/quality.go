package transport

import "time"

// EWMA alpha used across all quality metrics, per the spec's default.
const ewmaAlpha = 0.2

// Quality thresholds (ms/%%/MB/s) that define excellent/good/fair/poor
// bands and saturate normalisation for the Adaptive selection strategy.
var (
	RTTThresholds        = [3]float64{50, 150, 300}      // ms
	LossThresholds       = [3]float64{0.1, 1, 5}          // %
	JitterThresholds     = [3]float64{5, 20, 50}          // ms
	BandwidthThresholds  = [3]float64{1, 5, 10}           // MB/s
	QueueDelayThresholds = [3]float64{10, 50, 100}        // ms
)

// Quality is the per-peer, per-transport metrics vector, each carried
// also as an EWMA, timestamped.
type Quality struct {
	RTTMs        float64
	JitterMs     float64
	LossPct      float64
	BandwidthBps float64
	Congestion   float64 // 0..1

	EWMARTTMs        float64
	EWMAJitterMs     float64
	EWMALossPct      float64
	EWMABandwidthBps float64
	EWMACongestion   float64

	Timestamp time.Time
}

// Update folds a fresh sample into q, updating both the raw fields and
// their EWMAs (alpha = 0.2 by default).
func (q *Quality) Update(rttMs, jitterMs, lossPct, bandwidthBps, congestion float64) {
	q.RTTMs, q.JitterMs, q.LossPct, q.BandwidthBps, q.Congestion = rttMs, jitterMs, lossPct, bandwidthBps, congestion

	if q.Timestamp.IsZero() {
		q.EWMARTTMs = rttMs
		q.EWMAJitterMs = jitterMs
		q.EWMALossPct = lossPct
		q.EWMABandwidthBps = bandwidthBps
		q.EWMACongestion = congestion
	} else {
		q.EWMARTTMs = ewma(q.EWMARTTMs, rttMs)
		q.EWMAJitterMs = ewma(q.EWMAJitterMs, jitterMs)
		q.EWMALossPct = ewma(q.EWMALossPct, lossPct)
		q.EWMABandwidthBps = ewma(q.EWMABandwidthBps, bandwidthBps)
		q.EWMACongestion = ewma(q.EWMACongestion, congestion)
	}

	q.Timestamp = time.Now()
}

func ewma(prev, sample float64) float64 {
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

// Degraded reports whether the EWMA loss or jitter crosses into the "poor"
// band, or the EWMA congestion reaches 0.66.
func (q Quality) Degraded() bool {
	return q.EWMALossPct >= LossThresholds[2] || q.EWMAJitterMs >= JitterThresholds[2] || q.EWMACongestion >= 0.66
}

// Excellent reports whether every EWMA metric is within the "excellent"
// band.
func (q Quality) Excellent() bool {
	return q.EWMARTTMs <= RTTThresholds[0] &&
		q.EWMALossPct <= LossThresholds[0] &&
		q.EWMAJitterMs <= JitterThresholds[0] &&
		q.EWMACongestion < 0.1
}

// normalize maps value into [0,1] against a three-band threshold set,
// saturating above the top band.
func normalize(value float64, thresholds [3]float64) float64 {
	top := thresholds[2]
	if top <= 0 {
		return 0
	}
	n := value / top
	if n > 1 {
		n = 1
	}
	if n < 0 {
		n = 0
	}
	return n
}

// NormalizeRTT, NormalizeBandwidth, NormalizeLoss and NormalizeJitter
// expose normalize against each metric's threshold
// band, for the Adaptive selection strategy's weighted score (spec.md
// §4.5). BandwidthThresholds are expressed in MB/s; bandwidthBps is
// converted before normalizing.
func NormalizeRTT(rttMs float64) float64 { return normalize(rttMs, RTTThresholds) }

func NormalizeBandwidth(bandwidthBps float64) float64 {
	return normalize(bandwidthBps/1e6, BandwidthThresholds)
}

func NormalizeLoss(lossPct float64) float64 { return normalize(lossPct, LossThresholds) }

func NormalizeJitter(jitterMs float64) float64 { return normalize(jitterMs, JitterThresholds) }
