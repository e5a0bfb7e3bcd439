package registry

import (
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// Strategy selects one transport kind out of Candidates. Select's second
// return is false when no candidate is connected.
type Strategy interface {
	Select(c Candidates) (transport.Kind, bool)
}

// ValidStrategies names every Strategy implementation, for config
// validation (mirrors internal/config's ValidStrategies table).
var ValidStrategies = map[string]func() Strategy{
	"PreferDirect":   func() Strategy { return PreferDirect{} },
	"PreferFast":     func() Strategy { return PreferFast{} },
	"PreferReliable": func() Strategy { return PreferReliable{} },
	"FallbackChain":  func() Strategy { return FallbackChain{} },
	"Adaptive":       func() Strategy { return Adaptive{} },
}

// PreferDirect picks the first connected transport in priority order
// TCP > QUIC > WebRTC > Relay.
type PreferDirect struct{}

func (PreferDirect) Select(c Candidates) (transport.Kind, bool) {
	for _, kind := range priorityOrder {
		if c.Connected[kind] {
			return kind, true
		}
	}
	return "", false
}

// PreferFast picks the connected transport with the lowest EWMA RTT.
type PreferFast struct{}

func (PreferFast) Select(c Candidates) (transport.Kind, bool) {
	return bestBy(c, func(q transport.Quality) float64 { return q.RTTMs })
}

// PreferReliable picks the connected transport with the lowest EWMA loss.
type PreferReliable struct{}

func (PreferReliable) Select(c Candidates) (transport.Kind, bool) {
	return bestBy(c, func(q transport.Quality) float64 { return q.LossPct })
}

// bestBy returns the connected candidate minimizing metric(quality),
// falling back to priority order for connected candidates with no
// quality sample yet (metric defaults to 0, the best possible score, so
// an un-sampled transport is preferred until data arrives).
func bestBy(c Candidates, metric func(transport.Quality) float64) (transport.Kind, bool) {
	var (
		best    transport.Kind
		bestVal float64
		found   bool
	)

	for _, kind := range priorityOrder {
		if !c.Connected[kind] {
			continue
		}
		val := metric(c.Quality[kind])
		if !found || val < bestVal {
			best, bestVal, found = kind, val, true
		}
	}
	return best, found
}

// FallbackChain is the default strategy: stick with the currently bound
// transport while it remains connected, otherwise fall back to
// PreferDirect's priority order.
type FallbackChain struct{}

func (FallbackChain) Select(c Candidates) (transport.Kind, bool) {
	if c.HasBinding && c.Connected[c.CurrentlyBound] {
		return c.CurrentlyBound, true
	}
	return PreferDirect{}.Select(c)
}

// Adaptive scores every connected candidate with a weighted-normalized
// formula over RTT, bandwidth, reliability, and congestion, and picks the
// lowest score.
type Adaptive struct{}

func (Adaptive) Select(c Candidates) (transport.Kind, bool) {
	var (
		best    transport.Kind
		bestVal = -1.0
		found   bool
	)

	for _, kind := range priorityOrder {
		if !c.Connected[kind] {
			continue
		}
		score := adaptiveScore(c.Quality[kind], c.Hints)
		if !found || score < bestVal {
			best, bestVal, found = kind, score, true
		}
	}
	return best, found
}

// Weight bases for the Adaptive score; raised when the matching hint applies.
const (
	baseWeightRTT     = 1.0
	baseWeightBW      = 1.0
	baseWeightRel     = 1.0
	weightCong        = 1.0
	hintWeightBoost   = 2.0
	congestionMult    = 1.5
	largePayloadBytes = 1 << 20 // 1 MiB
)

func adaptiveScore(q transport.Quality, hints SelectHints) float64 {
	wRTT, wBW, wRel := baseWeightRTT, baseWeightBW, baseWeightRel
	if hints.LowLatency {
		wRTT *= hintWeightBoost
	}
	if hints.PayloadBytes > largePayloadBytes {
		wBW *= hintWeightBoost
	}
	if hints.NeedReliable {
		wRel *= hintWeightBoost
	}

	nRTT := transport.NormalizeRTT(q.RTTMs)
	nBW := transport.NormalizeBandwidth(q.BandwidthBps)
	nLoss := transport.NormalizeLoss(q.LossPct)
	nJitter := transport.NormalizeJitter(q.JitterMs)
	// Congestion is already carried on Quality as a 0..1 fraction (see
	// transport.Quality.Degraded), so it needs no further normalization
	// against QueueDelayThresholds here.
	nCong := q.Congestion

	score := wRTT*nRTT + wBW*(1-nBW) + wRel*(nLoss+nJitter) + weightCong*nCong
	if nCong >= 0.5 {
		score *= congestionMult
	}
	return score
}
