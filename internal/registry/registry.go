// Package registry implements the Transport Registry & Selector: it owns
// one Transport instance per TransportKind, tracks a Binding per peer,
// caches per-peer/per-transport Quality, and exposes selection strategies
// used to pick which transport carries a peer's traffic.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// Sentinel errors for Registry operations.
var (
	// ErrTransportNotRegistered indicates no transport of the requested
	// kind has been registered.
	ErrTransportNotRegistered = errors.New("registry: transport not registered")
	// ErrNoCandidate indicates no registered transport is connected to the peer.
	ErrNoCandidate = errors.New("registry: no candidate transport for peer")
	// ErrUnknownStrategy indicates a strategy name not in ValidStrategies.
	ErrUnknownStrategy = errors.New("registry: unknown strategy")
)

// priorityOrder is the PreferDirect / FallbackChain fallback ordering.
var priorityOrder = []transport.Kind{
	transport.KindTCP,
	transport.KindQUIC,
	transport.KindWebRTC,
	transport.KindRelay,
}

// Binding records which transport currently carries a peer's traffic.
type Binding struct {
	Peer      transport.PeerID
	Transport transport.Kind
	Since     time.Time
	Failovers int
}

// BindingChangedEvent is published on eventbus.TopicBindingChanged whenever
// Select or HandleFailover moves a peer onto a different transport kind.
type BindingChangedEvent struct {
	Peer     transport.PeerID
	Previous transport.Kind // zero value if this is the peer's first binding
	Current  transport.Kind
	Failover bool
}

// Registry owns every live transport instance and the peer-to-transport
// bindings chosen by a Strategy.
type Registry struct {
	mu sync.Mutex

	transports map[transport.Kind]transport.Transport
	bindings   map[transport.PeerID]Binding
	quality    map[transport.PeerID]map[transport.Kind]transport.Quality

	strategy Strategy

	onBindingChanged func(BindingChangedEvent)
}

// New creates an empty Registry using strategy for selection. A nil
// strategy defaults to FallbackChain.
func New(strategy Strategy) *Registry {
	if strategy == nil {
		strategy = FallbackChain{}
	}
	return &Registry{
		transports: make(map[transport.Kind]transport.Transport),
		bindings:   make(map[transport.PeerID]Binding),
		quality:    make(map[transport.PeerID]map[transport.Kind]transport.Quality),
		strategy:   strategy,
	}
}

// SetBindingChangedSink registers the callback invoked whenever a peer's
// binding changes; the façade wires this to republish on
// eventbus.TopicBindingChanged.
func (r *Registry) SetBindingChangedSink(sink func(BindingChangedEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBindingChanged = sink
}

// SetStrategy swaps the active selection strategy.
func (r *Registry) SetStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = s
}

// Register adds a transport instance under its own Kind, replacing any
// previous registration of the same kind.
func (r *Registry) Register(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Kind()] = t
}

// Transport returns the registered transport of kind, if any.
func (r *Registry) Transport(kind transport.Kind) (transport.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[kind]
	if !ok {
		return nil, fmt.Errorf("registry transport %s: %w", kind, ErrTransportNotRegistered)
	}
	return t, nil
}

// UpdateQuality records a fresh Quality sample for peer on a given
// transport kind, called by the façade as it observes transport events.
func (r *Registry) UpdateQuality(peer transport.PeerID, kind transport.Kind, q transport.Quality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perKind, ok := r.quality[peer]
	if !ok {
		perKind = make(map[transport.Kind]transport.Quality)
		r.quality[peer] = perKind
	}
	perKind[kind] = q
}

// Binding returns peer's current binding, if any.
func (r *Registry) Binding(peer transport.PeerID) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[peer]
	return b, ok
}

// Candidates is the view a Strategy sees of one peer: its registered
// transports, their connectedness, and cached quality.
type Candidates struct {
	Peer           transport.PeerID
	Connected      map[transport.Kind]bool
	Quality        map[transport.Kind]transport.Quality
	CurrentlyBound transport.Kind
	HasBinding     bool
	Hints          SelectHints
}

// SelectHints are caller-supplied context used by the Adaptive strategy to
// bias its weighted score.
type SelectHints struct {
	LowLatency   bool
	PayloadBytes int
	NeedReliable bool
}

// Select picks the transport kind that should carry peer's next send,
// consulting the active Strategy. Returns ErrNoCandidate if no registered
// transport is currently connected to peer.
func (r *Registry) Select(peer transport.PeerID, hints SelectHints) (transport.Kind, error) {
	r.mu.Lock()
	cands := r.candidatesLocked(peer, hints)
	strategy := r.strategy
	r.mu.Unlock()

	kind, ok := strategy.Select(cands)
	if !ok {
		return "", fmt.Errorf("registry select %s: %w", peer, ErrNoCandidate)
	}

	r.mu.Lock()
	previous := r.bindings[peer]
	r.bindings[peer] = Binding{Peer: peer, Transport: kind, Since: time.Now(), Failovers: previous.Failovers}
	sink := r.onBindingChanged
	r.mu.Unlock()

	if sink != nil && (!cands.HasBinding || previous.Transport != kind) {
		sink(BindingChangedEvent{Peer: peer, Previous: previous.Transport, Current: kind})
	}

	return kind, nil
}

func (r *Registry) candidatesLocked(peer transport.PeerID, hints SelectHints) Candidates {
	connected := make(map[transport.Kind]bool, len(r.transports))
	for kind, t := range r.transports {
		connected[kind] = t.IsConnected(peer)
	}

	quality := make(map[transport.Kind]transport.Quality, len(r.quality[peer]))
	for kind, q := range r.quality[peer] {
		quality[kind] = q
	}

	binding, hasBinding := r.bindings[peer]
	return Candidates{
		Peer:           peer,
		Connected:      connected,
		Quality:        quality,
		CurrentlyBound: binding.Transport,
		HasBinding:     hasBinding,
		Hints:          hints,
	}
}

// HandleFailover advances peer to the next candidate transport in
// priority order, skipping the currently bound one. Increments the
// binding's failover count and returns the new kind.
func (r *Registry) HandleFailover(peer transport.PeerID) (transport.Kind, error) {
	r.mu.Lock()

	current := r.bindings[peer].Transport

	for _, kind := range priorityOrder {
		if kind == current {
			continue
		}
		t, ok := r.transports[kind]
		if !ok || !t.IsConnected(peer) {
			continue
		}

		failovers := r.bindings[peer].Failovers + 1
		r.bindings[peer] = Binding{Peer: peer, Transport: kind, Since: time.Now(), Failovers: failovers}
		sink := r.onBindingChanged
		r.mu.Unlock()

		if sink != nil {
			sink(BindingChangedEvent{Peer: peer, Previous: current, Current: kind, Failover: true})
		}
		return kind, nil
	}

	r.mu.Unlock()
	return "", fmt.Errorf("registry failover %s: %w", peer, ErrNoCandidate)
}

// Unbind removes peer's binding and cached quality entirely, called by the
// façade on Disconnected per spec.md §4.6.
func (r *Registry) Unbind(peer transport.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, peer)
	delete(r.quality, peer)
}

// ConnectedPeers returns the union of peers connected across every
// registered transport.
func (r *Registry) ConnectedPeers() []transport.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[transport.PeerID]struct{})
	var out []transport.PeerID
	for _, t := range r.transports {
		for _, p := range t.ConnectedPeers() {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	return out
}
