// Package facade implements the Network Façade (spec.md §4.6): the thin
// adapter higher layers and plugins call into, composing the Session
// Manager, Transport Registry, Bandwidth Limiter, Storage Gateway, and
// Event Bus into the single operation surface SentinelFS exposes.
//
// Grounded on gobfd/internal/server/server.go's "thin adapter, delegates
// to domain, translates errors" shape: server.go's ConnectRPC handlers
// are dropped (SentinelFS has no wire RPC surface, see DESIGN.md) and
// replaced with plain Go methods consumed directly by cmd/sentinelfsd.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/discovery"
	"github.com/sentinelfs/sentinelfs/internal/eventbus"
	"github.com/sentinelfs/sentinelfs/internal/limiter"
	"github.com/sentinelfs/sentinelfs/internal/metrics"
	"github.com/sentinelfs/sentinelfs/internal/registry"
	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/storage"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// Facade composes every core component behind the single surface upper
// layers (cmd/sentinelfsd, cmd/sfsctl, and future plugins) call into.
type Facade struct {
	session *session.Manager
	reg     *registry.Registry
	lim     *limiter.Manager
	store   storage.Gateway
	bus     *eventbus.Bus
	metrics *metrics.Collector
	log     *slog.Logger

	discoveryMu sync.Mutex
	discoverer  *discovery.Service

	mu           sync.Mutex
	sessionCode  string
	localPeerID  session.PeerID
	webrtcSignal *webrtcSignaling
}

// New creates a Facade. metricsCollector may be nil, in which case bytes
// and connect/disconnect counters are simply not recorded.
func New(sessionMgr *session.Manager, reg *registry.Registry, lim *limiter.Manager, store storage.Gateway, bus *eventbus.Bus, metricsCollector *metrics.Collector, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	f := &Facade{
		session:     sessionMgr,
		reg:         reg,
		lim:         lim,
		store:       store,
		bus:         bus,
		metrics:     metricsCollector,
		log:         log.With("component", "facade"),
		localPeerID: sessionMgr.LocalPeerID(),
	}

	reg.SetBindingChangedSink(f.onBindingChanged)
	return f
}

// RegisterTransport wires t into the Registry and subscribes to its
// event sink, per spec.md §4.6's "subscribes to every transport's event
// sink".
func (f *Facade) RegisterTransport(t transport.Transport) {
	f.reg.Register(t)
	t.SetEventSink(func(ev transport.Event) { f.handleTransportEvent(t.Kind(), ev) })
}

// StartListening starts accepting inbound connections on the named
// transport kind.
func (f *Facade) StartListening(ctx context.Context, kind transport.Kind, port int) error {
	t, err := f.reg.Transport(kind)
	if err != nil {
		return fmt.Errorf("facade start listening: %w", err)
	}
	if err := t.StartListening(ctx, port); err != nil {
		return fmt.Errorf("facade start listening: %w", err)
	}
	return nil
}

// Connect dials peer over the named transport kind.
func (f *Facade) Connect(ctx context.Context, kind transport.Kind, address string, port int, peer transport.PeerID) error {
	t, err := f.reg.Transport(kind)
	if err != nil {
		return fmt.Errorf("facade connect: %w", err)
	}
	if err := t.Connect(ctx, address, port, peer); err != nil {
		return fmt.Errorf("facade connect: %w", err)
	}
	return nil
}

// Disconnect tears down peer's connection on whichever transport
// currently carries it.
func (f *Facade) Disconnect(peer transport.PeerID) error {
	binding, ok := f.reg.Binding(peer)
	if !ok {
		return nil
	}
	t, err := f.reg.Transport(binding.Transport)
	if err != nil {
		return fmt.Errorf("facade disconnect: %w", err)
	}
	return t.Disconnect(peer)
}

// Send wraps payload with the Session Manager (if encryption is
// enabled), selects a transport via the Registry, and hands the
// envelope off, per spec.md §4.6's send behaviour.
func (f *Facade) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	out := payload
	if f.session.EncryptionEnabled() {
		env, err := f.session.Encrypt(payload, session.PeerID(peer))
		if err != nil {
			return fmt.Errorf("facade send: %w", err)
		}
		out = session.MarshalEnvelope(env)
	}

	kind, err := f.reg.Select(peer, registry.SelectHints{PayloadBytes: len(out)})
	if err != nil {
		return fmt.Errorf("facade send: %w", err)
	}

	t, err := f.reg.Transport(kind)
	if err != nil {
		return fmt.Errorf("facade send: %w", err)
	}

	if err := t.Send(ctx, peer, out); err != nil {
		if failKind, ferr := f.reg.HandleFailover(peer); ferr == nil {
			if ft, terr := f.reg.Transport(failKind); terr == nil {
				if err2 := ft.Send(ctx, peer, out); err2 == nil {
					f.recordBytesSent(peer, len(out))
					return nil
				}
			}
		}
		return fmt.Errorf("facade send: %w", err)
	}

	f.recordBytesSent(peer, len(out))
	return nil
}

func (f *Facade) recordBytesSent(peer transport.PeerID, n int) {
	if f.metrics != nil {
		f.metrics.RecordBytesSent(string(peer), n)
	}
}

// MeasureRTT samples round-trip time to peer over its currently bound
// transport.
func (f *Facade) MeasureRTT(ctx context.Context, peer transport.PeerID) (time.Duration, error) {
	binding, ok := f.reg.Binding(peer)
	if !ok {
		return 0, fmt.Errorf("facade measure rtt: %w", registry.ErrNoCandidate)
	}
	t, err := f.reg.Transport(binding.Transport)
	if err != nil {
		return 0, fmt.Errorf("facade measure rtt: %w", err)
	}
	return t.MeasureRTT(ctx, peer)
}

// SetSessionCode configures the Session Manager's active session code,
// clearing all per-peer handshake and replay state.
func (f *Facade) SetSessionCode(code string) error {
	f.mu.Lock()
	f.sessionCode = code
	f.mu.Unlock()
	return f.session.SetSessionCode(code)
}

// SetEncryptionEnabled toggles envelope encryption for Send/DataReceived
// handling, delegating to the Session Manager.
func (f *Facade) SetEncryptionEnabled(enabled bool) {
	f.session.SetEncryptionEnabled(enabled)
}

// SetLegacyEnvelopeMode selects the version-1 CBC+HMAC envelope format on
// encrypt instead of version-2 GCM, delegating to the Session Manager.
func (f *Facade) SetLegacyEnvelopeMode(enabled bool) {
	f.session.SetLegacyEnvelopeMode(enabled)
}

// Subscribe registers handler for topic on the underlying event bus,
// per spec.md §4.9's lifetime-bounded subscription model.
func (f *Facade) Subscribe(topic string, handler eventbus.Handler) eventbus.Unsubscribe {
	return f.bus.Subscribe(topic, handler)
}

// SetBandwidthLimits updates the global upload/download rates enforced
// by the Bandwidth Limiter.
func (f *Facade) SetBandwidthLimits(uploadBps, downloadBps float64) {
	f.lim.SetGlobalRates(uploadBps, downloadBps)
}

// SetSelectionStrategy swaps the Registry's active transport-selection
// strategy by name (see registry.ValidStrategies).
func (f *Facade) SetSelectionStrategy(name string) error {
	ctor, ok := registry.ValidStrategies[name]
	if !ok {
		return fmt.Errorf("facade set selection strategy %q: %w", name, registry.ErrUnknownStrategy)
	}
	f.reg.SetStrategy(ctor())
	return nil
}

// ConnectedPeers returns every peer currently connected on any
// registered transport.
func (f *Facade) ConnectedPeers() []transport.PeerID {
	return f.reg.ConnectedPeers()
}

// PeerQuality returns the kind transport's current Quality for peer. The
// bool is false, with a zero Quality, when peer is not bound to kind or
// is not connected on it.
func (f *Facade) PeerQuality(peer transport.PeerID, kind transport.Kind) (transport.Quality, bool) {
	binding, hasBinding := f.reg.Binding(peer)
	if !hasBinding || binding.Transport != kind {
		return transport.Quality{}, false
	}
	t, err := f.reg.Transport(kind)
	if err != nil {
		return transport.Quality{}, false
	}
	if !t.IsConnected(peer) {
		return transport.Quality{}, false
	}
	return t.Quality(peer), true
}

// KnownPeers reports every peer record storage knows about, regardless
// of current connection state, so the dispatcher can attempt delivery
// to everyone and let Send fail per-peer.
func (f *Facade) KnownPeers(ctx context.Context) ([]string, error) {
	recs, err := f.store.AllPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("facade known peers: %w", err)
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out, nil
}

// DispatchSender adapts Facade to fsdispatch.Sender, whose Send takes a
// string peer id rather than transport.PeerID (fsdispatch is kept free
// of any dependency on the transport package).
type DispatchSender struct {
	*Facade
}

// Send implements fsdispatch.Sender.
func (d DispatchSender) Send(ctx context.Context, peer string, payload []byte) error {
	return d.Facade.Send(ctx, transport.PeerID(peer), payload)
}
