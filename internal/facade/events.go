package facade

import (
	"context"
	"errors"

	"github.com/sentinelfs/sentinelfs/internal/discovery"
	"github.com/sentinelfs/sentinelfs/internal/eventbus"
	"github.com/sentinelfs/sentinelfs/internal/limiter"
	"github.com/sentinelfs/sentinelfs/internal/registry"
	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/storage"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// handleTransportEvent is the single entry point every registered
// transport's event sink calls into, per spec.md §4.6. It decrypts
// inbound payloads, updates Registry/Storage bookkeeping, and
// republishes a higher-level event on the bus for each transport event.
func (f *Facade) handleTransportEvent(kind transport.Kind, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		f.onConnected(kind, *ev.Connected)
	case transport.EventDisconnected:
		f.onDisconnected(kind, *ev.Disconnected)
	case transport.EventDataReceived:
		f.onDataReceived(kind, *ev.DataReceived)
	case transport.EventQualityChanged:
		f.onQualityChanged(kind, *ev.QualityChanged)
	case transport.EventError:
		f.bus.Publish(eventbus.TopicTransportError, *ev.Error)
	}
}

func (f *Facade) onConnected(kind transport.Kind, ev transport.ConnectedEvent) {
	if f.metrics != nil {
		f.metrics.RecordConnect(kind.String())
	}

	// Bind the peer to the transport it just connected over. Select
	// consults the active strategy, but a freshly-connected peer with no
	// other candidate will simply be bound to kind.
	if _, err := f.reg.Select(ev.Peer, registry.SelectHints{}); err != nil {
		f.log.Warn("select after connect failed", "peer", ev.Peer, "error", err)
	}

	ctx := context.Background()
	if err := f.store.AddPeer(ctx, storage.PeerRecord{
		ID:     string(ev.Peer),
		Status: storage.PeerActive,
	}); err != nil {
		f.log.Warn("add peer record failed", "peer", ev.Peer, "error", err)
	}

	f.bus.Publish(eventbus.TopicConnected, ev)
}

func (f *Facade) onDisconnected(kind transport.Kind, ev transport.DisconnectedEvent) {
	if f.metrics != nil {
		f.metrics.RecordDisconnect(kind.String())
	}

	f.reg.Unbind(ev.Peer)
	f.session.ForgetPeer(session.PeerID(ev.Peer))
	f.lim.RemovePeer(limiter.PeerID(ev.Peer))

	f.bus.Publish(eventbus.TopicDisconnected, ev)
}

func (f *Facade) onDataReceived(kind transport.Kind, ev transport.DataReceivedEvent) {
	if f.metrics != nil {
		f.metrics.RecordBytesReceived(string(ev.Peer), len(ev.Payload))
	}

	if len(ev.Payload) > 0 && ev.Payload[0] == signalFramePrefix {
		f.handleSignalFrame(ev.Peer, ev.Payload[1:])
		return
	}

	plaintext := ev.Payload
	if f.session.EncryptionEnabled() {
		env, err := session.UnmarshalEnvelope(ev.Payload)
		if err != nil {
			f.log.Warn("unmarshal envelope failed", "peer", ev.Peer, "error", err)
			return
		}
		pt, err := f.session.Decrypt(env, session.PeerID(ev.Peer))
		if err != nil {
			if f.metrics != nil {
				if errors.Is(err, session.ErrReplay) {
					f.metrics.ReplayDrops.Inc()
				} else {
					f.metrics.AuthFailures.Inc()
				}
			}
			f.log.Warn("decrypt failed, dropping", "peer", ev.Peer, "error", err)
			return
		}
		plaintext = pt
	}

	f.bus.Publish(eventbus.TopicDataReceived, transport.DataReceivedEvent{
		Peer:      ev.Peer,
		Transport: kind,
		Payload:   plaintext,
	})
}

func (f *Facade) onQualityChanged(kind transport.Kind, ev transport.QualityChangedEvent) {
	f.reg.UpdateQuality(ev.Peer, kind, ev.Quality)
	f.bus.Publish(eventbus.TopicQualityChanged, ev)
}

func (f *Facade) onBindingChanged(ev registry.BindingChangedEvent) {
	if ev.Failover && f.metrics != nil {
		f.metrics.Failovers.Inc()
	}
	f.bus.Publish(eventbus.TopicBindingChanged, ev)
}

// StartDiscovery launches the UDP discovery service with identity drawn
// from the Session Manager's local peer id and the current session
// code. Discovered peers whose session code matches the local one are
// republished on eventbus.TopicPeerDiscovered; upper layers may choose
// to auto-connect.
func (f *Facade) StartDiscovery(ctx context.Context, cfg discovery.Config, tcpPort int, version, platform string) error {
	f.mu.Lock()
	code := f.sessionCode
	f.mu.Unlock()

	identity := discovery.Identity{
		PeerID:      string(f.localPeerID),
		TCPPort:     tcpPort,
		SessionCode: code,
		Version:     version,
		Platform:    platform,
	}

	svc := discovery.New(cfg, identity, f.log, f.onPeerDiscovered)

	f.discoveryMu.Lock()
	f.discoverer = svc
	f.discoveryMu.Unlock()

	return svc.Start(ctx)
}

// BroadcastPresence is an alias for StartDiscovery's announcement side;
// the Discoverer already broadcasts on its own interval, so this simply
// reports whether a discovery service is currently running.
func (f *Facade) BroadcastPresence() bool {
	f.discoveryMu.Lock()
	defer f.discoveryMu.Unlock()
	return f.discoverer != nil
}

// StopDiscovery halts the discovery service, if running.
func (f *Facade) StopDiscovery() error {
	f.discoveryMu.Lock()
	svc := f.discoverer
	f.discoverer = nil
	f.discoveryMu.Unlock()

	if svc == nil {
		return nil
	}
	return svc.Stop()
}

func (f *Facade) onPeerDiscovered(p discovery.PeerInfo) {
	f.bus.Publish(eventbus.TopicPeerDiscovered, discovery.PeerDiscoveredEvent{Peer: p})
}
