package registry_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sentinelfs/sentinelfs/internal/registry"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport is a minimal transport.Transport stub for exercising
// Registry and Strategy selection without a real socket.
type fakeTransport struct {
	kind      transport.Kind
	connected map[transport.PeerID]bool
}

func newFake(kind transport.Kind, peers ...transport.PeerID) *fakeTransport {
	t := &fakeTransport{kind: kind, connected: make(map[transport.PeerID]bool)}
	for _, p := range peers {
		t.connected[p] = true
	}
	return t
}

func (f *fakeTransport) Kind() transport.Kind                   { return f.kind }
func (f *fakeTransport) StartListening(context.Context, int) error { return nil }
func (f *fakeTransport) StopListening() error                   { return nil }
func (f *fakeTransport) Connect(context.Context, string, int, transport.PeerID) error {
	return nil
}
func (f *fakeTransport) Disconnect(peer transport.PeerID) error {
	delete(f.connected, peer)
	return nil
}
func (f *fakeTransport) Send(context.Context, transport.PeerID, []byte) error { return nil }
func (f *fakeTransport) IsConnected(peer transport.PeerID) bool              { return f.connected[peer] }
func (f *fakeTransport) State(peer transport.PeerID) transport.State {
	if f.connected[peer] {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}
func (f *fakeTransport) Quality(transport.PeerID) transport.Quality { return transport.Quality{} }
func (f *fakeTransport) ConnectedPeers() []transport.PeerID {
	var out []transport.PeerID
	for p := range f.connected {
		out = append(out, p)
	}
	return out
}
func (f *fakeTransport) MeasureRTT(context.Context, transport.PeerID) (time.Duration, error) {
	return 0, nil
}
func (f *fakeTransport) SetEventSink(func(transport.Event)) {}
func (f *fakeTransport) Shutdown(context.Context) error     { return nil }

const peerA = transport.PeerID("peer-a")

func TestPreferDirectPriorityOrder(t *testing.T) {
	r := registry.New(registry.PreferDirect{})
	r.Register(newFake(transport.KindRelay, peerA))
	r.Register(newFake(transport.KindTCP, peerA))
	r.Register(newFake(transport.KindQUIC, peerA))

	kind, err := r.Select(peerA, registry.SelectHints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if kind != transport.KindTCP {
		t.Fatalf("Select() = %s, want %s", kind, transport.KindTCP)
	}
}

func TestSelectNoCandidateErrors(t *testing.T) {
	r := registry.New(registry.PreferDirect{})
	r.Register(newFake(transport.KindTCP))

	if _, err := r.Select(peerA, registry.SelectHints{}); err == nil {
		t.Fatal("Select() with no connected transport, want error")
	}
}

func TestFallbackChainStaysBound(t *testing.T) {
	r := registry.New(registry.FallbackChain{})
	r.Register(newFake(transport.KindTCP, peerA))
	r.Register(newFake(transport.KindQUIC, peerA))

	first, err := r.Select(peerA, registry.SelectHints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first != transport.KindTCP {
		t.Fatalf("first Select() = %s, want tcp", first)
	}

	second, err := r.Select(peerA, registry.SelectHints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if second != first {
		t.Fatalf("FallbackChain should stick to bound transport: got %s, want %s", second, first)
	}
}

func TestHandleFailoverSkipsCurrent(t *testing.T) {
	r := registry.New(registry.PreferDirect{})
	r.Register(newFake(transport.KindTCP, peerA))
	r.Register(newFake(transport.KindQUIC, peerA))

	if _, err := r.Select(peerA, registry.SelectHints{}); err != nil {
		t.Fatalf("Select: %v", err)
	}

	next, err := r.HandleFailover(peerA)
	if err != nil {
		t.Fatalf("HandleFailover: %v", err)
	}
	if next != transport.KindQUIC {
		t.Fatalf("HandleFailover() = %s, want quic", next)
	}

	binding, ok := r.Binding(peerA)
	if !ok || binding.Failovers != 1 {
		t.Fatalf("Binding() = %+v, %v, want Failovers=1", binding, ok)
	}
}

func TestPreferFastPicksLowestRTT(t *testing.T) {
	r := registry.New(registry.PreferFast{})
	r.Register(newFake(transport.KindTCP, peerA))
	r.Register(newFake(transport.KindQUIC, peerA))

	var tcpQ, quicQ transport.Quality
	tcpQ.Update(200, 5, 0.1, 1e6, 0)
	quicQ.Update(20, 5, 0.1, 1e6, 0)
	r.UpdateQuality(peerA, transport.KindTCP, tcpQ)
	r.UpdateQuality(peerA, transport.KindQUIC, quicQ)

	kind, err := r.Select(peerA, registry.SelectHints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if kind != transport.KindQUIC {
		t.Fatalf("Select() = %s, want quic (lower RTT)", kind)
	}
}

func TestAdaptivePenalizesCongestion(t *testing.T) {
	r := registry.New(registry.Adaptive{})
	r.Register(newFake(transport.KindTCP, peerA))
	r.Register(newFake(transport.KindQUIC, peerA))

	var tcpQ, quicQ transport.Quality
	tcpQ.Update(50, 5, 0.1, 5e6, 0)
	quicQ.Update(50, 5, 0.1, 5e6, 0.9)
	r.UpdateQuality(peerA, transport.KindTCP, tcpQ)
	r.UpdateQuality(peerA, transport.KindQUIC, quicQ)

	kind, err := r.Select(peerA, registry.SelectHints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if kind != transport.KindTCP {
		t.Fatalf("Select() = %s, want tcp (less congested)", kind)
	}
}

func TestUnbindClearsState(t *testing.T) {
	r := registry.New(registry.PreferDirect{})
	r.Register(newFake(transport.KindTCP, peerA))

	if _, err := r.Select(peerA, registry.SelectHints{}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	r.Unbind(peerA)

	if _, ok := r.Binding(peerA); ok {
		t.Fatal("Binding() still present after Unbind")
	}
}

func TestConnectedPeersUnionsAcrossTransports(t *testing.T) {
	r := registry.New(registry.PreferDirect{})
	r.Register(newFake(transport.KindTCP, peerA))
	r.Register(newFake(transport.KindQUIC, "peer-b"))

	peers := r.ConnectedPeers()
	if len(peers) != 2 {
		t.Fatalf("ConnectedPeers() = %v, want 2 entries", peers)
	}
}
