package webrtc_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
	"github.com/sentinelfs/sentinelfs/internal/transport/webrtc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pairSignaler wires two in-process Transports' SDP/ICE exchange
// directly to each other, standing in for the façade's normal
// out-of-band routing (spec.md §4.3) so the offer/answer/candidate
// dance can run without a real signaling server.
type pairSignaler struct {
	self, peer *webrtc.Transport
}

func (s *pairSignaler) SendSignal(ctx context.Context, _ transport.PeerID, msg webrtc.SignalMessage) error {
	go func() {
		_ = s.peer.HandleSignal(context.Background(), msg)
	}()
	return nil
}

func newPeer(t *testing.T, code string) (*webrtc.Transport, transport.PeerID) {
	t.Helper()

	id, err := session.NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	mgr := session.NewManager(id)
	if err := mgr.SetSessionCode(code); err != nil {
		t.Fatalf("SetSessionCode: %v", err)
	}

	return webrtc.New(webrtc.Config{}, mgr, nil, nil, nil), transport.PeerID(mgr.LocalPeerID())
}

// TestBasicLoopback mirrors the TCP/QUIC transports' scenario 1
// (spec.md §8): two peers sharing a session code exchange an
// offer/answer over a fake Signaler, reach Connected once ICE settles,
// and a payload sent by the offering side arrives verbatim.
func TestBasicLoopback(t *testing.T) {
	a, aID := newPeer(t, "abcdef")
	b, _ := newPeer(t, "abcdef")

	a.SetSignaler(&pairSignaler{self: a, peer: b})
	b.SetSignaler(&pairSignaler{self: b, peer: a})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	aEvents := make(chan transport.Event, 8)
	a.SetEventSink(func(ev transport.Event) { aEvents <- ev })

	defer a.Shutdown(ctx)
	defer b.Shutdown(ctx)

	if err := b.Connect(ctx, "", 0, aID); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitForEvent(t, aEvents, transport.EventConnected)

	peers := a.ConnectedPeers()
	if len(peers) != 1 {
		t.Fatalf("ConnectedPeers = %v, want 1 entry", peers)
	}

	if err := b.Send(ctx, mustFindPeer(t, b), []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := waitForEvent(t, aEvents, transport.EventDataReceived)
	if string(ev.DataReceived.Payload) != "hi" {
		t.Errorf("payload = %q, want %q", ev.DataReceived.Payload, "hi")
	}
}

func waitForEvent(t *testing.T, ch <-chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func mustFindPeer(t *testing.T, tr *webrtc.Transport) transport.PeerID {
	t.Helper()
	peers := tr.ConnectedPeers()
	if len(peers) == 0 {
		t.Fatal("no connected peers")
	}
	return peers[0]
}
