package tcp_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
	"github.com/sentinelfs/sentinelfs/internal/transport/tcp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPeer(t *testing.T, code string) *tcp.Transport {
	t.Helper()

	id, err := session.NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	mgr := session.NewManager(id)
	if err := mgr.SetSessionCode(code); err != nil {
		t.Fatalf("SetSessionCode: %v", err)
	}

	return tcp.New(tcp.Config{MaxConnections: 4}, mgr, nil, nil)
}

// TestBasicLoopback is scenario 1 of spec.md §8: A listens, B connects
// with a matching session code, both reach Connected, and a 2-byte
// payload sent by B arrives verbatim at A.
func TestBasicLoopback(t *testing.T) {
	a := newPeer(t, "abcdef")
	b := newPeer(t, "abcdef")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aEvents := make(chan transport.Event, 8)
	a.SetEventSink(func(ev transport.Event) { aEvents <- ev })

	if err := a.StartListening(ctx, 0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer a.Shutdown(ctx)
	defer b.Shutdown(ctx)

	if err := b.Connect(ctx, "127.0.0.1", a.ListenPort(), ""); err != nil {
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

// TestLoopbackRejected verifies a peer presenting its own local identity is
// rejected during the handshake (§4.4).
func TestLoopbackRejected(t *testing.T) {
	a := newPeer(t, "abcdef")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.StartListening(ctx, 0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer a.Shutdown(ctx)

	// A second transport reusing A's own session manager presents A's own
	// peer id on connect, which A must reject as loopback.
	selfTransport := tcp.New(tcp.Config{MaxConnections: 4}, a.SessionManager(), nil, nil)
	defer selfTransport.Shutdown(ctx)

	if err := selfTransport.Connect(ctx, "127.0.0.1", a.ListenPort(), ""); err == nil {
		t.Fatal("Connect succeeded, want loopback rejection")
	}
}

// TestSessionCodeMismatchRejected verifies a peer with a different session
// code is rejected.
func TestSessionCodeMismatchRejected(t *testing.T) {
	a := newPeer(t, "abcdef")
	b := newPeer(t, "zzzzzz")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.StartListening(ctx, 0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer a.Shutdown(ctx)
	defer b.Shutdown(ctx)

	if err := b.Connect(ctx, "127.0.0.1", a.ListenPort(), ""); err == nil {
		t.Fatal("Connect succeeded, want session-code-mismatch rejection")
	}
}

// TestZeroByteSendSucceeds verifies a zero-length Send is framed and
// arrives at the other side as an empty DataReceived payload.
func TestZeroByteSendSucceeds(t *testing.T) {
	a := newPeer(t, "abcdef")
	b := newPeer(t, "abcdef")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aEvents := make(chan transport.Event, 8)
	a.SetEventSink(func(ev transport.Event) { aEvents <- ev })

	if err := a.StartListening(ctx, 0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer a.Shutdown(ctx)
	defer b.Shutdown(ctx)

	if err := b.Connect(ctx, "127.0.0.1", a.ListenPort(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent(t, aEvents, transport.EventConnected)

	if err := b.Send(ctx, mustFindPeer(t, b), nil); err != nil {
		t.Fatalf("Send(0 bytes): %v", err)
	}

	ev := waitForEvent(t, aEvents, transport.EventDataReceived)
	if len(ev.DataReceived.Payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(ev.DataReceived.Payload))
	}
}

// TestMeasureRTTConcurrentWithDataFlow drives MeasureRTT and application
// Sends over the same connection at once, in both directions, to catch the
// ping/pong frame racing readLoop for pc.conn: if MeasureRTT ever read
// pc.conn directly, either it could steal an application frame (failing
// the RTT probe or corrupting ev.DataReceived.Payload below) or readLoop
// could steal the pong (misdelivering it as a bogus DataReceived event).
func TestMeasureRTTConcurrentWithDataFlow(t *testing.T) {
	a := newPeer(t, "abcdef")
	b := newPeer(t, "abcdef")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aEvents := make(chan transport.Event, 64)
	a.SetEventSink(func(ev transport.Event) { aEvents <- ev })
	bEvents := make(chan transport.Event, 64)
	b.SetEventSink(func(ev transport.Event) { bEvents <- ev })

	if err := a.StartListening(ctx, 0); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer a.Shutdown(ctx)
	defer b.Shutdown(ctx)

	if err := b.Connect(ctx, "127.0.0.1", a.ListenPort(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent(t, aEvents, transport.EventConnected)
	waitForEvent(t, bEvents, transport.EventConnected)

	aPeer := mustFindPeer(t, a)
	bPeer := mustFindPeer(t, b)

	const rounds = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			if err := b.Send(ctx, bPeer, []byte("payload")); err != nil {
				t.Errorf("Send (b->a): %v", err)
				return
			}
			if err := a.Send(ctx, aPeer, []byte("payload")); err != nil {
				t.Errorf("Send (a->b): %v", err)
				return
			}
		}
	}()

	for i := 0; i < rounds; i++ {
		if rtt, err := a.MeasureRTT(ctx, aPeer); err != nil {
			t.Fatalf("MeasureRTT (a): %v", err)
		} else if rtt < 0 {
			t.Fatalf("MeasureRTT (a) = %v, want >= 0", rtt)
		}
		if rtt, err := b.MeasureRTT(ctx, bPeer); err != nil {
			t.Fatalf("MeasureRTT (b): %v", err)
		} else if rtt < 0 {
			t.Fatalf("MeasureRTT (b) = %v, want >= 0", rtt)
		}
	}

	<-done

	for i := 0; i < rounds; i++ {
		ev := waitForEvent(t, aEvents, transport.EventDataReceived)
		if string(ev.DataReceived.Payload) != "payload" {
			t.Errorf("a payload = %q, want %q", ev.DataReceived.Payload, "payload")
		}
	}
	for i := 0; i < rounds; i++ {
		ev := waitForEvent(t, bEvents, transport.EventDataReceived)
		if string(ev.DataReceived.Payload) != "payload" {
			t.Errorf("b payload = %q, want %q", ev.DataReceived.Payload, "payload")
		}
	}
}

func waitForEvent(t *testing.T, ch <-chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
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

func mustFindPeer(t *testing.T, tr *tcp.Transport) transport.PeerID {
	t.Helper()
	peers := tr.ConnectedPeers()
	if len(peers) == 0 {
		t.Fatal("no connected peers")
	}
	return peers[0]
}
