package relay_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
	"github.com/sentinelfs/sentinelfs/internal/transport/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	msgRegister    = 0x01
	msgRegisterAck = 0x02
	msgData        = 0x06
	msgHeartbeat   = 0x07
)

// fakeServer is a minimal in-process stand-in for the rendezvous server
// the Relay Message Protocol (spec.md §6) expects: it ACKs REGISTER and
// forwards DATA frames verbatim between whichever connections have
// registered under the addressed peer ID.
type fakeServer struct {
	ln net.Listener

	mu     sync.Mutex
	byPeer map[string]net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, byPeer: make(map[string]net.Conn)}
	go s.acceptLoop()
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) close() { _ = s.ln.Close() }

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	var registeredAs string
	defer func() {
		if registeredAs != "" {
			s.mu.Lock()
			delete(s.byPeer, registeredAs)
			s.mu.Unlock()
		}
	}()

	for {
		msgType, payload, err := readFrame(conn)
		if err != nil {
			return
		}

		switch msgType {
		case msgRegister:
			registeredAs = string(payload)
			s.mu.Lock()
			s.byPeer[registeredAs] = conn
			s.mu.Unlock()
			if err := writeFrame(conn, msgRegisterAck, nil); err != nil {
				return
			}
		case msgHeartbeat:
			if err := writeFrame(conn, msgHeartbeat, nil); err != nil {
				return
			}
		case msgData:
			if len(payload) < 1 {
				continue
			}
			peerLen := int(payload[0])
			if len(payload) < 1+peerLen {
				continue
			}
			target := string(payload[1 : 1+peerLen])
			s.mu.Lock()
			dst, ok := s.byPeer[target]
			s.mu.Unlock()
			if !ok {
				continue
			}
			relayed := make([]byte, 1+len(registeredAs)+len(payload[1+peerLen:]))
			relayed[0] = byte(len(registeredAs))
			copy(relayed[1:], registeredAs)
			copy(relayed[1+len(registeredAs):], payload[1+peerLen:])
			_ = writeFrame(dst, msgData, relayed)
		}
	}
}

func writeFrame(w io.Writer, msgType byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = msgType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

// newPeer builds a relay Transport along with the local peer ID it will
// register under, so the test can address it from the other side
// without reaching into package-internal state.
func newPeer(t *testing.T, addr string) (*relay.Transport, transport.PeerID) {
	t.Helper()
	id, err := session.NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	mgr := session.NewManager(id)
	tr := relay.New(relay.Config{ServerAddress: addr}, mgr, nil, nil)
	return tr, transport.PeerID(mgr.LocalPeerID())
}

// waitRegistered polls MeasureRTT until it stops returning
// ErrNotConnected, indicating the connection loop has dialed the relay
// server and completed REGISTER/REGISTER_ACK.
func waitRegistered(t *testing.T, tr *relay.Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, err := tr.MeasureRTT(ctx, ""); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatal("timed out waiting for relay registration")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestRegisterAndForward verifies two Transports register with the
// relay server on StartListening and that Send addressed to a known
// peer is forwarded, surfacing as a DataReceived event on the
// recipient's side.
func TestRegisterAndForward(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.close()

	a, aID := newPeer(t, srv.addr())
	b, bID := newPeer(t, srv.addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bEvents := make(chan transport.Event, 8)
	b.SetEventSink(func(ev transport.Event) { bEvents <- ev })

	if err := a.StartListening(ctx, 0); err != nil {
		t.Fatalf("a StartListening: %v", err)
	}
	if err := b.StartListening(ctx, 0); err != nil {
		t.Fatalf("b StartListening: %v", err)
	}
	defer a.Shutdown(ctx)
	defer b.Shutdown(ctx)

	waitRegistered(t, a)
	waitRegistered(t, b)

	if err := a.Connect(ctx, "", 0, bID); err != nil {
		t.Fatalf("a Connect: %v", err)
	}
	if err := a.Send(ctx, bID, []byte("hi")); err != nil {
		t.Fatalf("a Send: %v", err)
	}

	ev := waitForEvent(t, bEvents, transport.EventDataReceived)
	if string(ev.DataReceived.Payload) != "hi" {
		t.Errorf("payload = %q, want %q", ev.DataReceived.Payload, "hi")
	}
	if ev.DataReceived.Peer != aID {
		t.Errorf("sender = %q, want %q", ev.DataReceived.Peer, aID)
	}
}

func waitForEvent(t *testing.T, ch <-chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
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
