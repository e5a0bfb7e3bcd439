// Package relay implements the transport.Transport contract over a TCP
// connection to a rendezvous server speaking the binary Relay Message
// Protocol (spec.md §6): type(1B) ‖ length(4B BE) ‖ payload, with peers
// addressed by a length-prefixed identifier inside DATA frames. Used
// when no direct path (TCP/QUIC/WebRTC) can be established between two
// peers — both register with the relay and it forwards DATA frames
// between them.
//
// Grounded on internal/transport/tcp's own length-prefixed framing idiom
// and on malbeclabs-doublezero's liveness session reconnect-with-fixed-
// delay loop shape, applied here to the relay server connection itself
// rather than to a peer session.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/limiter"
	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// reconnectDelay is the fixed delay between relay-connection retries,
// per spec.md §6's "must reconnect automatically after a fixed delay".
const reconnectDelay = 5 * time.Second

const heartbeatInterval = 15 * time.Second

// Config configures a Transport.
type Config struct {
	// ServerAddress is the relay server's host:port.
	ServerAddress string
}

// Transport implements transport.Transport by forwarding all traffic
// through a single connection to a relay server. Every "peer" the
// caller addresses is a virtual destination multiplexed over that one
// underlying TCP connection, not a connection of its own.
type Transport struct {
	cfg     Config
	session *session.Manager
	limiter *limiter.Manager
	log     *slog.Logger

	mu         sync.Mutex
	conn       net.Conn
	knownPeers map[transport.PeerID]struct{}
	qual       map[transport.PeerID]transport.Quality

	// rttAck receives a value every time readLoop sees a HEARTBEAT frame
	// come back from the relay server, letting MeasureRTT wait for the
	// actual reply instead of just the local write.
	rttAck chan struct{}

	eventSinkMu sync.RWMutex
	eventSink   func(transport.Event)

	shutdownOnce sync.Once
	closed       chan struct{}
}

// New creates a Relay transport. The connection to cfg.ServerAddress is
// established by StartListening; until it is up, Connect, Send and
// MeasureRTT return ErrNotConnected.
func New(cfg Config, sessionMgr *session.Manager, limiterMgr *limiter.Manager, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:        cfg,
		session:    sessionMgr,
		limiter:    limiterMgr,
		log:        log.With("component", "transport.relay"),
		knownPeers: make(map[transport.PeerID]struct{}),
		qual:       make(map[transport.PeerID]transport.Quality),
		rttAck:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

// Kind returns KindRelay.
func (t *Transport) Kind() transport.Kind { return transport.KindRelay }

// SetEventSink registers the callback invoked for every transport event.
func (t *Transport) SetEventSink(sink func(transport.Event)) {
	t.eventSinkMu.Lock()
	defer t.eventSinkMu.Unlock()
	t.eventSink = sink
}

func (t *Transport) emit(ev transport.Event) {
	t.eventSinkMu.RLock()
	sink := t.eventSink
	t.eventSinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// StartListening establishes (and keeps alive, reconnecting on failure)
// the single connection to the relay server, then registers this peer.
// port is unused; relay has no local listening socket.
func (t *Transport) StartListening(ctx context.Context, port int) error {
	go t.connectionLoop(ctx)
	return nil
}

// StopListening is a no-op: the relay connection is managed by
// connectionLoop for the Transport's full lifetime and torn down only on
// Shutdown.
func (t *Transport) StopListening() error { return nil }

func (t *Transport) connectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		conn, err := net.Dial("tcp", t.cfg.ServerAddress)
		if err != nil {
			t.log.Warn("relay dial failed", "error", err, "server", t.cfg.ServerAddress)
			if !sleepOrDone(ctx, t.closed, reconnectDelay) {
				return
			}
			continue
		}

		if err := t.register(conn); err != nil {
			t.log.Warn("relay register failed", "error", err)
			_ = conn.Close()
			if !sleepOrDone(ctx, t.closed, reconnectDelay) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		go t.heartbeatLoop(ctx, conn)
		t.readLoop(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		if !sleepOrDone(ctx, t.closed, reconnectDelay) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, closed <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-closed:
		return false
	case <-timer.C:
		return true
	}
}

func (t *Transport) register(conn net.Conn) error {
	payload := []byte(t.session.LocalPeerID())
	if err := writeMessage(conn, msgRegister, payload); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	msgType, _, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if msgType != msgRegisterAck {
		return fmt.Errorf("register: unexpected reply type %d: %w", msgType, transport.ErrHandshakeRejected)
	}
	return nil
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-ticker.C:
			t.mu.Lock()
			cur := t.conn
			t.mu.Unlock()
			if cur != conn {
				return
			}
			if err := writeMessage(conn, msgHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		msgType, payload, err := readMessage(conn)
		if err != nil {
			return
		}

		switch msgType {
		case msgData:
			peer, data, err := parseDataPayload(payload)
			if err != nil {
				t.log.Warn("relay malformed data frame", "error", err)
				continue
			}
			t.noteKnownPeer(transport.PeerID(peer))
			t.emit(transport.Event{Kind: transport.EventDataReceived, DataReceived: &transport.DataReceivedEvent{Peer: transport.PeerID(peer), Transport: transport.KindRelay, Payload: data}})
		case msgConnectAck:
			// A peer we asked to connect via is reachable; nothing further
			// to do until DATA arrives.
		case msgPeerList:
			// Presence updates are informational only; connectivity is
			// confirmed by a successful Send/ConnectAck instead.
		case msgDisconnect:
			peer := string(payload)
			t.mu.Lock()
			delete(t.knownPeers, transport.PeerID(peer))
			t.mu.Unlock()
			t.emit(transport.Event{Kind: transport.EventDisconnected, Disconnected: &transport.DisconnectedEvent{Peer: transport.PeerID(peer), Transport: transport.KindRelay}})
		case msgError:
			t.log.Warn("relay server error", "message", string(payload))
		case msgHeartbeat:
			select {
			case t.rttAck <- struct{}{}:
			default:
			}
		}
	}
}

func (t *Transport) noteKnownPeer(peer transport.PeerID) {
	t.mu.Lock()
	_, known := t.knownPeers[peer]
	t.knownPeers[peer] = struct{}{}
	t.mu.Unlock()
	if !known {
		t.emit(transport.Event{Kind: transport.EventConnected, Connected: &transport.ConnectedEvent{Peer: peer, Transport: transport.KindRelay}})
	}
}

// Connect asks the relay server to route to peer. address/port are
// unused: all routing happens relative to the already-established relay
// connection.
func (t *Transport) Connect(ctx context.Context, address string, port int, peer transport.PeerID) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay connect: %w", transport.ErrNotConnected)
	}

	if err := writeMessage(conn, msgConnect, []byte(peer)); err != nil {
		return fmt.Errorf("relay connect: %w", err)
	}

	t.noteKnownPeer(peer)
	return nil
}

// Disconnect forgets peer locally and notifies the relay server.
func (t *Transport) Disconnect(peer transport.PeerID) error {
	t.mu.Lock()
	conn := t.conn
	delete(t.knownPeers, peer)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := writeMessage(conn, msgDisconnect, []byte(peer)); err != nil {
		return fmt.Errorf("relay disconnect: %w", err)
	}
	return nil
}

// Send wraps payload in a DATA message addressed to peer.
func (t *Transport) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay send: %w", transport.ErrNotConnected)
	}

	if t.limiter != nil {
		if err := t.limiter.RequestUpload(ctx, limiter.PeerID(peer), len(payload)); err != nil {
			return fmt.Errorf("relay send: %w", err)
		}
	}

	data, err := buildDataPayload(string(peer), payload)
	if err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	if err := writeMessage(conn, msgData, data); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// IsConnected reports whether peer has been registered as reachable
// through this relay (via Connect or an inbound DATA frame).
func (t *Transport) IsConnected(peer transport.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.knownPeers[peer]
	return ok && t.conn != nil
}

// State returns peer's connection state.
func (t *Transport) State(peer transport.PeerID) transport.State {
	if t.IsConnected(peer) {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

// Quality returns the last recorded Quality snapshot for peer.
func (t *Transport) Quality(peer transport.PeerID) transport.Quality {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.qual[peer]
}

// ConnectedPeers lists every peer currently known reachable through the
// relay.
func (t *Transport) ConnectedPeers() []transport.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.PeerID, 0, len(t.knownPeers))
	for p := range t.knownPeers {
		out = append(out, p)
	}
	return out
}

// MeasureRTT times a HEARTBEAT round trip to the relay server itself,
// since the relay protocol (§6) defines no per-peer echo; this upper
// bounds the true peer RTT through it. It waits for readLoop to observe
// the server's HEARTBEAT reply rather than just the local write, since a
// relay server under load can accept a write well before it replies.
func (t *Transport) MeasureRTT(ctx context.Context, peer transport.PeerID) (time.Duration, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return -1, fmt.Errorf("relay measure rtt: %w", transport.ErrNotConnected)
	}

	select {
	case <-t.rttAck:
	default:
	}

	start := time.Now()
	if err := writeMessage(conn, msgHeartbeat, nil); err != nil {
		return -1, fmt.Errorf("relay measure rtt: %w", err)
	}

	select {
	case <-t.rttAck:
	case <-ctx.Done():
		return -1, fmt.Errorf("relay measure rtt: %w", ctx.Err())
	case <-t.closed:
		return -1, fmt.Errorf("relay measure rtt: %w", transport.ErrClosed)
	}
	rtt := time.Since(start)

	t.mu.Lock()
	q := t.qual[peer]
	q.Update(float64(rtt.Milliseconds()), q.JitterMs, q.LossPct, q.BandwidthBps, q.Congestion)
	t.qual[peer] = q
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventQualityChanged, QualityChanged: &transport.QualityChangedEvent{Peer: peer, Transport: transport.KindRelay, Quality: t.Quality(peer)}})

	return rtt, nil
}

// Shutdown closes the relay connection and stops reconnect attempts.
// Idempotent.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

