// Package quic implements the transport.Transport contract over
// github.com/quic-go/quic-go (spec.md §4.3's QUIC specifics): one
// bidirectional stream per peer connection, TLS 1.3 handled by the QUIC
// library itself, RTT surfaced by the underlying stack.
//
// Grounded on gobfd/internal/netio's context-aware accept/receive loop
// (the same pattern internal/transport/tcp follows), adapted from a
// net.Listener/net.Conn pair to quic.Listener/quic.Connection.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/sentinelfs/sentinelfs/internal/limiter"
	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// alpnProto is the ALPN identifier negotiated on every QUIC handshake.
// It carries no semantic weight beyond satisfying quic-go's requirement
// that a TLS config offer at least one protocol.
const alpnProto = "sentinelfs"

// acceptPollInterval mirrors internal/transport/tcp's context-aware
// accept loop cadence.
const acceptPollInterval = 1 * time.Second

// Config configures a Transport.
type Config struct {
	AutoReconnect bool
}

type peerConn struct {
	conn   quicgo.Connection
	stream quicgo.Stream
	peer   transport.PeerID
	cancel context.CancelFunc
}

// Transport implements transport.Transport over QUIC. Peer authentication
// and envelope encryption are layered on top by *session.Manager exactly
// as they are for TCP; QUIC's own TLS only protects the wire, not peer
// identity (SentinelFS's session codes are the trust anchor).
type Transport struct {
	session *session.Manager
	limiter *limiter.Manager
	log     *slog.Logger

	tlsConf *tls.Config

	listener *quicgo.Listener

	mu    sync.Mutex
	conns map[transport.PeerID]*peerConn
	qual  map[transport.PeerID]transport.Quality

	eventSinkMu sync.RWMutex
	eventSink   func(transport.Event)

	shutdownOnce sync.Once
	closed       chan struct{}
}

// New creates a QUIC transport. sessionMgr performs the handshake over
// each stream exactly as it does for TCP; limiterMgr (may be nil)
// governs per-peer/global send bandwidth.
func New(cfg Config, sessionMgr *session.Manager, limiterMgr *limiter.Manager, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}

	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("quic new: %w", err)
	}

	return &Transport{
		session: sessionMgr,
		limiter: limiterMgr,
		log:     log.With("component", "transport.quic"),
		tlsConf: tlsConf,
		conns:   make(map[transport.PeerID]*peerConn),
		qual:    make(map[transport.PeerID]transport.Quality),
		closed:  make(chan struct{}),
	}, nil
}

// Kind returns KindQUIC.
func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

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

// StartListening binds a UDP socket on port and begins accepting QUIC
// connections.
func (t *Transport) StartListening(ctx context.Context, port int) error {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("quic start listening: %w", err)
	}

	tr := &quicgo.Transport{Conn: udpConn}
	ln, err := tr.Listen(t.tlsConf, quicConfig())
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("quic start listening: %w", err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ctx, ln)
	return nil
}

// ListenPort returns the UDP port StartListening bound, useful when it
// was called with port 0.
func (t *Transport) ListenPort() int {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return 0
	}
	return ln.Addr().(*net.UDPAddr).Port
}

func (t *Transport) acceptLoop(ctx context.Context, ln *quicgo.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		acceptCtx, cancel := context.WithTimeout(ctx, acceptPollInterval)
		conn, err := ln.Accept(acceptCtx)
		cancel()
		if err != nil {
			select {
			case <-t.closed:
				return
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		go t.handleInbound(ctx, conn)
	}
}

func (t *Transport) handleInbound(ctx context.Context, conn quicgo.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.log.Warn("accept stream failed", "error", err, "remote", conn.RemoteAddr())
		_ = conn.CloseWithError(0, "stream accept failed")
		return
	}

	peer, err := t.serverHandshake(stream)
	if err != nil {
		t.log.Warn("inbound handshake failed", "error", err, "remote", conn.RemoteAddr())
		_ = conn.CloseWithError(0, "handshake failed")
		return
	}

	t.registerConn(ctx, peer, conn, stream)
}

func (t *Transport) registerConn(ctx context.Context, peer transport.PeerID, conn quicgo.Connection, stream quicgo.Stream) {
	connCtx, cancel := context.WithCancel(ctx)
	pc := &peerConn{conn: conn, stream: stream, peer: peer, cancel: cancel}

	t.mu.Lock()
	if old, exists := t.conns[peer]; exists {
		old.cancel()
		_ = old.conn.CloseWithError(0, "superseded")
	}
	t.conns[peer] = pc
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventConnected, Connected: &transport.ConnectedEvent{Peer: peer, Transport: transport.KindQUIC}})

	go t.readLoop(connCtx, pc)
}

func (t *Transport) readLoop(ctx context.Context, pc *peerConn) {
	defer func() {
		_ = pc.conn.CloseWithError(0, "closed")
		t.mu.Lock()
		if t.conns[pc.peer] == pc {
			delete(t.conns, pc.peer)
		}
		t.mu.Unlock()
		t.emit(transport.Event{Kind: transport.EventDisconnected, Disconnected: &transport.DisconnectedEvent{Peer: pc.peer, Transport: transport.KindQUIC}})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := readFrame(pc.stream)
		if err != nil {
			return
		}

		t.emit(transport.Event{Kind: transport.EventDataReceived, DataReceived: &transport.DataReceivedEvent{Peer: pc.peer, Transport: transport.KindQUIC, Payload: payload}})
	}
}

// Connect dials address:port and opens the single bidirectional stream
// that carries both the handshake and all subsequent framed traffic.
func (t *Transport) Connect(ctx context.Context, address string, port int, expectedPeer transport.PeerID) error {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	dialTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpnProto}}
	conn, err := quicgo.DialAddr(ctx, addr, dialTLS, quicConfig())
	if err != nil {
		return fmt.Errorf("quic connect: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return fmt.Errorf("quic connect: %w", err)
	}

	peer, err := t.clientHandshake(stream, expectedPeer)
	if err != nil {
		_ = conn.CloseWithError(0, "handshake failed")
		return fmt.Errorf("quic connect: %w", err)
	}

	t.registerConn(ctx, peer, conn, stream)
	return nil
}

// Disconnect closes the connection to peer, if any.
func (t *Transport) Disconnect(peer transport.PeerID) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("quic disconnect: %w", transport.ErrNotConnected)
	}

	pc.cancel()
	return pc.conn.CloseWithError(0, "disconnect")
}

// Send writes payload as a single length-prefixed frame on peer's
// stream, after clearing it against the bandwidth limiter (if
// configured).
func (t *Transport) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("quic send: %w", transport.ErrNotConnected)
	}

	if t.limiter != nil {
		if err := t.limiter.RequestUpload(ctx, limiter.PeerID(peer), len(payload)); err != nil {
			return fmt.Errorf("quic send: %w", err)
		}
	}

	if err := writeFrame(pc.stream, payload); err != nil {
		return fmt.Errorf("quic send: %w", err)
	}
	return nil
}

// IsConnected reports whether peer currently has an active stream.
func (t *Transport) IsConnected(peer transport.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peer]
	return ok
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

// ConnectedPeers lists every peer currently connected.
func (t *Transport) ConnectedPeers() []transport.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.PeerID, 0, len(t.conns))
	for p := range t.conns {
		out = append(out, p)
	}
	return out
}

// MeasureRTT reads the smoothed RTT quic-go's congestion controller
// already tracks for the connection, per spec.md §4.3's "RTT is
// surfaced by the stack".
func (t *Transport) MeasureRTT(ctx context.Context, peer transport.PeerID) (time.Duration, error) {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("quic measure rtt: %w", transport.ErrNotConnected)
	}

	rtt := pc.conn.RTT()

	t.mu.Lock()
	q := t.qual[peer]
	q.Update(float64(rtt.Milliseconds()), q.JitterMs, q.LossPct, q.BandwidthBps, q.Congestion)
	t.qual[peer] = q
	t.mu.Unlock()

	if t.limiter != nil {
		t.limiter.CongestionReport(limiter.PeerID(peer), false, rtt)
	}

	t.emit(transport.Event{Kind: transport.EventQualityChanged, QualityChanged: &transport.QualityChangedEvent{Peer: peer, Transport: transport.KindQUIC, Quality: t.Quality(peer)}})

	return rtt, nil
}

// StopListening closes the listening socket without affecting established
// connections.
func (t *Transport) StopListening() error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Shutdown closes the listener and every established connection.
// Idempotent, matching the concurrency model's shutdown discipline.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		if t.listener != nil {
			_ = t.listener.Close()
		}
		conns := make([]*peerConn, 0, len(t.conns))
		for _, pc := range t.conns {
			conns = append(conns, pc)
		}
		t.mu.Unlock()

		for _, pc := range conns {
			pc.cancel()
			_ = pc.conn.CloseWithError(0, "shutdown")
		}
	})
	return nil
}

func quicConfig() *quicgo.Config {
	return &quicgo.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}
