package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/limiter"
	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// acceptPollInterval is how often the accept loop re-checks its context,
// mirroring gobfd/internal/netio/listener.go's context-aware receive loop.
const acceptPollInterval = 1 * time.Second

// Config configures a Transport.
type Config struct {
	MaxConnections int
	AutoReconnect  bool
}

type peerConn struct {
	conn   net.Conn
	state  transport.State
	peer   transport.PeerID
	cancel context.CancelFunc

	writeMu sync.Mutex

	// rttAck receives a value every time readLoop sees a pong frame,
	// mirroring relay.Transport's rttAck channel: MeasureRTT and readLoop
	// both touch pc.conn, so the pong has to be handed off through this
	// channel rather than read directly by MeasureRTT, or the two would
	// race on the same connection's read path.
	rttAck chan struct{}
}

// writeFrame serializes writes to pc.conn: Send, MeasureRTT's ping, and
// readLoop's pong echo all write frames on this connection, and writeFrame
// issues two separate Write calls (header, then payload) that would
// otherwise interleave if called concurrently.
func (pc *peerConn) writeFrame(payload []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return writeFrame(pc.conn, payload)
}

// Transport implements transport.Transport over plain TCP with
// length-prefixed framing and a three-phase handshake delegated to
// *session.Manager.
type Transport struct {
	cfg     Config
	session *session.Manager
	limiter *limiter.Manager
	log     *slog.Logger

	listener net.Listener
	pool     *connPool

	mu    sync.Mutex
	conns map[transport.PeerID]*peerConn
	qual  map[transport.PeerID]transport.Quality

	eventSinkMu sync.RWMutex
	eventSink   func(transport.Event)

	shutdownOnce sync.Once
	closed       chan struct{}
}

// New creates a TCP transport. sessionMgr performs the handshake;
// limiterMgr (may be nil) governs per-peer/global send bandwidth.
func New(cfg Config, sessionMgr *session.Manager, limiterMgr *limiter.Manager, log *slog.Logger) *Transport {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if log == nil {
		log = slog.Default()
	}

	return &Transport{
		cfg:     cfg,
		session: sessionMgr,
		limiter: limiterMgr,
		log:     log.With("component", "transport.tcp"),
		pool:    newConnPool(cfg.MaxConnections),
		conns:   make(map[transport.PeerID]*peerConn),
		qual:    make(map[transport.PeerID]transport.Quality),
		closed:  make(chan struct{}),
	}
}

// Kind returns KindTCP.
func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

// SessionManager returns the *session.Manager backing this transport's
// handshakes, for tests and for components wiring several transports to
// one shared session layer.
func (t *Transport) SessionManager() *session.Manager { return t.session }

// ListenPort returns the TCP port this transport is bound to, or 0 if
// StartListening has not been called (or was called with an ephemeral
// port that has not yet resolved). Useful for tests that call
// StartListening(ctx, 0) to pick a free port.
func (t *Transport) ListenPort() int {
	if t.listener == nil {
		return 0
	}
	addr, ok := t.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

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

// StartListening binds port and begins accepting inbound connections.
// The accept loop polls its context every acceptPollInterval rather than
// blocking indefinitely, so Shutdown can unblock it promptly.
func (t *Transport) StartListening(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("tcp start listening: %w", err)
	}
	t.listener = ln

	go t.acceptLoop(ctx, ln)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	tcpLn, canDeadline := ln.(*net.TCPListener)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		if canDeadline {
			_ = tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-t.closed:
				return
			default:
				t.log.Warn("accept failed", "error", err)
				continue
			}
		}

		go t.handleInbound(ctx, conn)
	}
}

func (t *Transport) handleInbound(ctx context.Context, conn net.Conn) {
	peer, err := t.serverHandshake(conn)
	if err != nil {
		t.log.Warn("inbound handshake failed", "error", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	t.registerConn(ctx, peer, conn)
}

func (t *Transport) registerConn(ctx context.Context, peer transport.PeerID, conn net.Conn) {
	if evicted, shouldEvict := t.pool.touch(peer); shouldEvict {
		t.Disconnect(evicted)
	}

	connCtx, cancel := context.WithCancel(ctx)
	pc := &peerConn{conn: conn, state: transport.StateConnected, peer: peer, cancel: cancel, rttAck: make(chan struct{}, 1)}

	t.mu.Lock()
	if old, exists := t.conns[peer]; exists {
		old.cancel()
		_ = old.conn.Close()
	}
	t.conns[peer] = pc
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventConnected, Connected: &transport.ConnectedEvent{Peer: peer, Transport: transport.KindTCP}})

	go t.readLoop(connCtx, pc)
}

func (t *Transport) readLoop(ctx context.Context, pc *peerConn) {
	defer func() {
		_ = pc.conn.Close()
		t.mu.Lock()
		if t.conns[pc.peer] == pc {
			delete(t.conns, pc.peer)
		}
		t.mu.Unlock()
		t.pool.remove(pc.peer)
		t.emit(transport.Event{Kind: transport.EventDisconnected, Disconnected: &transport.DisconnectedEvent{Peer: pc.peer, Transport: transport.KindTCP}})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := readFrame(pc.conn)
		if err != nil {
			if errors.Is(err, transport.ErrOversizeFrame) {
				t.emit(transport.Event{Kind: transport.EventError, Error: &transport.ErrorEvent{Peer: pc.peer, Transport: transport.KindTCP, Err: err}})
			}
			return
		}

		// MeasureRTT's ping/pong frames are this loop's own protocol, not
		// application data: the single reader goroutine per connection
		// owns every read off pc.conn, so it answers pings and delivers
		// pongs to MeasureRTT via pc.rttAck instead of ever letting
		// MeasureRTT read pc.conn itself.
		if len(payload) == 1 && payload[0] == pingByte {
			if err := pc.writeFrame([]byte{pongByte}); err != nil {
				return
			}
			continue
		}
		if len(payload) == 1 && payload[0] == pongByte {
			select {
			case pc.rttAck <- struct{}{}:
			default:
			}
			continue
		}

		t.emit(transport.Event{Kind: transport.EventDataReceived, DataReceived: &transport.DataReceivedEvent{Peer: pc.peer, Transport: transport.KindTCP, Payload: payload}})
	}
}

// Connect dials address:port and performs the client side of the
// handshake, rejecting a responder that presents the local peer id
// (loopback) or, when expectedPeer is non-empty, any other peer id than
// expectedPeer (§4.4).
func (t *Transport) Connect(ctx context.Context, address string, port int, expectedPeer transport.PeerID) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}

	peer, err := t.clientHandshake(conn, expectedPeer)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("tcp connect: %w", err)
	}

	t.registerConn(ctx, peer, conn)
	return nil
}

// Disconnect closes the connection to peer, if any.
func (t *Transport) Disconnect(peer transport.PeerID) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp disconnect: %w", transport.ErrNotConnected)
	}

	pc.cancel()
	return pc.conn.Close()
}

// Send writes payload as a single length-prefixed frame to peer, after
// clearing it against the bandwidth limiter (if configured).
func (t *Transport) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("tcp send: %w", transport.ErrNotConnected)
	}

	if t.limiter != nil {
		if err := t.limiter.RequestUpload(ctx, limiter.PeerID(peer), len(payload)); err != nil {
			return fmt.Errorf("tcp send: %w", err)
		}
	}

	if err := pc.writeFrame(payload); err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	return nil
}

// IsConnected reports whether peer currently has an active connection.
func (t *Transport) IsConnected(peer transport.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[peer]
	return ok
}

// State returns peer's connection state.
func (t *Transport) State(peer transport.PeerID) transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.conns[peer]; ok {
		return pc.state
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
	return t.pool.peers()
}

// MeasureRTT performs an application-level 1-byte ping/pong exchange,
// timed end to end. This resolves the Open Question about TCP RTT: the
// teacher's source measured RTT via a non-blocking writability probe,
// which the design notes flag as a confused ~0-1ms reading; here RTT
// comes from an actual round trip over the wire.
//
// It never reads pc.conn itself: readLoop is the connection's single
// reader and hands the pong back over pc.rttAck, the same handoff
// relay.Transport uses for its own HEARTBEAT round trip. Reading
// pc.conn from both MeasureRTT and readLoop would let either one steal
// the other's frame, and a deadline set here would apply to readLoop's
// in-flight read too.
func (t *Transport) MeasureRTT(ctx context.Context, peer transport.PeerID) (time.Duration, error) {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("tcp measure rtt: %w", transport.ErrNotConnected)
	}

	select {
	case <-pc.rttAck:
	default:
	}

	rttCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := pc.writeFrame([]byte{pingByte}); err != nil {
		return -1, fmt.Errorf("tcp measure rtt: %w", err)
	}

	select {
	case <-pc.rttAck:
	case <-rttCtx.Done():
		return -1, fmt.Errorf("tcp measure rtt: %w", rttCtx.Err())
	case <-t.closed:
		return -1, fmt.Errorf("tcp measure rtt: %w", transport.ErrClosed)
	}
	rtt := time.Since(start)

	t.mu.Lock()
	q := t.qual[peer]
	q.Update(float64(rtt.Milliseconds()), q.JitterMs, q.LossPct, q.BandwidthBps, q.Congestion)
	t.qual[peer] = q
	t.mu.Unlock()

	if t.limiter != nil {
		t.limiter.CongestionReport(limiter.PeerID(peer), false, rtt)
	}

	t.emit(transport.Event{Kind: transport.EventQualityChanged, QualityChanged: &transport.QualityChangedEvent{Peer: peer, Transport: transport.KindTCP, Quality: t.Quality(peer)}})

	return rtt, nil
}

const (
	pingByte = 0xF0
	pongByte = 0xF1
)

// StopListening closes the listening socket without affecting established
// connections.
func (t *Transport) StopListening() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

// Shutdown closes the listener and every established connection.
// Idempotent: a second call is a no-op, matching the concurrency model's
// shutdown discipline (close sockets first, unblocking reads with EOF).
func (t *Transport) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		close(t.closed)
		if t.listener != nil {
			_ = t.listener.Close()
		}

		t.mu.Lock()
		conns := make([]*peerConn, 0, len(t.conns))
		for _, pc := range t.conns {
			conns = append(conns, pc)
		}
		t.mu.Unlock()

		for _, pc := range conns {
			pc.cancel()
			_ = pc.conn.Close()
		}
	})
	return nil
}
