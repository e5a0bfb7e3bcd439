// Package webrtc implements the transport.Transport contract over
// github.com/pion/webrtc/v4 data channels (spec.md §4.3's WebRTC
// specifics). Unlike TCP/QUIC, WebRTC has no listening port of its own:
// StartListening is a no-op success, and every connection is established
// by exchanging SDP offers/answers and ICE candidates out of band,
// through whatever Signaler the caller supplies (the façade's rides
// another already-connected transport).
//
// Grounded on gobfd/internal/netio's context-aware receive loop for the
// data-channel read side, and on the pack's pion/webrtc users
// (backkem-matter, opd-ai-toxcore) for the offer/answer/ICE-candidate
// exchange shape.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v4"

	"github.com/sentinelfs/sentinelfs/internal/limiter"
	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// dataChannelLabel is the single data channel every peer connection
// opens; SentinelFS multiplexes handshake and application traffic over
// it rather than opening one channel per logical stream.
const dataChannelLabel = "sentinelfs"

// Signaler exchanges out-of-band signaling messages with a named peer.
// The façade implements this over an already-connected transport (TCP or
// QUIC); WebRTC itself never listens.
type Signaler interface {
	SendSignal(ctx context.Context, peer transport.PeerID, msg SignalMessage) error
}

// SignalMessageKind enumerates the SDP/ICE exchange steps.
type SignalMessageKind string

const (
	SignalOffer     SignalMessageKind = "offer"
	SignalAnswer    SignalMessageKind = "answer"
	SignalCandidate SignalMessageKind = "candidate"
)

// SignalMessage is one step of the offer/answer/ICE-candidate exchange,
// JSON-encoded and carried over whatever Signaler the caller wires in.
type SignalMessage struct {
	Kind      SignalMessageKind        `json:"kind"`
	From      transport.PeerID         `json:"from"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Config configures a Transport.
type Config struct {
	// ICEServers lists STUN/TURN servers used for candidate gathering.
	ICEServers []webrtc.ICEServer
}

type peerConn struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	peer transport.PeerID

	connected chan struct{}
	once      sync.Once

	rawMu sync.Mutex
	raw   datachannel.ReadWriteCloser

	authedOnce sync.Once
	authed     bool
}

// dcWriter returns the detached data channel's read-write-closer, which
// the handshake and Send/readLoop paths share.
func (p *peerConn) dcWriter() datachannel.ReadWriteCloser {
	p.rawMu.Lock()
	defer p.rawMu.Unlock()
	return p.raw
}

// Transport implements transport.Transport over pion/webrtc data
// channels.
type Transport struct {
	cfg     Config
	session *session.Manager
	limiter *limiter.Manager
	signal  Signaler
	log     *slog.Logger

	mu    sync.Mutex
	conns map[transport.PeerID]*peerConn
	qual  map[transport.PeerID]transport.Quality

	eventSinkMu sync.RWMutex
	eventSink   func(transport.Event)

	shutdownOnce sync.Once
	closed       chan struct{}
}

// New creates a WebRTC transport. signal must be wired by the caller
// (typically the façade) before any Connect or inbound offer can
// complete; it may be set after construction via SetSignaler.
func New(cfg Config, sessionMgr *session.Manager, limiterMgr *limiter.Manager, signal Signaler, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:     cfg,
		session: sessionMgr,
		limiter: limiterMgr,
		signal:  signal,
		log:     log.With("component", "transport.webrtc"),
		conns:   make(map[transport.PeerID]*peerConn),
		qual:    make(map[transport.PeerID]transport.Quality),
		closed:  make(chan struct{}),
	}
}

// SetSignaler assigns the out-of-band signaling channel. Safe to call
// before the first Connect/HandleSignal.
func (t *Transport) SetSignaler(signal Signaler) {
	t.mu.Lock()
	t.signal = signal
	t.mu.Unlock()
}

// Kind returns KindWebRTC.
func (t *Transport) Kind() transport.Kind { return transport.KindWebRTC }

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

// StartListening is a no-op success: WebRTC has no listening socket of
// its own, per spec.md §4.3's WebRTC specifics.
func (t *Transport) StartListening(ctx context.Context, port int) error { return nil }

// StopListening is a no-op, mirroring StartListening.
func (t *Transport) StopListening() error { return nil }

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
}

// Connect initiates an offer to expectedPeer over the configured
// Signaler. address/port are unused (WebRTC has no direct dial target;
// connectivity is negotiated via ICE).
func (t *Transport) Connect(ctx context.Context, address string, port int, expectedPeer transport.PeerID) error {
	if t.signal == nil {
		return fmt.Errorf("webrtc connect: %w", transport.ErrNotConnected)
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("webrtc connect: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("webrtc connect: %w", err)
	}

	pconn := &peerConn{pc: pc, dc: dc, peer: expectedPeer, connected: make(chan struct{})}
	t.wireDataChannel(pconn, true)
	t.wireICECandidates(pconn)

	t.mu.Lock()
	t.conns[expectedPeer] = pconn
	t.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc connect: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtc connect: %w", err)
	}

	if err := t.signal.SendSignal(ctx, expectedPeer, SignalMessage{
		Kind: SignalOffer,
		From: transport.PeerID(t.session.LocalPeerID()),
		SDP:  &offer,
	}); err != nil {
		return fmt.Errorf("webrtc connect: %w", err)
	}

	select {
	case <-pconn.connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webrtc connect: %w", ctx.Err())
	case <-time.After(transport.HandshakeTimeout):
		return fmt.Errorf("webrtc connect: %w", transport.ErrHandshakeTimeout)
	}
}

// HandleSignal processes an inbound SignalMessage received via whatever
// channel the façade routes signaling through. It drives both the
// answering side of a fresh offer and ICE candidate trickling for
// connections initiated locally.
func (t *Transport) HandleSignal(ctx context.Context, msg SignalMessage) error {
	switch msg.Kind {
	case SignalOffer:
		return t.handleOffer(ctx, msg)
	case SignalAnswer:
		return t.handleAnswer(msg)
	case SignalCandidate:
		return t.handleCandidate(msg)
	default:
		return fmt.Errorf("webrtc handle signal: unknown kind %q", msg.Kind)
	}
}

func (t *Transport) handleOffer(ctx context.Context, msg SignalMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("webrtc handle offer: missing sdp")
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("webrtc handle offer: %w", err)
	}

	pconn := &peerConn{pc: pc, peer: msg.From, connected: make(chan struct{})}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		pconn.dc = dc
		t.wireDataChannel(pconn, false)
	})
	t.wireICECandidates(pconn)

	if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
		return fmt.Errorf("webrtc handle offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("webrtc handle offer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("webrtc handle offer: %w", err)
	}

	t.mu.Lock()
	t.conns[msg.From] = pconn
	t.mu.Unlock()

	if t.signal == nil {
		return fmt.Errorf("webrtc handle offer: %w", transport.ErrNotConnected)
	}
	return t.signal.SendSignal(ctx, msg.From, SignalMessage{
		Kind: SignalAnswer,
		From: transport.PeerID(t.session.LocalPeerID()),
		SDP:  &answer,
	})
}

func (t *Transport) handleAnswer(msg SignalMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("webrtc handle answer: missing sdp")
	}
	t.mu.Lock()
	pconn, ok := t.conns[msg.From]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("webrtc handle answer: %w", transport.ErrNotConnected)
	}
	if err := pconn.pc.SetRemoteDescription(*msg.SDP); err != nil {
		return fmt.Errorf("webrtc handle answer: %w", err)
	}
	return nil
}

func (t *Transport) handleCandidate(msg SignalMessage) error {
	if msg.Candidate == nil {
		return fmt.Errorf("webrtc handle candidate: missing candidate")
	}
	t.mu.Lock()
	pconn, ok := t.conns[msg.From]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("webrtc handle candidate: %w", transport.ErrNotConnected)
	}
	if err := pconn.pc.AddICECandidate(*msg.Candidate); err != nil {
		return fmt.Errorf("webrtc handle candidate: %w", err)
	}
	return nil
}

func (t *Transport) wireICECandidates(pconn *peerConn) {
	pconn.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.signal == nil {
			return
		}
		init := c.ToJSON()
		_ = t.signal.SendSignal(context.Background(), pconn.peer, SignalMessage{
			Kind:      SignalCandidate,
			From:      transport.PeerID(t.session.LocalPeerID()),
			Candidate: &init,
		})
	})

	pconn.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed || s == webrtc.PeerConnectionStateDisconnected {
			t.teardown(pconn)
		}
	})
}

// wireDataChannel installs the open/message/close handlers on pconn's
// data channel. initiator distinguishes the offering side (which must
// run the session handshake as client) from the answering side (server).
func (t *Transport) wireDataChannel(pconn *peerConn, initiator bool) {
	if pconn.dc == nil {
		return
	}
	dc := pconn.dc

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			t.log.Warn("detach data channel failed", "error", err)
			t.teardown(pconn)
			return
		}
		pconn.rawMu.Lock()
		pconn.raw = raw
		pconn.rawMu.Unlock()
		go t.runHandshakeAndRead(pconn, raw, initiator)
	})
}

func (t *Transport) runHandshakeAndRead(pconn *peerConn, raw datachannel.ReadWriteCloser, initiator bool) {
	var peer transport.PeerID
	var err error
	if initiator {
		peer, err = t.clientHandshake(raw, pconn.peer)
	} else {
		peer, err = t.serverHandshake(raw)
	}
	if err != nil {
		t.log.Warn("data channel handshake failed", "error", err, "initiator", initiator)
		t.teardown(pconn)
		return
	}

	pconn.authedOnce.Do(func() {
		pconn.authed = true
		pconn.peer = peer
		t.mu.Lock()
		t.conns[peer] = pconn
		t.mu.Unlock()
		close(pconn.connected)
		t.emit(transport.Event{Kind: transport.EventConnected, Connected: &transport.ConnectedEvent{Peer: peer, Transport: transport.KindWebRTC}})
	})

	for {
		payload, err := readFrame(raw)
		if err != nil {
			t.teardown(pconn)
			return
		}
		t.emit(transport.Event{Kind: transport.EventDataReceived, DataReceived: &transport.DataReceivedEvent{Peer: pconn.peer, Transport: transport.KindWebRTC, Payload: payload}})
	}
}

func (t *Transport) teardown(pconn *peerConn) {
	pconn.once.Do(func() {
		t.mu.Lock()
		if t.conns[pconn.peer] == pconn {
			delete(t.conns, pconn.peer)
		}
		t.mu.Unlock()
		_ = pconn.pc.Close()
		t.emit(transport.Event{Kind: transport.EventDisconnected, Disconnected: &transport.DisconnectedEvent{Peer: pconn.peer, Transport: transport.KindWebRTC}})
	})
}

// Disconnect closes the peer connection to peer, if any.
func (t *Transport) Disconnect(peer transport.PeerID) error {
	t.mu.Lock()
	pconn, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("webrtc disconnect: %w", transport.ErrNotConnected)
	}
	t.teardown(pconn)
	return nil
}

// Send writes payload as a single length-prefixed frame onto peer's
// data channel.
func (t *Transport) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	t.mu.Lock()
	pconn, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok || !pconn.authed {
		return fmt.Errorf("webrtc send: %w", transport.ErrNotConnected)
	}

	if t.limiter != nil {
		if err := t.limiter.RequestUpload(ctx, limiter.PeerID(peer), len(payload)); err != nil {
			return fmt.Errorf("webrtc send: %w", err)
		}
	}

	if err := writeFrame(pconn.dcWriter(), payload); err != nil {
		return fmt.Errorf("webrtc send: %w", err)
	}
	return nil
}

// IsConnected reports whether peer's data channel is open and
// authenticated.
func (t *Transport) IsConnected(peer transport.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pconn, ok := t.conns[peer]
	return ok && pconn.authed
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

// ConnectedPeers lists every peer with an open, authenticated data
// channel.
func (t *Transport) ConnectedPeers() []transport.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.PeerID, 0, len(t.conns))
	for p, pconn := range t.conns {
		if pconn.authed {
			out = append(out, p)
		}
	}
	return out
}

// MeasureRTT samples the ICE candidate pair's current round-trip
// estimate via the peer connection's stats report.
func (t *Transport) MeasureRTT(ctx context.Context, peer transport.PeerID) (time.Duration, error) {
	t.mu.Lock()
	pconn, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("webrtc measure rtt: %w", transport.ErrNotConnected)
	}

	rtt := statsRTT(pconn.pc)

	t.mu.Lock()
	q := t.qual[peer]
	q.Update(float64(rtt.Milliseconds()), q.JitterMs, q.LossPct, q.BandwidthBps, q.Congestion)
	t.qual[peer] = q
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventQualityChanged, QualityChanged: &transport.QualityChangedEvent{Peer: peer, Transport: transport.KindWebRTC, Quality: t.Quality(peer)}})

	return rtt, nil
}

// statsRTT extracts the current round-trip time estimate from pc's
// candidate-pair stats, defaulting to 0 if no selected pair is reported
// yet.
func statsRTT(pc *webrtc.PeerConnection) time.Duration {
	report := pc.GetStats()
	for _, s := range report {
		if pair, ok := s.(webrtc.ICECandidatePairStats); ok && pair.Nominated {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		}
	}
	return 0
}

// Shutdown closes every peer connection. Idempotent.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		conns := make([]*peerConn, 0, len(t.conns))
		for _, pconn := range t.conns {
			conns = append(conns, pconn)
		}
		t.mu.Unlock()

		for _, pconn := range conns {
			t.teardown(pconn)
		}
	})
	return nil
}

// MarshalSignal/UnmarshalSignal let a Signaler implementation carry a
// SignalMessage over an arbitrary byte-oriented channel — e.g. the
// façade tagging it onto another transport's Send as an out-of-band
// control payload.
func MarshalSignal(msg SignalMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func UnmarshalSignal(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
