package transport

import (
	"context"
	"errors"
	"time"
)

// PeerID identifies a remote peer. Defined locally (rather than imported
// from internal/session) to keep transport a leaf package with no
// upward dependency.
type PeerID string

// Kind enumerates the transport carriers the registry can hold.
type Kind int

const (
	KindTCP Kind = iota
	KindQUIC
	KindWebRTC
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindWebRTC:
		return "webrtc"
	case KindRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// State is the per-peer, per-transport connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// Sentinel errors shared by all transport implementations.
var (
	// ErrClosed indicates an operation was attempted after Shutdown.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected indicates Send/Disconnect was called for an unknown peer.
	ErrNotConnected = errors.New("transport: peer not connected")
	// ErrOversizeFrame indicates a frame exceeded the maximum permitted size.
	ErrOversizeFrame = errors.New("transport: oversize frame")
	// ErrHandshakeTimeout indicates a handshake receive exceeded its deadline.
	ErrHandshakeTimeout = errors.New("transport: handshake timeout")
	// ErrHandshakeRejected indicates the remote side sent REJECT.
	ErrHandshakeRejected = errors.New("transport: handshake rejected")
)

// HandshakeTimeout bounds every handshake receive per the concurrency
// model's timeout table (§5).
const HandshakeTimeout = 10 * time.Second

// Transport is the identical contract every carrier implements.
type Transport interface {
	Kind() Kind

	StartListening(ctx context.Context, port int) error
	StopListening() error

	Connect(ctx context.Context, address string, port int, expectedPeer PeerID) error
	Disconnect(peer PeerID) error

	Send(ctx context.Context, peer PeerID, payload []byte) error

	IsConnected(peer PeerID) bool
	State(peer PeerID) State
	Quality(peer PeerID) Quality
	ConnectedPeers() []PeerID

	MeasureRTT(ctx context.Context, peer PeerID) (time.Duration, error)

	SetEventSink(sink func(Event))

	Shutdown(ctx context.Context) error
}
