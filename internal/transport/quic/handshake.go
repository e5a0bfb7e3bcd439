package quic

import (
	"fmt"
	"io"
	"strings"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// readHandshakeLine/writeHandshakeLine wrap a quic.Stream the same way
// internal/transport/tcp wraps a net.Conn: a handshake message is one
// length-prefixed frame, bounded by transport.HandshakeTimeout.
func readHandshakeLine(stream quicgo.Stream) (string, error) {
	if err := stream.SetReadDeadline(time.Now().Add(transport.HandshakeTimeout)); err != nil {
		return "", fmt.Errorf("read handshake line: %w", err)
	}
	defer stream.SetReadDeadline(time.Time{})

	payload, err := readFrame(stream)
	if err != nil {
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return "", fmt.Errorf("read handshake line: %w", transport.ErrHandshakeTimeout)
		}
		if err == io.EOF {
			return "", fmt.Errorf("read handshake line: %w", transport.ErrHandshakeTimeout)
		}
		return "", fmt.Errorf("read handshake line: %w", err)
	}
	return string(payload), nil
}

func writeHandshakeLine(stream quicgo.Stream, msg string) error {
	if err := writeFrame(stream, []byte(msg)); err != nil {
		return fmt.Errorf("write handshake line: %w", err)
	}
	return nil
}

// clientHandshake mirrors internal/transport/tcp's clientHandshake,
// reusing the transport-agnostic session.Build*/Parse*/Verify* helpers
// verbatim over a quic.Stream instead of a net.Conn.
func (t *Transport) clientHandshake(stream quicgo.Stream, expectedPeer transport.PeerID) (transport.PeerID, error) {
	hello, clientNonce, err := t.session.BuildHello()
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}
	if err := writeHandshakeLine(stream, hello); err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	reply, err := readHandshakeLine(stream)
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	if _, reason, ok := parseReject(reply); ok {
		return "", fmt.Errorf("client handshake: %s: %w", reason, transport.ErrHandshakeRejected)
	}

	serverPeerID, echoedNonce, serverNonce, err := session.ParseChallenge(reply)
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}
	if string(echoedNonce) != string(clientNonce) {
		return "", fmt.Errorf("client handshake: nonce mismatch: %w", session.ErrHandshakeMalformed)
	}
	if serverPeerID == t.session.LocalPeerID() {
		return "", fmt.Errorf("client handshake: %w", session.ErrHandshakeLoopback)
	}
	if expectedPeer != "" && transport.PeerID(serverPeerID) != expectedPeer {
		return "", fmt.Errorf("client handshake: unexpected peer %q: %w", serverPeerID, session.ErrHandshakeMalformed)
	}

	auth, err := t.session.BuildAuth(clientNonce, serverNonce, session.PeerID(serverPeerID))
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}
	if err := writeHandshakeLine(stream, auth); err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	welcomeMsg, err := readHandshakeLine(stream)
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}
	welcomePeer, digest, err := session.ParseWelcome(welcomeMsg)
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}
	if err := t.session.VerifyWelcomeDigest(welcomePeer, clientNonce, serverNonce, digest); err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	t.session.SetAuthState(welcomePeer, session.AuthAuthenticated)
	return transport.PeerID(welcomePeer), nil
}

// serverHandshake mirrors internal/transport/tcp's serverHandshake.
func (t *Transport) serverHandshake(stream quicgo.Stream) (transport.PeerID, error) {
	helloMsg, err := readHandshakeLine(stream)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	clientPeer, codeHash, clientNonce, err := session.ParseHello(helloMsg)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	if clientPeer == t.session.LocalPeerID() {
		_ = writeHandshakeLine(stream, session.BuildReject("loopback peer id"))
		return "", fmt.Errorf("server handshake: %w", session.ErrHandshakeLoopback)
	}

	if codeHash != t.session.SessionCodeHash() {
		_ = writeHandshakeLine(stream, session.BuildReject("session code mismatch"))
		return "", fmt.Errorf("server handshake: %w", session.ErrHandshakeCodeMismatch)
	}

	challenge, serverNonce, err := t.session.BuildChallenge(clientNonce)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}
	if err := writeHandshakeLine(stream, challenge); err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	authMsg, err := readHandshakeLine(stream)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}
	authPeer, digest, err := session.ParseAuth(authMsg)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}
	if authPeer != clientPeer {
		return "", fmt.Errorf("server handshake: peer id mismatch: %w", session.ErrHandshakeMalformed)
	}

	if err := t.session.VerifyAuthDigest(clientPeer, clientNonce, serverNonce, digest); err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	welcome, err := t.session.BuildWelcome(clientNonce, serverNonce, clientPeer)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}
	if err := writeHandshakeLine(stream, welcome); err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	return transport.PeerID(clientPeer), nil
}

func parseReject(msg string) (kind, reason string, ok bool) {
	const prefix = "REJECT"
	head, rest, _ := strings.Cut(msg, "|")
	if session.StripProtocolTag(head) != prefix {
		return "", "", false
	}
	return prefix, rest, true
}
