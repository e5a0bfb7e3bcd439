package tcp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// readHandshakeLine reads one handshake frame from conn, bounded by
// transport.HandshakeTimeout; a timeout returns ErrHandshakeTimeout and
// the caller closes the connection.
func readHandshakeLine(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(transport.HandshakeTimeout)); err != nil {
		return "", fmt.Errorf("read handshake line: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	payload, err := readFrame(conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", fmt.Errorf("read handshake line: %w", transport.ErrHandshakeTimeout)
		}
		return "", fmt.Errorf("read handshake line: %w", err)
	}
	return string(payload), nil
}

func writeHandshakeLine(conn net.Conn, msg string) error {
	if err := writeFrame(conn, []byte(msg)); err != nil {
		return fmt.Errorf("write handshake line: %w", err)
	}
	return nil
}

// clientHandshake drives the client side: Hello -> Challenge -> Auth ->
// Welcome. It rejects a Challenge carrying the local peer id (loopback)
// or, when expectedPeer is non-empty, any peer id other than expectedPeer.
func (t *Transport) clientHandshake(conn net.Conn, expectedPeer transport.PeerID) (transport.PeerID, error) {
	hello, clientNonce, err := t.session.BuildHello()
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}
	if err := writeHandshakeLine(conn, hello); err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	reply, err := readHandshakeLine(conn)
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
	if err := writeHandshakeLine(conn, auth); err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	welcomeMsg, err := readHandshakeLine(conn)
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

// serverHandshake drives the server (accepting) side: receives Hello,
// rejects on session-code mismatch or loopback, replies Challenge, then
// verifies the client's Auth digest and replies Welcome.
func (t *Transport) serverHandshake(conn net.Conn) (transport.PeerID, error) {
	helloMsg, err := readHandshakeLine(conn)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	clientPeer, codeHash, clientNonce, err := session.ParseHello(helloMsg)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	if clientPeer == t.session.LocalPeerID() {
		_ = writeHandshakeLine(conn, session.BuildReject("loopback peer id"))
		return "", fmt.Errorf("server handshake: %w", session.ErrHandshakeLoopback)
	}

	if codeHash != t.session.SessionCodeHash() {
		_ = writeHandshakeLine(conn, session.BuildReject("session code mismatch"))
		return "", fmt.Errorf("server handshake: %w", session.ErrHandshakeCodeMismatch)
	}

	challenge, serverNonce, err := t.session.BuildChallenge(clientNonce)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}
	if err := writeHandshakeLine(conn, challenge); err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	authMsg, err := readHandshakeLine(conn)
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
	if err := writeHandshakeLine(conn, welcome); err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	return transport.PeerID(clientPeer), nil
}

// parseReject reports whether msg is a REJECT message and, if so, its
// reason string.
func parseReject(msg string) (kind, reason string, ok bool) {
	const prefix = "REJECT"
	head, rest, _ := strings.Cut(msg, "|")
	if session.StripProtocolTag(head) != prefix {
		return "", "", false
	}
	return prefix, rest, true
}
