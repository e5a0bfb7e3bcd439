package webrtc

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pion/datachannel"

	"github.com/sentinelfs/sentinelfs/internal/session"
	"github.com/sentinelfs/sentinelfs/internal/transport"
)

// readHandshakeLine/writeHandshakeLine wrap a detached data channel the
// same way internal/transport/tcp wraps a net.Conn. Detached data
// channels expose no read-deadline API, so the timeout is enforced with
// a background goroutine instead of conn.SetReadDeadline.
func readHandshakeLine(raw datachannel.ReadWriteCloser) (string, error) {
	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := readFrame(raw)
		done <- result{payload, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if r.err == io.EOF {
				return "", fmt.Errorf("read handshake line: %w", transport.ErrHandshakeTimeout)
			}
			return "", fmt.Errorf("read handshake line: %w", r.err)
		}
		return string(r.payload), nil
	case <-time.After(transport.HandshakeTimeout):
		return "", fmt.Errorf("read handshake line: %w", transport.ErrHandshakeTimeout)
	}
}

func writeHandshakeLine(raw datachannel.ReadWriteCloser, msg string) error {
	if err := writeFrame(raw, []byte(msg)); err != nil {
		return fmt.Errorf("write handshake line: %w", err)
	}
	return nil
}

// clientHandshake mirrors internal/transport/tcp's clientHandshake over
// a detached data channel.
func (t *Transport) clientHandshake(raw datachannel.ReadWriteCloser, expectedPeer transport.PeerID) (transport.PeerID, error) {
	hello, clientNonce, err := t.session.BuildHello()
	if err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}
	if err := writeHandshakeLine(raw, hello); err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	reply, err := readHandshakeLine(raw)
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
	if err := writeHandshakeLine(raw, auth); err != nil {
		return "", fmt.Errorf("client handshake: %w", err)
	}

	welcomeMsg, err := readHandshakeLine(raw)
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

// serverHandshake mirrors internal/transport/tcp's serverHandshake over
// a detached data channel.
func (t *Transport) serverHandshake(raw datachannel.ReadWriteCloser) (transport.PeerID, error) {
	helloMsg, err := readHandshakeLine(raw)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	clientPeer, codeHash, clientNonce, err := session.ParseHello(helloMsg)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	if clientPeer == t.session.LocalPeerID() {
		_ = writeHandshakeLine(raw, session.BuildReject("loopback peer id"))
		return "", fmt.Errorf("server handshake: %w", session.ErrHandshakeLoopback)
	}

	if codeHash != t.session.SessionCodeHash() {
		_ = writeHandshakeLine(raw, session.BuildReject("session code mismatch"))
		return "", fmt.Errorf("server handshake: %w", session.ErrHandshakeCodeMismatch)
	}

	challenge, serverNonce, err := t.session.BuildChallenge(clientNonce)
	if err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}
	if err := writeHandshakeLine(raw, challenge); err != nil {
		return "", fmt.Errorf("server handshake: %w", err)
	}

	authMsg, err := readHandshakeLine(raw)
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
	if err := writeHandshakeLine(raw, welcome); err != nil {
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
