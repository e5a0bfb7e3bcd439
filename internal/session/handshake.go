package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// protocolTag is the modern handshake/discovery message prefix this
// implementation emits. legacyProtocolTag is accepted on receive only,
// per the Open Question resolution on legacy prefix handling.
const (
	protocolTag       = "FALCON"
	legacyProtocolTag = "SENTINEL"
	handshakeVersion  = "1"
)

// Handshake message kinds (§4.4).
const (
	msgHello     = "HELLO"
	msgChallenge = "CHALLENGE"
	msgAuth      = "AUTH"
	msgWelcome   = "WELCOME"
	msgReject    = "REJECT"
)

var (
	// ErrHandshakeMalformed indicates a handshake message failed to parse.
	ErrHandshakeMalformed = errors.New("session: malformed handshake message")
	// ErrHandshakeLoopback indicates a peer announced the local peer ID.
	ErrHandshakeLoopback = errors.New("session: loopback peer id rejected")
	// ErrHandshakeCodeMismatch indicates session-code hashes disagree.
	ErrHandshakeCodeMismatch = errors.New("session: session code hash mismatch")
)

// StripProtocolTag removes a leading "FALCON_" or "SENTINEL_" prefix from
// kind, accepting either the modern or legacy tag on receive. The
// transport packages use it for REJECT detection; internal/discovery
// matches its own FALCON_/SENTINEL_ discovery tags without it.
func StripProtocolTag(kind string) string {
	for _, tag := range []string{protocolTag, legacyProtocolTag} {
		prefix := tag + "_"
		if strings.HasPrefix(kind, prefix) {
			return strings.TrimPrefix(kind, prefix)
		}
	}
	return kind
}

// taggedKind prefixes kind with the modern protocol tag for transmission.
func taggedKind(kind string) string {
	return protocolTag + "_" + kind
}

// BuildHello constructs the Client Hello message:
// HELLO|version|peer_id|session_code_hash|client_nonce.
func (m *Manager) BuildHello() (string, []byte, error) {
	nonce, err := randomNonce(16)
	if err != nil {
		return "", nil, fmt.Errorf("build hello: %w", err)
	}

	hash := m.SessionCodeHash()
	msg := fmt.Sprintf("%s|%s|%s|%x|%x", taggedKind(msgHello), handshakeVersion, m.localPeerID, hash, nonce)
	return msg, nonce, nil
}

// ParseHello parses a Client Hello message.
func ParseHello(msg string) (peerID PeerID, codeHash [32]byte, clientNonce []byte, err error) {
	parts := strings.Split(msg, "|")
	if len(parts) != 5 || StripProtocolTag(parts[0]) != msgHello {
		return "", codeHash, nil, fmt.Errorf("parse hello: %w", ErrHandshakeMalformed)
	}

	peerID = PeerID(parts[2])
	hashBytes, decErr := decodeHex(parts[3])
	if decErr != nil || len(hashBytes) != 32 {
		return "", codeHash, nil, fmt.Errorf("parse hello: %w", ErrHandshakeMalformed)
	}
	copy(codeHash[:], hashBytes)

	nonce, decErr := decodeHex(parts[4])
	if decErr != nil {
		return "", codeHash, nil, fmt.Errorf("parse hello: %w", ErrHandshakeMalformed)
	}

	return peerID, codeHash, nonce, nil
}

// BuildChallenge constructs the Server Challenge message:
// CHALLENGE|version|server_peer_id|echoed_client_nonce|server_nonce.
func (m *Manager) BuildChallenge(clientNonce []byte) (string, []byte, error) {
	serverNonce, err := randomNonce(16)
	if err != nil {
		return "", nil, fmt.Errorf("build challenge: %w", err)
	}

	msg := fmt.Sprintf("%s|%s|%s|%x|%x", taggedKind(msgChallenge), handshakeVersion, m.localPeerID, clientNonce, serverNonce)
	return msg, serverNonce, nil
}

// BuildReject constructs a REJECT|reason message.
func BuildReject(reason string) string {
	return fmt.Sprintf("%s|%s", taggedKind(msgReject), reason)
}

// ParseChallenge parses a Server Challenge message.
func ParseChallenge(msg string) (serverPeerID PeerID, echoedNonce, serverNonce []byte, err error) {
	parts := strings.Split(msg, "|")
	if len(parts) != 5 || StripProtocolTag(parts[0]) != msgChallenge {
		return "", nil, nil, fmt.Errorf("parse challenge: %w", ErrHandshakeMalformed)
	}

	serverPeerID = PeerID(parts[2])
	echoedNonce, err = decodeHex(parts[3])
	if err != nil {
		return "", nil, nil, fmt.Errorf("parse challenge: %w", ErrHandshakeMalformed)
	}
	serverNonce, err = decodeHex(parts[4])
	if err != nil {
		return "", nil, nil, fmt.Errorf("parse challenge: %w", ErrHandshakeMalformed)
	}
	return serverPeerID, echoedNonce, serverNonce, nil
}

// authDigest computes HMAC(mac_key, client_nonce || server_nonce ||
// client_peer_id || server_peer_id || direction).
func authDigest(macKey [32]byte, clientNonce, serverNonce []byte, clientPeer, serverPeer PeerID, direction string) []byte {
	h := hmac.New(sha256.New, macKey[:])
	h.Write(clientNonce)
	h.Write(serverNonce)
	h.Write([]byte(clientPeer))
	h.Write([]byte(serverPeer))
	h.Write([]byte(direction))
	return h.Sum(nil)
}

// BuildAuth constructs the Client Auth message: AUTH|peer_id|digest.
func (m *Manager) BuildAuth(clientNonce, serverNonce []byte, serverPeer PeerID) (string, error) {
	m.mu.Lock()
	current, _ := m.currentKeysLocked()
	m.mu.Unlock()

	if current == nil {
		return "", fmt.Errorf("build auth: %w", ErrEncryption)
	}

	digest := authDigest(current.MACKey, clientNonce, serverNonce, m.localPeerID, serverPeer, "client-auth")
	return fmt.Sprintf("%s|%s|%x", taggedKind(msgAuth), m.localPeerID, digest), nil
}

// ParseAuth parses a Client Auth message.
func ParseAuth(msg string) (peerID PeerID, digest []byte, err error) {
	parts := strings.Split(msg, "|")
	if len(parts) != 3 || StripProtocolTag(parts[0]) != msgAuth {
		return "", nil, fmt.Errorf("parse auth: %w", ErrHandshakeMalformed)
	}
	digest, err = decodeHex(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("parse auth: %w", ErrHandshakeMalformed)
	}
	return PeerID(parts[1]), digest, nil
}

// VerifyAuthDigest verifies a Client Auth digest in constant time and, on
// success, marks peer Authenticated.
func (m *Manager) VerifyAuthDigest(peer PeerID, clientNonce, serverNonce []byte, digest []byte) error {
	if peer == m.localPeerID {
		return fmt.Errorf("verify auth digest: %w", ErrHandshakeLoopback)
	}

	m.mu.Lock()
	current, _ := m.currentKeysLocked()
	m.mu.Unlock()

	if current == nil {
		return fmt.Errorf("verify auth digest: %w", ErrEncryption)
	}

	expected := authDigest(current.MACKey, clientNonce, serverNonce, peer, m.localPeerID, "client-auth")
	if subtle.ConstantTimeCompare(expected, digest) != 1 {
		m.SetAuthState(peer, AuthRejected)
		return fmt.Errorf("verify auth digest: %w", ErrAuth)
	}

	m.SetAuthState(peer, AuthAuthenticated)
	return nil
}

// BuildWelcome constructs the server's WELCOME reply. The server-side
// digest binds the opposite direction from the client's AUTH digest, so
// the client can symmetrically verify the server without a fourth
// round-trip.
func (m *Manager) BuildWelcome(clientNonce, serverNonce []byte, clientPeer PeerID) (string, error) {
	m.mu.Lock()
	current, _ := m.currentKeysLocked()
	m.mu.Unlock()

	if current == nil {
		return "", fmt.Errorf("build welcome: %w", ErrEncryption)
	}

	digest := authDigest(current.MACKey, clientNonce, serverNonce, clientPeer, m.localPeerID, "server-auth")
	return fmt.Sprintf("%s|%s|%s|%x", taggedKind(msgWelcome), handshakeVersion, m.localPeerID, digest), nil
}

// ParseWelcome parses a WELCOME message.
func ParseWelcome(msg string) (serverPeerID PeerID, digest []byte, err error) {
	parts := strings.Split(msg, "|")
	if len(parts) != 4 || StripProtocolTag(parts[0]) != msgWelcome {
		return "", nil, fmt.Errorf("parse welcome: %w", ErrHandshakeMalformed)
	}
	digest, err = decodeHex(parts[3])
	if err != nil {
		return "", nil, fmt.Errorf("parse welcome: %w", ErrHandshakeMalformed)
	}
	return PeerID(parts[2]), digest, nil
}

// VerifyWelcomeDigest lets the client verify the server's WELCOME digest.
func (m *Manager) VerifyWelcomeDigest(serverPeer PeerID, clientNonce, serverNonce []byte, digest []byte) error {
	m.mu.Lock()
	current, _ := m.currentKeysLocked()
	m.mu.Unlock()

	if current == nil {
		return fmt.Errorf("verify welcome digest: %w", ErrEncryption)
	}

	expected := authDigest(current.MACKey, clientNonce, serverNonce, m.localPeerID, serverPeer, "server-auth")
	if subtle.ConstantTimeCompare(expected, digest) != 1 {
		return fmt.Errorf("verify welcome digest: %w", ErrAuth)
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w: %w", ErrHandshakeMalformed, err)
	}
	return b, nil
}
