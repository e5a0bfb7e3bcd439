// Package session implements SentinelFS's authenticated session layer:
// session-code-derived keys, AEAD (and legacy CBC+HMAC) envelope
// encryption, replay-protected sequence counters, and the three-phase
// handshake protocol.
//
// Grounded on gobfd/internal/bfd/auth.go's shape: a sentinel-error var
// block, a small key-material interface, and crypto/subtle constant-time
// comparison for every digest check.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PeerID is a peer's process-local identifier: random, printable, unique
// per process, never persisted (spec's Peer Identity).
type PeerID string

// Sentinel errors for session operations, wrapped with fmt.Errorf at call
// sites exactly as the teacher's auth.go does for RFC 5880 auth failures.
var (
	// ErrEncryption indicates a missing key or KDF failure.
	ErrEncryption = errors.New("session: encryption error")
	// ErrAuth indicates an auth tag or digest mismatch.
	ErrAuth = errors.New("session: authentication failed")
	// ErrReplay indicates a sequence counter at or below the high-water mark.
	ErrReplay = errors.New("session: replay detected")
	// ErrVersion indicates an unrecognized envelope version byte.
	ErrVersion = errors.New("session: unknown envelope version")
	// ErrNoSessionCode indicates an operation requiring a session code was
	// attempted before one was configured.
	ErrNoSessionCode = errors.New("session: no session code configured")
)

// AuthState mirrors the spec's per-peer handshake authentication state
// machine.
type AuthState int

const (
	AuthUnknown AuthState = iota
	AuthHandshakePending
	AuthAuthenticated
	AuthRejected
	AuthExpired
)

func (s AuthState) String() string {
	switch s {
	case AuthUnknown:
		return "Unknown"
	case AuthHandshakePending:
		return "HandshakePending"
	case AuthAuthenticated:
		return "Authenticated"
	case AuthRejected:
		return "Rejected"
	case AuthExpired:
		return "Expired"
	default:
		return "Invalid"
	}
}

// KeyPair holds a 32-byte encryption key and a 32-byte MAC key derived from
// a session code.
type KeyPair struct {
	EncKey [32]byte
	MACKey [32]byte
}

// peerState is the Manager's per-peer bookkeeping: sequence counters,
// handshake state, and pending challenge material.
type peerState struct {
	outboundSeq      uint64
	inboundHighWater uint64
	authState        AuthState
	challenge        []byte
}

// Manager holds local peer identity, the current session code, derived
// keys, rotation counter, and per-peer replay/auth state. One mutex, held
// only around key operations and counter updates, per the concurrency
// model's locking discipline.
type Manager struct {
	localPeerID PeerID

	mu                 sync.Mutex
	sessionCode        string
	sessionCodeHash    [32]byte
	encryptionEnabled  bool
	legacyEnvelopeMode bool
	current            *KeyPair
	previous           *KeyPair
	rotationCounter    uint64
	kdfIterations      int
	peers              map[PeerID]*peerState
}

// NewManager creates a Manager for localPeerID with the default KDF
// iteration count.
func NewManager(localPeerID PeerID) *Manager {
	return &Manager{
		localPeerID:   localPeerID,
		kdfIterations: DefaultKDFIterations,
		peers:         make(map[PeerID]*peerState),
	}
}

// LocalPeerID returns this manager's local peer identity.
func (m *Manager) LocalPeerID() PeerID {
	return m.localPeerID
}

// SetEncryptionEnabled toggles envelope encryption. Enabling it derives
// keys from the current session code if none are held yet.
func (m *Manager) SetEncryptionEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encryptionEnabled = enabled

	if enabled && m.current == nil && m.sessionCode != "" {
		kp, err := deriveKeyPairLocked(m.sessionCode, sessionSalt(m.sessionCode, m.rotationCounter), m.kdfIterations)
		if err == nil {
			m.current = &kp
		}
	}
}

// EncryptionEnabled reports whether envelope encryption is active.
func (m *Manager) EncryptionEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encryptionEnabled
}

// SetLegacyEnvelopeMode selects which envelope version Encrypt produces:
// version 1 (CBC-then-HMAC) when enabled, version 2 (AES-256-GCM,
// the default) otherwise. Decrypt always accepts both regardless of this
// setting, per §3's envelope layout documenting CBC as an equally
// authoritative, if legacy, wire version rather than a decode-only relic.
// A peer set to legacy mode talks CBC to everyone; this is a deployment-
// wide compatibility toggle (e.g. interop with a peer whose crypto layer
// lacks GCM), not negotiated per peer.
func (m *Manager) SetLegacyEnvelopeMode(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacyEnvelopeMode = enabled
}

// LegacyEnvelopeMode reports whether Encrypt currently produces version-1
// CBC+HMAC envelopes instead of version-2 GCM ones.
func (m *Manager) LegacyEnvelopeMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.legacyEnvelopeMode
}

// SetSessionCode rederives keys (if encryption is enabled) and clears all
// per-peer state, since a new session code implies a new trust domain.
func (m *Manager) SetSessionCode(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessionCode = code
	m.sessionCodeHash = HashSessionCode(code)
	m.peers = make(map[PeerID]*peerState)
	m.rotationCounter = 0
	m.previous = nil

	if !m.encryptionEnabled || code == "" {
		m.current = nil
		return nil
	}

	kp, err := deriveKeyPairLocked(code, sessionSalt(code, m.rotationCounter), m.kdfIterations)
	if err != nil {
		return fmt.Errorf("set session code: %w", err)
	}
	m.current = &kp
	return nil
}

// SessionCodeHash returns the persisted hash of the current session code
// (never the code itself — the spec forbids transmitting it in cleartext).
func (m *Manager) SessionCodeHash() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCodeHash
}

// RotateKey increments the rotation counter and derives a new key pair,
// retaining the previous pair for one grace window (one envelope
// lifetime) so in-flight messages encrypted under the old key still
// decrypt.
func (m *Manager) RotateKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionCode == "" {
		return fmt.Errorf("rotate key: %w", ErrNoSessionCode)
	}

	m.rotationCounter++
	kp, err := deriveKeyPairLocked(m.sessionCode, sessionSalt(m.sessionCode, m.rotationCounter), m.kdfIterations)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	m.previous = m.current
	m.current = &kp
	return nil
}

// ensurePeerLocked returns (creating if needed) the peerState for peer.
// Caller must hold mu.
func (m *Manager) ensurePeerLocked(peer PeerID) *peerState {
	ps, ok := m.peers[peer]
	if !ok {
		ps = &peerState{authState: AuthUnknown}
		m.peers[peer] = ps
	}
	return ps
}

// NextOutboundCounter returns the next strictly-increasing sequence number
// to use for peer and advances the stored counter past it, satisfying
// invariant 3 (the stored outbound counter is strictly greater than any
// sequence already sent).
func (m *Manager) NextOutboundCounter(peer PeerID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.ensurePeerLocked(peer)
	ps.outboundSeq++
	return ps.outboundSeq
}

// VerifyInboundCounter accepts c iff it is strictly greater than the
// stored high-water mark for peer, then advances the mark (invariant 4).
func (m *Manager) VerifyInboundCounter(peer PeerID, c uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := m.ensurePeerLocked(peer)
	if c <= ps.inboundHighWater {
		return fmt.Errorf("verify inbound counter %d <= high water %d: %w", c, ps.inboundHighWater, ErrReplay)
	}
	ps.inboundHighWater = c
	return nil
}

// AuthStateFor returns the current handshake auth state for peer.
func (m *Manager) AuthStateFor(peer PeerID) AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensurePeerLocked(peer).authState
}

// SetAuthState updates the handshake auth state for peer.
func (m *Manager) SetAuthState(peer PeerID, state AuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensurePeerLocked(peer).authState = state
}

// ForgetPeer drops all per-peer state, e.g. on disconnect.
func (m *Manager) ForgetPeer(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
}

// currentKeysLocked returns the active and previous key pairs. Caller must
// hold mu.
func (m *Manager) currentKeysLocked() (*KeyPair, *KeyPair) {
	return m.current, m.previous
}

// NewPeerID generates a random process-local peer identifier.
func NewPeerID() (PeerID, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("new peer id: %w", err)
	}
	return PeerID(encodeToken(buf[:])), nil
}

// randomNonce returns n cryptographically random bytes.
func randomNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("random nonce: %w", err)
	}
	return buf, nil
}

// handshakeTimeout bounds each handshake receive per the concurrency
// model's timeout table.
const handshakeTimeout = 10 * time.Second
