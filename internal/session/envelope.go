package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// Envelope versions (spec's Encrypted Message Envelope, §3/§6).
const (
	// VersionCBCHMAC is the legacy CBC-then-HMAC envelope format.
	VersionCBCHMAC = 1
	// VersionGCM is the current AES-256-GCM envelope format. Any value
	// >= 2 is a GCM-family version; VersionGCM is the one this
	// implementation emits.
	VersionGCM = 2
)

const (
	gcmNonceSize = 12
	cbcIVSize    = 16
	gcmTagSize   = 16
	hmacSize     = 32
)

// Envelope models the wire layout of §3 Data Model exactly.
type Envelope struct {
	Version    byte
	Sequence   uint64
	Nonce      []byte // 16 bytes for CBC (IV), 12 bytes for GCM
	Ciphertext []byte // includes the 16-byte GCM tag, appended, for GCM
	HMAC       []byte // 32 bytes, CBC mode only; nil for GCM
}

// MarshalEnvelope serializes e into the authoritative wire layout.
func MarshalEnvelope(e Envelope) []byte {
	size := 1 + 8 + len(e.Nonce) + len(e.Ciphertext) + len(e.HMAC)
	buf := make([]byte, 0, size)

	buf = append(buf, e.Version)

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Sequence)
	buf = append(buf, seq[:]...)

	buf = append(buf, e.Nonce...)
	buf = append(buf, e.Ciphertext...)
	buf = append(buf, e.HMAC...)

	return buf
}

// UnmarshalEnvelope parses the wire layout produced by MarshalEnvelope.
// The nonce/ciphertext/HMAC split depends on the version byte: CBC mode
// carries a trailing 32-byte HMAC, GCM mode does not.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	if len(data) < 1+8 {
		return Envelope{}, fmt.Errorf("unmarshal envelope: short header: %w", ErrVersion)
	}

	version := data[0]
	sequence := binary.BigEndian.Uint64(data[1:9])
	rest := data[9:]

	switch {
	case version == VersionCBCHMAC:
		if len(rest) < cbcIVSize+hmacSize {
			return Envelope{}, fmt.Errorf("unmarshal envelope: short cbc body: %w", ErrVersion)
		}
		nonce := rest[:cbcIVSize]
		body := rest[cbcIVSize:]
		mac := body[len(body)-hmacSize:]
		ciphertext := body[:len(body)-hmacSize]

		return Envelope{
			Version:    version,
			Sequence:   sequence,
			Nonce:      append([]byte(nil), nonce...),
			Ciphertext: append([]byte(nil), ciphertext...),
			HMAC:       append([]byte(nil), mac...),
		}, nil

	case version >= VersionGCM:
		if len(rest) < gcmNonceSize {
			return Envelope{}, fmt.Errorf("unmarshal envelope: short gcm body: %w", ErrVersion)
		}
		nonce := rest[:gcmNonceSize]
		ciphertext := rest[gcmNonceSize:]

		return Envelope{
			Version:    version,
			Sequence:   sequence,
			Nonce:      append([]byte(nil), nonce...),
			Ciphertext: append([]byte(nil), ciphertext...),
		}, nil

	default:
		return Envelope{}, fmt.Errorf("unmarshal envelope: version %d: %w", version, ErrVersion)
	}
}

// Encrypt wraps plaintext for peer using the active key pair. It produces
// a version-2 AES-256-GCM envelope, or a version-1 CBC-then-HMAC envelope
// if SetLegacyEnvelopeMode(true) selected the legacy wire format. The
// returned Envelope carries a strictly-increasing sequence number obtained
// from NextOutboundCounter, satisfying invariant 3.
func (m *Manager) Encrypt(plaintext []byte, peer PeerID) (Envelope, error) {
	m.mu.Lock()
	current, _ := m.currentKeysLocked()
	legacy := m.legacyEnvelopeMode
	m.mu.Unlock()

	if current == nil {
		return Envelope{}, fmt.Errorf("encrypt: %w", ErrEncryption)
	}

	seq := m.NextOutboundCounter(peer)
	if legacy {
		return encryptCBC(*current, seq, plaintext)
	}
	return encryptGCM(current.EncKey, seq, plaintext)
}

// Decrypt unwraps env for peer. Decryption failure (auth, replay, version)
// returns a nil plaintext and a non-nil error; it never returns partial
// data. Both the current and previous (grace-window) key pairs are tried
// before reporting failure, so a message encrypted just before a key
// rotation still decrypts.
func (m *Manager) Decrypt(env Envelope, peer PeerID) ([]byte, error) {
	if err := m.VerifyInboundCounter(peer, env.Sequence); err != nil {
		return nil, err
	}

	m.mu.Lock()
	current, previous := m.currentKeysLocked()
	m.mu.Unlock()

	if current == nil {
		return nil, fmt.Errorf("decrypt: %w", ErrEncryption)
	}

	plaintext, err := decryptEnvelope(env, *current)
	if err == nil {
		return plaintext, nil
	}
	if previous != nil {
		if plaintext, err2 := decryptEnvelope(env, *previous); err2 == nil {
			return plaintext, nil
		}
	}
	return nil, err
}

func decryptEnvelope(env Envelope, kp KeyPair) ([]byte, error) {
	switch {
	case env.Version == VersionCBCHMAC:
		return decryptCBC(kp, env)
	case env.Version >= VersionGCM:
		return decryptGCM(kp.EncKey, env)
	default:
		return nil, fmt.Errorf("decrypt: version %d: %w", env.Version, ErrVersion)
	}
}

// encryptGCM implements the version >= 2 path: 12-byte random nonce, AAD =
// version || sequence, 16-byte tag appended to the ciphertext.
func encryptGCM(key [32]byte, seq uint64, plaintext []byte) (Envelope, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt gcm: %w: %w", ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt gcm: %w: %w", ErrEncryption, err)
	}

	nonce, err := randomNonce(gcmNonceSize)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt gcm: %w: %w", ErrEncryption, err)
	}

	aad := gcmAAD(VersionGCM, seq)
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)

	return Envelope{
		Version:    VersionGCM,
		Sequence:   seq,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

func decryptGCM(key [32]byte, env Envelope) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt gcm: %w: %w", ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("decrypt gcm: %w: %w", ErrEncryption, err)
	}

	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("decrypt gcm: bad nonce length: %w", ErrAuth)
	}

	aad := gcmAAD(env.Version, env.Sequence)
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt gcm: %w", ErrAuth)
	}
	return plaintext, nil
}

func gcmAAD(version byte, seq uint64) []byte {
	aad := make([]byte, 9)
	aad[0] = version
	binary.BigEndian.PutUint64(aad[1:], seq)
	return aad
}

// encryptCBC implements the legacy version 1 path: PKCS#7 padding, random
// 16-byte IV, HMAC over version || sequence || IV || ciphertext.
func encryptCBC(kp KeyPair, seq uint64, plaintext []byte) (Envelope, error) {
	block, err := aes.NewCipher(kp.EncKey[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt cbc: %w: %w", ErrEncryption, err)
	}

	iv, err := randomNonce(cbcIVSize)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt cbc: %w: %w", ErrEncryption, err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := cbcHMAC(kp.MACKey, VersionCBCHMAC, seq, iv, ciphertext)

	return Envelope{
		Version:    VersionCBCHMAC,
		Sequence:   seq,
		Nonce:      iv,
		Ciphertext: ciphertext,
		HMAC:       mac,
	}, nil
}

func decryptCBC(kp KeyPair, env Envelope) ([]byte, error) {
	expected := cbcHMAC(kp.MACKey, env.Version, env.Sequence, env.Nonce, env.Ciphertext)
	if subtle.ConstantTimeCompare(expected, env.HMAC) != 1 {
		return nil, fmt.Errorf("decrypt cbc: %w", ErrAuth)
	}

	block, err := aes.NewCipher(kp.EncKey[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt cbc: %w: %w", ErrEncryption, err)
	}
	if len(env.Ciphertext) == 0 || len(env.Ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("decrypt cbc: bad ciphertext length: %w", ErrAuth)
	}

	plaintext := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(block, env.Nonce).CryptBlocks(plaintext, env.Ciphertext)

	return pkcs7Unpad(plaintext)
}

func cbcHMAC(macKey [32]byte, version byte, seq uint64, iv, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, macKey[:])
	h.Write([]byte{version})
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: empty: %w", ErrAuth)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: bad length: %w", ErrAuth)
	}
	return data[:len(data)-padLen], nil
}
