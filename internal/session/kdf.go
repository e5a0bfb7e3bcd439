package session

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations is the OWASP-floor PBKDF2-HMAC-SHA256 iteration
// count used unless a caller overrides it explicitly.
const DefaultKDFIterations = 310_000

// derivedKeyMaterialLen is 64 bytes: 32 for the encryption key, 32 for the
// MAC key.
const derivedKeyMaterialLen = 64

// DeriveKeyPair derives a KeyPair from (session code, salt, iterations)
// via PBKDF2-HMAC-SHA256, producing 64 bytes split into a 32-byte
// encryption key and a 32-byte MAC key.
//
// golang.org/x/crypto/pbkdf2 is named, not pack-grounded: no retrieved
// repo performs password-based key derivation, but x/crypto is the direct
// ecosystem sibling of golang.org/x/{net,sys,sync}, all three of which the
// teacher already imports.
func DeriveKeyPair(code string, salt []byte, iterations int) (KeyPair, error) {
	if code == "" {
		return KeyPair{}, fmt.Errorf("derive key pair: %w", ErrNoSessionCode)
	}
	if iterations < DefaultKDFIterations {
		iterations = DefaultKDFIterations
	}

	material := pbkdf2.Key([]byte(code), salt, iterations, derivedKeyMaterialLen, sha256.New)

	var kp KeyPair
	copy(kp.EncKey[:], material[:32])
	copy(kp.MACKey[:], material[32:])
	return kp, nil
}

func deriveKeyPairLocked(code string, salt []byte, iterations int) (KeyPair, error) {
	return DeriveKeyPair(code, salt, iterations)
}

// sessionSalt derives a fixed, deterministic salt from the session code and
// rotation counter, so every peer sharing the same code and rotation
// counter independently derives identical keys without exchanging a salt
// over the wire.
func sessionSalt(code string, rotationCounter uint64) []byte {
	h := sha256.New()
	h.Write([]byte("sentinelfs-salt"))
	h.Write([]byte(code))
	h.Write([]byte{
		byte(rotationCounter >> 56), byte(rotationCounter >> 48),
		byte(rotationCounter >> 40), byte(rotationCounter >> 32),
		byte(rotationCounter >> 24), byte(rotationCounter >> 16),
		byte(rotationCounter >> 8), byte(rotationCounter),
	})
	return h.Sum(nil)
}

// HashSessionCode returns the persisted hash of a session code. The code
// itself is never transmitted or stored in cleartext.
func HashSessionCode(code string) [32]byte {
	return sha256.Sum256([]byte("sentinelfs-code-hash:" + code))
}

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// encodeToken renders raw bytes as a short printable token, used for peer
// identifiers — the spec's "short human-shareable" flavor shared with
// session codes and (by analogy) the teacher's BFD discriminators.
func encodeToken(b []byte) string {
	return tokenEncoding.EncodeToString(b)
}
