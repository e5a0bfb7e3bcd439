package session

import "testing"

func TestDeriveKeyPairDeterministic(t *testing.T) {
	salt := []byte("fixed-salt")
	a, err := DeriveKeyPair("code123", salt, 1000)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKeyPair("code123", salt, 1000)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.EncKey != b.EncKey || a.MACKey != b.MACKey {
		t.Fatal("expected deterministic derivation for identical inputs")
	}
}

func TestDeriveKeyPairRejectsEmptyCode(t *testing.T) {
	if _, err := DeriveKeyPair("", []byte("s"), 1000); err == nil {
		t.Fatal("expected error for empty session code")
	}
}

func TestDeriveKeyPairEnforcesMinimumIterations(t *testing.T) {
	// A caller-supplied iteration count below the floor is silently raised,
	// never lowered, so this must not error and must still be deterministic.
	a, err := DeriveKeyPair("code", []byte("salt"), 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveKeyPair("code", []byte("salt"), DefaultKDFIterations)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.EncKey != b.EncKey {
		t.Fatal("expected iteration floor to produce identical keys regardless of requested count")
	}
}
