package session

import "testing"

func TestHandshakeFullRoundTrip(t *testing.T) {
	alice, bob := newTestManagers(t)

	helloMsg, clientNonce, err := alice.BuildHello()
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}

	peerID, codeHash, gotClientNonce, err := ParseHello(helloMsg)
	if err != nil {
		t.Fatalf("parse hello: %v", err)
	}
	if peerID != "alice" {
		t.Fatalf("got peer id %q", peerID)
	}
	if codeHash != bob.SessionCodeHash() && codeHash != alice.SessionCodeHash() {
		t.Fatalf("code hash mismatch")
	}

	challengeMsg, serverNonce, err := bob.BuildChallenge(gotClientNonce)
	if err != nil {
		t.Fatalf("build challenge: %v", err)
	}

	serverPeer, echoedNonce, gotServerNonce, err := ParseChallenge(challengeMsg)
	if err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	if serverPeer != "bob" {
		t.Fatalf("got server peer %q", serverPeer)
	}
	if string(echoedNonce) != string(clientNonce) {
		t.Fatal("echoed nonce mismatch")
	}

	authMsg, err := alice.BuildAuth(clientNonce, gotServerNonce, serverPeer)
	if err != nil {
		t.Fatalf("build auth: %v", err)
	}

	clientPeer, digest, err := ParseAuth(authMsg)
	if err != nil {
		t.Fatalf("parse auth: %v", err)
	}

	if err := bob.VerifyAuthDigest(clientPeer, clientNonce, serverNonce, digest); err != nil {
		t.Fatalf("verify auth digest: %v", err)
	}
	if bob.AuthStateFor(clientPeer) != AuthAuthenticated {
		t.Fatalf("expected authenticated state")
	}

	welcomeMsg, err := bob.BuildWelcome(clientNonce, serverNonce, clientPeer)
	if err != nil {
		t.Fatalf("build welcome: %v", err)
	}

	welcomePeer, welcomeDigest, err := ParseWelcome(welcomeMsg)
	if err != nil {
		t.Fatalf("parse welcome: %v", err)
	}
	if err := alice.VerifyWelcomeDigest(welcomePeer, clientNonce, serverNonce, welcomeDigest); err != nil {
		t.Fatalf("verify welcome digest: %v", err)
	}
}

func TestHandshakeRejectsLoopbackPeer(t *testing.T) {
	alice, _ := newTestManagers(t)
	if err := alice.VerifyAuthDigest("alice", nil, nil, nil); err == nil {
		t.Fatal("expected loopback rejection")
	}
}

func TestHandshakeAcceptsLegacyProtocolTagOnParse(t *testing.T) {
	// Build a hello but splice in the legacy prefix where BuildHello would
	// have used the modern one.
	alice, _ := newTestManagers(t)
	msg, _, err := alice.BuildHello()
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}

	legacy := legacyProtocolTag + msg[len(protocolTag):]
	if _, _, _, err := ParseHello(legacy); err != nil {
		t.Fatalf("expected legacy-tagged hello to parse, got: %v", err)
	}
}

func TestVerifyAuthDigestRejectsWrongDigest(t *testing.T) {
	alice, bob := newTestManagers(t)
	if err := bob.VerifyAuthDigest("alice", []byte("a"), []byte("b"), []byte("not-a-real-digest")); err == nil {
		t.Fatal("expected digest mismatch error")
	}
	if bob.AuthStateFor("alice") != AuthRejected {
		t.Fatalf("expected rejected state after bad digest")
	}
	_ = alice
}
