package identity

import (
	"crypto/sha256"
	"testing"
)

func TestSignRecoverRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte("settlement message"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("expected %d-byte signature, got %d", SignatureLength, len(sig))
	}

	addr, err := Recover(digest, sig)
	if err != nil {
		t.Fatal(err)
	}
	if addr != key.Address() {
		t.Fatalf("recovered %s, want %s", addr, key.Address())
	}
}

func TestRecoverWrongDigest(t *testing.T) {
	key, _ := GenerateKey()
	digest := sha256.Sum256([]byte("signed message"))
	other := sha256.Sum256([]byte("different message"))

	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := Recover(other, sig)
	if err == nil && addr == key.Address() {
		t.Fatal("signature over one digest must not recover to the signer for another digest")
	}
}

func TestRecoverRejectsBadLength(t *testing.T) {
	digest := sha256.Sum256([]byte("x"))
	if _, err := Recover(digest, make([]byte, 64)); err == nil {
		t.Fatal("expected error for 64-byte signature")
	}
}

func TestParseAddress(t *testing.T) {
	key, _ := GenerateKey()
	parsed, err := ParseAddress(key.Address().Hex())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != key.Address() {
		t.Fatalf("parsed %s, want %s", parsed, key.Address())
	}

	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatal("expected error for short address")
	}
	if !ZeroAddress.IsZero() {
		t.Fatal("zero address must report IsZero")
	}
}

func TestKeyHexRoundtrip(t *testing.T) {
	key, _ := GenerateKey()
	loaded, err := KeyFromHex(key.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("reloaded key address %s, want %s", loaded.Address(), key.Address())
	}
}
