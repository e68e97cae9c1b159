package receipt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func generateTestKey(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(priv), pub
}

func TestCanonicalJSONIsKeyOrderStable(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalJSON(map[string]any{"a": "x", "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	if Digest(a) != Digest(b) {
		t.Fatal("digests differ for identical canonical payloads")
	}
}

func TestSealWithoutKeyDigestsOnly(t *testing.T) {
	var s Signer
	canonical, digest, sig, err := s.Seal(map[string]string{"listing_id": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(canonical) == 0 || digest == "" {
		t.Fatal("expected canonical bytes and digest")
	}
	if sig != "" {
		t.Fatalf("expected no signature without a key, got %q", sig)
	}
}

func TestSealAndVerify(t *testing.T) {
	keyB64, pub := generateTestKey(t)
	s, err := NewSigner(keyB64)
	if err != nil {
		t.Fatal(err)
	}

	canonical, _, sig, err := s.Seal(map[string]string{"listing_id": "x", "proposal_id": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if sig == "" {
		t.Fatal("expected a signature")
	}

	ok, err := Verify(pub, canonical, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature did not verify")
	}

	tampered := append([]byte{}, canonical...)
	tampered[0] ^= 0xff
	ok, err = Verify(pub, tampered, sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("tampered payload verified")
	}
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	if _, err := NewSigner("not-base64!!"); err == nil {
		t.Fatal("expected error for non-base64 key")
	}
	if _, err := NewSigner(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for wrong-length key")
	}
}
