package keys

import (
	"strings"
	"testing"
)

func TestNewAPIKey(t *testing.T) {
	k1, err := NewAPIKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if !strings.HasPrefix(k1, "abx_") {
		t.Fatalf("key %q missing prefix", k1)
	}
	k2, err := NewAPIKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if k1 == k2 {
		t.Fatal("two keys must differ")
	}
}

func TestHashAPIKey(t *testing.T) {
	h := HashAPIKey("pepper", "abx_token")
	if len(h) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h))
	}
	if h != HashAPIKey("pepper", "abx_token") {
		t.Fatal("hash must be deterministic")
	}
	if h == HashAPIKey("other", "abx_token") {
		t.Fatal("pepper must change the hash")
	}
	if h == HashAPIKey("pepper", "abx_other") {
		t.Fatal("key must change the hash")
	}
}
