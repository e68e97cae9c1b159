// Package receipt produces a verifiable artifact for every settled trade:
// the swap payload serialized as RFC 8785 canonical JSON, its sha256
// digest, and optionally an ed25519 signature over the canonical bytes.
package receipt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(raw)
}

func Digest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Signer digests, and when configured with a key also signs, trade
// payloads. The zero Signer digests only.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner parses a base64 ed25519 private key. An empty string yields a
// digest-only signer.
func NewSigner(b64Key string) (Signer, error) {
	b64Key = strings.TrimSpace(b64Key)
	if b64Key == "" {
		return Signer{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return Signer{}, fmt.Errorf("decode receipt signing key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return Signer{}, fmt.Errorf("invalid ed25519 private key length: %d", len(b))
	}
	return Signer{key: ed25519.PrivateKey(b)}, nil
}

// Seal returns the canonical payload bytes, their hex digest, and a base64
// signature (empty when the signer holds no key).
func (s Signer) Seal(payload any) (canonical []byte, digest string, signature string, err error) {
	canonical, err = CanonicalJSON(payload)
	if err != nil {
		return nil, "", "", err
	}
	digest = Digest(canonical)
	if s.key != nil {
		signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, canonical))
	}
	return canonical, digest, signature, nil
}

// Verify checks a base64 signature over canonical payload bytes.
func Verify(publicKey ed25519.PublicKey, canonical []byte, sigB64 string) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid ed25519 public key length: %d", len(publicKey))
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return false, err
	}
	return ed25519.Verify(publicKey, canonical, sig), nil
}
