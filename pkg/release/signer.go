package release

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer signs release content hashes with an Ed25519 key derived from a
// configured secret, so every process sharing the secret signs identically.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner derives the signing key from secret with HKDF-SHA256.
func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("release: signing secret must be at least 32 bytes")
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte("regtruth-release-kdf"), []byte("release-signing"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the hex signature over a release's version and content hash.
func (s *Signer) Sign(version, contentHash string) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, signingInput(version, contentHash)))
}

// Verify checks a hex signature.
func (s *Signer) Verify(version, contentHash, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, signingInput(version, contentHash), sig)
}

// PublicKey returns the hex public key consumers verify against.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

func signingInput(version, contentHash string) []byte {
	return []byte("regtruth-release:" + version + ":" + contentHash)
}
