package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"

	"github.com/nitinics/openr/internal/identity"
)

// EdPrivateToX25519 derives an X25519 private key from an ed25519 private
// key: SHA-512(seed)[:32]. X25519 clamps internally.
func EdPrivateToX25519(edPriv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(edPriv.Seed())
	out := make([]byte, 32)
	copy(out, h[:32])
	return out
}

// EdPublicToX25519 converts an ed25519 public key to its Montgomery form.
func EdPublicToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// NoiseKeypair returns the identity's keypair as a Noise static key.
func NoiseKeypair(id *identity.Identity) (noise.DHKey, error) {
	return NoiseKeypairFromKey(id.PrivateKey)
}

// NoiseKeypairFromKey derives a Noise static key from a bare ed25519
// private key.
func NoiseKeypairFromKey(edPriv ed25519.PrivateKey) (noise.DHKey, error) {
	pub, err := EdPublicToX25519(edPriv.Public().(ed25519.PublicKey))
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{
		Private: EdPrivateToX25519(edPriv),
		Public:  pub,
	}, nil
}
