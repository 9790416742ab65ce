package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
)

// privateToX25519 is SHA-512(seed)[:32]; X25519 clamps the scalar itself.
func privateToX25519(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	out := make([]byte, 32)
	copy(out, h[:32])
	return out
}

// publicToX25519 maps an ed25519 point to its Montgomery form.
func publicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// PeerKeyString formats a transport static key the way PeerKey does.
func PeerKeyString(x25519Pub []byte) string {
	return hex.EncodeToString(x25519Pub)
}
