package objects

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length in bytes of an object hash.
const HashSize = blake2b.Size256

// Hash names an immutable object by the blake2b-256 digest of its encoding.
// The zero Hash is reserved for "no object" (e.g. an unborn branch).
type Hash [HashSize]byte

// ZeroHash is the zero value of Hash.
var ZeroHash Hash

// Sum returns the hash of an encoded object.
func Sum(encoded []byte) Hash {
	return Hash(blake2b.Sum256(encoded))
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String returns the full lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated hex form for logs and console output.
func (h Hash) Short() string {
	if h.IsZero() {
		return "(none)"
	}
	return h.String()[:12]
}

// Bytes returns a copy of the raw digest, or nil for the zero hash.
func (h Hash) Bytes() []byte {
	if h.IsZero() {
		return nil
	}
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

// HashFromBytes converts a raw digest. An empty slice yields the zero hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) == 0 {
		return h, nil
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("hash length %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash parses the hex form produced by String.
func ParseHash(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("parsing hash: %w", err)
	}
	return HashFromBytes(raw)
}
