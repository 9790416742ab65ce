// Package identity manages a node's ed25519 keypair. The same key signs
// the SSH console's host key exchange and, converted to X25519, serves as
// the static key of the remote transport.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flynn/noise"
	"golang.org/x/crypto/ssh"
)

// Identity is a loaded keypair with the forms derived from it.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Fingerprint string // OpenSSH SHA256 fingerprint
	SSHSigner   ssh.Signer

	noiseKey noise.DHKey
}

// Load reads the PKCS8 PEM private key at keyFile. When the file does not
// exist a fresh keypair is generated and written there, with the public
// half in OpenSSH format next to it as keyFile + ".pub".
func Load(keyFile string) (*Identity, error) {
	privPEM, err := os.ReadFile(keyFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		return generate(keyFile)
	}
	return parse(privPEM)
}

// Ephemeral returns an identity that lives only in memory, for clients
// that dial without a configured key.
func Ephemeral() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return fromPrivate(priv)
}

func generate(keyFile string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	id, err := fromPrivate(priv)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("creating identity dir: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if err := os.WriteFile(keyFile, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	pubLine := ssh.MarshalAuthorizedKey(id.SSHSigner.PublicKey())
	if err := os.WriteFile(keyFile+".pub", pubLine, 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	return id, nil
}

func parse(privPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}
	rawKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := rawKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ED25519")
	}
	return fromPrivate(priv)
}

func fromPrivate(priv ed25519.PrivateKey) (*Identity, error) {
	pub := priv.Public().(ed25519.PublicKey)
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating SSH signer: %w", err)
	}
	xpub, err := publicToX25519(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{
		PrivateKey:  priv,
		PublicKey:   pub,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		SSHSigner:   signer,
		noiseKey:    noise.DHKey{Private: privateToX25519(priv), Public: xpub},
	}, nil
}

// NoiseKey returns the X25519 static keypair for the transport handshake.
func (id *Identity) NoiseKey() noise.DHKey {
	return id.noiseKey
}

// PeerKey returns the hex X25519 public key other nodes see after the
// handshake; allow-lists name peers by it.
func (id *Identity) PeerKey() string {
	return PeerKeyString(id.noiseKey.Public)
}
