package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Identity is the node keypair plus its derived identifier.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	NodeID     string // hex(sha256(public key))
}

// Load reads the keypair from <dataDir>/identity/node.key, generating and
// persisting a fresh one when the file does not exist yet.
func Load(dataDir string) (*Identity, error) {
	keyDir := filepath.Join(dataDir, "identity")
	privPath := filepath.Join(keyDir, "node.key")

	privPEM, err := os.ReadFile(privPath)
	if errors.Is(err, fs.ErrNotExist) {
		return generate(keyDir, privPath, filepath.Join(keyDir, "node.pub"))
	}
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return parse(privPEM)
}

func generate(keyDir, privPath, pubPath string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("creating identity dir: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	// The public half goes out in OpenSSH format so it can be pasted
	// straight into an authorized_clients file or pinned by a client.
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	return fromKeyPair(priv, pub), nil
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
		return nil, fmt.Errorf("key is %T, not ed25519", rawKey)
	}
	return fromKeyPair(priv, priv.Public().(ed25519.PublicKey)), nil
}

func fromKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	sum := sha256.Sum256(pub)
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		NodeID:     hex.EncodeToString(sum[:]),
	}
}
