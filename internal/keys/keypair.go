// Package keys manages riskgate's key material: the master secret that
// pipeline encryption subkeys are derived from, and the Ed25519 keypair used
// to attest integrity tags.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/oktsec/riskgate/internal/safefile"
)

const (
	privatePEMType = "RISKGATE ED25519 PRIVATE KEY"
	publicPEMType  = "RISKGATE ED25519 PUBLIC KEY"
)

// Keypair holds a named Ed25519 key pair.
type Keypair struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 key pair.
func GenerateKeypair(name string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Keypair{
		Name:       name,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// Save writes the keypair to disk as PEM files.
// Creates <dir>/<name>.key (private) and <dir>/<name>.pub (public).
func (kp *Keypair) Save(dir string) error {
	privBlock := &pem.Block{Type: privatePEMType, Bytes: kp.PrivateKey}
	if err := safefile.WriteFile(filepath.Join(dir, kp.Name+".key"), pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	pubBlock := &pem.Block{Type: publicPEMType, Bytes: kp.PublicKey}
	if err := safefile.WriteFile(filepath.Join(dir, kp.Name+".pub"), pem.EncodeToMemory(pubBlock), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadKeypair loads a keypair from disk. The public half is derived from the
// private key when the .pub file is missing.
func LoadKeypair(dir, name string) (*Keypair, error) {
	privPath := filepath.Join(dir, name+".key")
	privPEM, err := safefile.ReadFileMax(privPath, safefile.MaxKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil || block.Type != privatePEMType {
		return nil, fmt.Errorf("invalid PEM in %s", privPath)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size in %s", privPath)
	}
	priv := ed25519.PrivateKey(block.Bytes)

	pub, err := LoadPublicKey(dir, name)
	if err != nil {
		pub = priv.Public().(ed25519.PublicKey)
	}
	return &Keypair{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// LoadPublicKey loads only the public key from disk.
func LoadPublicKey(dir, name string) (ed25519.PublicKey, error) {
	pubPath := filepath.Join(dir, name+".pub")
	pubPEM, err := safefile.ReadFileMax(pubPath, safefile.MaxKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil || block.Type != publicPEMType || len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid PEM in %s", pubPath)
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// LoadOrCreateKeypair loads <dir>/<name>.key, generating and saving a new
// pair when none exists yet.
func LoadOrCreateKeypair(dir, name string) (kp *Keypair, created bool, err error) {
	kp, err = LoadKeypair(dir, name)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	kp, err = GenerateKeypair(name)
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(dir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// Sign returns the base64 Ed25519 signature of data.
func (kp *Keypair) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(kp.PrivateKey, data))
}

// Verify checks a base64 signature produced by Sign.
func Verify(pub ed25519.PublicKey, data []byte, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("invalid base64 signature: %w", err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}

// Fingerprint returns the SHA-256 hex fingerprint of a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}
