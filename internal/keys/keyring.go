package keys

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/riskgate/internal/config"
	"github.com/oktsec/riskgate/internal/safefile"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sentinel errors returned by the keyring.
var (
	ErrKeyNotFound         = errors.New("encryption key not found")
	ErrKeyInactive         = errors.New("encryption key inactive")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrBadSignature        = errors.New("signature verification failed")
)

const (
	masterFile      = "master.key"
	masterPEMType   = "RISKGATE MASTER SECRET"
	masterSize      = 32
	attestationName = "attestation"

	// CiphertextPrefix marks a string produced by Seal.
	CiphertextPrefix = "enc:"
)

// Spec declares one named encryption key.
type Spec struct {
	Name           string
	Algorithm      string
	RotationPeriod time.Duration
	Disabled       bool
}

// SpecsFromConfig converts configured encryption keys, sorted by name.
func SpecsFromConfig(items map[string]config.EncryptionKey) []Spec {
	specs := make([]Spec, 0, len(items))
	for name, k := range items {
		specs = append(specs, Spec{
			Name:           name,
			Algorithm:      k.Algorithm,
			RotationPeriod: k.RotationPeriod,
			Disabled:       k.Disabled,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Key is a snapshot of a keyring entry. Subkey bytes never leave the keyring.
type Key struct {
	Name           string        `json:"name"`
	Algorithm      string        `json:"algorithm"`
	RotationPeriod time.Duration `json:"rotation_period"`
	Version        int           `json:"version"`
	Active         bool          `json:"active"`
	Usage          uint64        `json:"usage"`
	RotatedAt      time.Time     `json:"rotated_at"`
}

// RotationDue reports whether the key has outlived its rotation period.
func (k Key) RotationDue(now time.Time) bool {
	return k.RotationPeriod > 0 && now.Sub(k.RotatedAt) >= k.RotationPeriod
}

// Keyring derives per-key XChaCha20-Poly1305 subkeys from a master secret
// and holds the attestation keypair.
type Keyring struct {
	mu      sync.Mutex
	master  []byte
	keys    map[string]*Key
	attest  *Keypair
	nowFunc func() time.Time
}

// NewKeyring builds a keyring over master. attest may be nil, in which case
// an ephemeral attestation keypair is generated.
func NewKeyring(master []byte, specs []Spec, attest *Keypair) (*Keyring, error) {
	if len(master) < masterSize {
		return nil, fmt.Errorf("master secret must be at least %d bytes", masterSize)
	}
	if attest == nil {
		var err error
		attest, err = GenerateKeypair(attestationName)
		if err != nil {
			return nil, err
		}
	}
	kr := &Keyring{
		master:  append([]byte(nil), master...),
		keys:    make(map[string]*Key, len(specs)),
		attest:  attest,
		nowFunc: time.Now,
	}
	now := kr.nowFunc()
	for _, s := range specs {
		kr.keys[s.Name] = &Key{
			Name:           s.Name,
			Algorithm:      s.Algorithm,
			RotationPeriod: s.RotationPeriod,
			Version:        1,
			Active:         !s.Disabled,
			RotatedAt:      now,
		}
	}
	return kr, nil
}

// NewEphemeral builds a keyring over a random master secret. Nothing is
// persisted; ciphertexts do not survive a restart.
func NewEphemeral(specs []Spec) (*Keyring, error) {
	master := make([]byte, masterSize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generating master secret: %w", err)
	}
	return NewKeyring(master, specs, nil)
}

// OpenDir loads (or creates) the master secret and attestation keypair in dir.
func OpenDir(dir string, specs []Spec) (*Keyring, error) {
	master, _, err := LoadOrCreateMaster(dir)
	if err != nil {
		return nil, err
	}
	attest, _, err := LoadOrCreateKeypair(dir, attestationName)
	if err != nil {
		return nil, fmt.Errorf("attestation key: %w", err)
	}
	return NewKeyring(master, specs, attest)
}

// LoadOrCreateMaster reads <dir>/master.key, generating it on first use.
func LoadOrCreateMaster(dir string) (master []byte, created bool, err error) {
	path := filepath.Join(dir, masterFile)
	data, err := safefile.ReadFileMax(path, safefile.MaxKeyBytes)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != masterPEMType || len(block.Bytes) < masterSize {
			return nil, false, fmt.Errorf("invalid master secret in %s", path)
		}
		return block.Bytes, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("reading master secret: %w", err)
	}

	master = make([]byte, masterSize)
	if _, err := rand.Read(master); err != nil {
		return nil, false, fmt.Errorf("generating master secret: %w", err)
	}
	block := &pem.Block{Type: masterPEMType, Bytes: master}
	if err := safefile.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, false, fmt.Errorf("writing master secret: %w", err)
	}
	return master, true, nil
}

// SetClock overrides the time source used for rotation bookkeeping.
func (kr *Keyring) SetClock(now func() time.Time) {
	kr.mu.Lock()
	kr.nowFunc = now
	kr.mu.Unlock()
}

// Attestor returns the attestation keypair.
func (kr *Keyring) Attestor() *Keypair { return kr.attest }

// Key returns a snapshot of the named key.
func (kr *Keyring) Key(name string) (Key, bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	k, ok := kr.keys[name]
	if !ok {
		return Key{}, false
	}
	return *k, true
}

// Keys returns snapshots of every key sorted by name.
func (kr *Keyring) Keys() []Key {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	out := make([]Key, 0, len(kr.keys))
	for _, k := range kr.keys {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetActive toggles whether the key may be used for new encryptions.
// Decryption with an inactive key is still allowed.
func (kr *Keyring) SetActive(name string, active bool) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	k, ok := kr.keys[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	k.Active = active
	return nil
}

// Rotate advances the key to a new version. Older versions stay decryptable.
func (kr *Keyring) Rotate(name string) (int, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	k, ok := kr.keys[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	k.Version++
	k.RotatedAt = kr.nowFunc()
	return k.Version, nil
}

// RotateDue rotates every active key whose rotation period has elapsed and
// returns their names.
func (kr *Keyring) RotateDue() []string {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	now := kr.nowFunc()
	var rotated []string
	for name, k := range kr.keys {
		if k.Active && k.RotationDue(now) {
			k.Version++
			k.RotatedAt = now
			rotated = append(rotated, name)
		}
	}
	sort.Strings(rotated)
	return rotated
}

// Seal encrypts plaintext under the named key's current version and returns
// "enc:<key>:<version>:<base64(nonce|ciphertext)>". aad is authenticated but
// not stored.
func (kr *Keyring) Seal(name string, plaintext, aad []byte) (string, error) {
	kr.mu.Lock()
	k, ok := kr.keys[name]
	if !ok {
		kr.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if !k.Active {
		kr.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrKeyInactive, name)
	}
	version := k.Version
	k.Usage++
	kr.mu.Unlock()

	aead, err := kr.aead(name, version)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, aad)
	return CiphertextPrefix + name + ":" + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It fails if the ciphertext or aad was altered.
func (kr *Keyring) Open(ciphertext string, aad []byte) ([]byte, error) {
	name, version, blob, err := parseCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	kr.mu.Lock()
	k, ok := kr.keys[name]
	current := 0
	if ok {
		current = k.Version
	}
	kr.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if version < 1 || version > current {
		return nil, fmt.Errorf("%w: unknown version %d of %s", ErrMalformedCiphertext, version, name)
	}

	aead, err := kr.aead(name, version)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting with %s v%d: %w", name, version, err)
	}
	return pt, nil
}

// IsCiphertext reports whether s looks like Seal output.
func IsCiphertext(s string) bool {
	_, _, _, err := parseCiphertext(s)
	return err == nil
}

func parseCiphertext(s string) (name string, version int, blob []byte, err error) {
	if !strings.HasPrefix(s, CiphertextPrefix) {
		return "", 0, nil, ErrMalformedCiphertext
	}
	parts := strings.SplitN(strings.TrimPrefix(s, CiphertextPrefix), ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, nil, ErrMalformedCiphertext
	}
	version, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, nil, fmt.Errorf("%w: bad version", ErrMalformedCiphertext)
	}
	blob, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", 0, nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return parts[0], version, blob, nil
}

func (kr *Keyring) aead(name string, version int) (cipher.AEAD, error) {
	info := []byte("riskgate/" + name + "/v" + strconv.Itoa(version))
	subkey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, kr.master, nil, info), subkey); err != nil {
		return nil, fmt.Errorf("deriving subkey: %w", err)
	}
	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, fmt.Errorf("initialising cipher: %w", err)
	}
	return aead, nil
}
