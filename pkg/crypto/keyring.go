package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SealingScheme names how SealedKey ciphertexts are produced.
const SealingScheme = "argon2id+xchacha20poly1305"

// argon2id parameters for passphrase stretching.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfSaltLen = 16
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrBadPassphrase = errors.New("key unseal failed")
)

// SealedKey is an Ed25519 seed encrypted at rest. The key ID is bound as
// associated data so ciphertexts cannot be swapped between entries.
type SealedKey struct {
	KeyID      string `json:"key_id"`
	Scheme     string `json:"scheme"`
	PublicKey  string `json:"public_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Seal encrypts kp's private key under passphrase.
func Seal(keyID string, kp KeyPair, passphrase []byte) (SealedKey, error) {
	if len(kp.PrivateKey) == 0 {
		return SealedKey{}, &CryptographicError{Op: "seal", Err: ErrMissingKey}
	}
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return SealedKey{}, &CryptographicError{Op: "seal", Err: err}
	}
	key := argon2.IDKey(passphrase, salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return SealedKey{}, &CryptographicError{Op: "seal", Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedKey{}, &CryptographicError{Op: "seal", Err: err}
	}

	seed := kp.PrivateKey
	if len(seed) > PrivateKeySize {
		seed = seed[:PrivateKeySize]
	}
	ct := aead.Seal(nil, nonce, seed, []byte(keyID))

	return SealedKey{
		KeyID:      keyID,
		Scheme:     SealingScheme,
		PublicKey:  hex.EncodeToString(kp.PublicKey),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ct),
	}, nil
}

func (k SealedKey) open(passphrase []byte) ([]byte, error) {
	if k.Scheme != SealingScheme {
		return nil, fmt.Errorf("unsupported sealing scheme %q", k.Scheme)
	}
	salt, err := hex.DecodeString(k.Salt)
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	nonce, err := hex.DecodeString(k.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	ct, err := hex.DecodeString(k.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, nonce, ct, []byte(k.KeyID))
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return seed, nil
}

// KeyRing holds sealed signing keys by ID. Plaintext key material only exists
// inside WithSigningKey and is zeroed before it returns.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]SealedKey
}

// NewKeyRing creates a new empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]SealedKey)}
}

// AddKey stores a sealed key, replacing any entry with the same ID.
func (k *KeyRing) AddKey(sk SealedKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[sk.KeyID] = sk
}

// RevokeKey removes a key from the keyring by ID.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
}

// KeyIDs lists key IDs in sorted order.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PublicKey returns the public half of keyID.
func (k *KeyRing) PublicKey(keyID string) ([]byte, error) {
	k.mu.RLock()
	sk, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return hex.DecodeString(sk.PublicKey)
}

// WithSigningKey unseals keyID and passes the seed to fn. The buffer is
// zeroed when fn returns; fn must not retain it.
func (k *KeyRing) WithSigningKey(keyID string, passphrase []byte, fn func(privateKey []byte) error) error {
	k.mu.RLock()
	sk, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return &CryptographicError{Op: "unseal", Err: fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)}
	}

	seed, err := sk.open(passphrase)
	if err != nil {
		return &CryptographicError{Op: "unseal", Err: err}
	}
	defer zero(seed)
	return fn(seed)
}

// SaveDir writes every key to dir as <key_id>.key.json.
func (k *KeyRing) SaveDir(dir string) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keyring: create dir: %w", err)
	}
	for id, sk := range k.keys {
		data, err := json.MarshalIndent(sk, "", "  ")
		if err != nil {
			return fmt.Errorf("keyring: marshal %s: %w", id, err)
		}
		if err := os.WriteFile(filepath.Join(dir, id+".key.json"), data, 0o600); err != nil {
			return fmt.Errorf("keyring: write %s: %w", id, err)
		}
	}
	return nil
}

// LoadDir reads every *.key.json file in dir.
func (k *KeyRing) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("keyring: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".key.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("keyring: read %s: %w", e.Name(), err)
		}
		var sk SealedKey
		if err := json.Unmarshal(data, &sk); err != nil {
			return fmt.Errorf("keyring: parse %s: %w", e.Name(), err)
		}
		k.AddKey(sk)
	}
	return nil
}

// RingSigner signs through a KeyRing, unsealing the key for each call.
type RingSigner struct {
	ring       *KeyRing
	keyID      string
	passphrase []byte
	publicKey  []byte
}

// NewRingSigner binds a signer to one key in ring.
func NewRingSigner(ring *KeyRing, keyID string, passphrase []byte) (*RingSigner, error) {
	pub, err := ring.PublicKey(keyID)
	if err != nil {
		return nil, err
	}
	return &RingSigner{ring: ring, keyID: keyID, passphrase: passphrase, publicKey: pub}, nil
}

func (s *RingSigner) Sign(digest []byte) ([]byte, error) {
	var sig []byte
	err := s.ring.WithSigningKey(s.keyID, s.passphrase, func(priv []byte) error {
		var signErr error
		sig, signErr = Sign(digest, priv)
		return signErr
	})
	return sig, err
}

func (s *RingSigner) PublicKey() []byte { return s.publicKey }

func (s *RingSigner) KeyID() string { return s.keyID }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
