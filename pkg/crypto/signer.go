// Package crypto provides the signature primitives behind trust receipts:
// Ed25519 key generation, signing and verification, verify-only paths for
// externally issued secp256k1 and RSA-PSS credentials, and sealed key storage.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Key sizes, in bytes.
const (
	PrivateKeySize = ed25519.SeedSize
	PublicKeySize  = ed25519.PublicKeySize
)

// ErrMissingKey reports absent or malformed private key material.
var ErrMissingKey = errors.New("missing private key material")

// CryptographicError wraps a signing failure. It is never retried.
type CryptographicError struct {
	Op  string
	Err error
}

func (e *CryptographicError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptographicError) Unwrap() error { return e.Err }

// Severity is always "high": a signing failure means no receipt can be trusted.
func (e *CryptographicError) Severity() string { return "high" }

// KeyPair is an Ed25519 key pair. PrivateKey holds the 32-byte seed.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// PublicKeyHex returns the hex encoding of the public key.
func (k KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, &CryptographicError{Op: "generate", Err: err}
	}
	return KeyPair{PrivateKey: priv.Seed(), PublicKey: pub}, nil
}

// PublicKeyFromPrivate derives the public key from a 32-byte seed or a
// 64-byte expanded private key.
func PublicKeyFromPrivate(privateKey []byte) ([]byte, error) {
	priv, err := expand(privateKey)
	if err != nil {
		return nil, &CryptographicError{Op: "derive", Err: err}
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Sign signs digest with privateKey (seed or expanded form).
func Sign(digest, privateKey []byte) ([]byte, error) {
	priv, err := expand(privateKey)
	if err != nil {
		return nil, &CryptographicError{Op: "sign", Err: err}
	}
	return ed25519.Sign(priv, digest), nil
}

// Verify reports whether signature is a valid Ed25519 signature of digest.
// Empty or malformed inputs verify false; Verify never panics.
func Verify(signature, digest, publicKey []byte) bool {
	if len(signature) != ed25519.SignatureSize || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), digest, signature)
}

// VerifyHex is Verify over hex-encoded signature and public key.
func VerifyHex(signatureHex string, digest []byte, publicKeyHex string) bool {
	if signatureHex == "" {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	return Verify(sig, digest, pub)
}

func expand(privateKey []byte) (ed25519.PrivateKey, error) {
	switch len(privateKey) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(privateKey), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(privateKey), nil
	case 0:
		return nil, ErrMissingKey
	default:
		return nil, fmt.Errorf("%w: unexpected key length %d", ErrMissingKey, len(privateKey))
	}
}

// Signer signs digests with a key it controls.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	PublicKey() []byte
	KeyID() string
}

// Ed25519Signer keeps a key pair in process memory.
type Ed25519Signer struct {
	keys  KeyPair
	keyID string
}

// NewEd25519Signer wraps an existing key pair.
func NewEd25519Signer(keyID string, kp KeyPair) *Ed25519Signer {
	return &Ed25519Signer{keys: kp, keyID: keyID}
}

func (s *Ed25519Signer) Sign(digest []byte) ([]byte, error) {
	return Sign(digest, s.keys.PrivateKey)
}

func (s *Ed25519Signer) PublicKey() []byte { return s.keys.PublicKey }

func (s *Ed25519Signer) KeyID() string { return s.keyID }
