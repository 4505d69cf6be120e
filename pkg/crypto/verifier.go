package crypto

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Algorithm identifies a signature scheme.
type Algorithm string

const (
	AlgEd25519   Algorithm = "ed25519"
	AlgSecp256k1 Algorithm = "secp256k1"
	AlgRSAPSS    Algorithm = "rsa-pss"
)

// VerifyWith dispatches to the verifier for alg. Unknown algorithms verify false.
func VerifyWith(alg Algorithm, signature, digest, publicKey []byte) bool {
	switch alg {
	case AlgEd25519:
		return Verify(signature, digest, publicKey)
	case AlgSecp256k1:
		return VerifySecp256k1(signature, digest, publicKey)
	case AlgRSAPSS:
		return VerifyRSAPSS(signature, digest, publicKey)
	default:
		return false
	}
}

// VerifySecp256k1 verifies an ECDSA secp256k1 signature over SHA-256(digest).
// signature is DER or 64-byte compact r||s; publicKey is a 33- or 65-byte SEC1 encoding.
func VerifySecp256k1(signature, digest, publicKey []byte) bool {
	if len(signature) == 0 || len(publicKey) == 0 {
		return false
	}
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}

	var sig *ecdsa.Signature
	if len(signature) == 64 {
		var r, s secp256k1.ModNScalar
		if overflow := r.SetByteSlice(signature[:32]); overflow {
			return false
		}
		if overflow := s.SetByteSlice(signature[32:]); overflow {
			return false
		}
		sig = ecdsa.NewSignature(&r, &s)
	} else {
		sig, err = ecdsa.ParseDERSignature(signature)
		if err != nil {
			return false
		}
	}

	hash := sha256.Sum256(digest)
	return sig.Verify(hash[:], pub)
}

// VerifyRSAPSS verifies an RSASSA-PSS (SHA-256, auto salt length) signature
// over SHA-256(digest). publicKey may be PEM, PKIX DER or PKCS#1 DER.
func VerifyRSAPSS(signature, digest, publicKey []byte) bool {
	if len(signature) == 0 || len(publicKey) == 0 {
		return false
	}
	pub := parseRSAPublicKey(publicKey)
	if pub == nil {
		return false
	}
	hash := sha256.Sum256(digest)
	err := rsa.VerifyPSS(pub, stdcrypto.SHA256, hash[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	return err == nil
}

func parseRSAPublicKey(data []byte) *rsa.PublicKey {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	if key, err := x509.ParsePKIXPublicKey(data); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey
		}
		return nil
	}
	if key, err := x509.ParsePKCS1PublicKey(data); err == nil {
		return key
	}
	return nil
}
