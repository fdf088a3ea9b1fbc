package keys

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// PublicKeyLen is the length of a compressed secp256k1 public key
	PublicKeyLen = 33
	// SignatureLen is the length of an r||s signature
	SignatureLen = 64
	// PrivateKeyLen is the length of a raw private key
	PrivateKeyLen = 32
)

var errBadHashLen = errors.New("signing hash must be 32 bytes")

// PrivateKey is a secp256k1 private key held in cleartext for development use.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// GenerateKey creates a new random private key
func GenerateKey() (*PrivateKey, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// PrivateKeyFromBytes parses a raw 32-byte private key
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeyLen {
		return nil, fmt.Errorf("invalid private key length %d", len(b))
	}
	k, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &PrivateKey{key: k}, nil
}

// Bytes returns the raw private key
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.key)
}

// PublicKey returns the compressed public key
func (k *PrivateKey) PublicKey() []byte {
	return crypto.CompressPubkey(&k.key.PublicKey)
}

// SignatureScript returns the single-key verification script of this key
func (k *PrivateKey) SignatureScript() []byte {
	return SignatureScript(k.PublicKey())
}

// ScriptHash returns the script hash of the single-key verification script
func (k *PrivateKey) ScriptHash() ScriptHash {
	return Hash160(k.SignatureScript())
}

// Sign signs a 32-byte hash and returns the 64-byte r||s signature.
func (k *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errBadHashLen
	}
	sig, err := crypto.Sign(hash, k.key)
	if err != nil {
		return nil, err
	}
	// drop the recovery id
	return sig[:SignatureLen], nil
}

// VerifySignature checks sig against a compressed public key and hash
func VerifySignature(pub, hash, sig []byte) bool {
	if len(pub) != PublicKeyLen || len(hash) != 32 || len(sig) != SignatureLen {
		return false
	}
	return crypto.VerifySignature(pub, hash, sig)
}

// ValidPublicKey reports whether pub is a well formed compressed key
func ValidPublicKey(pub []byte) bool {
	if len(pub) != PublicKeyLen {
		return false
	}
	_, err := crypto.DecompressPubkey(pub)
	return err == nil
}

// ComparePublicKeys orders keys by their compressed encoding
func ComparePublicKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}
