package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
)

// ScriptHashLen is the length of a script hash
const ScriptHashLen = 20

// ScriptHash identifies an account by the hash of its verification script
type ScriptHash [ScriptHashLen]byte

// Hash160 computes RIPEMD160(SHA256(script))
func Hash160(script []byte) ScriptHash {
	sha := sha256.Sum256(script)
	h := ripemd160.New()
	h.Write(sha[:])

	var out ScriptHash
	copy(out[:], h.Sum(nil))
	return out
}

// ScriptHashFromBytes copies a 20-byte slice into a ScriptHash
func ScriptHashFromBytes(b []byte) (ScriptHash, error) {
	var out ScriptHash
	if len(b) != ScriptHashLen {
		return out, fmt.Errorf("invalid script hash length %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ParseScriptHash parses a 0x-prefixed or bare hex script hash
func ParseScriptHash(s string) (ScriptHash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ScriptHash{}, fmt.Errorf("invalid script hash %q: %w", s, err)
	}
	return ScriptHashFromBytes(b)
}

// Address encodes the script hash as a base58check address
func (h ScriptHash) Address(version byte) string {
	return base58.CheckEncode(h[:], version)
}

// ParseAddress decodes a base58check address and checks its version byte
func ParseAddress(addr string, version byte) (ScriptHash, error) {
	payload, v, err := base58.CheckDecode(addr)
	if err != nil {
		return ScriptHash{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if v != version {
		return ScriptHash{}, fmt.Errorf("address %q has version %d, expected %d", addr, v, version)
	}
	return ScriptHashFromBytes(payload)
}

// Bytes returns a copy of the hash bytes
func (h ScriptHash) Bytes() []byte {
	out := make([]byte, ScriptHashLen)
	copy(out, h[:])
	return out
}

func (h ScriptHash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset
func (h ScriptHash) IsZero() bool {
	return h == ScriptHash{}
}

// MarshalText implements encoding.TextMarshaler
func (h ScriptHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *ScriptHash) UnmarshalText(text []byte) error {
	parsed, err := ParseScriptHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
