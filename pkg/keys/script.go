package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Opcodes understood by verification and invocation scripts.
const (
	OpPushData1 byte = 0x0C
	OpPush1     byte = 0x11
	OpPush16    byte = 0x20
	OpSyscall   byte = 0x41
)

// MaxMultiSigKeys bounds the number of keys in a multi-signature script
const MaxMultiSigKeys = 16

var (
	checkSigID      = interopID("System.Crypto.CheckSig")
	checkMultisigID = interopID("System.Crypto.CheckMultisig")

	errNotSignatureScript = errors.New("not a signature verification script")
	errNotMultiSigScript  = errors.New("not a multi-signature verification script")
	errBadInvocation      = errors.New("malformed invocation script")
)

func interopID(name string) uint32 {
	h := sha256.Sum256([]byte(name))
	return binary.LittleEndian.Uint32(h[:4])
}

func emitPushData(buf *bytes.Buffer, data []byte) {
	buf.WriteByte(OpPushData1)
	buf.WriteByte(byte(len(data)))
	buf.Write(data)
}

func emitPushInt(buf *bytes.Buffer, n int) {
	buf.WriteByte(OpPush1 + byte(n-1))
}

func emitSyscall(buf *bytes.Buffer, id uint32) {
	buf.WriteByte(OpSyscall)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], id)
	buf.Write(b[:])
}

// SignatureScript builds the verification script of a single-key account
func SignatureScript(pub []byte) []byte {
	var buf bytes.Buffer
	emitPushData(&buf, pub)
	emitSyscall(&buf, checkSigID)
	return buf.Bytes()
}

// MultiSigScript builds an m-of-n verification script. Keys are sorted so that
// the same key set always yields the same script hash.
func MultiSigScript(m int, pubs [][]byte) ([]byte, error) {
	n := len(pubs)
	if n == 0 || n > MaxMultiSigKeys {
		return nil, fmt.Errorf("invalid key count %d", n)
	}
	if m < 1 || m > n {
		return nil, fmt.Errorf("invalid threshold %d for %d keys", m, n)
	}
	sorted := make([][]byte, n)
	for i, pub := range pubs {
		if !ValidPublicKey(pub) {
			return nil, fmt.Errorf("invalid public key at index %d", i)
		}
		sorted[i] = pub
	}
	sort.Slice(sorted, func(i, j int) bool {
		return ComparePublicKeys(sorted[i], sorted[j]) < 0
	})
	for i := 1; i < n; i++ {
		if bytes.Equal(sorted[i-1], sorted[i]) {
			return nil, errors.New("duplicate public key in multi-signature set")
		}
	}

	var buf bytes.Buffer
	emitPushInt(&buf, m)
	for _, pub := range sorted {
		emitPushData(&buf, pub)
	}
	emitPushInt(&buf, n)
	emitSyscall(&buf, checkMultisigID)
	return buf.Bytes(), nil
}

// ParseSignatureScript extracts the public key of a single-key script
func ParseSignatureScript(script []byte) ([]byte, error) {
	if len(script) != 2+PublicKeyLen+5 ||
		script[0] != OpPushData1 || script[1] != PublicKeyLen ||
		script[2+PublicKeyLen] != OpSyscall ||
		binary.LittleEndian.Uint32(script[3+PublicKeyLen:]) != checkSigID {
		return nil, errNotSignatureScript
	}
	pub := make([]byte, PublicKeyLen)
	copy(pub, script[2:2+PublicKeyLen])
	return pub, nil
}

// ParseMultiSigScript extracts the threshold and ordered keys of an m-of-n script
func ParseMultiSigScript(script []byte) (int, [][]byte, error) {
	if len(script) < 1 || script[0] < OpPush1 || script[0] > OpPush16 {
		return 0, nil, errNotMultiSigScript
	}
	m := int(script[0]-OpPush1) + 1
	rest := script[1:]

	var pubs [][]byte
	for len(rest) > 0 && rest[0] == OpPushData1 {
		if len(rest) < 2+PublicKeyLen || rest[1] != PublicKeyLen {
			return 0, nil, errNotMultiSigScript
		}
		pub := make([]byte, PublicKeyLen)
		copy(pub, rest[2:2+PublicKeyLen])
		pubs = append(pubs, pub)
		rest = rest[2+PublicKeyLen:]
	}
	if len(rest) != 6 || rest[0] < OpPush1 || rest[0] > OpPush16 {
		return 0, nil, errNotMultiSigScript
	}
	n := int(rest[0]-OpPush1) + 1
	if n != len(pubs) || m > n {
		return 0, nil, errNotMultiSigScript
	}
	if rest[1] != OpSyscall || binary.LittleEndian.Uint32(rest[2:]) != checkMultisigID {
		return 0, nil, errNotMultiSigScript
	}
	return m, pubs, nil
}

// IsSignatureScript reports whether script is a single-key verification script
func IsSignatureScript(script []byte) bool {
	_, err := ParseSignatureScript(script)
	return err == nil
}

// IsMultiSigScript reports whether script is an m-of-n verification script
func IsMultiSigScript(script []byte) bool {
	_, _, err := ParseMultiSigScript(script)
	return err == nil
}

// InvocationScript pushes each signature in order
func InvocationScript(sigs ...[]byte) []byte {
	var buf bytes.Buffer
	for _, sig := range sigs {
		emitPushData(&buf, sig)
	}
	return buf.Bytes()
}

// ParseInvocationScript returns the signatures pushed by an invocation script
func ParseInvocationScript(script []byte) ([][]byte, error) {
	var sigs [][]byte
	for len(script) > 0 {
		if len(script) < 2+SignatureLen || script[0] != OpPushData1 || script[1] != SignatureLen {
			return nil, errBadInvocation
		}
		sig := make([]byte, SignatureLen)
		copy(sig, script[2:2+SignatureLen])
		sigs = append(sigs, sig)
		script = script[2+SignatureLen:]
	}
	return sigs, nil
}
