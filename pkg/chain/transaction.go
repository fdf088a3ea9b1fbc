package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
)

const (
	// MaxValidUntilBlockIncrement bounds how far ahead a transaction may expire
	MaxValidUntilBlockIncrement = 5760

	// FeePerByte is charged per byte of the serialized transaction
	FeePerByte uint64 = 1000

	// SignatureVerifyFee is charged per signature a witness must check
	SignatureVerifyFee uint64 = 1 << 20
)

// Transaction is a signed state transition. Signers[0] is the sender and
// pays the fees; Witnesses[i] authorizes Signers[i].
type Transaction struct {
	Version         uint8
	Nonce           uint32
	SystemFee       uint64
	NetworkFee      uint64
	ValidUntilBlock uint32
	Signers         []keys.ScriptHash
	Script          []byte
	Witnesses       []keys.Witness
}

type unsignedTransaction struct {
	Version         uint8
	Nonce           uint32
	SystemFee       uint64
	NetworkFee      uint64
	ValidUntilBlock uint32
	Signers         []keys.ScriptHash
	Script          []byte
}

func (tx *Transaction) unsigned() *unsignedTransaction {
	return &unsignedTransaction{
		Version:         tx.Version,
		Nonce:           tx.Nonce,
		SystemFee:       tx.SystemFee,
		NetworkFee:      tx.NetworkFee,
		ValidUntilBlock: tx.ValidUntilBlock,
		Signers:         tx.Signers,
		Script:          tx.Script,
	}
}

// Hash identifies the transaction. Witnesses are not covered.
func (tx *Transaction) Hash() common.Hash {
	raw, err := rlp.EncodeToBytes(tx.unsigned())
	if err != nil {
		panic(err)
	}
	return sha256.Sum256(raw)
}

// SigningHash binds the transaction hash to a network magic
func (tx *Transaction) SigningHash(magic uint32) []byte {
	hash := tx.Hash()
	buf := make([]byte, 4+common.HashLength)
	binary.LittleEndian.PutUint32(buf, magic)
	copy(buf[4:], hash[:])
	sum := sha256.Sum256(buf)
	return sum[:]
}

// Sender returns the fee-paying account
func (tx *Transaction) Sender() keys.ScriptHash {
	if len(tx.Signers) == 0 {
		return keys.ScriptHash{}
	}
	return tx.Signers[0]
}

// Bytes returns the wire encoding
func (tx *Transaction) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// DecodeTransaction parses a wire-encoded transaction
func DecodeTransaction(raw []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := rlp.DecodeBytes(raw, tx); err != nil {
		return nil, core.ErrInvalidf("malformed transaction: %v", err)
	}
	return tx, nil
}

// CalculateNetworkFee returns the network fee tx needs when witnessed by the
// given verification scripts, one per signer. The estimate does not depend on
// the fee already set on tx.
func CalculateNetworkFee(tx *Transaction, verifications [][]byte) (uint64, error) {
	probe := *tx
	probe.NetworkFee = math.MaxUint64
	probe.Witnesses = make([]keys.Witness, len(verifications))

	var sigs uint64
	for i, script := range verifications {
		n := 1
		if m, _, err := keys.ParseMultiSigScript(script); err == nil {
			n = m
		} else if !keys.IsSignatureScript(script) {
			return 0, core.ErrInvalidf("signer %d has an unsupported verification script", i)
		}
		placeholders := make([][]byte, n)
		for j := range placeholders {
			placeholders[j] = make([]byte, keys.SignatureLen)
		}
		probe.Witnesses[i] = keys.Witness{
			Invocation:   keys.InvocationScript(placeholders...),
			Verification: script,
		}
		sigs += uint64(n)
	}

	raw, err := probe.Bytes()
	if err != nil {
		return 0, err
	}
	return uint64(len(raw))*FeePerByte + sigs*SignatureVerifyFee, nil
}
