package chain

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/luxfi/express/pkg/keys"
)

// Native contract names
const (
	TokenContract   = "token"
	StorageContract = "storage"
	SystemContract  = "system"
)

// Call invokes one native contract method. Results are pushed on the stack.
type Call struct {
	Contract string
	Method   string
	Args     [][]byte
}

// DecodeScript parses a script into its calls
func DecodeScript(script []byte) ([]Call, error) {
	var calls []Call
	if err := rlp.DecodeBytes(script, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// ScriptBuilder assembles a script call by call
type ScriptBuilder struct {
	calls []Call
}

func NewScriptBuilder() *ScriptBuilder {
	return &ScriptBuilder{}
}

// Call appends an arbitrary native call
func (b *ScriptBuilder) Call(contract, method string, args ...[]byte) *ScriptBuilder {
	b.calls = append(b.calls, Call{Contract: contract, Method: method, Args: args})
	return b
}

// Transfer moves amount from one account to another and faults if the
// token contract refuses
func (b *ScriptBuilder) Transfer(from, to keys.ScriptHash, amount *uint256.Int) *ScriptBuilder {
	return b.Call(TokenContract, "transfer", from.Bytes(), to.Bytes(), IntArg(amount)).Assert()
}

// BalanceOf pushes the token balance of account
func (b *ScriptBuilder) BalanceOf(account keys.ScriptHash) *ScriptBuilder {
	return b.Call(TokenContract, "balanceOf", account.Bytes())
}

// Assert faults unless the top of the stack is true
func (b *ScriptBuilder) Assert() *ScriptBuilder {
	return b.Call(SystemContract, "assert")
}

// Abort faults with msg
func (b *ScriptBuilder) Abort(msg string) *ScriptBuilder {
	return b.Call(SystemContract, "abort", []byte(msg))
}

// Put stores value under (namespace, key)
func (b *ScriptBuilder) Put(namespace string, key, value []byte) *ScriptBuilder {
	return b.Call(StorageContract, "put", []byte(namespace), key, value)
}

// Get pushes the value stored under (namespace, key)
func (b *ScriptBuilder) Get(namespace string, key []byte) *ScriptBuilder {
	return b.Call(StorageContract, "get", []byte(namespace), key)
}

// Script returns the encoded script
func (b *ScriptBuilder) Script() []byte {
	raw, err := rlp.EncodeToBytes(b.calls)
	if err != nil {
		panic(err)
	}
	return raw
}

// IntArg encodes an amount argument
func IntArg(v *uint256.Int) []byte {
	return v.Bytes()
}
