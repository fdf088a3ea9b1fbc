package chain

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
)

// VMState is the final state of a script execution
type VMState string

const (
	Halt  VMState = "HALT"
	Fault VMState = "FAULT"
)

const (
	// CallFee is charged for every native call
	CallFee uint64 = 1 << 15

	// StorageFeePerByte is charged per byte written by storage.put
	StorageFeePerByte uint64 = 100_000

	// MaxInvokeGas caps read-only invocations
	MaxInvokeGas uint64 = 20_00000000
)

// Notification is an event raised during execution
type Notification struct {
	Contract  string           `json:"contract"`
	EventName string           `json:"eventname"`
	State     []core.StackItem `json:"state"`
}

// InvokeResult is the outcome of running a script without persisting it
type InvokeResult struct {
	Script        []byte           `json:"script"`
	State         VMState          `json:"state"`
	GasConsumed   uint64           `json:"gasconsumed,string"`
	Exception     string           `json:"exception,omitempty"`
	Stack         []core.StackItem `json:"stack"`
	Notifications []Notification   `json:"notifications"`
}

// Fault returns a ScriptFaultError when the script did not halt
func (r *InvokeResult) Fault() error {
	if r.State == Halt {
		return nil
	}
	return &core.ScriptFaultError{
		State:       string(r.State),
		Message:     r.Exception,
		GasConsumed: r.GasConsumed,
		Stack:       r.Stack,
	}
}

// faultError ends execution in FAULT with its message
type faultError string

func (e faultError) Error() string { return string(e) }

func faultf(format string, args ...interface{}) error {
	return faultError(fmt.Sprintf(format, args...))
}

type native struct {
	price uint64
	args  int
	fn    func(e *engine, args [][]byte) error
}

var natives = map[string]map[string]native{
	TokenContract: {
		"symbol":      {price: 1 << 4, fn: tokenSymbol},
		"decimals":    {price: 1 << 4, fn: tokenDecimals},
		"totalSupply": {price: 1 << 15, fn: tokenTotalSupply},
		"balanceOf":   {price: 1 << 15, args: 1, fn: tokenBalanceOf},
		"transfer":    {price: 1 << 17, args: 3, fn: tokenTransfer},
	},
	StorageContract: {
		"put":    {price: 1 << 15, args: 3, fn: storagePut},
		"get":    {price: 1 << 15, args: 2, fn: storageGet},
		"delete": {price: 1 << 15, args: 2, fn: storageDelete},
	},
	SystemContract: {
		"assert":       {price: 1 << 1, fn: systemAssert},
		"abort":        {price: 1 << 1, args: 1, fn: systemAbort},
		"checkWitness": {price: 1 << 10, args: 1, fn: systemCheckWitness},
		"notify":       {price: 1 << 15, args: 2, fn: systemNotify},
	},
}

// engine executes a script against a store. Writes go straight to the store,
// so callers hand it an overlay they can flush or discard.
type engine struct {
	store         database.Store
	signers       []keys.ScriptHash
	gasLimit      uint64
	gas           uint64
	stack         []core.StackItem
	notifications []Notification
}

func newEngine(store database.Store, signers []keys.ScriptHash, gasLimit uint64) *engine {
	return &engine{store: store, signers: signers, gasLimit: gasLimit}
}

func (e *engine) run(script []byte) *InvokeResult {
	res := &InvokeResult{Script: script, State: Halt}
	if err := e.exec(script); err != nil {
		res.State = Fault
		res.Exception = err.Error()
	}
	res.GasConsumed = e.gas
	res.Stack = e.stack
	if res.Stack == nil {
		res.Stack = []core.StackItem{}
	}
	res.Notifications = e.notifications
	if res.Notifications == nil {
		res.Notifications = []Notification{}
	}
	return res
}

func (e *engine) exec(script []byte) error {
	calls, err := DecodeScript(script)
	if err != nil {
		return faultf("invalid script: %v", err)
	}
	for _, call := range calls {
		methods, ok := natives[call.Contract]
		if !ok {
			return faultf("unknown contract %s", call.Contract)
		}
		m, ok := methods[call.Method]
		if !ok {
			return faultf("method %s not found in contract %s", call.Method, call.Contract)
		}
		if len(call.Args) != m.args {
			return faultf("%s.%s expects %d arguments, got %d", call.Contract, call.Method, m.args, len(call.Args))
		}
		if err := e.charge(CallFee + m.price); err != nil {
			return err
		}
		if err := m.fn(e, call.Args); err != nil {
			var fault faultError
			if errors.As(err, &fault) {
				return fault
			}
			return faultf("%s.%s: %v", call.Contract, call.Method, err)
		}
	}
	return nil
}

func (e *engine) charge(gas uint64) error {
	e.gas += gas
	if e.gas > e.gasLimit {
		return faultError("Insufficient GAS.")
	}
	return nil
}

func (e *engine) push(item core.StackItem) {
	e.stack = append(e.stack, item)
}

func (e *engine) pop() (core.StackItem, error) {
	if len(e.stack) == 0 {
		return core.StackItem{}, faultError("stack is empty")
	}
	top := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return top, nil
}

func (e *engine) checkWitness(account keys.ScriptHash) bool {
	for _, s := range e.signers {
		if s == account {
			return true
		}
	}
	return false
}

func (e *engine) notify(contract, name string, state ...core.StackItem) {
	e.notifications = append(e.notifications, Notification{Contract: contract, EventName: name, State: state})
}

func scriptHashArg(arg []byte) (keys.ScriptHash, error) {
	h, err := keys.ScriptHashFromBytes(arg)
	if err != nil {
		return h, faultf("invalid account argument: %v", err)
	}
	return h, nil
}

func amountArg(arg []byte) (*uint256.Int, error) {
	if len(arg) > 32 {
		return nil, faultError("amount out of range")
	}
	return new(uint256.Int).SetBytes(arg), nil
}

func readAmount(r database.Reader, key []byte) (*uint256.Int, error) {
	raw, err := r.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func writeAmount(w database.Writer, key []byte, v *uint256.Int) error {
	if v.IsZero() {
		return w.Delete(key)
	}
	return w.Put(key, v.Bytes())
}

func tokenSymbol(e *engine, _ [][]byte) error {
	e.push(core.BytesItem([]byte(TokenSymbol)))
	return nil
}

func tokenDecimals(e *engine, _ [][]byte) error {
	e.push(core.IntItem(uint256.NewInt(TokenDecimals).ToBig()))
	return nil
}

func tokenTotalSupply(e *engine, _ [][]byte) error {
	supply, err := readAmount(e.store, supplyKey())
	if err != nil {
		return err
	}
	e.push(core.IntItem(supply.ToBig()))
	return nil
}

func tokenBalanceOf(e *engine, args [][]byte) error {
	account, err := scriptHashArg(args[0])
	if err != nil {
		return err
	}
	balance, err := readAmount(e.store, balanceKey(account))
	if err != nil {
		return err
	}
	e.push(core.IntItem(balance.ToBig()))
	return nil
}

// tokenTransfer pushes false rather than faulting when the sender did not
// sign or cannot cover the amount
func tokenTransfer(e *engine, args [][]byte) error {
	from, err := scriptHashArg(args[0])
	if err != nil {
		return err
	}
	to, err := scriptHashArg(args[1])
	if err != nil {
		return err
	}
	amount, err := amountArg(args[2])
	if err != nil {
		return err
	}

	if !e.checkWitness(from) {
		e.push(core.BoolItem(false))
		return nil
	}
	fromBalance, err := readAmount(e.store, balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Lt(amount) {
		e.push(core.BoolItem(false))
		return nil
	}

	if from != to && !amount.IsZero() {
		if err := writeAmount(e.store, balanceKey(from), new(uint256.Int).Sub(fromBalance, amount)); err != nil {
			return err
		}
		toBalance, err := readAmount(e.store, balanceKey(to))
		if err != nil {
			return err
		}
		if err := writeAmount(e.store, balanceKey(to), new(uint256.Int).Add(toBalance, amount)); err != nil {
			return err
		}
	}

	e.notify(TokenContract, "Transfer",
		core.BytesItem(from.Bytes()), core.BytesItem(to.Bytes()), core.IntItem(amount.ToBig()))
	e.push(core.BoolItem(true))
	return nil
}

func storagePut(e *engine, args [][]byte) error {
	if err := e.charge(StorageFeePerByte * uint64(len(args[1])+len(args[2]))); err != nil {
		return err
	}
	if len(args[0]) > 255 {
		return faultError("namespace too long")
	}
	return e.store.Put(storageKey(args[0], args[1]), args[2])
}

func storageGet(e *engine, args [][]byte) error {
	value, err := e.store.Get(storageKey(args[0], args[1]))
	if errors.Is(err, database.ErrNotFound) {
		e.push(core.NullItem())
		return nil
	}
	if err != nil {
		return err
	}
	e.push(core.BytesItem(value))
	return nil
}

func storageDelete(e *engine, args [][]byte) error {
	return e.store.Delete(storageKey(args[0], args[1]))
}

func systemAssert(e *engine, _ [][]byte) error {
	top, err := e.pop()
	if err != nil {
		return err
	}
	if !top.Truthy() {
		return faultError("ASSERT is executed with false result.")
	}
	return nil
}

func systemAbort(_ *engine, args [][]byte) error {
	return faultError(string(args[0]))
}

func systemCheckWitness(e *engine, args [][]byte) error {
	account, err := scriptHashArg(args[0])
	if err != nil {
		return err
	}
	e.push(core.BoolItem(e.checkWitness(account)))
	return nil
}

func systemNotify(e *engine, args [][]byte) error {
	e.notify(SystemContract, string(args[0]), core.BytesItem(args[1]))
	return nil
}
