package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
	"github.com/luxfi/express/pkg/signer"
)

// backend is what the execute pipeline needs from a mode
type backend interface {
	invoke(ctx context.Context, script []byte, signers ...keys.ScriptHash) (*chain.InvokeResult, error)
	height(ctx context.Context) (uint32, error)
	submit(ctx context.Context, tx *chain.Transaction) (*chain.ApplicationLog, error)
}

// execute is the one submission pipeline: test invoke, fees, funds check,
// signing, submission and the persisted outcome
func execute(ctx context.Context, b backend, m *metrics, topo *core.ChainTopology, wallet core.Wallet, account core.Account, script []byte, extraFee uint64) (common.Hash, error) {
	start := time.Now()
	txid, err := buildAndSubmit(ctx, b, topo, wallet, account, script, extraFee)
	if m != nil {
		m.executions.WithLabelValues(outcome(err)).Inc()
		if err == nil {
			m.latency.Observe(time.Since(start).Seconds())
		}
	}
	return txid, err
}

func buildAndSubmit(ctx context.Context, b backend, topo *core.ChainTopology, wallet core.Wallet, account core.Account, script []byte, extraFee uint64) (common.Hash, error) {
	if len(account.PrivateKey) == 0 {
		if held, ok := wallet.Account(account.ScriptHash); ok {
			account = *held
		}
	}

	res, err := b.invoke(ctx, script, account.ScriptHash)
	if err != nil {
		return common.Hash{}, err
	}
	if err := res.Fault(); err != nil {
		return common.Hash{}, err
	}

	height, err := b.height(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return common.Hash{}, err
	}
	tx := &chain.Transaction{
		Nonce:           nonce,
		SystemFee:       res.GasConsumed,
		ValidUntilBlock: height + chain.MaxValidUntilBlockIncrement,
		Signers:         []keys.ScriptHash{account.ScriptHash},
		Script:          script,
	}
	netFee, err := chain.CalculateNetworkFee(tx, [][]byte{account.Contract.Script})
	if err != nil {
		return common.Hash{}, err
	}
	tx.NetworkFee = netFee + extraFee

	available, err := balanceOf(ctx, b, account.ScriptHash)
	if err != nil {
		return common.Hash{}, err
	}
	required := new(uint256.Int).Add(uint256.NewInt(tx.SystemFee), uint256.NewInt(tx.NetworkFee))
	if available.Lt(required) {
		return common.Hash{}, &core.InsufficientFundsError{
			Account:   account.ScriptHash,
			Required:  required,
			Available: available,
		}
	}

	witness, err := signer.Sign(tx, account, topo, topo.Magic)
	if err != nil {
		return common.Hash{}, err
	}
	tx.Witnesses = []keys.Witness{*witness}

	log, err := b.submit(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := log.Fault(); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func balanceOf(ctx context.Context, b backend, account keys.ScriptHash) (*uint256.Int, error) {
	res, err := b.invoke(ctx, chain.NewScriptBuilder().BalanceOf(account).Script())
	if err != nil {
		return nil, err
	}
	if err := res.Fault(); err != nil {
		return nil, err
	}
	if len(res.Stack) != 1 || res.Stack[0].Type != core.IntegerType {
		return nil, core.StateError{Op: "balance", Err: errors.New("unexpected result stack")}
	}
	balance, overflow := uint256.FromBig(res.Stack[0].Int)
	if overflow || res.Stack[0].Int.Sign() < 0 {
		return nil, core.StateError{Op: "balance", Err: errors.New("balance out of range")}
	}
	return balance, nil
}

func randomNonce() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "halt"
	case errors.Is(err, core.ErrScriptFault):
		return "fault"
	case errors.Is(err, core.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, core.ErrInsufficientSignatures):
		return "unsigned"
	default:
		return "error"
	}
}
