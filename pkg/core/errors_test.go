package core_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/express/pkg/core"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Errors", func() {
	It("should carry a script fault across the rpc boundary", func() {
		fault := &core.ScriptFaultError{
			State:       "FAULT",
			Message:     "ASSERT is executed with false result",
			GasConsumed: 1234,
			Stack:       []core.StackItem{core.IntItem(big.NewInt(7)), core.BoolItem(false)},
		}
		code, msg, data := core.RPCError(fault)
		Expect(code).To(Equal(core.RPCCodeScriptFault))

		raw, err := json.Marshal(data)
		Expect(err).NotTo(HaveOccurred())
		back := core.ErrorFromRPC(code, msg, raw)

		var decoded *core.ScriptFaultError
		Expect(errors.As(back, &decoded)).To(BeTrue())
		Expect(decoded.Message).To(Equal(fault.Message))
		Expect(decoded.GasConsumed).To(Equal(fault.GasConsumed))
		Expect(decoded.Stack).To(HaveLen(2))
		Expect(decoded.Stack[0].Equal(fault.Stack[0])).To(BeTrue())
	})

	It("should carry insufficient funds across the rpc boundary", func() {
		funds := &core.InsufficientFundsError{Required: uint256.NewInt(10), Available: uint256.NewInt(3)}
		code, msg, data := core.RPCError(funds)
		raw, err := json.Marshal(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(core.ErrorFromRPC(code, msg, raw)).To(MatchError(core.ErrInsufficientFunds))
	})

	DescribeTable("should map kinds to codes and back",
		func(err error, sentinel error) {
			code, msg, _ := core.RPCError(err)
			Expect(core.ErrorFromRPC(code, msg, nil)).To(MatchError(sentinel))
		},
		Entry("validation", core.ErrInvalid("bad"), core.ErrValidation),
		Entry("conflict", core.ErrExists("/tmp/x"), core.ErrConflict),
		Entry("busy", core.BusyError{Dir: "/tmp/x", PID: 42}, core.ErrBusy),
		Entry("state", core.StateError{Op: "checkpoint", Err: errors.New("boom")}, core.ErrState),
		Entry("signatures", core.InsufficientSignaturesError{Required: 3, Collected: 1}, core.ErrInsufficientSignatures),
		Entry("cancelled", core.ErrCancelled, core.ErrCancelled),
		Entry("unknown", fmt.Errorf("transaction 0x01: %w", core.ErrNotFound), core.ErrNotFound),
	)
})
