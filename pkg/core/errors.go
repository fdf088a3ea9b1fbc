package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/express/pkg/keys"
)

// Sentinels for errors.Is. Every typed error below matches exactly one of them.
var (
	ErrValidation             = errors.New("validation failed")
	ErrConflict               = errors.New("conflict")
	ErrBusy                   = errors.New("resource busy")
	ErrState                  = errors.New("inconsistent state")
	ErrInsufficientSignatures = errors.New("insufficient signatures")
	ErrScriptFault            = errors.New("script fault")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrConnectivity           = errors.New("connectivity failure")
	ErrCancelled              = errors.New("cancelled")
	ErrNotFound               = errors.New("not found")
)

// ValidationError represents a topology or archive mismatch
type ValidationError struct {
	msg string
}

func (e ValidationError) Error() string {
	return e.msg
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// ErrInvalid creates a new validation error
func ErrInvalid(msg string) error {
	return ValidationError{msg: msg}
}

// ErrInvalidf creates a new formatted validation error
func ErrInvalidf(format string, args ...interface{}) error {
	return ValidationError{msg: fmt.Sprintf(format, args...)}
}

// ConflictError is returned when a destination is already populated
type ConflictError struct {
	Path string
	msg  string
}

func (e ConflictError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("%s already exists", e.Path)
}

func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// ErrExists creates a conflict error for path
func ErrExists(path string) error {
	return ConflictError{Path: path}
}

// ErrConflictf creates a formatted conflict error
func ErrConflictf(format string, args ...interface{}) error {
	return ConflictError{msg: fmt.Sprintf(format, args...)}
}

// BusyError is returned when a data directory is held by a running node
type BusyError struct {
	Dir string
	PID int
}

func (e BusyError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("data directory %s is in use by process %d", e.Dir, e.PID)
	}
	return fmt.Sprintf("data directory %s is in use", e.Dir)
}

func (e BusyError) Is(target error) bool { return target == ErrBusy }

// StateError is returned when the store cannot produce a consistent snapshot
type StateError struct {
	Op  string
	Err error
}

func (e StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e StateError) Unwrap() error { return e.Err }

func (e StateError) Is(target error) bool { return target == ErrState }

// InsufficientSignaturesError is returned when fewer than m keys could sign
type InsufficientSignaturesError struct {
	Account   keys.ScriptHash
	Required  int
	Collected int
}

func (e InsufficientSignaturesError) Error() string {
	return fmt.Sprintf("account %s needs %d signatures, only %d available", e.Account, e.Required, e.Collected)
}

func (e InsufficientSignaturesError) Is(target error) bool {
	return target == ErrInsufficientSignatures
}

// ScriptFaultError carries the full VM diagnostic context of a FAULT
type ScriptFaultError struct {
	State       string      `json:"state"`
	Message     string      `json:"exception"`
	GasConsumed uint64      `json:"gasconsumed,string"`
	Stack       []StackItem `json:"stack"`
}

func (e *ScriptFaultError) Error() string {
	return fmt.Sprintf("script ended in %s after consuming %d gas: %s", e.State, e.GasConsumed, e.Message)
}

func (e *ScriptFaultError) Is(target error) bool { return target == ErrScriptFault }

// InsufficientFundsError is returned when fees exceed the sender's balance
type InsufficientFundsError struct {
	Account   keys.ScriptHash `json:"account"`
	Required  *uint256.Int    `json:"required"`
	Available *uint256.Int    `json:"available"`
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("account %s has %s available, %s required", e.Account, e.Available.Dec(), e.Required.Dec())
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// ConnectivityError wraps transport failures talking to a remote node
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e ConnectivityError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Endpoint, e.Err)
}

func (e ConnectivityError) Unwrap() error { return e.Err }

func (e ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

// JSON-RPC error codes carrying the taxonomy across the wire
const (
	RPCCodeValidation             = -32001
	RPCCodeConflict               = -32002
	RPCCodeBusy                   = -32003
	RPCCodeState                  = -32004
	RPCCodeInsufficientSignatures = -32005
	RPCCodeScriptFault            = -32006
	RPCCodeInsufficientFunds      = -32007
	RPCCodeCancelled              = -32008
	RPCCodeInternal               = -32603
	RPCCodeUnknown                = -100
)

// RPCError maps err to a JSON-RPC code, message and optional structured data
func RPCError(err error) (int, string, interface{}) {
	var (
		fault *ScriptFaultError
		funds *InsufficientFundsError
	)
	switch {
	case errors.As(err, &fault):
		return RPCCodeScriptFault, err.Error(), fault
	case errors.As(err, &funds):
		return RPCCodeInsufficientFunds, err.Error(), funds
	case errors.Is(err, ErrValidation):
		return RPCCodeValidation, err.Error(), nil
	case errors.Is(err, ErrConflict):
		return RPCCodeConflict, err.Error(), nil
	case errors.Is(err, ErrBusy):
		return RPCCodeBusy, err.Error(), nil
	case errors.Is(err, ErrState):
		return RPCCodeState, err.Error(), nil
	case errors.Is(err, ErrInsufficientSignatures):
		return RPCCodeInsufficientSignatures, err.Error(), nil
	case errors.Is(err, ErrCancelled):
		return RPCCodeCancelled, err.Error(), nil
	case errors.Is(err, ErrNotFound):
		return RPCCodeUnknown, err.Error(), nil
	default:
		return RPCCodeInternal, err.Error(), nil
	}
}

// ErrorFromRPC rebuilds a typed error from a JSON-RPC error response
func ErrorFromRPC(code int, message string, data json.RawMessage) error {
	switch code {
	case RPCCodeScriptFault:
		fault := &ScriptFaultError{}
		if len(data) > 0 && json.Unmarshal(data, fault) == nil {
			return fault
		}
		return &ScriptFaultError{State: "FAULT", Message: message}
	case RPCCodeInsufficientFunds:
		funds := &InsufficientFundsError{}
		if len(data) > 0 && json.Unmarshal(data, funds) == nil && funds.Required != nil && funds.Available != nil {
			return funds
		}
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, message)
	case RPCCodeValidation:
		return ErrInvalid(message)
	case RPCCodeConflict:
		return ErrConflictf("%s", message)
	case RPCCodeBusy:
		return fmt.Errorf("%w: %s", ErrBusy, message)
	case RPCCodeState:
		return StateError{Op: "remote", Err: errors.New(message)}
	case RPCCodeInsufficientSignatures:
		return fmt.Errorf("%w: %s", ErrInsufficientSignatures, message)
	case RPCCodeCancelled:
		return fmt.Errorf("%w: %s", ErrCancelled, message)
	case RPCCodeUnknown:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	default:
		return fmt.Errorf("rpc error %d: %s", code, message)
	}
}
