package rpcserver

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// positional splits a params array, tolerating a missing or null one
func positional(data []byte, min int) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("params must be an array: %w", err)
		}
	}
	if len(raw) < min {
		return nil, fmt.Errorf("expected at least %d params, got %d", min, len(raw))
	}
	return raw, nil
}

// NoArgs accepts any params
type NoArgs struct{}

func (a *NoArgs) UnmarshalJSON([]byte) error { return nil }

// InvokeScriptArgs are [script, signers?]
type InvokeScriptArgs struct {
	Script  []byte
	Signers []string
}

func (a *InvokeScriptArgs) UnmarshalJSON(data []byte) error {
	raw, err := positional(data, 1)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &a.Script); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &a.Signers); err != nil {
			return fmt.Errorf("signers: %w", err)
		}
	}
	return nil
}

// RawTransactionArgs are [tx]
type RawTransactionArgs struct {
	Tx []byte
}

func (a *RawTransactionArgs) UnmarshalJSON(data []byte) error {
	raw, err := positional(data, 1)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw[0], &a.Tx)
}

// TxIDArgs are [txid]
type TxIDArgs struct {
	TxID common.Hash
}

func (a *TxIDArgs) UnmarshalJSON(data []byte) error {
	raw, err := positional(data, 1)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw[0], &a.TxID)
}

// StringArgs are [value]
type StringArgs struct {
	Value string
}

func (a *StringArgs) UnmarshalJSON(data []byte) error {
	raw, err := positional(data, 1)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw[0], &a.Value)
}

// FastForwardArgs are [count, deltaMillis?]
type FastForwardArgs struct {
	Count       uint32
	DeltaMillis int64
}

func (a *FastForwardArgs) UnmarshalJSON(data []byte) error {
	raw, err := positional(data, 1)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &a.Count); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	if len(raw) > 1 {
		if err := json.Unmarshal(raw[1], &a.DeltaMillis); err != nil {
			return fmt.Errorf("delta: %w", err)
		}
	}
	return nil
}
