package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// StackItemType names the kind of a result stack item
type StackItemType string

const (
	AnyType        StackItemType = "Any"
	BooleanType    StackItemType = "Boolean"
	IntegerType    StackItemType = "Integer"
	ByteStringType StackItemType = "ByteString"
)

// StackItem is one entry of a VM result stack. It has the same shape whether
// it was produced in-process or decoded from an RPC response.
type StackItem struct {
	Type  StackItemType
	Int   *big.Int
	Bytes []byte
	Bool  bool
}

// NullItem returns the Any (null) item
func NullItem() StackItem { return StackItem{Type: AnyType} }

// BoolItem wraps a boolean
func BoolItem(b bool) StackItem { return StackItem{Type: BooleanType, Bool: b} }

// IntItem wraps an integer
func IntItem(i *big.Int) StackItem {
	return StackItem{Type: IntegerType, Int: new(big.Int).Set(i)}
}

// BytesItem wraps a byte string
func BytesItem(b []byte) StackItem {
	return StackItem{Type: ByteStringType, Bytes: append([]byte{}, b...)}
}

// Equal compares items by type and value
func (s StackItem) Equal(o StackItem) bool {
	if s.Type != o.Type {
		return false
	}
	switch s.Type {
	case BooleanType:
		return s.Bool == o.Bool
	case IntegerType:
		return s.Int != nil && o.Int != nil && s.Int.Cmp(o.Int) == 0
	case ByteStringType:
		return bytes.Equal(s.Bytes, o.Bytes)
	default:
		return true
	}
}

// Truthy converts the item to a boolean the way the VM's assert does
func (s StackItem) Truthy() bool {
	switch s.Type {
	case BooleanType:
		return s.Bool
	case IntegerType:
		return s.Int != nil && s.Int.Sign() != 0
	case ByteStringType:
		for _, b := range s.Bytes {
			if b != 0 {
				return true
			}
		}
	}
	return false
}

type stackItemJSON struct {
	Type  StackItemType   `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (s StackItem) MarshalJSON() ([]byte, error) {
	var (
		value interface{}
		out   = stackItemJSON{Type: s.Type}
	)
	switch s.Type {
	case BooleanType:
		value = s.Bool
	case IntegerType:
		value = s.Int.String()
	case ByteStringType:
		value = base64.StdEncoding.EncodeToString(s.Bytes)
	case AnyType:
		return json.Marshal(out)
	default:
		return nil, fmt.Errorf("unknown stack item type %q", s.Type)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	out.Value = raw
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (s *StackItem) UnmarshalJSON(data []byte) error {
	var in stackItemJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = StackItem{Type: in.Type}
	switch in.Type {
	case AnyType:
		return nil
	case BooleanType:
		return json.Unmarshal(in.Value, &s.Bool)
	case IntegerType:
		var str string
		if err := json.Unmarshal(in.Value, &str); err != nil {
			return err
		}
		i, ok := new(big.Int).SetString(str, 10)
		if !ok {
			return fmt.Errorf("invalid integer %q", str)
		}
		s.Int = i
		return nil
	case ByteStringType:
		var str string
		if err := json.Unmarshal(in.Value, &str); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return err
		}
		s.Bytes = b
		return nil
	default:
		return fmt.Errorf("unknown stack item type %q", in.Type)
	}
}
