package chain

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/express/pkg/keys"
)

// Key prefixes of the chain's storage layout
const (
	PrefixMeta    byte = 0x01
	PrefixBlock   byte = 0x02
	PrefixTx      byte = 0x03
	PrefixAppLog  byte = 0x04
	PrefixBalance byte = 0x10
	PrefixSupply  byte = 0x11
	PrefixStorage byte = 0x20
	metaHeight    byte = 'h'
	metaGenesis   byte = 'g'
)

// PrefixName describes a key prefix for status reports
func PrefixName(p byte) string {
	switch p {
	case PrefixMeta:
		return "meta"
	case PrefixBlock:
		return "blocks"
	case PrefixTx:
		return "transactions"
	case PrefixAppLog:
		return "application logs"
	case PrefixBalance:
		return "balances"
	case PrefixSupply:
		return "supply"
	case PrefixStorage:
		return "contract storage"
	default:
		return "unknown"
	}
}

func heightKey() []byte  { return []byte{PrefixMeta, metaHeight} }
func genesisKey() []byte { return []byte{PrefixMeta, metaGenesis} }
func supplyKey() []byte  { return []byte{PrefixSupply} }

func blockKey(index uint32) []byte {
	key := make([]byte, 5)
	key[0] = PrefixBlock
	binary.BigEndian.PutUint32(key[1:], index)
	return key
}

func txKey(hash common.Hash) []byte {
	return append([]byte{PrefixTx}, hash[:]...)
}

func appLogKey(hash common.Hash) []byte {
	return append([]byte{PrefixAppLog}, hash[:]...)
}

func balanceKey(account keys.ScriptHash) []byte {
	return append([]byte{PrefixBalance}, account[:]...)
}

// storageKey is PrefixStorage | len(ns) | ns | key, so namespaces never
// collide as prefixes of one another
func storageKey(ns, key []byte) []byte {
	out := make([]byte, 0, 2+len(ns)+len(key))
	out = append(out, PrefixStorage, byte(len(ns)))
	out = append(out, ns...)
	return append(out, key...)
}
