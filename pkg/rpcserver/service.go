package rpcserver

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
	"github.com/luxfi/express/pkg/node"
)

// Service is the JSON-RPC API of a running node
type Service struct {
	node     *node.OfflineNode
	topology *core.ChainTopology
	version  VersionReply
}

// VersionReply describes the node and its network
type VersionReply struct {
	TCPPort   uint16       `json:"tcpport"`
	WSPort    uint16       `json:"wsport"`
	UserAgent string       `json:"useragent"`
	Protocol  ProtocolInfo `json:"protocol"`
}

// ProtocolInfo carries the network parameters clients sign against
type ProtocolInfo struct {
	Network                     uint32 `json:"network"`
	AddressVersion              byte   `json:"addressversion"`
	MaxValidUntilBlockIncrement uint32 `json:"maxvaliduntilblockincrement"`
}

// SendReply is the result of sendrawtransaction
type SendReply struct {
	Hash common.Hash `json:"hash"`
}

// NetworkFeeReply is the result of calculatenetworkfee
type NetworkFeeReply struct {
	NetworkFee uint64 `json:"networkfee,string"`
}

// toRPCError carries the error kind and its diagnostics to the client
func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	code, msg, data := core.RPCError(err)
	return &json2.Error{Code: json2.ErrorCode(code), Message: msg, Data: data}
}

// InvokeScript test-runs a script against the current state
func (s *Service) InvokeScript(r *http.Request, args *InvokeScriptArgs, reply *chain.InvokeResult) error {
	signers := make([]keys.ScriptHash, 0, len(args.Signers))
	for _, text := range args.Signers {
		h, err := keys.ParseScriptHash(text)
		if err != nil {
			if h, err = keys.ParseAddress(text, s.topology.AddressVersion); err != nil {
				return toRPCError(core.ErrInvalidf("invalid signer %q", text))
			}
		}
		signers = append(signers, h)
	}
	res, err := s.node.Invoke(r.Context(), args.Script, signers...)
	if err != nil {
		return toRPCError(err)
	}
	*reply = *res
	return nil
}

// SendRawTransaction queues a signed transaction for the next block
func (s *Service) SendRawTransaction(r *http.Request, args *RawTransactionArgs, reply *SendReply) error {
	tx, err := chain.DecodeTransaction(args.Tx)
	if err != nil {
		return toRPCError(err)
	}
	if err := s.node.Relay(r.Context(), tx); err != nil {
		return toRPCError(err)
	}
	reply.Hash = tx.Hash()
	return nil
}

func (s *Service) GetApplicationLog(r *http.Request, args *TxIDArgs, reply *chain.ApplicationLog) error {
	log, err := s.node.GetApplicationLog(r.Context(), args.TxID)
	if err != nil {
		return toRPCError(err)
	}
	*reply = *log
	return nil
}

func (s *Service) GetBlockCount(r *http.Request, _ *NoArgs, reply *uint32) error {
	height, err := s.node.Height(r.Context())
	if err != nil {
		return toRPCError(err)
	}
	*reply = height + 1
	return nil
}

// CalculateNetworkFee prices a transaction by the verification scripts of
// the witnesses it carries
func (s *Service) CalculateNetworkFee(_ *http.Request, args *RawTransactionArgs, reply *NetworkFeeReply) error {
	tx, err := chain.DecodeTransaction(args.Tx)
	if err != nil {
		return toRPCError(err)
	}
	if len(tx.Witnesses) != len(tx.Signers) {
		return toRPCError(core.ErrInvalid("every signer needs a witness carrying its verification script"))
	}
	scripts := make([][]byte, len(tx.Witnesses))
	for i, w := range tx.Witnesses {
		scripts[i] = w.Verification
	}
	fee, err := chain.CalculateNetworkFee(tx, scripts)
	if err != nil {
		return toRPCError(err)
	}
	reply.NetworkFee = fee
	return nil
}

func (s *Service) GetVersion(_ *http.Request, _ *NoArgs, reply *VersionReply) error {
	*reply = s.version
	return nil
}

func (s *Service) ExpressCreateCheckpoint(r *http.Request, args *StringArgs, reply *string) error {
	if args.Value == "" {
		return toRPCError(core.ErrInvalid("checkpoint path required"))
	}
	path, err := s.node.CreateCheckpoint(r.Context(), args.Value)
	if err != nil {
		return toRPCError(err)
	}
	*reply = path
	return nil
}

func (s *Service) ExpressGetContractStorage(r *http.Request, args *StringArgs, reply *[]chain.StorageEntry) error {
	entries, err := s.node.ContractStorage(r.Context(), args.Value)
	if err != nil {
		return toRPCError(err)
	}
	*reply = entries
	return nil
}

func (s *Service) ExpressFastForward(r *http.Request, args *FastForwardArgs, reply *bool) error {
	delta := time.Duration(args.DeltaMillis) * time.Millisecond
	if delta < 0 {
		return toRPCError(core.ErrInvalid("negative time delta"))
	}
	if err := s.node.FastForward(r.Context(), args.Count, delta); err != nil {
		return toRPCError(err)
	}
	*reply = true
	return nil
}
