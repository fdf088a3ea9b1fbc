package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
)

var _ ExecutionNode = (*OnlineNode)(nil)

// DefaultPollInterval is how often Execute asks a running node whether a
// submitted transaction has been persisted
const DefaultPollInterval = 100 * time.Millisecond

// OnlineNode drives a running node over JSON-RPC. Transactions are built and
// signed locally; keys never leave this process.
type OnlineNode struct {
	endpoint     string
	client       *rpc.Client
	topology     *core.ChainTopology
	metrics      *metrics
	PollInterval time.Duration
}

// DialOnline connects to the RPC endpoint of a running node
func DialOnline(ctx context.Context, endpoint string, topo *core.ChainTopology, reg prometheus.Registerer) (*OnlineNode, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, core.ConnectivityError{Endpoint: endpoint, Err: err}
	}
	return &OnlineNode{
		endpoint:     endpoint,
		client:       client,
		topology:     topo,
		metrics:      m,
		PollInterval: DefaultPollInterval,
	}, nil
}

// call maps JSON-RPC errors back onto the error taxonomy and everything
// else onto ConnectivityError
func (n *OnlineNode) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	err := n.client.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		var data json.RawMessage
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
			if raw, merr := json.Marshal(dataErr.ErrorData()); merr == nil {
				data = raw
			}
		}
		return core.ErrorFromRPC(rpcErr.ErrorCode(), rpcErr.Error(), data)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", core.ErrCancelled, ctx.Err())
	}
	return core.ConnectivityError{Endpoint: n.endpoint, Err: err}
}

func (n *OnlineNode) Invoke(ctx context.Context, script []byte, signers ...keys.ScriptHash) (*chain.InvokeResult, error) {
	return n.invoke(ctx, script, signers...)
}

func (n *OnlineNode) invoke(ctx context.Context, script []byte, signers ...keys.ScriptHash) (*chain.InvokeResult, error) {
	n.metrics.invocations.Inc()
	hashes := make([]string, len(signers))
	for i, s := range signers {
		hashes[i] = s.String()
	}
	res := new(chain.InvokeResult)
	if err := n.call(ctx, res, "invokescript", script, hashes); err != nil {
		return nil, err
	}
	return res, nil
}

func (n *OnlineNode) Execute(ctx context.Context, wallet core.Wallet, account core.Account, script []byte, extraFee uint64) (common.Hash, error) {
	return execute(ctx, n, n.metrics, n.topology, wallet, account, script, extraFee)
}

// submit relays tx and waits until the node has persisted it
func (n *OnlineNode) submit(ctx context.Context, tx *chain.Transaction) (*chain.ApplicationLog, error) {
	raw, err := tx.Bytes()
	if err != nil {
		return nil, err
	}
	var sent struct {
		Hash common.Hash `json:"hash"`
	}
	if err := n.call(ctx, &sent, "sendrawtransaction", raw); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(n.PollInterval)
	defer ticker.Stop()
	for {
		log, err := n.GetApplicationLog(ctx, sent.Hash)
		if err == nil {
			return log, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %v", core.ErrCancelled, sent.Hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (n *OnlineNode) GetApplicationLog(ctx context.Context, txid common.Hash) (*chain.ApplicationLog, error) {
	log := new(chain.ApplicationLog)
	if err := n.call(ctx, log, "getapplicationlog", txid.Hex()); err != nil {
		return nil, err
	}
	return log, nil
}

func (n *OnlineNode) Height(ctx context.Context) (uint32, error) {
	return n.height(ctx)
}

func (n *OnlineNode) height(ctx context.Context) (uint32, error) {
	var count uint32
	if err := n.call(ctx, &count, "getblockcount"); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, core.StateError{Op: "getblockcount", Err: errors.New("node reported no blocks")}
	}
	return count - 1, nil
}

func (n *OnlineNode) Balance(ctx context.Context, account keys.ScriptHash) (*uint256.Int, error) {
	return balanceOf(ctx, n, account)
}

func (n *OnlineNode) ContractStorage(ctx context.Context, namespace string) ([]chain.StorageEntry, error) {
	var entries []chain.StorageEntry
	if err := n.call(ctx, &entries, "expressgetcontractstorage", namespace); err != nil {
		return nil, err
	}
	return entries, nil
}

func (n *OnlineNode) FastForward(ctx context.Context, count uint32, delta time.Duration) error {
	return n.call(ctx, nil, "expressfastforward", count, delta.Milliseconds())
}

// CreateCheckpoint asks the running node to archive its own state. The path
// is resolved here since the node may run in another working directory.
func (n *OnlineNode) CreateCheckpoint(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var written string
	if err := n.call(ctx, &written, "expresscreatecheckpoint", abs); err != nil {
		return "", err
	}
	return written, nil
}

func (n *OnlineNode) Close() error {
	n.client.Close()
	return nil
}
