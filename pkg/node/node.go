// Package node runs scripts and transactions against a network either through
// an embedded chain (offline) or a running node's RPC endpoint (online). Both
// modes satisfy ExecutionNode with the same ordering, fees and errors.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
)

// ExecutionNode is the uniform execution contract of both modes
type ExecutionNode interface {
	// Invoke runs script read-only as if signed by signers
	Invoke(ctx context.Context, script []byte, signers ...keys.ScriptHash) (*chain.InvokeResult, error)

	// Execute signs script for account, submits it and waits until it is
	// persisted. A FAULT yields ScriptFaultError and no transaction id.
	Execute(ctx context.Context, wallet core.Wallet, account core.Account, script []byte, extraFee uint64) (common.Hash, error)

	GetApplicationLog(ctx context.Context, txid common.Hash) (*chain.ApplicationLog, error)
	Height(ctx context.Context) (uint32, error)
	Balance(ctx context.Context, account keys.ScriptHash) (*uint256.Int, error)
	ContractStorage(ctx context.Context, namespace string) ([]chain.StorageEntry, error)
	FastForward(ctx context.Context, count uint32, delta time.Duration) error

	// CreateCheckpoint writes an archive of the node's current state to path
	CreateCheckpoint(ctx context.Context, path string) (string, error)

	Close() error
}

// Options selects and configures the node of one consensus member
type Options struct {
	Topology  *core.ChainTopology
	NodeIndex int
	DataDir   string
	Engine    database.Engine

	// Discard drops every change when the node closes
	Discard bool

	Log      log.Logger
	Registry prometheus.Registerer
}

func (o Options) consensusNode() (core.ConsensusNode, error) {
	if o.Topology == nil {
		return core.ConsensusNode{}, core.ErrInvalid("no topology")
	}
	if o.NodeIndex < 0 || o.NodeIndex >= len(o.Topology.Nodes) {
		return core.ConsensusNode{}, core.ErrInvalidf("node index %d out of range", o.NodeIndex)
	}
	return o.Topology.Nodes[o.NodeIndex], nil
}

// Endpoint returns the RPC URL of a consensus node
func Endpoint(n core.ConsensusNode) string {
	return fmt.Sprintf("http://127.0.0.1:%d", n.RPCPort)
}

// Open returns an online node when a live process holds the data directory
// and an offline node over the directory otherwise
func Open(ctx context.Context, opts Options) (ExecutionNode, error) {
	cn, err := opts.consensusNode()
	if err != nil {
		return nil, err
	}
	holder, err := checkpoint.Inspect(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		if opts.Log != nil {
			opts.Log.Debug("Data directory is live, using RPC", "dir", holder.Dir, "pid", holder.PID)
		}
		return DialOnline(ctx, Endpoint(cn), opts.Topology, opts.Registry)
	}
	return OpenOffline(opts)
}
