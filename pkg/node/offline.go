package node

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
)

var _ ExecutionNode = (*OfflineNode)(nil)

// OfflineNode runs an embedded chain over a guarded data directory. Every
// Execute relays its transaction and immediately produces the block holding
// it, so results are visible as soon as Execute returns.
type OfflineNode struct {
	log      log.Logger
	topology *core.ChainTopology
	metrics  *metrics
	discard  bool

	guard   *checkpoint.Guard
	store   database.Store
	overlay *database.Overlay
	chain   *chain.Chain

	// execMu serializes block production and checkpoints
	execMu sync.Mutex

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// OpenOffline takes the data directory's guard and opens its chain. Changes
// are flushed to the store after every block unless opts.Discard is set.
func OpenOffline(opts Options) (*OfflineNode, error) {
	if _, err := opts.consensusNode(); err != nil {
		return nil, err
	}
	logger := opts.Log
	if logger == nil {
		logger = log.NewLogger("express")
	}
	m, err := newMetrics(opts.Registry)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	guard, err := checkpoint.Acquire(opts.DataDir)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(opts.DataDir, opts.Engine, false, database.WithLogger(logger))
	if err != nil {
		guard.Release()
		return nil, core.StateError{Op: "open " + opts.DataDir, Err: err}
	}

	genesis, err := chain.GenesisFromTopology(opts.Topology)
	if err != nil {
		store.Close()
		guard.Release()
		return nil, err
	}
	overlay := database.NewOverlay(store)
	c, err := chain.Open(overlay, genesis)
	if err != nil {
		store.Close()
		guard.Release()
		return nil, err
	}

	n := &OfflineNode{
		log:      logger,
		topology: opts.Topology,
		metrics:  m,
		discard:  opts.Discard,
		guard:    guard,
		store:    store,
		overlay:  overlay,
		chain:    c,
	}
	if err := n.persist(); err != nil {
		n.Close()
		return nil, err
	}
	logger.Info("Offline node opened", "dir", guard.Dir(), "height", c.Height(), "discard", opts.Discard)
	return n, nil
}

// Chain exposes the embedded chain to the RPC server
func (n *OfflineNode) Chain() *chain.Chain { return n.chain }

// enter admits a call unless the node is shutting down
func (n *OfflineNode) enter() error {
	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	if n.closed {
		return fmt.Errorf("%w: node is shutting down", core.ErrCancelled)
	}
	n.inflight.Add(1)
	return nil
}

func (n *OfflineNode) persist() error {
	if n.discard {
		return nil
	}
	return n.overlay.Flush()
}

func (n *OfflineNode) Invoke(ctx context.Context, script []byte, signers ...keys.ScriptHash) (*chain.InvokeResult, error) {
	if err := n.enter(); err != nil {
		return nil, err
	}
	defer n.inflight.Done()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCancelled, err)
	}
	return n.invoke(ctx, script, signers...)
}

func (n *OfflineNode) invoke(ctx context.Context, script []byte, signers ...keys.ScriptHash) (*chain.InvokeResult, error) {
	n.metrics.invocations.Inc()
	return n.chain.Invoke(script, signers...)
}

func (n *OfflineNode) height(ctx context.Context) (uint32, error) {
	return n.chain.Height(), nil
}

func (n *OfflineNode) Execute(ctx context.Context, wallet core.Wallet, account core.Account, script []byte, extraFee uint64) (common.Hash, error) {
	if err := n.enter(); err != nil {
		return common.Hash{}, err
	}
	defer n.inflight.Done()

	n.execMu.Lock()
	defer n.execMu.Unlock()
	return execute(ctx, n, n.metrics, n.topology, wallet, account, script, extraFee)
}

// submit must be called with execMu held. Once relayed, the transaction is
// either committed in the next block or evicted; cancellation is only honoured
// before the relay.
func (n *OfflineNode) submit(ctx context.Context, tx *chain.Transaction) (*chain.ApplicationLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCancelled, err)
	}
	if err := n.chain.Relay(tx); err != nil {
		return nil, err
	}
	if _, err := n.produce(context.WithoutCancel(ctx)); err != nil {
		n.chain.Evict(tx.Hash())
		return nil, err
	}
	return n.chain.ApplicationLog(tx.Hash())
}

// produce must be called with execMu held
func (n *OfflineNode) produce(ctx context.Context) (*chain.Block, error) {
	block, err := n.chain.ProduceBlock(ctx)
	if err != nil {
		return nil, err
	}
	n.metrics.blocks.Inc()
	if err := n.persist(); err != nil {
		return nil, core.StateError{Op: "flush", Err: err}
	}
	return block, nil
}

// Relay queues a transaction for the next block without producing it
func (n *OfflineNode) Relay(ctx context.Context, tx *chain.Transaction) error {
	if err := n.enter(); err != nil {
		return err
	}
	defer n.inflight.Done()
	return n.chain.Relay(tx)
}

// Run produces a block every interval until ctx is done
func (n *OfflineNode) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := n.enter(); err != nil {
			return nil
		}
		n.execMu.Lock()
		block, err := n.produce(ctx)
		n.execMu.Unlock()
		n.inflight.Done()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		n.log.Debug("Block produced", "index", block.Index, "txs", len(block.Transactions))
	}
}

func (n *OfflineNode) GetApplicationLog(ctx context.Context, txid common.Hash) (*chain.ApplicationLog, error) {
	if err := n.enter(); err != nil {
		return nil, err
	}
	defer n.inflight.Done()
	return n.chain.ApplicationLog(txid)
}

func (n *OfflineNode) Height(ctx context.Context) (uint32, error) {
	if err := n.enter(); err != nil {
		return 0, err
	}
	defer n.inflight.Done()
	return n.chain.Height(), nil
}

func (n *OfflineNode) Balance(ctx context.Context, account keys.ScriptHash) (*uint256.Int, error) {
	if err := n.enter(); err != nil {
		return nil, err
	}
	defer n.inflight.Done()
	return n.chain.Balance(account)
}

func (n *OfflineNode) ContractStorage(ctx context.Context, namespace string) ([]chain.StorageEntry, error) {
	if err := n.enter(); err != nil {
		return nil, err
	}
	defer n.inflight.Done()
	return n.chain.ContractStorage(namespace)
}

func (n *OfflineNode) FastForward(ctx context.Context, count uint32, delta time.Duration) error {
	if err := n.enter(); err != nil {
		return err
	}
	defer n.inflight.Done()

	n.execMu.Lock()
	defer n.execMu.Unlock()
	if err := n.chain.FastForward(ctx, count, delta); err != nil {
		return err
	}
	n.metrics.blocks.Add(float64(count))
	return n.persist()
}

// CreateCheckpoint archives the committed state, including changes not yet
// flushed to disk, while block production is held off
func (n *OfflineNode) CreateCheckpoint(ctx context.Context, path string) (string, error) {
	if err := n.enter(); err != nil {
		return "", err
	}
	defer n.inflight.Done()

	src, ok := n.store.(database.Checkpointer)
	if !ok {
		return "", core.StateError{Op: "checkpoint", Err: fmt.Errorf("store engine cannot be checkpointed")}
	}
	genesis := n.chain.Genesis()

	n.execMu.Lock()
	defer n.execMu.Unlock()
	err := n.chain.Locked(func() error {
		_, err := checkpoint.CreateLayered(ctx, src, n.overlay, path, genesis.Magic, genesis.Committee)
		return err
	})
	if err != nil {
		return "", err
	}
	n.log.Info("Checkpoint created", "path", path, "magic", genesis.Magic, "height", n.chain.Height())
	return path, nil
}

// Close stops admitting calls, waits for in-flight ones, flushes unless
// discarding and releases the data directory
func (n *OfflineNode) Close() error {
	n.closeMu.Lock()
	if n.closed {
		n.closeMu.Unlock()
		return nil
	}
	n.closed = true
	n.closeMu.Unlock()

	n.inflight.Wait()

	var err error
	if n.discard {
		n.overlay.Discard()
	} else {
		err = n.overlay.Flush()
	}
	if cerr := n.store.Close(); err == nil {
		err = cerr
	}
	if rerr := n.guard.Release(); err == nil {
		err = rerr
	}
	n.log.Info("Offline node closed", "dir", n.guard.Dir())
	return err
}
