// Package chain is the embedded dev-network engine: a native-contract ledger
// with a mempool and on-demand block production over a key-value store.
package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
)

const (
	TokenSymbol   = "GAS"
	TokenDecimals = 8
)

// DefaultSupply is minted to the committee at genesis: 100M tokens
var DefaultSupply = uint256.NewInt(100_000_000 * 1_0000_0000)

// Genesis fixes a chain's identity and initial state
type Genesis struct {
	Magic         uint32
	Committee     keys.ScriptHash
	InitialSupply *uint256.Int
	Timestamp     time.Time
}

// GenesisFromTopology derives the genesis of a network topology
func GenesisFromTopology(topo *core.ChainTopology) (Genesis, error) {
	hash, err := topo.GenesisScriptHash()
	if err != nil {
		return Genesis{}, err
	}
	return Genesis{Magic: topo.Magic, Committee: hash, InitialSupply: DefaultSupply}, nil
}

// Block records the transactions included at one height
type Block struct {
	Index        uint32        `json:"index"`
	Timestamp    uint64        `json:"time"`
	PrevHash     common.Hash   `json:"previousblockhash"`
	Transactions []common.Hash `json:"tx"`
}

// Hash identifies the block
func (b *Block) Hash() common.Hash {
	raw, err := rlp.EncodeToBytes(b)
	if err != nil {
		panic(err)
	}
	return sha256.Sum256(raw)
}

// ApplicationLog is the persisted outcome of one transaction
type ApplicationLog struct {
	TxID          common.Hash      `json:"txid"`
	BlockIndex    uint32           `json:"blockindex"`
	State         VMState          `json:"vmstate"`
	Exception     string           `json:"exception,omitempty"`
	GasConsumed   uint64           `json:"gasconsumed,string"`
	Stack         []core.StackItem `json:"stack"`
	Notifications []Notification   `json:"notifications"`
}

// Fault returns a ScriptFaultError when the transaction did not halt
func (l *ApplicationLog) Fault() error {
	if l.State == Halt {
		return nil
	}
	return &core.ScriptFaultError{
		State:       string(l.State),
		Message:     l.Exception,
		GasConsumed: l.GasConsumed,
		Stack:       l.Stack,
	}
}

// StorageEntry is one key of a contract storage namespace
type StorageEntry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Chain is a single-validator ledger. Reads run concurrently; block
// production is exclusive.
type Chain struct {
	genesis Genesis

	mu       sync.RWMutex
	store    database.Store
	height   uint32
	lastHash common.Hash
	lastTime uint64

	poolMu sync.Mutex
	pool   []*Transaction
	pooled map[common.Hash]struct{}

	blockFeed event.Feed
	now       func() time.Time
}

// Open loads the chain from store, writing genesis state into an empty one.
// A store initialized for another magic or committee fails with ValidationError.
func Open(store database.Store, g Genesis) (*Chain, error) {
	if g.InitialSupply == nil {
		g.InitialSupply = DefaultSupply
	}
	c := &Chain{
		genesis: g,
		store:   store,
		pooled:  make(map[common.Hash]struct{}),
		now:     time.Now,
	}

	marker, err := store.Get(genesisKey())
	switch {
	case errors.Is(err, database.ErrNotFound):
		if err := c.initGenesis(); err != nil {
			return nil, fmt.Errorf("failed to write genesis: %w", err)
		}
		return c, nil
	case err != nil:
		return nil, err
	}

	if len(marker) != 4+keys.ScriptHashLen ||
		binary.LittleEndian.Uint32(marker) != g.Magic ||
		!bytes.Equal(marker[4:], g.Committee[:]) {
		return nil, core.ErrInvalidf("store belongs to a different chain than magic %d", g.Magic)
	}

	raw, err := store.Get(heightKey())
	if err != nil {
		return nil, fmt.Errorf("missing chain height: %w", err)
	}
	c.height = binary.BigEndian.Uint32(raw)
	block, err := c.Block(c.height)
	if err != nil {
		return nil, err
	}
	c.lastHash = block.Hash()
	c.lastTime = block.Timestamp
	return c, nil
}

func (c *Chain) initGenesis() error {
	ts := uint64(c.genesis.Timestamp.UnixMilli())
	if c.genesis.Timestamp.IsZero() {
		ts = uint64(c.now().UnixMilli())
	}

	batch := c.store.NewBatch()
	marker := make([]byte, 4, 4+keys.ScriptHashLen)
	binary.LittleEndian.PutUint32(marker, c.genesis.Magic)
	marker = append(marker, c.genesis.Committee[:]...)

	genesis := &Block{Index: 0, Timestamp: ts}
	raw, err := rlp.EncodeToBytes(genesis)
	if err != nil {
		return err
	}
	puts := [][2][]byte{
		{genesisKey(), marker},
		{balanceKey(c.genesis.Committee), c.genesis.InitialSupply.Bytes()},
		{supplyKey(), c.genesis.InitialSupply.Bytes()},
		{blockKey(0), raw},
		{heightKey(), encodeHeight(0)},
	}
	for _, kv := range puts {
		if err := batch.Put(kv[0], kv[1]); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	c.lastHash = genesis.Hash()
	c.lastTime = ts
	return nil
}

// Magic returns the network magic the chain signs against
func (c *Chain) Magic() uint32 { return c.genesis.Magic }

// Genesis returns the chain's genesis parameters
func (c *Chain) Genesis() Genesis { return c.genesis }

// Store returns the store the chain writes committed blocks to
func (c *Chain) Store() database.Store { return c.store }

// Height returns the index of the latest block
func (c *Chain) Height() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// Block returns the block at index
func (c *Chain) Block(index uint32) (*Block, error) {
	c.mu.RLock()
	raw, err := c.store.Get(blockKey(index))
	c.mu.RUnlock()
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("block %d: %w", index, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	block := new(Block)
	if err := rlp.DecodeBytes(raw, block); err != nil {
		return nil, err
	}
	return block, nil
}

// Invoke runs script against committed state and throws the writes away
func (c *Chain) Invoke(script []byte, signers ...keys.ScriptHash) (*InvokeResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	scratch := database.NewOverlay(c.store)
	defer scratch.Discard()
	return newEngine(scratch, signers, MaxInvokeGas).run(script), nil
}

// Balance returns the token balance of account
func (c *Chain) Balance(account keys.ScriptHash) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return readAmount(c.store, balanceKey(account))
}

// ApplicationLog returns the execution outcome of a committed transaction
func (c *Chain) ApplicationLog(txid common.Hash) (*ApplicationLog, error) {
	c.mu.RLock()
	raw, err := c.store.Get(appLogKey(txid))
	c.mu.RUnlock()
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("unknown transaction %s: %w", txid.Hex(), core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	log := new(ApplicationLog)
	if err := json.Unmarshal(raw, log); err != nil {
		return nil, err
	}
	return log, nil
}

// ContractStorage lists the entries of one storage namespace in key order
func (c *Chain) ContractStorage(namespace string) ([]StorageEntry, error) {
	if len(namespace) > 255 {
		return nil, core.ErrInvalidf("namespace too long")
	}
	prefix := storageKey([]byte(namespace), nil)
	entries := []StorageEntry{}
	c.mu.RLock()
	defer c.mu.RUnlock()
	err := c.store.Iterate(prefix, func(key, value []byte) error {
		entries = append(entries, StorageEntry{Key: key[len(prefix):], Value: value})
		return nil
	})
	return entries, err
}

// MempoolSize returns the number of transactions waiting for a block
func (c *Chain) MempoolSize() int {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	return len(c.pool)
}

// Relay validates tx and queues it for the next block
func (c *Chain) Relay(tx *Transaction) error {
	if len(tx.Signers) == 0 {
		return core.ErrInvalid("transaction has no signers")
	}
	if len(tx.Witnesses) != len(tx.Signers) {
		return core.ErrInvalidf("transaction has %d signers but %d witnesses", len(tx.Signers), len(tx.Witnesses))
	}

	height := c.Height()
	if tx.ValidUntilBlock <= height || tx.ValidUntilBlock > height+MaxValidUntilBlockIncrement {
		return core.ErrInvalidf("transaction expires at block %d, chain is at %d", tx.ValidUntilBlock, height)
	}

	hash := tx.Hash()
	c.mu.RLock()
	known, err := c.store.Has(txKey(hash))
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if known {
		return core.ErrConflictf("transaction %s is already on chain", hash.Hex())
	}

	signing := tx.SigningHash(c.genesis.Magic)
	scripts := make([][]byte, len(tx.Witnesses))
	for i, w := range tx.Witnesses {
		if w.ScriptHash() != tx.Signers[i] {
			return core.ErrInvalidf("witness %d does not belong to signer %s", i, tx.Signers[i])
		}
		if err := w.Verify(signing); err != nil {
			return core.ErrInvalidf("witness for %s: %v", tx.Signers[i], err)
		}
		scripts[i] = w.Verification
	}

	required, err := CalculateNetworkFee(tx, scripts)
	if err != nil {
		return err
	}
	if tx.NetworkFee < required {
		return core.ErrInvalidf("network fee %d below required %d", tx.NetworkFee, required)
	}

	c.poolMu.Lock()
	defer c.poolMu.Unlock()

	if _, ok := c.pooled[hash]; ok {
		return core.ErrConflictf("transaction %s is already pooled", hash.Hex())
	}

	// fees of the sender's queued transactions are already spoken for
	need := new(uint256.Int).Add(uint256.NewInt(tx.SystemFee), uint256.NewInt(tx.NetworkFee))
	for _, queued := range c.pool {
		if queued.Sender() == tx.Sender() {
			need.Add(need, uint256.NewInt(queued.SystemFee))
			need.Add(need, uint256.NewInt(queued.NetworkFee))
		}
	}
	balance, err := c.Balance(tx.Sender())
	if err != nil {
		return err
	}
	if balance.Lt(need) {
		return &core.InsufficientFundsError{Account: tx.Sender(), Required: need, Available: balance}
	}

	c.pool = append(c.pool, tx)
	c.pooled[hash] = struct{}{}
	return nil
}

// Evict drops a pooled transaction. It reports whether tx was still waiting
// for a block.
func (c *Chain) Evict(hash common.Hash) bool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if _, ok := c.pooled[hash]; !ok {
		return false
	}
	delete(c.pooled, hash)
	for i, tx := range c.pool {
		if tx.Hash() == hash {
			c.pool = append(c.pool[:i], c.pool[i+1:]...)
			break
		}
	}
	return true
}

// ProduceBlock commits every pooled transaction in a new block
func (c *Chain) ProduceBlock(ctx context.Context) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCancelled, err)
	}
	c.mu.Lock()
	block, err := c.produce(c.nextTimestamp(0))
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.blockFeed.Send(block)
	return block, nil
}

// FastForward produces count empty-pool blocks spread over delta of chain time
func (c *Chain) FastForward(ctx context.Context, count uint32, delta time.Duration) error {
	if count == 0 {
		return nil
	}
	step := uint64(delta.Milliseconds()) / uint64(count)
	for i := uint32(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrCancelled, err)
		}
		c.mu.Lock()
		block, err := c.produce(c.nextTimestamp(step))
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.blockFeed.Send(block)
	}
	return nil
}

// SubscribeBlocks delivers every produced block to ch. The channel must be
// drained; block production waits on slow subscribers.
func (c *Chain) SubscribeBlocks(ch chan<- *Block) event.Subscription {
	return c.blockFeed.Subscribe(ch)
}

// Locked runs fn while block production is held off
func (c *Chain) Locked(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

func (c *Chain) nextTimestamp(step uint64) uint64 {
	ts := uint64(c.now().UnixMilli())
	if step > 0 {
		ts = c.lastTime + step
	}
	if ts <= c.lastTime {
		ts = c.lastTime + 1
	}
	return ts
}

func (c *Chain) takePool() []*Transaction {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	txs := c.pool
	c.pool = nil
	c.pooled = make(map[common.Hash]struct{})
	return txs
}

// requeue puts transactions of a failed block back in front of anything
// relayed since
func (c *Chain) requeue(txs []*Transaction) {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	pool := make([]*Transaction, 0, len(txs)+len(c.pool))
	for _, tx := range txs {
		hash := tx.Hash()
		if _, ok := c.pooled[hash]; ok {
			continue
		}
		c.pooled[hash] = struct{}{}
		pool = append(pool, tx)
	}
	c.pool = append(pool, c.pool...)
}

// produce must be called with mu held
func (c *Chain) produce(ts uint64) (*Block, error) {
	index := c.height + 1
	block := &Block{Index: index, Timestamp: ts, PrevHash: c.lastHash, Transactions: []common.Hash{}}
	pending := database.NewOverlay(c.store)

	txs := c.takePool()
	for _, tx := range txs {
		if tx.ValidUntilBlock < index {
			continue
		}
		included, err := c.apply(pending, tx, index)
		if err != nil {
			pending.Discard()
			c.requeue(txs)
			return nil, err
		}
		if included {
			block.Transactions = append(block.Transactions, tx.Hash())
		}
	}

	if err := c.commit(pending, block); err != nil {
		pending.Discard()
		c.requeue(txs)
		return nil, err
	}

	c.height = index
	c.lastHash = block.Hash()
	c.lastTime = ts
	return block, nil
}

func (c *Chain) commit(pending *database.Overlay, block *Block) error {
	raw, err := rlp.EncodeToBytes(block)
	if err != nil {
		return err
	}
	if err := pending.Put(blockKey(block.Index), raw); err != nil {
		return err
	}
	if err := pending.Put(heightKey(), encodeHeight(block.Index)); err != nil {
		return err
	}
	if err := pending.Flush(); err != nil {
		return core.StateError{Op: fmt.Sprintf("commit block %d", block.Index), Err: err}
	}
	return nil
}

// apply burns the fees of tx and executes its script. Script writes are kept
// only when it halts; fees are burned either way. A sender that can no longer
// cover the fees leaves the transaction out of the block.
func (c *Chain) apply(pending *database.Overlay, tx *Transaction, index uint32) (bool, error) {
	hash := tx.Hash()
	fee := new(uint256.Int).Add(uint256.NewInt(tx.SystemFee), uint256.NewInt(tx.NetworkFee))
	sender := tx.Sender()

	balance, err := readAmount(pending, balanceKey(sender))
	if err != nil {
		return false, err
	}
	if balance.Lt(fee) {
		return false, nil
	}
	if err := writeAmount(pending, balanceKey(sender), new(uint256.Int).Sub(balance, fee)); err != nil {
		return false, err
	}
	supply, err := readAmount(pending, supplyKey())
	if err != nil {
		return false, err
	}
	if err := writeAmount(pending, supplyKey(), new(uint256.Int).Sub(supply, fee)); err != nil {
		return false, err
	}

	scratch := database.NewOverlay(pending)
	res := newEngine(scratch, tx.Signers, tx.SystemFee).run(tx.Script)
	if res.State == Halt {
		if err := scratch.Flush(); err != nil {
			return false, err
		}
	} else {
		scratch.Discard()
	}

	log, err := json.Marshal(&ApplicationLog{
		TxID:          hash,
		BlockIndex:    index,
		State:         res.State,
		Exception:     res.Exception,
		GasConsumed:   res.GasConsumed,
		Stack:         res.Stack,
		Notifications: res.Notifications,
	})
	if err != nil {
		return false, err
	}
	raw, err := tx.Bytes()
	if err != nil {
		return false, err
	}
	if err := pending.Put(appLogKey(hash), log); err != nil {
		return false, err
	}
	if err := pending.Put(txKey(hash), append(encodeHeight(index), raw...)); err != nil {
		return false, err
	}
	return true, nil
}

func encodeHeight(h uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, h)
	return buf
}
