package node_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
	"github.com/luxfi/express/pkg/node"
)

var _ = Describe("OfflineNode", func() {
	var (
		ctx     context.Context
		topo    *core.ChainTopology
		dir     string
		opts    node.Options
		n       *node.OfflineNode
		wallet  core.Wallet
		genesis core.Account
		alice   core.Account
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		topo, err = core.NewTopology(core.TopologyOptions{Nodes: 1})
		Expect(err).NotTo(HaveOccurred())
		wallet, genesis, err = topo.ConsensusAccount()
		Expect(err).NotTo(HaveOccurred())

		k, err := keys.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		alice = core.NewSignatureAccount(k, "alice")

		dir = filepath.Join(GinkgoT().TempDir(), "node1")
		opts = node.Options{
			Topology: topo,
			DataDir:  dir,
			Engine:   database.PebbleDB,
			Registry: prometheus.NewRegistry(),
		}
		n, err = node.OpenOffline(opts)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = n.Close() })
	})

	transfer := func(amount uint64) []byte {
		return chain.NewScriptBuilder().
			Transfer(genesis.ScriptHash, alice.ScriptHash, uint256.NewInt(amount)).
			Script()
	}

	It("should make an executed transfer visible to the next call", func() {
		txid, err := n.Execute(ctx, wallet, genesis, transfer(5000), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(txid).NotTo(Equal(common.Hash{}))

		balance, err := n.Balance(ctx, alice.ScriptHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(balance.Uint64()).To(Equal(uint64(5000)))

		height, err := n.Height(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(height).To(Equal(uint32(1)))

		appLog, err := n.GetApplicationLog(ctx, txid)
		Expect(err).NotTo(HaveOccurred())
		Expect(appLog.State).To(Equal(chain.Halt))
		Expect(appLog.BlockIndex).To(Equal(uint32(1)))
	})

	It("should report a faulting script without a transaction id", func() {
		script := chain.NewScriptBuilder().Abort("nope").Script()
		txid, err := n.Execute(ctx, wallet, genesis, script, 0)
		Expect(err).To(MatchError(core.ErrScriptFault))
		Expect(txid).To(Equal(common.Hash{}))

		height, err := n.Height(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(height).To(BeZero())
	})

	It("should refuse a sender that cannot pay the fees", func() {
		script := chain.NewScriptBuilder().BalanceOf(alice.ScriptHash).Script()
		_, err := n.Execute(ctx, core.Wallet{}, alice, script, 0)
		Expect(err).To(MatchError(core.ErrInsufficientFunds))

		var funds *core.InsufficientFundsError
		Expect(err).To(BeAssignableToTypeOf(funds))
	})

	It("should refuse an account it cannot sign for", func() {
		watch := core.Account{ScriptHash: genesis.ScriptHash, Contract: genesis.Contract}
		for i := range topo.Nodes[0].Wallet.Accounts {
			topo.Nodes[0].Wallet.Accounts[i].PrivateKey = nil
		}
		_, err := n.Execute(ctx, core.Wallet{}, watch, transfer(1), 0)
		Expect(err).To(MatchError(core.ErrInsufficientSignatures))
	})

	It("should hold the data directory exclusively", func() {
		_, err := node.OpenOffline(opts)
		Expect(err).To(MatchError(core.ErrBusy))

		holder, err := checkpoint.Inspect(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(holder).NotTo(BeNil())
		Expect(holder.PID).To(Equal(os.Getpid()))

		Expect(n.Close()).To(Succeed())
		again, err := node.OpenOffline(opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Close()).To(Succeed())
	})

	It("should persist changes across reopen", func() {
		_, err := n.Execute(ctx, wallet, genesis, transfer(42), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Close()).To(Succeed())

		n, err = node.OpenOffline(opts)
		Expect(err).NotTo(HaveOccurred())
		balance, err := n.Balance(ctx, alice.ScriptHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(balance.Uint64()).To(Equal(uint64(42)))
	})

	It("should drop changes of a discarding node", func() {
		Expect(n.Close()).To(Succeed())
		discarding := opts
		discarding.Discard = true
		var err error
		n, err = node.OpenOffline(discarding)
		Expect(err).NotTo(HaveOccurred())

		_, err = n.Execute(ctx, wallet, genesis, transfer(42), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(n.FastForward(ctx, 5, time.Minute)).To(Succeed())
		height, err := n.Height(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(height).To(Equal(uint32(6)))
		Expect(n.Close()).To(Succeed())

		n, err = node.OpenOffline(opts)
		Expect(err).NotTo(HaveOccurred())
		height, err = n.Height(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(height).To(BeZero())
	})

	It("should fail calls after close", func() {
		Expect(n.Close()).To(Succeed())
		_, err := n.Height(ctx)
		Expect(err).To(MatchError(core.ErrCancelled))
		_, err = n.Execute(ctx, wallet, genesis, transfer(1), 0)
		Expect(err).To(MatchError(core.ErrCancelled))
	})

	It("should not commit an execution cancelled before submission", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		txid, err := n.Execute(cancelled, wallet, genesis, transfer(5000), 0)
		Expect(err).To(MatchError(core.ErrCancelled))
		Expect(txid).To(Equal(common.Hash{}))
		Expect(n.Chain().MempoolSize()).To(BeZero())

		By("producing the next block without it")
		Expect(n.FastForward(ctx, 1, 0)).To(Succeed())
		balance, err := n.Balance(ctx, alice.ScriptHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(balance.IsZero()).To(BeTrue())

		By("applying a retry exactly once")
		_, err = n.Execute(ctx, wallet, genesis, transfer(5000), 0)
		Expect(err).NotTo(HaveOccurred())
		balance, err = n.Balance(ctx, alice.ScriptHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(balance.Uint64()).To(Equal(uint64(5000)))
	})

	It("should queue concurrent executions", func() {
		const workers = 8
		var (
			wg    sync.WaitGroup
			txids = make(chan common.Hash, workers)
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				txid, err := n.Execute(ctx, wallet, genesis, transfer(100), 0)
				Expect(err).NotTo(HaveOccurred())
				txids <- txid
			}()
		}
		wg.Wait()
		close(txids)

		seen := make(map[common.Hash]struct{})
		for txid := range txids {
			seen[txid] = struct{}{}
		}
		Expect(seen).To(HaveLen(workers))

		height, err := n.Height(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(height).To(Equal(uint32(workers)))
		balance, err := n.Balance(ctx, alice.ScriptHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(balance.Uint64()).To(Equal(uint64(workers * 100)))
	})

	It("should let in-flight executions finish before closing", func() {
		var (
			committed []common.Hash
			started   = make(chan struct{})
			done      = make(chan error, 1)
			once      sync.Once
		)
		go func() {
			defer GinkgoRecover()
			for {
				txid, err := n.Execute(ctx, wallet, genesis, transfer(10), 0)
				once.Do(func() { close(started) })
				if err != nil {
					done <- err
					return
				}
				committed = append(committed, txid)
			}
		}()
		Eventually(started).Should(BeClosed())
		Expect(n.Close()).To(Succeed())

		var err error
		Eventually(done).Should(Receive(&err))
		Expect(err).To(MatchError(core.ErrCancelled))
		Expect(committed).NotTo(BeEmpty())

		By("finding every returned transaction after reopening")
		n, err = node.OpenOffline(opts)
		Expect(err).NotTo(HaveOccurred())
		height, err := n.Height(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(height).To(Equal(uint32(len(committed))))
		balance, err := n.Balance(ctx, alice.ScriptHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(balance.Uint64()).To(Equal(uint64(10 * len(committed))))
		for _, txid := range committed {
			appLog, err := n.GetApplicationLog(ctx, txid)
			Expect(err).NotTo(HaveOccurred())
			Expect(appLog.State).To(Equal(chain.Halt))
		}
	})

	It("should checkpoint a live node and restore it elsewhere", func() {
		_, err := n.Execute(ctx, wallet, genesis, transfer(7), 0)
		Expect(err).NotTo(HaveOccurred())

		archive := filepath.Join(GinkgoT().TempDir(), "snap"+checkpoint.Extension)
		path, err := n.CreateCheckpoint(ctx, archive)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(archive))

		hash, err := topo.GenesisScriptHash()
		Expect(err).NotTo(HaveOccurred())
		restored := filepath.Join(GinkgoT().TempDir(), "restored")
		Expect(checkpoint.Restore(ctx, archive, restored, topo.Magic, hash, false)).To(Succeed())

		copied := opts
		copied.DataDir = restored
		other, err := node.OpenOffline(copied)
		Expect(err).NotTo(HaveOccurred())
		defer other.Close()
		balance, err := other.Balance(ctx, alice.ScriptHash)
		Expect(err).NotTo(HaveOccurred())
		Expect(balance.Uint64()).To(Equal(uint64(7)))
	})

	It("should list contract storage written by a transaction", func() {
		script := chain.NewScriptBuilder().Put("notes", []byte("a"), []byte("1")).Script()
		_, err := n.Execute(ctx, wallet, genesis, script, 0)
		Expect(err).NotTo(HaveOccurred())

		entries, err := n.ContractStorage(ctx, "notes")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Value).To(BeEquivalentTo("1"))
	})
})

var _ = Describe("Open", func() {
	It("should open an idle data directory offline", func() {
		topo, err := core.NewTopology(core.TopologyOptions{Nodes: 1})
		Expect(err).NotTo(HaveOccurred())
		n, err := node.Open(context.Background(), node.Options{
			Topology: topo,
			DataDir:  GinkgoT().TempDir(),
			Engine:   database.MemoryDB,
		})
		Expect(err).NotTo(HaveOccurred())
		defer n.Close()
		Expect(n).To(BeAssignableToTypeOf(&node.OfflineNode{}))

		By("checkpointing the in-memory chain to disk")
		archive := filepath.Join(GinkgoT().TempDir(), "mem"+checkpoint.Extension)
		_, err = n.CreateCheckpoint(context.Background(), archive)
		Expect(err).NotTo(HaveOccurred())
		hash, err := topo.GenesisScriptHash()
		Expect(err).NotTo(HaveOccurred())
		restored := filepath.Join(GinkgoT().TempDir(), "restored")
		Expect(checkpoint.Restore(context.Background(), archive, restored, topo.Magic, hash, false)).To(Succeed())
		Expect(database.DetectEngine(restored)).To(Equal(database.PebbleDB))
	})

	It("should reject an out of range node", func() {
		topo, err := core.NewTopology(core.TopologyOptions{Nodes: 1})
		Expect(err).NotTo(HaveOccurred())
		_, err = node.Open(context.Background(), node.Options{Topology: topo, NodeIndex: 3})
		Expect(err).To(MatchError(core.ErrValidation))
	})
})
