package core_test

import (
	"path/filepath"

	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ChainTopology", func() {
	DescribeTable("should create a valid network",
		func(n, m int) {
			topo, err := core.NewTopology(core.TopologyOptions{Nodes: n})
			Expect(err).NotTo(HaveOccurred())
			Expect(topo.Nodes).To(HaveLen(n))
			Expect(topo.Validate()).To(Succeed())
			Expect(core.IsReservedMagic(topo.Magic)).To(BeFalse())

			script, err := topo.ConsensusScript()
			Expect(err).NotTo(HaveOccurred())
			threshold, pubs, err := keys.ParseMultiSigScript(script)
			Expect(err).NotTo(HaveOccurred())
			Expect(threshold).To(Equal(m))
			Expect(pubs).To(HaveLen(n))
		},
		Entry("single node", 1, 1),
		Entry("four nodes", 4, 3),
		Entry("seven nodes", 7, 5),
	)

	It("should reject unsupported node counts", func() {
		_, err := core.NewTopology(core.TopologyOptions{Nodes: 3})
		Expect(err).To(MatchError(core.ErrValidation))
	})

	It("should derive the same committee from a mnemonic", func() {
		mnemonic, err := keys.NewMnemonic()
		Expect(err).NotTo(HaveOccurred())
		a, err := core.NewTopology(core.TopologyOptions{Nodes: 4, Mnemonic: mnemonic})
		Expect(err).NotTo(HaveOccurred())
		b, err := core.NewTopology(core.TopologyOptions{Nodes: 4, Mnemonic: mnemonic})
		Expect(err).NotTo(HaveOccurred())

		ha, err := a.GenesisScriptHash()
		Expect(err).NotTo(HaveOccurred())
		hb, err := b.GenesisScriptHash()
		Expect(err).NotTo(HaveOccurred())
		Expect(ha).To(Equal(hb))
	})

	Context("validation", func() {
		var topo *core.ChainTopology

		BeforeEach(func() {
			var err error
			topo, err = core.NewTopology(core.TopologyOptions{Nodes: 4})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should detect overlapping ports", func() {
			topo.Nodes[1].RPCPort = topo.Nodes[0].P2PPort
			Expect(topo.Validate()).To(MatchError(core.ErrValidation))
		})

		It("should detect reserved magic", func() {
			topo.Magic = 860833102
			Expect(topo.Validate()).To(MatchError(core.ErrValidation))
		})

		It("should detect a missing consensus account", func() {
			topo.Nodes[2].Wallet.Accounts = topo.Nodes[2].Wallet.Accounts[:1]
			Expect(topo.Validate()).To(MatchError(core.ErrValidation))
		})

		It("should detect duplicate wallet names", func() {
			_, err := topo.AddWallet("alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = topo.AddWallet("ALICE")
			Expect(err).To(MatchError(core.ErrConflict))
			_, err = topo.AddWallet("node1")
			Expect(err).To(MatchError(core.ErrConflict))
		})
	})

	Context("accounts", func() {
		It("should resolve genesis, wallets and addresses", func() {
			topo, err := core.NewTopology(core.TopologyOptions{Nodes: 1})
			Expect(err).NotTo(HaveOccurred())

			w, err := topo.AddWallet("alice")
			Expect(err).NotTo(HaveOccurred())
			key, err := keys.GenerateKey()
			Expect(err).NotTo(HaveOccurred())
			Expect(w.AddAccount(core.NewSignatureAccount(key, "alice"))).To(Succeed())
			Expect(topo.Validate()).To(Succeed())

			_, genesis, err := topo.ResolveAccount("genesis")
			Expect(err).NotTo(HaveOccurred())
			Expect(genesis.IsMultiSig()).To(BeTrue())

			wallet, alice, err := topo.ResolveAccount("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(wallet.Name).To(Equal("alice"))
			Expect(alice.ScriptHash).To(Equal(key.ScriptHash()))

			_, byAddr, err := topo.ResolveAccount(key.ScriptHash().Address(topo.AddressVersion))
			Expect(err).NotTo(HaveOccurred())
			Expect(byAddr.ScriptHash).To(Equal(key.ScriptHash()))

			stranger, err := keys.GenerateKey()
			Expect(err).NotTo(HaveOccurred())
			_, watch, err := topo.ResolveAccount(stranger.ScriptHash().Address(topo.AddressVersion))
			Expect(err).NotTo(HaveOccurred())
			Expect(watch.PrivateKey).To(BeEmpty())
		})
	})

	It("should survive a save and load", func() {
		topo, err := core.NewTopology(core.TopologyOptions{Nodes: 4})
		Expect(err).NotTo(HaveOccurred())
		path := filepath.Join(GinkgoT().TempDir(), "default.json")
		Expect(core.SaveTopology(path, topo)).To(Succeed())

		loaded, err := core.LoadTopology(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Magic).To(Equal(topo.Magic))
		Expect(loaded.Nodes[3].Wallet.Accounts).To(Equal(topo.Nodes[3].Wallet.Accounts))
	})
})
