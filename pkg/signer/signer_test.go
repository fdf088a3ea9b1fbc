package signer_test

import (
	"crypto/sha256"
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/keys"
	"github.com/luxfi/express/pkg/signer"
)

type payload []byte

func (p payload) SigningHash(magic uint32) []byte {
	buf := make([]byte, 4, 4+len(p))
	binary.LittleEndian.PutUint32(buf, magic)
	sum := sha256.Sum256(append(buf, p...))
	return sum[:]
}

// stripKeys turns every account of the given node wallets watch-only
func stripKeys(topo *core.ChainTopology, nodes ...int) {
	for _, n := range nodes {
		w := &topo.Nodes[n].Wallet
		for i := range w.Accounts {
			w.Accounts[i].PrivateKey = nil
		}
	}
}

var _ = Describe("SigningContext", func() {
	var (
		ks     []*keys.PrivateKey
		pubs   [][]byte
		script []byte
		hash   []byte
	)

	BeforeEach(func() {
		ks, pubs = nil, nil
		for i := 0; i < 3; i++ {
			k, err := keys.GenerateKey()
			Expect(err).NotTo(HaveOccurred())
			ks = append(ks, k)
			pubs = append(pubs, k.PublicKey())
		}
		var err error
		script, err = keys.MultiSigScript(2, pubs)
		Expect(err).NotTo(HaveOccurred())
		hash = payload("tx").SigningHash(1)
	})

	add := func(sc signer.SigningContext, k *keys.PrivateKey) signer.SigningContext {
		sig, err := k.Sign(hash)
		Expect(err).NotTo(HaveOccurred())
		next, err := sc.Add(k.PublicKey(), sig, hash)
		Expect(err).NotTo(HaveOccurred())
		return next
	}

	It("should fold signatures without mutating earlier states", func() {
		empty, err := signer.NewSigningContext(script)
		Expect(err).NotTo(HaveOccurred())
		Expect(empty.Required()).To(Equal(2))

		one := add(empty, ks[2])
		Expect(empty.Collected()).To(BeZero())
		Expect(one.Collected()).To(Equal(1))
		Expect(one.IsComplete()).To(BeFalse())
		_, err = one.Witness()
		Expect(err).To(MatchError(core.ErrInsufficientSignatures))

		Expect(add(one, ks[2]).Collected()).To(Equal(1))

		two := add(one, ks[0])
		Expect(two.IsComplete()).To(BeTrue())
		Expect(one.IsComplete()).To(BeFalse())

		w, err := two.Witness()
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Verify(hash)).To(Succeed())
	})

	It("should reject foreign keys and bad signatures", func() {
		sc, err := signer.NewSigningContext(script)
		Expect(err).NotTo(HaveOccurred())

		stranger, err := keys.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		sig, err := stranger.Sign(hash)
		Expect(err).NotTo(HaveOccurred())
		_, err = sc.Add(stranger.PublicKey(), sig, hash)
		Expect(err).To(HaveOccurred())

		_, err = sc.Add(pubs[0], sig, hash)
		Expect(err).To(HaveOccurred())
		Expect(sc.Needs(pubs[0])).To(BeTrue())
		Expect(sc.Needs(stranger.PublicKey())).To(BeFalse())
	})

	It("should reject scripts that are not verification scripts", func() {
		_, err := signer.NewSigningContext([]byte{0x01, 0x02})
		Expect(err).To(MatchError(core.ErrValidation))
	})
})

var _ = Describe("Sign", func() {
	var topo *core.ChainTopology

	BeforeEach(func() {
		var err error
		topo, err = core.NewTopology(core.TopologyOptions{Nodes: 4})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should sign with a single-key account", func() {
		acct := core.NewSignatureAccount(mustKey(), "alice")
		w, err := signer.Sign(payload("tx"), acct, nil, topo.Magic)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.ScriptHash()).To(Equal(acct.ScriptHash))
		Expect(w.Verify(payload("tx").SigningHash(topo.Magic))).To(Succeed())
		Expect(w.Verify(payload("tx").SigningHash(topo.Magic + 1))).NotTo(Succeed())
	})

	It("should find the key of a watch-only single-key account in another wallet", func() {
		_, acct, err := topo.ResolveAccount("node2")
		Expect(err).NotTo(HaveOccurred())
		acct.PrivateKey = nil
		w, err := signer.Sign(payload("tx"), acct, topo, topo.Magic)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Verify(payload("tx").SigningHash(topo.Magic))).To(Succeed())
	})

	It("should complete the consensus account from keys spread over node wallets", func() {
		_, acct, err := topo.ConsensusAccount()
		Expect(err).NotTo(HaveOccurred())
		w, err := signer.Sign(payload("tx"), acct, topo, topo.Magic)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.ScriptHash()).To(Equal(acct.ScriptHash))
		Expect(w.Verify(payload("tx").SigningHash(topo.Magic))).To(Succeed())
	})

	DescribeTable("should succeed with any threshold subset of wallets",
		func(missing ...int) {
			_, acct, err := topo.ConsensusAccount()
			Expect(err).NotTo(HaveOccurred())
			acct.PrivateKey = nil
			stripKeys(topo, missing...)

			w, err := signer.Sign(payload("tx"), acct, topo, topo.Magic)
			Expect(err).NotTo(HaveOccurred())
			Expect(w.Verify(payload("tx").SigningHash(topo.Magic))).To(Succeed())
		},
		Entry("without node1", 0),
		Entry("without node2", 1),
		Entry("without node4", 3),
	)

	It("should collect shares held by a user wallet", func() {
		_, acct, err := topo.ConsensusAccount()
		Expect(err).NotTo(HaveOccurred())

		share := topo.Nodes[3].Wallet.Accounts[0]
		stripKeys(topo, 0, 3)
		acct.PrivateKey = nil

		user, err := topo.AddWallet("carol")
		Expect(err).NotTo(HaveOccurred())
		share.IsDefault = false
		Expect(user.AddAccount(share)).To(Succeed())

		w, err := signer.Sign(payload("tx"), acct, topo, topo.Magic)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Verify(payload("tx").SigningHash(topo.Magic))).To(Succeed())
	})

	It("should fail without a witness when fewer than m keys exist", func() {
		_, acct, err := topo.ConsensusAccount()
		Expect(err).NotTo(HaveOccurred())
		acct.PrivateKey = nil
		stripKeys(topo, 0, 1)

		w, err := signer.Sign(payload("tx"), acct, topo, topo.Magic)
		Expect(err).To(MatchError(core.ErrInsufficientSignatures))
		Expect(w).To(BeNil())

		var insufficient core.InsufficientSignaturesError
		Expect(err).To(BeAssignableToTypeOf(insufficient))
		Expect(err.(core.InsufficientSignaturesError).Required).To(Equal(3))
		Expect(err.(core.InsufficientSignaturesError).Collected).To(Equal(2))
	})

	It("should fail for a watch-only account nobody holds", func() {
		acct := core.NewSignatureAccount(mustKey(), "ghost")
		acct.PrivateKey = nil
		_, err := signer.Sign(payload("tx"), acct, topo, topo.Magic)
		Expect(err).To(MatchError(core.ErrInsufficientSignatures))
	})
})

func mustKey() *keys.PrivateKey {
	k, err := keys.GenerateKey()
	Expect(err).NotTo(HaveOccurred())
	return k
}
