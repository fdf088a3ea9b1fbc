package checkpoint_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
)

func dump(store database.Reader) map[string]string {
	out := map[string]string{}
	Expect(store.Iterate(nil, func(k, v []byte) error {
		out[string(k)] = string(v)
		return nil
	})).To(Succeed())
	return out
}

var _ = Describe("Archive", func() {
	var (
		ctx     context.Context
		tempDir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		tempDir, err = os.MkdirTemp("", "express-checkpoint-test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	seed := func(dir string, n int) *database.PebbleStore {
		store, err := database.OpenPebble(dir, false)
		Expect(err).NotTo(HaveOccurred())
		batch := store.NewBatch()
		for i := 0; i < n; i++ {
			Expect(batch.Put([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%d", i)))).To(Succeed())
		}
		Expect(batch.Write()).To(Succeed())
		return store
	}

	DescribeTable("round trips store contents for every network size",
		func(nodes int) {
			topo, err := core.NewTopology(core.TopologyOptions{Nodes: nodes})
			Expect(err).NotTo(HaveOccurred())
			hash, err := topo.GenesisScriptHash()
			Expect(err).NotTo(HaveOccurred())

			store := seed(filepath.Join(tempDir, "src"), 500)
			defer store.Close()
			before := dump(store)

			archivePath := filepath.Join(tempDir, "snap"+checkpoint.Extension)
			archive, err := checkpoint.Create(ctx, store, archivePath, topo.Magic, hash)
			Expect(err).NotTo(HaveOccurred())
			Expect(archive.Header.Magic).To(Equal(topo.Magic))

			By("writing to the source after the snapshot")
			Expect(store.Put([]byte("late"), []byte("write"))).To(Succeed())

			header, err := checkpoint.ReadHeader(archivePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(header.GenesisScriptHash).To(Equal(hash))

			dest := filepath.Join(tempDir, "restored")
			Expect(checkpoint.Restore(ctx, archivePath, dest, topo.Magic, hash, false)).To(Succeed())

			restored, err := database.Open(dest, "", true)
			Expect(err).NotTo(HaveOccurred())
			defer restored.Close()
			Expect(dump(restored)).To(Equal(before))
		},
		Entry("single node", 1),
		Entry("four nodes", 4),
		Entry("seven nodes", 7),
	)

	Context("with an archive", func() {
		var (
			archivePath string
			magic       uint32
			hash        keys.ScriptHash
		)

		BeforeEach(func() {
			magic = 123456
			hash = keys.Hash160([]byte("chain-a"))
			store := seed(filepath.Join(tempDir, "src"), 10)
			defer store.Close()

			archivePath = filepath.Join(tempDir, "a"+checkpoint.Extension)
			_, err := checkpoint.Create(ctx, store, archivePath, magic, hash)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should refuse to overwrite an existing archive", func() {
			store := seed(filepath.Join(tempDir, "other"), 1)
			defer store.Close()
			_, err := checkpoint.Create(ctx, store, archivePath, magic, hash)
			Expect(err).To(MatchError(core.ErrConflict))
		})

		It("should reject an archive from another chain and leave the directory untouched", func() {
			dest := filepath.Join(tempDir, "dest")
			Expect(checkpoint.Restore(ctx, archivePath, dest, magic+1, hash, false)).To(MatchError(core.ErrValidation))
			Expect(checkpoint.Restore(ctx, archivePath, dest, magic, keys.Hash160([]byte("chain-b")), true)).To(MatchError(core.ErrValidation))
			_, err := os.Stat(dest)
			Expect(os.IsNotExist(err)).To(BeTrue())

			entries, err := os.ReadDir(tempDir)
			Expect(err).NotTo(HaveOccurred())
			for _, e := range entries {
				Expect(e.Name()).NotTo(HavePrefix(".express-restore"))
			}
		})

		It("should reject a truncated file", func() {
			bad := filepath.Join(tempDir, "bad"+checkpoint.Extension)
			Expect(os.WriteFile(bad, []byte{1, 2, 3}, 0o644)).To(Succeed())
			Expect(checkpoint.Restore(ctx, bad, filepath.Join(tempDir, "dest"), magic, hash, false)).To(MatchError(core.ErrValidation))
		})

		It("should require force to replace a populated directory", func() {
			dest := filepath.Join(tempDir, "dest")
			Expect(os.MkdirAll(dest, 0o755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dest, "marker"), []byte("x"), 0o644)).To(Succeed())

			Expect(checkpoint.Restore(ctx, archivePath, dest, magic, hash, false)).To(MatchError(core.ErrConflict))
			Expect(filepath.Join(dest, "marker")).To(BeAnExistingFile())

			Expect(checkpoint.Restore(ctx, archivePath, dest, magic, hash, true)).To(Succeed())
			Expect(filepath.Join(dest, "marker")).NotTo(BeAnExistingFile())
		})

		It("should restore into an existing empty directory", func() {
			dest := filepath.Join(tempDir, "empty")
			Expect(os.MkdirAll(dest, 0o755)).To(Succeed())
			Expect(checkpoint.Restore(ctx, archivePath, dest, magic, hash, false)).To(Succeed())
		})

		It("should restore into a disposable directory", func() {
			dir, cleanup, err := checkpoint.RestoreTemp(ctx, archivePath, magic, hash)
			Expect(err).NotTo(HaveOccurred())
			Expect(dir).To(BeADirectory())
			cleanup()
			Expect(dir).NotTo(BeADirectory())
		})

		It("should stop when cancelled", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			dest := filepath.Join(tempDir, "dest")
			Expect(checkpoint.Restore(cancelled, archivePath, dest, magic, hash, false)).To(MatchError(core.ErrCancelled))
			Expect(dest).NotTo(BeADirectory())
		})
	})

	It("should include writes pending in an overlay", func() {
		store := seed(filepath.Join(tempDir, "src"), 3)
		defer store.Close()
		overlay := database.NewOverlay(store)
		Expect(overlay.Put([]byte("pending"), []byte("yes"))).To(Succeed())
		Expect(overlay.Delete([]byte("key-0000"))).To(Succeed())
		expected := map[string]string{}
		Expect(overlay.Iterate(nil, func(k, v []byte) error {
			expected[string(k)] = string(v)
			return nil
		})).To(Succeed())

		hash := keys.Hash160([]byte("chain"))
		archivePath := filepath.Join(tempDir, "layered"+checkpoint.Extension)
		_, err := checkpoint.CreateLayered(ctx, store, overlay, archivePath, 7, hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(overlay.Pending()).To(Equal(2))
		Expect(dump(store)).NotTo(HaveKey("pending"))

		dest := filepath.Join(tempDir, "restored")
		Expect(checkpoint.Restore(ctx, archivePath, dest, 7, hash, false)).To(Succeed())
		restored, err := database.Open(dest, "", true)
		Expect(err).NotTo(HaveOccurred())
		defer restored.Close()
		Expect(dump(restored)).To(Equal(expected))
	})

	It("should snapshot a stopped node's directory and refuse a running one", func() {
		dataDir := filepath.Join(tempDir, "node1")
		seed(dataDir, 5).Close()
		hash := keys.Hash160([]byte("chain"))

		guard, err := checkpoint.Acquire(dataDir)
		Expect(err).NotTo(HaveOccurred())
		_, err = checkpoint.CreateFromDir(ctx, dataDir, "", filepath.Join(tempDir, "busy"+checkpoint.Extension), 1, hash)
		Expect(err).To(MatchError(core.ErrBusy))
		Expect(checkpoint.Restore(ctx, filepath.Join(tempDir, "missing"), dataDir, 1, hash, true)).To(MatchError(core.ErrBusy))
		Expect(guard.Release()).To(Succeed())

		archive, err := checkpoint.CreateFromDir(ctx, dataDir, "", filepath.Join(tempDir, "idle"+checkpoint.Extension), 1, hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(archive.Path).To(BeAnExistingFile())

		By("releasing the directory once the archive is written")
		Expect(checkpoint.Check(dataDir)).To(Succeed())
		holder, err := checkpoint.Inspect(dataDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(holder).To(BeNil())

		dest := filepath.Join(tempDir, "restored")
		Expect(checkpoint.Restore(ctx, archive.Path, dest, 1, hash, false)).To(Succeed())
		restored, err := database.Open(dest, "", true)
		Expect(err).NotTo(HaveOccurred())
		defer restored.Close()
		Expect(dump(restored)).To(HaveLen(5))
	})

	It("should refuse to checkpoint a read-only pebble store", func() {
		dir := filepath.Join(tempDir, "ro")
		seed(dir, 1).Close()
		store, err := database.OpenPebble(dir, true)
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		Expect(store.Checkpoint(filepath.Join(tempDir, "ro-copy"))).NotTo(Succeed())
	})
})
