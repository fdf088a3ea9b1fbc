package database_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/express/pkg/database"
)

func collect(r database.Reader, prefix []byte) map[string]string {
	out := map[string]string{}
	var last []byte
	err := r.Iterate(prefix, func(k, v []byte) error {
		Expect(string(k) > string(last)).To(BeTrue(), "keys must ascend")
		last = k
		out[string(k)] = string(v)
		return nil
	})
	Expect(err).NotTo(HaveOccurred())
	return out
}

var _ = Describe("Stores", func() {
	var tempDir string

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "express-db-test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	for _, engine := range []database.Engine{database.PebbleDB, database.BadgerDB, database.LevelDB} {
		engine := engine

		Context(string(engine), func() {
			It("should read, write, iterate and checkpoint", func() {
				path := filepath.Join(tempDir, "db")
				store, err := database.Open(path, engine, false)
				Expect(err).NotTo(HaveOccurred())

				By("writing single keys and a batch")
				Expect(store.Put([]byte("a/1"), []byte("one"))).To(Succeed())
				Expect(store.Put([]byte("b/1"), []byte("other"))).To(Succeed())
				batch := store.NewBatch()
				Expect(batch.Put([]byte("a/2"), []byte("two"))).To(Succeed())
				Expect(batch.Put([]byte("a/3"), []byte("three"))).To(Succeed())
				Expect(batch.Len()).To(Equal(2))
				Expect(batch.Write()).To(Succeed())
				Expect(store.Delete([]byte("a/3"))).To(Succeed())

				v, err := store.Get([]byte("a/2"))
				Expect(err).NotTo(HaveOccurred())
				Expect(string(v)).To(Equal("two"))
				_, err = store.Get([]byte("a/3"))
				Expect(err).To(MatchError(database.ErrNotFound))

				Expect(collect(store, []byte("a/"))).To(Equal(map[string]string{"a/1": "one", "a/2": "two"}))

				By("checkpointing while the source stays open")
				cp, ok := store.(database.Checkpointer)
				Expect(ok).To(BeTrue())
				Expect(cp.Engine()).To(Equal(engine))
				dest := filepath.Join(tempDir, "checkpoint")
				Expect(cp.Checkpoint(dest)).To(Succeed())
				Expect(cp.Checkpoint(dest)).To(MatchError(os.ErrExist))

				Expect(store.Put([]byte("a/4"), []byte("after"))).To(Succeed())
				Expect(store.Close()).To(Succeed())

				By("opening the checkpoint")
				Expect(database.DetectEngine(dest)).To(Equal(engine))
				copied, err := database.Open(dest, "", true)
				Expect(err).NotTo(HaveOccurred())
				defer copied.Close()
				Expect(collect(copied, nil)).To(Equal(map[string]string{
					"a/1": "one", "a/2": "two", "b/1": "other",
				}))
			})
		})
	}

	It("should default to pebble for a missing directory", func() {
		Expect(database.DetectEngine(filepath.Join(tempDir, "missing"))).To(Equal(database.PebbleDB))
	})

	It("should copy between engines", func() {
		src := database.NewMemoryStore()
		for _, k := range []string{"x", "y", "z"} {
			Expect(src.Put([]byte(k), []byte(k+k))).To(Succeed())
		}
		dst, err := database.OpenLevel(filepath.Join(tempDir, "copy"), false)
		Expect(err).NotTo(HaveOccurred())
		defer dst.Close()

		n, err := database.Copy(dst, src, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(collect(dst, nil)).To(Equal(map[string]string{"x": "xx", "y": "yy", "z": "zz"}))
	})

	It("should checkpoint a memory store into pebble", func() {
		src := database.NewMemoryStore()
		Expect(src.Put([]byte("a"), []byte("1"))).To(Succeed())
		Expect(src.Put([]byte("b"), []byte("2"))).To(Succeed())
		Expect(database.SnapshotEngine(src)).To(Equal(database.PebbleDB))

		dest := filepath.Join(tempDir, "mem-checkpoint")
		Expect(src.Checkpoint(dest)).To(Succeed())
		Expect(src.Checkpoint(dest)).To(MatchError(os.ErrExist))
		Expect(database.DetectEngine(dest)).To(Equal(database.PebbleDB))

		copied, err := database.Open(dest, "", true)
		Expect(err).NotTo(HaveOccurred())
		defer copied.Close()
		Expect(collect(copied, nil)).To(Equal(map[string]string{"a": "1", "b": "2"}))
	})
})
